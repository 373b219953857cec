package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no configuration file can be found.
var ErrNoConfig = errors.New("no configuration file found")

// Error is a configuration that could not be read, decoded or validated.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type rawFile struct {
	DefaultTimeout int                  `toml:"default_timeout" yaml:"default_timeout"`
	Idle           rawIdle              `toml:"idle" yaml:"idle"`
	Actions        map[string]rawAction `toml:"actions" yaml:"actions"`
	Daemon         rawDaemon            `toml:"daemon" yaml:"daemon"`
}

type rawIdle struct {
	ResumeCommand     string   `toml:"resume_command" yaml:"resume_command"`
	PreSuspendCommand string   `toml:"pre_suspend_command" yaml:"pre_suspend_command"`
	MonitorMedia      *bool    `toml:"monitor_media" yaml:"monitor_media"`
	RespectInhibitors *bool    `toml:"respect_idle_inhibitors" yaml:"respect_idle_inhibitors"`
	DebounceSeconds   *int     `toml:"debounce_seconds" yaml:"debounce_seconds"`
	InhibitApps       []string `toml:"inhibit_apps" yaml:"inhibit_apps"`
	IgnorePlayers     []string `toml:"ignore_players" yaml:"ignore_players"`
	PollInterval      int      `toml:"poll_interval" yaml:"poll_interval"`

	OnAC      map[string]rawAction `toml:"on_ac" yaml:"on_ac"`
	OnBattery map[string]rawAction `toml:"on_battery" yaml:"on_battery"`
}

type rawAction struct {
	Timeout int    `toml:"timeout" yaml:"timeout"`
	Command string `toml:"command" yaml:"command"`
}

type rawDaemon struct {
	Socket      string `toml:"socket" yaml:"socket"`
	PIDFile     string `toml:"pid_file" yaml:"pid_file"`
	WebAddr     string `toml:"web_addr" yaml:"web_addr"`
	History     bool   `toml:"history" yaml:"history"`
	HistoryPath string `toml:"history_path" yaml:"history_path"`
}

// SearchPaths returns the candidate config locations in priority order.
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv("STASIS_CONFIG"); p != "" {
		paths = append(paths, p)
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	if configHome != "" {
		dir := filepath.Join(configHome, "stasis")
		paths = append(paths,
			filepath.Join(dir, "stasis.toml"),
			filepath.Join(dir, "stasis.yaml"),
			filepath.Join(dir, "stasis.yml"),
		)
	}

	return append(paths, "/etc/stasis/stasis.toml", "/etc/stasis/stasis.yaml")
}

// Find returns the first existing file from SearchPaths.
func Find() (string, error) {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", ErrNoConfig
}

// Load reads, decodes and validates the configuration at path. An empty
// path searches the default locations. Every failure is an *Error.
func Load(path string) (*Snapshot, error) {
	if path == "" {
		found, err := Find()
		if err != nil {
			return nil, &Error{Err: err}
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: errors.Wrap(err, "failed to read config")}
	}

	snap, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	snap.Path = path

	LoadFromEnv(snap)
	snap.applyDefaultTimeouts()

	if err := snap.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return snap, nil
}

// Format is a config file encoding.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Parse decodes data into a Snapshot. Action timeouts left at zero are
// filled from DefaultTimeout by Load after env overrides apply.
func Parse(data []byte, format Format) (*Snapshot, error) {
	var raw rawFile
	var order actionOrder

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "failed to decode yaml")
		}
		o, err := yamlActionOrder(data)
		if err != nil {
			return nil, err
		}
		order = o
	default:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode toml")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown key %q", undecoded[0].String())
		}
		order = tomlActionOrder(md)
	}

	return build(&raw, order)
}

// actionOrder holds the action names of each table in file order; the
// decoded maps lose it.
type actionOrder struct {
	actions   []string
	onAC      []string
	onBattery []string
}

func tomlActionOrder(md toml.MetaData) actionOrder {
	var order actionOrder
	seen := make(map[string]bool)
	add := func(list *[]string, table, name string) {
		if !seen[table+"."+name] {
			seen[table+"."+name] = true
			*list = append(*list, name)
		}
	}
	for _, key := range md.Keys() {
		switch {
		case len(key) >= 2 && key[0] == "actions":
			add(&order.actions, "actions", key[1])
		case len(key) >= 3 && key[0] == "idle" && key[1] == "on_ac":
			add(&order.onAC, "on_ac", key[2])
		case len(key) >= 3 && key[0] == "idle" && key[1] == "on_battery":
			add(&order.onBattery, "on_battery", key[2])
		}
	}
	return order
}

func yamlActionOrder(data []byte) (actionOrder, error) {
	var doc struct {
		Actions yaml.Node `yaml:"actions"`
		Idle    struct {
			OnAC      yaml.Node `yaml:"on_ac"`
			OnBattery yaml.Node `yaml:"on_battery"`
		} `yaml:"idle"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return actionOrder{}, errors.Wrap(err, "failed to decode yaml")
	}
	return actionOrder{
		actions:   mappingKeys(&doc.Actions),
		onAC:      mappingKeys(&doc.Idle.OnAC),
		onBattery: mappingKeys(&doc.Idle.OnBattery),
	}, nil
}

func mappingKeys(n *yaml.Node) []string {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	var keys []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

func build(raw *rawFile, order actionOrder) (*Snapshot, error) {
	snap := Default()

	if raw.DefaultTimeout != 0 {
		snap.DefaultTimeout = time.Duration(raw.DefaultTimeout) * time.Second
	}

	idle := &snap.Idle
	idle.ResumeCommand = strings.TrimSpace(raw.Idle.ResumeCommand)
	idle.PreSuspendCommand = strings.TrimSpace(raw.Idle.PreSuspendCommand)
	if raw.Idle.MonitorMedia != nil {
		idle.MonitorMedia = *raw.Idle.MonitorMedia
	}
	if raw.Idle.RespectInhibitors != nil {
		idle.RespectInhibitors = *raw.Idle.RespectInhibitors
	}
	if raw.Idle.DebounceSeconds != nil {
		idle.DebounceSeconds = *raw.Idle.DebounceSeconds
	}
	if raw.Idle.PollInterval != 0 {
		idle.PollInterval = time.Duration(raw.Idle.PollInterval) * time.Second
	}
	idle.IgnorePlayers = raw.Idle.IgnorePlayers

	for _, s := range raw.Idle.InhibitApps {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		idle.InhibitApps = append(idle.InhibitApps, p)
	}

	var err error
	if snap.Actions, err = buildActions(raw.Actions, order.actions); err != nil {
		return nil, err
	}
	if snap.OnAC, err = buildActions(raw.Idle.OnAC, order.onAC); err != nil {
		return nil, errors.Wrap(err, "idle.on_ac")
	}
	if snap.OnBattery, err = buildActions(raw.Idle.OnBattery, order.onBattery); err != nil {
		return nil, errors.Wrap(err, "idle.on_battery")
	}
	snap.plain = snap.Actions

	d := raw.Daemon
	if d.Socket != "" {
		snap.Daemon.Socket = d.Socket
	}
	if d.PIDFile != "" {
		snap.Daemon.PIDFile = d.PIDFile
	}
	snap.Daemon.WebAddr = d.WebAddr
	snap.Daemon.History = d.History
	snap.Daemon.HistoryPath = d.HistoryPath

	return snap, nil
}

func buildActions(table map[string]rawAction, order []string) ([]Action, error) {
	var actions []Action
	seen := make(map[string]string)
	for _, key := range order {
		ra, ok := table[key]
		if !ok {
			continue
		}
		name := NormalizeName(key)
		if prev, dup := seen[name]; dup {
			return nil, errors.Errorf("actions %q and %q name the same action", prev, key)
		}
		seen[name] = key

		if ra.Timeout < 0 {
			return nil, errors.Errorf("action %q: negative timeout", name)
		}
		actions = append(actions, Action{
			Name:    name,
			Timeout: time.Duration(ra.Timeout) * time.Second,
			Command: strings.TrimSpace(ra.Command),
		})
	}
	return actions, nil
}

func (s *Snapshot) applyDefaultTimeouts() {
	for _, list := range [][]Action{s.Actions, s.OnAC, s.OnBattery} {
		for i := range list {
			if list[i].Timeout == 0 {
				list[i].Timeout = s.DefaultTimeout
			}
		}
	}
}

// NormalizeName folds hyphens to underscores so lock-screen and lock_screen
// name the same action.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}
