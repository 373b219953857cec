package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Reserved action names. They always occupy a fixed semantic slot; absent
// from the file means disabled.
const (
	ActionLockScreen = "lock_screen"
	ActionSuspend    = "suspend"
	ActionDPMS       = "dpms"
	ActionBrightness = "brightness"
)

// Kind identifies the semantics of an action.
type Kind int

const (
	KindCustom Kind = iota
	KindLockScreen
	KindSuspend
	KindDPMS
	KindBrightness
)

func (k Kind) String() string {
	switch k {
	case KindLockScreen:
		return ActionLockScreen
	case KindSuspend:
		return ActionSuspend
	case KindDPMS:
		return ActionDPMS
	case KindBrightness:
		return ActionBrightness
	default:
		return "custom"
	}
}

// Action is one configured idle action.
type Action struct {
	Name    string
	Timeout time.Duration
	Command string
}

// Kind returns the reserved slot of the action, or KindCustom.
func (a Action) Kind() Kind {
	switch a.Name {
	case ActionLockScreen:
		return KindLockScreen
	case ActionSuspend:
		return KindSuspend
	case ActionDPMS:
		return KindDPMS
	case ActionBrightness:
		return KindBrightness
	default:
		return KindCustom
	}
}

// IdleBlock holds the session-wide idle settings
type IdleBlock struct {
	ResumeCommand     string
	PreSuspendCommand string
	MonitorMedia      bool
	RespectInhibitors bool
	DebounceSeconds   int
	InhibitApps       []Pattern
	IgnorePlayers     []string
	PollInterval      time.Duration // How often running apps are enumerated
}

// DaemonBlock holds process-level settings that are not reloadable.
type DaemonBlock struct {
	Socket      string // Control socket path
	PIDFile     string
	WebAddr     string // Empty disables the status server
	History     bool   // Record fired actions in the journal
	HistoryPath string
}

// Power profiles.
const (
	ProfileAC      = "ac"
	ProfileBattery = "battery"
)

// Snapshot is a fully parsed configuration. It is never mutated after Load
// returns; a reload builds a new one.
type Snapshot struct {
	Path           string
	DefaultTimeout time.Duration
	Idle           IdleBlock
	// Actions are the actions in effect. With power profiles configured
	// they are the actions of Profile.
	Actions []Action
	Daemon  DaemonBlock

	// OnAC and OnBattery are the [idle.on_ac] and [idle.on_battery] tables.
	OnAC      []Action
	OnBattery []Action
	// Profile is empty until ForProfile selects one.
	Profile string

	plain []Action // the [actions] table
}

// Default returns a Snapshot with no actions and sensible default values
func Default() *Snapshot {
	return &Snapshot{
		DefaultTimeout: 300 * time.Second,
		Idle: IdleBlock{
			MonitorMedia:      true,
			RespectInhibitors: true,
			DebounceSeconds:   3,
			PollInterval:      4 * time.Second,
		},
		Daemon: DaemonBlock{
			Socket:  DefaultSocketPath(),
			PIDFile: fmt.Sprintf("/tmp/stasis-%d.pid", os.Getuid()),
		},
	}
}

// DefaultSocketPath returns the control socket location for the current user.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "stasis.sock")
	}
	return fmt.Sprintf("/tmp/stasis-%d.sock", os.Getuid())
}

// HasProfiles reports whether any power profile table is configured.
func (s *Snapshot) HasProfiles() bool {
	return len(s.OnAC) > 0 || len(s.OnBattery) > 0
}

// ForProfile returns a copy of s whose Actions are those of the named power
// profile. A profile without actions of its own uses the [actions] table.
// Without profiles s is returned unchanged.
func (s *Snapshot) ForProfile(profile string) *Snapshot {
	if !s.HasProfiles() {
		return s
	}
	out := *s
	out.Profile = profile
	out.Actions = s.plain
	switch {
	case profile == ProfileAC && len(s.OnAC) > 0:
		out.Actions = s.OnAC
	case profile == ProfileBattery && len(s.OnBattery) > 0:
		out.Actions = s.OnBattery
	}
	return &out
}

// Action returns the action with the given name, or nil.
func (s *Snapshot) Action(name string) *Action {
	for i := range s.Actions {
		if s.Actions[i].Name == name {
			return &s.Actions[i]
		}
	}
	return nil
}

// Reserved returns the action filling a reserved slot, nil when disabled.
func (s *Snapshot) Reserved(kind Kind) *Action {
	if kind == KindCustom {
		return nil
	}
	return s.Action(kind.String())
}

// Thresholds returns the distinct action timeouts plus the debounce
// threshold, in ascending order.
func (s *Snapshot) Thresholds() []time.Duration {
	seen := make(map[time.Duration]bool)
	var out []time.Duration
	add := func(d time.Duration) {
		if d > 0 && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	add(s.Debounce())
	for _, a := range s.Actions {
		add(a.Timeout)
	}
	slices.Sort(out)
	return out
}

// Debounce returns the activity threshold as a duration.
func (s *Snapshot) Debounce() time.Duration {
	return time.Duration(s.Idle.DebounceSeconds) * time.Second
}

// Validate checks if the configuration is valid
func (s *Snapshot) Validate() error {
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %v", s.DefaultTimeout)
	}

	if s.Idle.DebounceSeconds < 1 {
		return fmt.Errorf("debounce_seconds must be at least 1, got %d", s.Idle.DebounceSeconds)
	}

	if s.Idle.PollInterval < time.Second {
		return fmt.Errorf("poll interval (%v) cannot be less than 1s", s.Idle.PollInterval)
	}

	if err := validateActions(s.Actions); err != nil {
		return err
	}
	if err := validateActions(s.OnAC); err != nil {
		return fmt.Errorf("idle.on_ac: %w", err)
	}
	if err := validateActions(s.OnBattery); err != nil {
		return fmt.Errorf("idle.on_battery: %w", err)
	}

	if s.Daemon.Socket == "" {
		return fmt.Errorf("control socket path cannot be empty")
	}
	if s.Daemon.PIDFile == "" {
		return fmt.Errorf("PID file path cannot be empty")
	}

	return nil
}

func validateActions(actions []Action) error {
	seen := make(map[string]bool)
	for _, a := range actions {
		if a.Name == "" {
			return fmt.Errorf("action with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("action %q defined twice", a.Name)
		}
		seen[a.Name] = true

		if a.Timeout <= 0 {
			return fmt.Errorf("action %q: timeout must be positive", a.Name)
		}
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("action %q: command cannot be empty", a.Name)
		}
	}
	return nil
}

// String returns a string representation of the config
func (s *Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Configuration:
  File: %s
  Default Timeout: %v
  Idle:
    Resume Command: %s
    Pre-suspend Command: %s
    Monitor Media: %v
    Respect Inhibitors: %v
    Debounce: %ds
    Inhibit Apps: %s
    Poll Interval: %v
  Daemon:
    Socket: %s
    PID File: %s
    Web Address: %s
    History: %v
  Actions:`,
		orDash(s.Path),
		s.DefaultTimeout,
		orDash(s.Idle.ResumeCommand),
		orDash(s.Idle.PreSuspendCommand),
		s.Idle.MonitorMedia,
		s.Idle.RespectInhibitors,
		s.Idle.DebounceSeconds,
		orDash(JoinPatterns(s.Idle.InhibitApps)),
		s.Idle.PollInterval,
		s.Daemon.Socket,
		s.Daemon.PIDFile,
		orDash(s.Daemon.WebAddr),
		s.Daemon.History,
	)
	writeActions(&b, s.Actions)
	if len(s.OnAC) > 0 {
		b.WriteString("\n  On AC:")
		writeActions(&b, s.OnAC)
	}
	if len(s.OnBattery) > 0 {
		b.WriteString("\n  On Battery:")
		writeActions(&b, s.OnBattery)
	}
	return b.String()
}

func writeActions(b *strings.Builder, actions []Action) {
	if len(actions) == 0 {
		b.WriteString(" none")
	}
	for _, a := range actions {
		fmt.Fprintf(b, "\n    %s: after %v run %q", a.Name, a.Timeout, a.Command)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
