// Package media tracks MPRIS players on the session bus and reports whether
// any of them is playing.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	playerPrefix     = "org.mpris.MediaPlayer2."
	playerObjectPath = "/org/mpris/MediaPlayer2"
	playerInterface  = "org.mpris.MediaPlayer2.Player"

	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	nameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"

	statusTimeout = 500 * time.Millisecond
)

// StatusPlaying is the PlaybackStatus value that counts as active media.
const StatusPlaying = "Playing"

// statusFunc queries the PlaybackStatus of a bus name.
type statusFunc func(ctx context.Context, name string) (string, error)

type player struct {
	owner  string
	status string
}

// Monitor keeps the playback status of every MPRIS player. It is not safe
// for concurrent use; the daemon loop calls Apply with values received from
// Signals.
type Monitor struct {
	conn    *dbus.Conn
	logger  *slog.Logger
	status  statusFunc
	ignored []string

	players map[string]*player // bus name -> player
	signals chan *dbus.Signal
}

// Connect attaches to the session bus. It never fails: when the bus is
// unreachable a single warning is logged and IsPlaying stays false.
func Connect(ignored []string, logger *slog.Logger) *Monitor {
	m := newMonitor(nil, ignored, logger)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.Warn("session bus unavailable, media monitoring disabled", "error", err)
		return m
	}

	if err := subscribe(conn); err != nil {
		logger.Warn("failed to subscribe to MPRIS signals, media monitoring disabled", "error", err)
		conn.Close()
		return m
	}

	m.conn = conn
	m.status = func(ctx context.Context, name string) (string, error) {
		return playbackStatus(ctx, conn, name)
	}
	m.signals = make(chan *dbus.Signal, 32)
	conn.Signal(m.signals)

	if err := m.scan(); err != nil {
		logger.Warn("failed to list MPRIS players", "error", err)
	}
	return m
}

func newMonitor(status statusFunc, ignored []string, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:  logger,
		status:  status,
		ignored: normalize(ignored),
		players: make(map[string]*player),
	}
}

func subscribe(conn *dbus.Conn) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(playerObjectPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchOption("arg0namespace", strings.TrimSuffix(playerPrefix, ".")),
	); err != nil {
		return fmt.Errorf("match NameOwnerChanged: %w", err)
	}
	return nil
}

func playbackStatus(ctx context.Context, conn *dbus.Conn, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var v dbus.Variant
	err := conn.Object(name, playerObjectPath).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, playerInterface, "PlaybackStatus").
		Store(&v)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("PlaybackStatus has type %s", v.Signature())
	}
	return s, nil
}

// scan picks up the players that already exist.
func (m *Monitor) scan() error {
	var names []string
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, playerPrefix) {
			continue
		}
		var owner string
		if err := m.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
			m.logger.Debug("failed to resolve player owner", "player", name, "error", err)
			continue
		}
		m.add(name, owner)
	}
	return nil
}

// Available reports whether the monitor is attached to a bus.
func (m *Monitor) Available() bool { return m.conn != nil }

// Signals delivers bus signals to pass to Apply. It is nil when the bus is
// unavailable, so a select on it never fires.
func (m *Monitor) Signals() <-chan *dbus.Signal { return m.signals }

// SetIgnored replaces the ignored player list.
func (m *Monitor) SetIgnored(ignored []string) {
	m.ignored = normalize(ignored)
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(n), playerPrefix))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// isIgnored matches the part of the bus name after the MPRIS prefix, so
// "firefox" also covers "org.mpris.MediaPlayer2.firefox.instance_1_42".
func (m *Monitor) isIgnored(name string) bool {
	short := strings.ToLower(strings.TrimPrefix(name, playerPrefix))
	for _, ig := range m.ignored {
		if short == ig || strings.HasPrefix(short, ig+".") {
			return true
		}
	}
	return false
}

func (m *Monitor) add(name, owner string) {
	p := &player{owner: owner, status: "Stopped"}
	m.players[name] = p

	if m.status == nil {
		return
	}
	status, err := m.status(context.Background(), name)
	if err != nil {
		m.logger.Debug("failed to read playback status", "player", name, "error", err)
		return
	}
	p.status = status
}

// Apply updates the player table from a signal and reports whether the
// playing state changed.
func (m *Monitor) Apply(sig *dbus.Signal) bool {
	before := m.IsPlaying()

	switch sig.Name {
	case nameOwnerChanged:
		if len(sig.Body) < 3 {
			return false
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, playerPrefix) {
			return false
		}
		if newOwner == "" {
			delete(m.players, name)
			m.logger.Debug("media player left", "player", name)
		} else {
			m.add(name, newOwner)
			m.logger.Debug("media player appeared", "player", name)
		}

	case propertiesChanged:
		if len(sig.Body) < 2 {
			return false
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != playerInterface {
			return false
		}
		v, ok := changed["PlaybackStatus"]
		if !ok {
			return false
		}
		status, _ := v.Value().(string)
		for name, p := range m.players {
			if p.owner == sig.Sender {
				p.status = status
				m.logger.Debug("playback status changed", "player", name, "status", status)
			}
		}

	default:
		return false
	}

	return before != m.IsPlaying()
}

// IsPlaying reports whether any non-ignored player is playing.
func (m *Monitor) IsPlaying() bool {
	return len(m.Playing()) > 0
}

// Playing returns the non-ignored players that are playing, sorted.
func (m *Monitor) Playing() []string {
	var out []string
	for name, p := range m.players {
		if p.status == StatusPlaying && !m.isIgnored(name) {
			out = append(out, strings.TrimPrefix(name, playerPrefix))
		}
	}
	slices.Sort(out)
	return out
}

func (m *Monitor) Close() error {
	if m.conn == nil {
		return nil
	}
	m.conn.RemoveSignal(m.signals)
	return m.conn.Close()
}
