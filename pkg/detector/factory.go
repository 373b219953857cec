// Package detector picks the idle facility and compositor IPC backend for
// the running session.
package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/stasis/stasis/pkg/compositor"
	"github.com/stasis/stasis/pkg/idle"
	"github.com/stasis/stasis/pkg/integrations/gnome"
	"github.com/stasis/stasis/pkg/integrations/hybrid"
	"github.com/stasis/stasis/pkg/integrations/hyprland"
	"github.com/stasis/stasis/pkg/integrations/niri"
	"github.com/stasis/stasis/pkg/integrations/process"
	"github.com/stasis/stasis/pkg/integrations/sway"
	"github.com/stasis/stasis/pkg/integrations/wayland"
	"github.com/stasis/stasis/pkg/integrations/x11"
)

// ErrNoIdleFacility means no idle-notification facility could be reached.
var ErrNoIdleFacility = errors.New("no idle notification facility available")

// Env reads an environment variable. Tests substitute a map lookup.
type Env func(string) string

func DetectDisplayServer() string {
	return detectDisplayServer(os.Getenv)
}

func detectDisplayServer(getenv Env) string {
	sessionType := getenv("XDG_SESSION_TYPE")
	waylandDisplay := getenv("WAYLAND_DISPLAY")
	x11Display := getenv("DISPLAY")

	if sessionType == "wayland" || waylandDisplay != "" {
		return "wayland"
	}

	if sessionType == "x11" || x11Display != "" {
		return "x11"
	}

	return "unknown"
}

// CompositorCandidates returns the compositor backends to try, in order.
// The process scanner is always last.
func CompositorCandidates(getenv Env) []string {
	var out []string
	if getenv("HYPRLAND_INSTANCE_SIGNATURE") != "" {
		out = append(out, "hyprland")
	}
	if getenv("SWAYSOCK") != "" {
		out = append(out, "sway")
	}
	if getenv("NIRI_SOCKET") != "" {
		out = append(out, "niri")
	}
	if detectDisplayServer(getenv) == "x11" {
		out = append(out, "x11")
	}
	return append(out, "process")
}

// IdleCandidates returns the idle backends to try, in order.
func IdleCandidates(getenv Env) []string {
	var out []string
	display := detectDisplayServer(getenv)
	if display == "wayland" {
		out = append(out, "wayland")
	}
	desktop := strings.ToLower(getenv("XDG_CURRENT_DESKTOP"))
	if strings.Contains(desktop, "gnome") || getenv("DBUS_SESSION_BUS_ADDRESS") != "" {
		out = append(out, "gnome")
	}
	if display == "x11" || getenv("DISPLAY") != "" {
		out = append(out, "x11")
	}
	return out
}

func newCompositor(name string) (compositor.Client, error) {
	switch name {
	case "hyprland":
		return hyprland.NewClient()
	case "sway":
		return sway.NewClient()
	case "niri":
		return niri.NewClient()
	case "x11":
		return x11.Connect()
	case "process":
		c := process.NewClient()
		if !c.IsAvailable() {
			return nil, fmt.Errorf("/proc not available")
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown compositor backend %q", name)
	}
}

// NewCompositor returns the first compositor backend that can be created,
// falling back to the /proc scanner. An IPC backend is paired with the
// scanner so that it keeps answering when the compositor socket fails.
func NewCompositor(logger *slog.Logger) (compositor.Client, error) {
	var errs []error
	for _, name := range CompositorCandidates(os.Getenv) {
		client, err := newCompositor(name)
		if err != nil {
			logger.Debug("compositor backend unavailable", "backend", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info("using compositor backend", "backend", client.Name())
		if procs := process.NewClient(); client.Name() != procs.Name() && procs.IsAvailable() {
			return hybrid.New(client, procs, logger), nil
		}
		return client, nil
	}
	return nil, fmt.Errorf("no compositor backend available: %w", errors.Join(errs...))
}

func newIdleBackend(name string) (idle.Backend, error) {
	switch name {
	case "wayland":
		return wayland.Connect()
	case "gnome":
		return gnome.Connect()
	case "x11":
		c, err := x11.Connect()
		if err != nil {
			return nil, err
		}
		b, err := c.NewIdleBackend()
		if err != nil {
			c.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown idle backend %q", name)
	}
}

// NewIdleBackend connects to the first idle facility that answers.
func NewIdleBackend(logger *slog.Logger) (idle.Backend, error) {
	var errs []error
	for _, name := range IdleCandidates(os.Getenv) {
		b, err := newIdleBackend(name)
		if err != nil {
			logger.Debug("idle backend unavailable", "backend", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info("using idle backend", "backend", b.Name())
		return b, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoIdleFacility
	}
	return nil, fmt.Errorf("%w: %w", ErrNoIdleFacility, errors.Join(errs...))
}
