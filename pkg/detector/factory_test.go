package detector

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func envFrom(m map[string]string) Env {
	return func(k string) string { return m[k] }
}

func TestDetectDisplayServer(t *testing.T) {
	tests := []struct {
		name           string
		sessionType    string
		waylandDisplay string
		x11Display     string
		expected       string
	}{
		{
			name:           "Wayland session",
			sessionType:    "wayland",
			waylandDisplay: "wayland-0",
			expected:       "wayland",
		},
		{
			name:        "X11 session",
			sessionType: "x11",
			x11Display:  ":0",
			expected:    "x11",
		},
		{
			name:     "Unknown session",
			expected: "unknown",
		},
		{
			name:           "Wayland display set",
			waylandDisplay: "wayland-1",
			expected:       "wayland",
		},
		{
			name:       "X11 display set",
			x11Display: ":1",
			expected:   "x11",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_SESSION_TYPE", tt.sessionType)
			t.Setenv("WAYLAND_DISPLAY", tt.waylandDisplay)
			t.Setenv("DISPLAY", tt.x11Display)

			if result := DetectDisplayServer(); result != tt.expected {
				t.Errorf("DetectDisplayServer() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestCompositorCandidates(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "Hyprland",
			env:  map[string]string{"HYPRLAND_INSTANCE_SIGNATURE": "abc", "WAYLAND_DISPLAY": "wayland-1"},
			want: []string{"hyprland", "process"},
		},
		{
			name: "Sway under XWayland",
			env:  map[string]string{"SWAYSOCK": "/run/user/1000/sway.sock", "WAYLAND_DISPLAY": "wayland-1", "DISPLAY": ":0"},
			want: []string{"sway", "process"},
		},
		{
			name: "Niri",
			env:  map[string]string{"NIRI_SOCKET": "/run/user/1000/niri.sock"},
			want: []string{"niri", "process"},
		},
		{
			name: "Plain X11",
			env:  map[string]string{"DISPLAY": ":0"},
			want: []string{"x11", "process"},
		},
		{
			name: "Nothing",
			env:  map[string]string{},
			want: []string{"process"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompositorCandidates(envFrom(tt.env))
			if len(got) != len(tt.want) {
				t.Fatalf("CompositorCandidates() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("CompositorCandidates()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestIdleCandidates(t *testing.T) {
	got := IdleCandidates(envFrom(map[string]string{
		"WAYLAND_DISPLAY":     "wayland-0",
		"XDG_CURRENT_DESKTOP": "GNOME",
	}))
	want := []string{"wayland", "gnome"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("IdleCandidates() = %v, want %v", got, want)
	}

	if got := IdleCandidates(envFrom(map[string]string{})); len(got) != 0 {
		t.Errorf("IdleCandidates() with empty env = %v, want none", got)
	}
}

func TestNewCompositorFallsBackToProcess(t *testing.T) {
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "")
	t.Setenv("SWAYSOCK", "")
	t.Setenv("NIRI_SOCKET", "")
	t.Setenv("XDG_SESSION_TYPE", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("DISPLAY", "")

	client, err := NewCompositor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("NewCompositor() error (may be expected without /proc): %v", err)
	}
	defer client.Close()

	if client.Name() != "process" {
		t.Errorf("NewCompositor().Name() = %s, want process", client.Name())
	}
}

func TestNewIdleBackendWithoutSession(t *testing.T) {
	t.Setenv("XDG_SESSION_TYPE", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("DISPLAY", "")
	t.Setenv("XDG_CURRENT_DESKTOP", "")
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")

	_, err := NewIdleBackend(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !errors.Is(err, ErrNoIdleFacility) {
		t.Errorf("NewIdleBackend() error = %v, want ErrNoIdleFacility", err)
	}
}
