package hybrid

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasis/stasis/pkg/compositor"
)

type stubClient struct {
	name       string
	apps       compositor.AppSet
	err        error
	inhibitors int
	closed     bool
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) ListApps(ctx context.Context) (compositor.AppSet, error) {
	return s.apps, s.err
}
func (s *stubClient) Close() error { s.closed = true; return nil }

type countingClient struct {
	stubClient
}

func (c *countingClient) IdleInhibitors(ctx context.Context) (int, error) {
	return c.inhibitors, c.err
}

func TestListAppsPrefersIPC(t *testing.T) {
	ipc := &stubClient{name: "sway", apps: compositor.NewAppSet("firefox")}
	procs := &stubClient{name: "process", apps: compositor.NewAppSet("firefox", "sshd")}
	c := New(ipc, procs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	apps, err := c.ListApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"firefox"}, apps.Sorted())
	assert.Equal(t, MethodIPC, c.Method())
	assert.Equal(t, "sway+process", c.Name())
}

func TestListAppsFallsBack(t *testing.T) {
	var buf bytes.Buffer
	ipc := &stubClient{name: "hyprland", err: errors.New("connection refused")}
	procs := &stubClient{name: "process", apps: compositor.NewAppSet("mpv")}
	c := New(ipc, procs, slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 3; i++ {
		apps, err := c.ListApps(context.Background())
		require.NoError(t, err)
		assert.True(t, apps.Has("mpv"))
	}
	assert.Equal(t, MethodFallback, c.Method())
	assert.Equal(t, 1, strings.Count(buf.String(), "scanning processes instead"))

	ipc.err = nil
	ipc.apps = compositor.NewAppSet("kitty")
	apps, err := c.ListApps(context.Background())
	require.NoError(t, err)
	assert.True(t, apps.Has("kitty"))
	assert.Equal(t, 1, strings.Count(buf.String(), "answering again"))
}

func TestListAppsBothFail(t *testing.T) {
	ipc := &stubClient{name: "niri", err: errors.New("no socket")}
	procs := &stubClient{name: "process", err: errors.New("no /proc")}
	c := New(ipc, procs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	_, err := c.ListApps(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no socket")
	assert.Contains(t, err.Error(), "no /proc")
}

func TestIdleInhibitors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	plain := New(&stubClient{name: "niri"}, &stubClient{name: "process"}, logger)
	n, err := plain.IdleInhibitors(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	counting := New(&countingClient{stubClient{name: "hyprland", inhibitors: 2}}, &stubClient{name: "process"}, logger)
	n, err = counting.IdleInhibitors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseClosesBoth(t *testing.T) {
	ipc := &stubClient{name: "sway"}
	procs := &stubClient{name: "process"}
	require.NoError(t, New(ipc, procs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))).Close())
	assert.True(t, ipc.closed)
	assert.True(t, procs.closed)
}

func TestGuardedFallbackLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ipc := &countingClient{stubClient{name: "hyprland", err: errors.New("connection refused")}}
	procs := &stubClient{name: "process", apps: compositor.NewAppSet("mpv")}
	g := compositor.Guard(New(ipc, procs, logger), logger)

	for i := 0; i < 5; i++ {
		assert.True(t, g.ListApps(context.Background()).Has("mpv"))
		assert.Zero(t, g.IdleInhibitors(context.Background()))
		st := g.Poll(context.Background())
		assert.True(t, st.Apps.Has("mpv"))
		assert.Zero(t, st.Inhibitors)
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "scanning processes instead"))
	assert.Zero(t, strings.Count(out, "failing"))
	assert.Zero(t, strings.Count(out, "recovered"))
	assert.False(t, g.Failing())
}

type stateStub struct {
	countingClient
	calls int
}

func (s *stateStub) State(ctx context.Context) (compositor.State, error) {
	s.calls++
	if s.err != nil {
		return compositor.State{}, s.err
	}
	return compositor.State{Apps: s.apps, Inhibitors: s.inhibitors}, nil
}

func TestStatePrefersOneIPCRequest(t *testing.T) {
	ipc := &stateStub{countingClient: countingClient{stubClient{name: "sway", apps: compositor.NewAppSet("foot"), inhibitors: 3}}}
	procs := &stubClient{name: "process", apps: compositor.NewAppSet("foot", "sshd")}
	c := New(ipc, procs, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	st, err := c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ipc.calls)
	assert.Equal(t, []string{"foot"}, st.Apps.Sorted())
	assert.Equal(t, 3, st.Inhibitors)

	ipc.err = errors.New("broken pipe")
	st, err = c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"foot", "sshd"}, st.Apps.Sorted())
	assert.Zero(t, st.Inhibitors)
	assert.Equal(t, MethodFallback, c.Method())
}
