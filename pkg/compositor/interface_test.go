package compositor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type MockClient struct {
	apps       AppSet
	err        error
	inhibitors int
	block      bool
	closeError error
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) ListApps(ctx context.Context) (AppSet, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.apps, m.err
}

func (m *MockClient) IdleInhibitors(ctx context.Context) (int, error) {
	return m.inhibitors, m.err
}

func (m *MockClient) Close() error { return m.closeError }

func TestMockClient(t *testing.T) {
	var _ Client = (*MockClient)(nil)
	var _ InhibitorCounter = (*MockClient)(nil)
}

func TestAppSet(t *testing.T) {
	s := NewAppSet("mpv", "", "firefox", "mpv")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("mpv"))
	assert.False(t, s.Has(""))
	assert.Equal(t, []string{"firefox", "mpv"}, s.Sorted())
}

func TestGuardedReturnsEmptySetOnError(t *testing.T) {
	mock := &MockClient{err: errors.New("connection refused")}
	g := Guard(mock, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	apps := g.ListApps(context.Background())
	assert.NotNil(t, apps)
	assert.Empty(t, apps)
	assert.True(t, g.Failing())
	assert.Equal(t, 0, g.IdleInhibitors(context.Background()))
}

func TestGuardedLogsOncePerTransition(t *testing.T) {
	var buf bytes.Buffer
	mock := &MockClient{err: errors.New("broken pipe")}
	g := Guard(mock, slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 5; i++ {
		g.ListApps(context.Background())
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "compositor IPC failing"))

	mock.err = nil
	mock.apps = NewAppSet("kitty")
	for i := 0; i < 3; i++ {
		assert.True(t, g.ListApps(context.Background()).Has("kitty"))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "compositor IPC recovered"))
	assert.False(t, g.Failing())

	mock.err = errors.New("gone again")
	g.ListApps(context.Background())
	assert.Equal(t, 2, strings.Count(buf.String(), "compositor IPC failing"))
}

func TestGuardedBoundsBlockingCalls(t *testing.T) {
	mock := &MockClient{block: true}
	g := Guard(mock, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	g.timeout = 20 * time.Millisecond

	start := time.Now()
	apps := g.ListApps(context.Background())
	assert.Empty(t, apps)
	assert.Less(t, time.Since(start), time.Second)
}

type stateClient struct {
	MockClient
	calls int
	state State
}

func (s *stateClient) State(ctx context.Context) (State, error) {
	s.calls++
	return s.state, s.err
}

func TestGuardedPollUsesOneRequest(t *testing.T) {
	client := &stateClient{state: State{Apps: NewAppSet("steam"), Inhibitors: 2}}
	g := Guard(client, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	st := g.Poll(context.Background())
	assert.Equal(t, 1, client.calls)
	assert.True(t, st.Apps.Has("steam"))
	assert.Equal(t, 2, st.Inhibitors)

	client.err = errors.New("socket closed")
	st = g.Poll(context.Background())
	assert.NotNil(t, st.Apps)
	assert.Empty(t, st.Apps)
	assert.Zero(t, st.Inhibitors)
	assert.True(t, g.Failing())
}

func TestGuardedPollWithoutStateReader(t *testing.T) {
	mock := &MockClient{apps: NewAppSet("mpv"), inhibitors: 1}
	g := Guard(mock, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	st := g.Poll(context.Background())
	assert.True(t, st.Apps.Has("mpv"))
	assert.Equal(t, 1, st.Inhibitors)
}

type inhibitorsUnsupported struct {
	MockClient
}

func (c *inhibitorsUnsupported) IdleInhibitors(ctx context.Context) (int, error) {
	return 0, errors.New("inhibitor query unsupported")
}

func TestGuardedTracksInhibitorsSeparately(t *testing.T) {
	var buf bytes.Buffer
	client := &inhibitorsUnsupported{MockClient{apps: NewAppSet("kitty")}}
	g := Guard(client, slog.New(slog.NewTextHandler(&buf, nil)))

	for i := 0; i < 5; i++ {
		assert.True(t, g.ListApps(context.Background()).Has("kitty"))
		assert.Zero(t, g.IdleInhibitors(context.Background()))
	}
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "inhibitor query failing"))
	assert.Zero(t, strings.Count(out, "compositor IPC failing"))
	assert.Zero(t, strings.Count(out, "recovered"))
	assert.False(t, g.Failing())
}
