package hyprland

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientsJSON = `[
  {"class": "firefox", "initialClass": "firefox", "title": "YouTube", "inhibitingIdle": true, "mapped": true},
  {"class": "kitty", "initialClass": "kitty", "inhibitingIdle": false, "mapped": true},
  {"class": "steam_app_1234", "initialClass": "", "inhibitingIdle": false},
  {"class": "ghost", "initialClass": "ghost", "mapped": false}
]`

// serve answers a single request on a unix socket with reply.
func serve(t *testing.T, reply string) (string, <-chan string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".socket.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 64)
			n, _ := conn.Read(buf)
			got <- string(buf[:n])
			conn.Write([]byte(reply))
			conn.Close()
		}
	}()
	return path, got
}

func TestParseClients(t *testing.T) {
	windows, err := parseClients([]byte(clientsJSON))
	require.NoError(t, err)
	require.Len(t, windows, 4)
	assert.Equal(t, "firefox", windows[0].Class)
	assert.True(t, windows[0].InhibitingIdle)

	_, err = parseClients([]byte("unknown request"))
	assert.Error(t, err)
}

func TestListApps(t *testing.T) {
	path, got := serve(t, clientsJSON)
	c := NewClientAt(path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	apps, err := c.ListApps(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j/clients", <-got)
	assert.Equal(t, []string{"firefox", "kitty", "steam_app_1234"}, apps.Sorted())

	n, err := c.IdleInhibitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListAppsConnectionRefused(t *testing.T) {
	c := NewClientAt(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.ListApps(context.Background())
	assert.Error(t, err)
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/tmp/hypr/abc/.socket.sock", SocketPath("", "abc"))
	assert.Equal(t, "/tmp/hypr/abc/.socket.sock", SocketPath(t.TempDir(), "abc"), "falls back when runtime socket is absent")
}

func TestStateUsesOneRequest(t *testing.T) {
	path, got := serve(t, clientsJSON)
	c := NewClientAt(path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"firefox", "kitty", "steam_app_1234"}, st.Apps.Sorted())
	assert.Equal(t, 1, st.Inhibitors)

	assert.Equal(t, "j/clients", <-got)
	select {
	case extra := <-got:
		t.Fatalf("unexpected second request %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
