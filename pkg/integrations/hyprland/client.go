package hyprland

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/stasis/stasis/pkg/compositor"
)

// window is the subset of a `j/clients` entry that matters here.
type window struct {
	Class          string `json:"class"`
	InitialClass   string `json:"initialClass"`
	InhibitingIdle bool   `json:"inhibitingIdle"`
	Mapped         *bool  `json:"mapped"`
}

// Client implements compositor.Client over Hyprland's request socket
type Client struct {
	socketPath string
}

// NewClient returns a client for the running Hyprland instance.
func NewClient() (*Client, error) {
	sig := os.Getenv("HYPRLAND_INSTANCE_SIGNATURE")
	if sig == "" {
		return nil, fmt.Errorf("HYPRLAND_INSTANCE_SIGNATURE not set")
	}
	return &Client{socketPath: SocketPath(os.Getenv("XDG_RUNTIME_DIR"), sig)}, nil
}

// SocketPath returns the request socket of an instance. Hyprland moved it
// from /tmp/hypr to the runtime dir; both are checked.
func SocketPath(runtimeDir, signature string) string {
	if runtimeDir != "" {
		p := filepath.Join(runtimeDir, "hypr", signature, ".socket.sock")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join("/tmp", "hypr", signature, ".socket.sock")
}

// NewClientAt returns a client talking to an explicit socket. Used by tests.
func NewClientAt(path string) *Client {
	return &Client{socketPath: path}
}

func (c *Client) Name() string { return "hyprland" }

// ListApps returns the class of every mapped client window.
func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	st, err := c.State(ctx)
	return st.Apps, err
}

// IdleInhibitors counts windows Hyprland reports as inhibiting idle.
func (c *Client) IdleInhibitors(ctx context.Context) (int, error) {
	st, err := c.State(ctx)
	return st.Inhibitors, err
}

// State answers the app list and the inhibitor count from one `j/clients`
// request.
func (c *Client) State(ctx context.Context) (compositor.State, error) {
	windows, err := c.clients(ctx)
	if err != nil {
		return compositor.State{}, err
	}
	return stateOf(windows), nil
}

func stateOf(windows []window) compositor.State {
	st := compositor.State{Apps: compositor.AppSet{}}
	for _, w := range windows {
		if w.InhibitingIdle {
			st.Inhibitors++
		}
		if w.Mapped != nil && !*w.Mapped {
			continue
		}
		st.Apps.Add(w.Class)
		st.Apps.Add(w.InitialClass)
	}
	return st
}

func (c *Client) clients(ctx context.Context) ([]window, error) {
	out, err := c.request(ctx, "j/clients")
	if err != nil {
		return nil, err
	}
	return parseClients(out)
}

func parseClients(data []byte) ([]window, error) {
	var windows []window
	if err := json.Unmarshal(data, &windows); err != nil {
		return nil, fmt.Errorf("failed to parse hyprland clients: %w", err)
	}
	return windows, nil
}

// request sends one command and reads until Hyprland closes the connection.
func (c *Client) request(ctx context.Context, cmd string) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hyprland: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return nil, fmt.Errorf("failed to send %q: %w", cmd, err)
	}

	out, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read hyprland reply: %w", err)
	}
	return out, nil
}

func (c *Client) Close() error { return nil }
