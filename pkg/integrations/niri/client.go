package niri

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/stasis/stasis/pkg/compositor"
)

type reply struct {
	Ok *struct {
		Windows []struct {
			AppID string `json:"app_id"`
			Title string `json:"title"`
		} `json:"Windows"`
	} `json:"Ok"`
	Err *string `json:"Err"`
}

// Client implements compositor.Client over the niri JSON socket
type Client struct {
	socketPath string
}

func NewClient() (*Client, error) {
	path := os.Getenv("NIRI_SOCKET")
	if path == "" {
		return nil, fmt.Errorf("NIRI_SOCKET not set")
	}
	return &Client{socketPath: path}, nil
}

func NewClientAt(path string) *Client {
	return &Client{socketPath: path}
}

func (c *Client) Name() string { return "niri" }

// ListApps returns the app_id of every open window.
func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to niri: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("\"Windows\"\n")); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("failed to read niri reply: %w", err)
	}
	return parseWindows(line)
}

func parseWindows(data []byte) (compositor.AppSet, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse niri reply: %w", err)
	}
	if r.Err != nil {
		return nil, fmt.Errorf("niri: %s", *r.Err)
	}
	if r.Ok == nil {
		return nil, fmt.Errorf("niri: reply has neither Ok nor Err")
	}

	apps := compositor.AppSet{}
	for _, w := range r.Ok.Windows {
		apps.Add(w.AppID)
	}
	return apps, nil
}

func (c *Client) Close() error { return nil }
