package x11

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/screensaver"
	"github.com/jezek/xgb/xproto"

	"github.com/stasis/stasis/pkg/compositor"
	"github.com/stasis/stasis/pkg/idle"
)

// Client talks to the X server directly. It serves both as a
// compositor.Client (EWMH client list) and as the source of idle time for
// the polling idle backend.
type Client struct {
	conn  *xgb.Conn
	root  xproto.Window
	atoms map[string]xproto.Atom

	screensaver bool
}

// Connect opens the display named by $DISPLAY.
func Connect() (*Client, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	client := &Client{
		conn:  conn,
		root:  setup.DefaultScreen(conn).Root,
		atoms: make(map[string]xproto.Atom),
	}

	for _, name := range []string{"_NET_CLIENT_LIST", "WM_CLASS"} {
		reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("intern atom %s: %w", name, err)
		}
		client.atoms[name] = reply.Atom
	}

	client.screensaver = screensaver.Init(conn) == nil
	return client, nil
}

func (c *Client) Name() string { return "x11" }

func (c *Client) getProperty(window xproto.Window, atom xproto.Atom, atomType xproto.Atom, length uint32) ([]byte, error) {
	reply, err := xproto.GetProperty(c.conn, false, window, atom, atomType, 0, length).Reply()
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// ListApps returns the WM_CLASS instance and class of every managed window.
func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	data, err := c.getProperty(c.root, c.atoms["_NET_CLIENT_LIST"], xproto.AtomWindow, 4096)
	if err != nil {
		return nil, fmt.Errorf("failed to read _NET_CLIENT_LIST: %w", err)
	}

	apps := compositor.AppSet{}
	for _, w := range decodeWindows(data) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.getProperty(w, c.atoms["WM_CLASS"], xproto.AtomString, 256)
		if err != nil {
			continue
		}
		instance, class := parseWMClass(raw)
		apps.Add(instance)
		apps.Add(class)
	}
	return apps, nil
}

func decodeWindows(data []byte) []xproto.Window {
	windows := make([]xproto.Window, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		windows = append(windows, xproto.Window(binary.LittleEndian.Uint32(data[i:])))
	}
	return windows
}

// parseWMClass splits a WM_CLASS value ("instance\0class\0").
func parseWMClass(data []byte) (instance, class string) {
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	if len(parts) >= 1 {
		instance = parts[0]
	}
	if len(parts) >= 2 {
		class = parts[1]
	}
	return instance, class
}

// IdleTime returns the time since the last input event, from the
// MIT-SCREEN-SAVER extension.
func (c *Client) IdleTime() (time.Duration, error) {
	if !c.screensaver {
		return 0, fmt.Errorf("MIT-SCREEN-SAVER extension not available")
	}
	reply, err := screensaver.QueryInfo(c.conn, xproto.Drawable(c.root)).Reply()
	if err != nil {
		return 0, fmt.Errorf("screensaver QueryInfo: %w", err)
	}
	return time.Duration(reply.MsSinceUserInput) * time.Millisecond, nil
}

type idleBackend struct {
	*idle.PollBackend
	client *Client
}

func (b *idleBackend) Close() error {
	b.PollBackend.Close()
	return b.client.Close()
}

// NewIdleBackend returns an idle backend that samples IdleTime every second.
// Closing the backend closes the client.
func (c *Client) NewIdleBackend() (idle.Backend, error) {
	if _, err := c.IdleTime(); err != nil {
		return nil, err
	}
	return &idleBackend{
		PollBackend: idle.NewPollBackend("x11", c.IdleTime, time.Second),
		client:      c,
	}, nil
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}
