package sway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/stasis/stasis/pkg/compositor"
)

const (
	magic       = "i3-ipc"
	msgGetTree  = 4
	headerBytes = len(magic) + 8
)

// node is the subset of a sway tree node used for app enumeration.
type node struct {
	Type             string `json:"type"`
	AppID            string `json:"app_id"`
	InhibitIdle      bool   `json:"inhibit_idle"`
	WindowProperties *struct {
		Class    string `json:"class"`
		Instance string `json:"instance"`
	} `json:"window_properties"`
	Nodes         []node `json:"nodes"`
	FloatingNodes []node `json:"floating_nodes"`
}

// Client implements compositor.Client over the sway i3-ipc socket
type Client struct {
	socketPath string
}

func NewClient() (*Client, error) {
	path := os.Getenv("SWAYSOCK")
	if path == "" {
		return nil, fmt.Errorf("SWAYSOCK not set")
	}
	return &Client{socketPath: path}, nil
}

// NewClientAt returns a client talking to an explicit socket.
func NewClientAt(path string) *Client {
	return &Client{socketPath: path}
}

func (c *Client) Name() string { return "sway" }

// ListApps returns the app_id of every Wayland view and the WM_CLASS of
// every XWayland view.
func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	st, err := c.State(ctx)
	return st.Apps, err
}

// IdleInhibitors counts views with an active idle inhibitor.
func (c *Client) IdleInhibitors(ctx context.Context) (int, error) {
	st, err := c.State(ctx)
	return st.Inhibitors, err
}

// State answers the app list and the inhibitor count from one GET_TREE
// request.
func (c *Client) State(ctx context.Context) (compositor.State, error) {
	root, err := c.tree(ctx)
	if err != nil {
		return compositor.State{}, err
	}
	return stateOf(root), nil
}

func stateOf(root *node) compositor.State {
	st := compositor.State{Apps: compositor.AppSet{}}
	walk(root, func(n *node) {
		st.Apps.Add(n.AppID)
		if n.WindowProperties != nil {
			st.Apps.Add(n.WindowProperties.Class)
		}
		if n.InhibitIdle {
			st.Inhibitors++
		}
	})
	return st
}

// walk visits every view (con or floating_con with an app identity).
func walk(n *node, visit func(*node)) {
	if n.AppID != "" || n.WindowProperties != nil {
		visit(n)
	}
	for i := range n.Nodes {
		walk(&n.Nodes[i], visit)
	}
	for i := range n.FloatingNodes {
		walk(&n.FloatingNodes[i], visit)
	}
}

func parseTree(data []byte) (*node, error) {
	var root node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse sway tree: %w", err)
	}
	return &root, nil
}

func (c *Client) tree(ctx context.Context) (*node, error) {
	payload, err := c.request(ctx, msgGetTree, nil)
	if err != nil {
		return nil, err
	}
	return parseTree(payload)
}

func (c *Client) request(ctx context.Context, msgType uint32, body []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sway: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(encodeMessage(msgType, body)); err != nil {
		return nil, fmt.Errorf("failed to send ipc message: %w", err)
	}

	header := make([]byte, headerBytes)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("failed to read ipc header: %w", err)
	}
	length, replyType, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	if replyType != msgType {
		return nil, fmt.Errorf("unexpected reply type %d for request %d", replyType, msgType)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read ipc payload: %w", err)
	}
	return payload, nil
}

// encodeMessage frames body as: magic, uint32 length, uint32 type (native
// byte order, which is little endian on every platform sway runs on).
func encodeMessage(msgType uint32, body []byte) []byte {
	buf := make([]byte, headerBytes+len(body))
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[len(magic):], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[len(magic)+4:], msgType)
	copy(buf[headerBytes:], body)
	return buf
}

func decodeHeader(h []byte) (length, msgType uint32, err error) {
	if len(h) < headerBytes || string(h[:len(magic)]) != magic {
		return 0, 0, fmt.Errorf("invalid ipc magic")
	}
	length = binary.LittleEndian.Uint32(h[len(magic):])
	msgType = binary.LittleEndian.Uint32(h[len(magic)+4:])
	return length, msgType, nil
}

func (c *Client) Close() error { return nil }
