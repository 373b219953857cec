package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stasis/stasis/pkg/compositor"
)

// Client implements compositor.Client by walking the process table. Each
// process contributes its comm name and its executable basename.
type Client struct {
	procRoot string
}

func NewClient() *Client {
	return &Client{procRoot: "/proc"}
}

// NewClientAt reads an alternative proc tree. Used by tests.
func NewClientAt(root string) *Client {
	return &Client{procRoot: root}
}

func (c *Client) Name() string { return "process" }

// IsAvailable checks that a proc filesystem is mounted
func (c *Client) IsAvailable() bool {
	_, err := os.Stat(c.procRoot)
	return err == nil
}

func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	entries, err := os.ReadDir(c.procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan processes: %w", err)
	}

	apps := compositor.AppSet{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		info, err := c.readProcessInfo(pid)
		if err != nil {
			continue
		}
		apps.Add(info.name)
		apps.Add(info.exe)
	}
	return apps, nil
}

// IsRunning reports whether any process has the given comm or executable
// basename.
func (c *Client) IsRunning(ctx context.Context, name string) bool {
	apps, err := c.ListApps(ctx)
	if err != nil {
		return false
	}
	return apps.Has(name)
}

type processInfo struct {
	pid  int
	name string
	exe  string
}

func (c *Client) readProcessInfo(pid int) (*processInfo, error) {
	info := &processInfo{pid: pid}
	dir := filepath.Join(c.procRoot, strconv.Itoa(pid))

	statData, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return nil, err
	}
	info.name = parseComm(string(statData))

	// exe is unreadable for other users' processes; comm still counts.
	if target, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.exe = filepath.Base(strings.TrimSuffix(target, " (deleted)"))
	}

	return info, nil
}

// parseComm extracts the command name between the first '(' and the last ')'
// of /proc/<pid>/stat. The name itself may contain parentheses.
func parseComm(stat string) string {
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return stat[start+1 : end]
}

func (c *Client) Close() error { return nil }
