// Package hybrid pairs a compositor IPC backend with the /proc scanner. The
// IPC backend is asked first; when it fails the scanner answers instead, so
// an app-based inhibit rule keeps working while the compositor socket is
// gone.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stasis/stasis/pkg/compositor"
)

const (
	MethodIPC      = "ipc"
	MethodFallback = "fallback"
)

type Client struct {
	primary  compositor.Client
	fallback compositor.Client
	logger   *slog.Logger

	lastSuccessfulMethod string
}

func New(primary, fallback compositor.Client, logger *slog.Logger) *Client {
	return &Client{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *Client) Name() string {
	return c.primary.Name() + "+" + c.fallback.Name()
}

// Method reports which backend produced the last successful answer.
func (c *Client) Method() string { return c.lastSuccessfulMethod }

func (c *Client) ListApps(ctx context.Context) (compositor.AppSet, error) {
	st, err := c.State(ctx)
	return st.Apps, err
}

// State asks the IPC backend for apps and inhibitors, in one request when it
// supports that. When the IPC backend fails the scanner lists the apps and
// no inhibitors are counted.
func (c *Client) State(ctx context.Context) (compositor.State, error) {
	st, ipcErr := c.primaryState(ctx)
	if ipcErr == nil {
		if c.lastSuccessfulMethod == MethodFallback {
			c.logger.Info("compositor IPC answering again", "backend", c.primary.Name())
		}
		c.lastSuccessfulMethod = MethodIPC
		return st, nil
	}

	apps, err := c.fallback.ListApps(ctx)
	if err != nil {
		return compositor.State{}, fmt.Errorf("all app listing methods failed: %w", errors.Join(ipcErr, err))
	}
	if c.lastSuccessfulMethod != MethodFallback {
		c.logger.Warn("compositor IPC failed, scanning processes instead",
			"backend", c.primary.Name(), "error", ipcErr)
	}
	c.lastSuccessfulMethod = MethodFallback
	return compositor.State{Apps: apps}, nil
}

func (c *Client) primaryState(ctx context.Context) (compositor.State, error) {
	if reader, ok := c.primary.(compositor.StateReader); ok {
		return reader.State(ctx)
	}
	apps, err := c.primary.ListApps(ctx)
	if err != nil {
		return compositor.State{}, err
	}
	st := compositor.State{Apps: apps}
	if counter, ok := c.primary.(compositor.InhibitorCounter); ok {
		// an inhibitor count that cannot be read counts as none; the app
		// list already answered
		if n, err := counter.IdleInhibitors(ctx); err == nil {
			st.Inhibitors = n
		}
	}
	return st, nil
}

// IdleInhibitors is only known to the IPC backend. While the scanner is
// answering the IPC backend is not asked.
func (c *Client) IdleInhibitors(ctx context.Context) (int, error) {
	counter, ok := c.primary.(compositor.InhibitorCounter)
	if !ok || c.lastSuccessfulMethod == MethodFallback {
		return 0, nil
	}
	return counter.IdleInhibitors(ctx)
}

func (c *Client) Close() error {
	return errors.Join(c.primary.Close(), c.fallback.Close())
}
