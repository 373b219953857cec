package compositor

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCallTimeout bounds every IPC call made through a Guarded client.
const DefaultCallTimeout = 2 * time.Second

// Guarded wraps a Client so that it never blocks past a timeout and never
// returns an error. Failures yield an empty result and are logged once per
// transition between working and failing. The app list and the inhibitor
// count are tracked separately: a backend may answer one and not the other.
type Guarded struct {
	client  Client
	logger  *slog.Logger
	timeout time.Duration

	appsFailing    bool
	inhibitFailing bool
}

// Guard wraps client.
func Guard(client Client, logger *slog.Logger) *Guarded {
	return &Guarded{
		client:  client,
		logger:  logger.With(slog.String("backend", client.Name())),
		timeout: DefaultCallTimeout,
	}
}

func (g *Guarded) Name() string { return g.client.Name() }

// Failing reports whether the last app listing failed.
func (g *Guarded) Failing() bool { return g.appsFailing }

// ListApps returns the running apps, or an empty set on error.
func (g *Guarded) ListApps(ctx context.Context) AppSet {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	apps, err := g.client.ListApps(ctx)
	g.observeApps(err)
	if err != nil || apps == nil {
		return AppSet{}
	}
	return apps
}

// IdleInhibitors returns the inhibiting window count when the backend
// supports it, 0 otherwise.
func (g *Guarded) IdleInhibitors(ctx context.Context) int {
	counter, ok := g.client.(InhibitorCounter)
	if !ok {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	n, err := counter.IdleInhibitors(ctx)
	g.observeInhibitors(err)
	if err != nil {
		return 0
	}
	return n
}

// Poll returns the apps and the inhibitor count, with one request when the
// backend is a StateReader.
func (g *Guarded) Poll(ctx context.Context) State {
	reader, ok := g.client.(StateReader)
	if !ok {
		return State{Apps: g.ListApps(ctx), Inhibitors: g.IdleInhibitors(ctx)}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	st, err := reader.State(ctx)
	g.observeApps(err)
	if err != nil {
		return State{Apps: AppSet{}}
	}
	if st.Apps == nil {
		st.Apps = AppSet{}
	}
	return st
}

func (g *Guarded) observeApps(err error) {
	switch {
	case err != nil && !g.appsFailing:
		g.appsFailing = true
		g.logger.Warn("compositor IPC failing, treating app list as empty", "error", err)
	case err == nil && g.appsFailing:
		g.appsFailing = false
		g.logger.Info("compositor IPC recovered")
	}
}

func (g *Guarded) observeInhibitors(err error) {
	switch {
	case err != nil && !g.inhibitFailing:
		g.inhibitFailing = true
		g.logger.Warn("compositor inhibitor query failing, counting none", "error", err)
	case err == nil && g.inhibitFailing:
		g.inhibitFailing = false
		g.logger.Info("compositor inhibitor query recovered")
	}
}

func (g *Guarded) Close() error { return g.client.Close() }
