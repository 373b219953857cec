// Package reactor runs the daemon loop. Every piece of idle state is owned
// by the goroutine in Run; backends only deliver values over channels.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/internal/daemon"
	"github.com/stasis/stasis/internal/inhibit"
	"github.com/stasis/stasis/internal/models"
	"github.com/stasis/stasis/internal/power"
	"github.com/stasis/stasis/internal/reporter"
	"github.com/stasis/stasis/internal/scheduler"
	"github.com/stasis/stasis/pkg/compositor"
	"github.com/stasis/stasis/pkg/idle"
)

// DefaultTickInterval is how often the idle clock advances.
const DefaultTickInterval = time.Second

// ErrIdleBackendLost means the idle notification facility went away.
var ErrIdleBackendLost = errors.New("idle backend connection lost")

// MediaSource is the media monitor as seen by the loop.
type MediaSource interface {
	Signals() <-chan *dbus.Signal
	Apply(sig *dbus.Signal) bool
	IsPlaying() bool
	Playing() []string
	SetIgnored(players []string)
}

// SleepSource is the logind client as seen by the loop.
type SleepSource interface {
	Signals() <-chan *dbus.Signal
	IdleInhibitors(ctx context.Context) int
}

// PowerSupply reports the current power source.
type PowerSupply interface {
	Source() power.Source
}

// History is the journal the loop writes to.
type History interface {
	Create(record *models.ActionRecord) error
	RecordExit(action string, exitCode int, errMsg string) error
	CreateErrorLog(errorLog *models.ErrorLog) error
}

// Observer receives metrics updates.
type Observer interface {
	ActionFired(f scheduler.Firing)
	CommandExited(res scheduler.Result)
	Observe(st scheduler.Status, suppressed bool)
	Reloaded(err error)
}

// errorReporter is implemented by idle backends whose connection can fail
// after startup.
type errorReporter interface {
	Errors() <-chan error
}

// Deps are the collaborators of a Reactor. Config, Source, Compositor and
// Dispatcher are required; the rest may be nil.
type Deps struct {
	Version    string
	Config     *config.Snapshot
	Logger     *slog.Logger
	Source     *idle.Source
	Backend    idle.Backend
	Compositor *compositor.Guarded
	Dispatcher scheduler.Dispatcher
	Results    <-chan scheduler.Result
	Media      MediaSource
	Sleep      SleepSource
	Supply     PowerSupply
	Control    <-chan daemon.Request
	Hangup     <-chan os.Signal
	Watcher    *config.Watcher
	History    History
	Observer   Observer
	Scheduler  scheduler.Options

	// Load parses the config file on reload. Defaults to config.Load.
	Load func(path string) (*config.Snapshot, error)
	// Now defaults to time.Now.
	Now          func() time.Time
	TickInterval time.Duration
}

type query struct {
	fn   func()
	done chan struct{}
}

type Reactor struct {
	deps     Deps
	logger   *slog.Logger
	base     *config.Snapshot // as loaded, before a power profile is applied
	snap     *config.Snapshot
	sched    *scheduler.Scheduler
	resolver *inhibit.Resolver

	apps        compositor.AppSet
	inhibitors  int
	power       power.Source
	verdict     inhibit.Verdict
	started     time.Time
	pollTicker  *time.Ticker
	queries     chan query
	stopRequest bool
}

func New(deps Deps) *Reactor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Load == nil {
		deps.Load = config.Load
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = DefaultTickInterval
	}

	opts := deps.Scheduler
	opts.Dispatcher = deps.Dispatcher
	if opts.Logger == nil {
		opts.Logger = deps.Logger.With(slog.String("component", "scheduler"))
	}

	src := power.SourceAC
	if deps.Supply != nil {
		src = deps.Supply.Source()
	}
	snap := deps.Config.ForProfile(src.String())
	if snap.Profile != "" {
		deps.Logger.Info("power profile selected", "profile", snap.Profile, "actions", len(snap.Actions))
	}

	return &Reactor{
		deps:     deps,
		logger:   deps.Logger,
		base:     deps.Config,
		snap:     snap,
		sched:    scheduler.New(snap, opts),
		resolver: inhibit.NewResolver(deps.Logger.With(slog.String("component", "inhibit"))),
		apps:     compositor.AppSet{},
		power:    src,
		queries:  make(chan query),
	}
}

// Run registers the idle thresholds and runs the loop until ctx is done or a
// stop command arrives. It returns ErrIdleBackendLost if the idle facility
// disconnects and idle.ErrNoRegistrations if nothing could be registered.
func (r *Reactor) Run(ctx context.Context) error {
	if err := r.deps.Source.SetThresholds(r.snap.Thresholds()); err != nil {
		return err
	}

	r.started = r.deps.Now()
	r.refresh(ctx)

	r.pollTicker = time.NewTicker(r.snap.Idle.PollInterval)
	defer r.pollTicker.Stop()
	tick := time.NewTicker(r.deps.TickInterval)
	defer tick.Stop()

	var backendErrs <-chan error
	if er, ok := r.deps.Backend.(errorReporter); ok {
		backendErrs = er.Errors()
	}
	var mediaSignals, sleepSignals <-chan *dbus.Signal
	if r.deps.Media != nil {
		mediaSignals = r.deps.Media.Signals()
	}
	if r.deps.Sleep != nil {
		sleepSignals = r.deps.Sleep.Signals()
	}
	var configChanges <-chan struct{}
	var watcherErrs <-chan error
	if r.deps.Watcher != nil {
		configChanges = r.deps.Watcher.Changes()
		watcherErrs = r.deps.Watcher.Errors()
	}

	r.logger.Info("daemon loop started",
		"idle_backend", r.deps.Source.Name(),
		"compositor", r.deps.Compositor.Name(),
		"actions", len(r.snap.Actions))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("daemon loop stopped")
			return nil

		case ev, ok := <-r.deps.Source.Events():
			if !ok {
				return ErrIdleBackendLost
			}
			r.handleIdle(ev)

		case err := <-backendErrs:
			return fmt.Errorf("%w: %v", ErrIdleBackendLost, err)

		case sig, ok := <-mediaSignals:
			if !ok {
				mediaSignals = nil
				continue
			}
			if r.deps.Media.Apply(sig) {
				r.logger.Debug("media state changed", "playing", r.deps.Media.IsPlaying())
			}

		case sig, ok := <-sleepSignals:
			if !ok {
				sleepSignals = nil
				continue
			}
			r.handleSleep(sig)

		case <-r.pollTicker.C:
			r.checkPower()
			r.refresh(ctx)

		case <-tick.C:
			r.tick()

		case res := <-r.deps.Results:
			r.handleResult(res)

		case req := <-r.deps.Control:
			req.Respond(r.handleCommand(req.Command))
			if r.stopRequest {
				r.logger.Info("stop requested")
				return nil
			}

		case <-r.deps.Hangup:
			r.reload("SIGHUP")

		case <-configChanges:
			r.reload("config file changed")

		case err := <-watcherErrs:
			r.logger.Warn("config watcher error", "error", err)

		case q := <-r.queries:
			q.fn()
			close(q.done)
		}
	}
}

// refresh re-reads the slow inputs: running apps and inhibitor counts.
func (r *Reactor) refresh(ctx context.Context) {
	st := r.deps.Compositor.Poll(ctx)
	r.apps = st.Apps

	if !r.snap.Idle.RespectInhibitors {
		r.inhibitors = 0
		return
	}
	n := st.Inhibitors
	if r.deps.Sleep != nil {
		n += r.deps.Sleep.IdleInhibitors(ctx)
	}
	r.inhibitors = n
}

// checkPower swaps the action set when the power source changed and power
// profiles are configured.
func (r *Reactor) checkPower() {
	if r.deps.Supply == nil {
		return
	}
	src := r.deps.Supply.Source()
	if src == r.power {
		return
	}
	r.power = src
	if !r.base.HasProfiles() {
		return
	}

	next := r.base.ForProfile(src.String())
	r.apply(next)
	r.logger.Info("power source changed", "profile", next.Profile, "actions", len(next.Actions))
	r.observe()
}

func (r *Reactor) evaluate() inhibit.Verdict {
	state := inhibit.State{Inhibitors: r.inhibitors}
	if r.deps.Media != nil {
		state.MediaPlaying = r.deps.Media.IsPlaying()
	}

	v := r.resolver.Evaluate(r.snap, r.apps, state)
	if v.Suppressed != r.verdict.Suppressed {
		r.logger.Debug("inhibition changed", "verdict", v.String())
	}
	r.verdict = v
	return v
}

func (r *Reactor) handleIdle(raw idle.BackendEvent) {
	ev, ok := r.deps.Source.Handle(raw)
	if !ok {
		return
	}

	now := r.deps.Now()
	switch ev.Kind {
	case idle.KindIdle, idle.KindThreshold:
		// After trigger_idle or a wake from sleep the scheduler and the
		// backend disagree about the session; the scheduler decides.
		suppressed := r.evaluate().Suppressed
		if r.sched.Idle() {
			r.record(r.sched.OnThreshold(ev.Elapsed, now, suppressed))
		} else {
			r.record(r.sched.OnIdle(ev.Elapsed, now, suppressed))
		}
	case idle.KindResumed:
		r.logger.Debug("activity resumed")
		r.record(r.sched.Resume(now))
	}
	r.observe()
}

func (r *Reactor) handleSleep(sig *dbus.Signal) {
	ev, ok := power.Decode(sig)
	if !ok {
		return
	}
	if ev.Sleeping {
		r.logger.Info("system going to sleep")
		return
	}
	r.logger.Info("system woke up")
	r.record(r.sched.Resume(r.deps.Now()))
	r.observe()
}

func (r *Reactor) tick() {
	r.record(r.sched.Tick(r.deps.Now(), r.evaluate().Suppressed))
	r.observe()
}

func (r *Reactor) observe() {
	if r.deps.Observer != nil {
		r.deps.Observer.Observe(r.sched.Status(), r.verdict.Suppressed)
	}
}

func (r *Reactor) record(firings []scheduler.Firing) {
	for _, f := range firings {
		if r.deps.Observer != nil {
			r.deps.Observer.ActionFired(f)
		}
		if r.deps.History == nil {
			continue
		}
		rec := &models.ActionRecord{
			Timestamp: r.deps.Now(),
			SessionID: f.SessionID,
			Action:    f.Action,
			Command:   f.Command,
			Trigger:   string(f.Trigger),
			Skipped:   f.Skipped,
		}
		if f.Err != nil {
			rec.Error = f.Err.Error()
			if f.Action == scheduler.HookPreSuspend {
				code := -1
				rec.ExitCode = &code
			}
		} else if f.Action == scheduler.HookPreSuspend {
			code := 0
			rec.ExitCode = &code
		}
		if err := r.deps.History.Create(rec); err != nil {
			r.logger.Warn("failed to record action", "action", f.Action, "error", err)
		}
	}
}

func (r *Reactor) handleResult(res scheduler.Result) {
	if res.Err != nil {
		r.logger.Warn("command failed", "action", res.Name, "exit_code", res.ExitCode, "error", res.Err)
	} else {
		r.logger.Debug("command exited", "action", res.Name, "duration", res.Duration)
	}

	if r.deps.Observer != nil {
		r.deps.Observer.CommandExited(res)
	}
	if r.deps.History != nil {
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if err := r.deps.History.RecordExit(res.Name, res.ExitCode, msg); err != nil {
			r.logger.Warn("failed to record exit", "action", res.Name, "error", err)
		}
	}
}

func (r *Reactor) recordError(component string, err error) {
	if r.deps.History == nil {
		return
	}
	if dbErr := r.deps.History.CreateErrorLog(&models.ErrorLog{
		Timestamp: r.deps.Now(),
		Component: component,
		ErrorMsg:  err.Error(),
	}); dbErr != nil {
		r.logger.Warn("failed to store error in database", "error", dbErr, "cause", err)
	}
}

// reload parses the config file again and applies it. On failure the
// running configuration stays in place.
func (r *Reactor) reload(reason string) error {
	next, err := r.deps.Load(r.snap.Path)
	if r.deps.Observer != nil {
		r.deps.Observer.Reloaded(err)
	}
	if err != nil {
		r.logger.Error("reload failed, keeping previous configuration", "reason", reason, "error", err)
		r.recordError("reload", err)
		return err
	}

	r.base = next
	r.apply(next.ForProfile(r.power.String()))
	r.logger.Info("configuration reloaded", "reason", reason, "actions", len(r.snap.Actions))
	return nil
}

func (r *Reactor) apply(next *config.Snapshot) {
	prev := r.snap
	r.snap = next
	r.sched.Reconcile(next)

	if err := r.deps.Source.SetThresholds(next.Thresholds()); err != nil {
		r.logger.Error("no idle thresholds registered after reload", "error", err)
		r.recordError("idle", err)
	}
	if r.deps.Media != nil {
		r.deps.Media.SetIgnored(next.Idle.IgnorePlayers)
	}
	if r.pollTicker != nil && next.Idle.PollInterval != prev.Idle.PollInterval {
		r.pollTicker.Reset(next.Idle.PollInterval)
	}
	if next.Idle.RespectInhibitors != prev.Idle.RespectInhibitors {
		r.refresh(context.Background())
	}
}

func (r *Reactor) handleCommand(cmd daemon.Command) daemon.Reply {
	now := r.deps.Now()

	switch cmd {
	case daemon.CmdReload:
		if err := r.reload("control request"); err != nil {
			return daemon.Reply{Err: err}
		}
		return daemon.Reply{Body: "configuration reloaded"}

	case daemon.CmdPause:
		r.sched.Pause()
		r.observe()
		return daemon.Reply{Body: "idle timers paused"}

	case daemon.CmdResume:
		r.sched.Unpause()
		r.observe()
		return daemon.Reply{Body: "idle timers resumed"}

	case daemon.CmdTriggerIdle:
		firings := r.sched.TriggerIdle(now)
		r.record(firings)
		r.observe()
		return daemon.Reply{Body: fmt.Sprintf("triggered %d actions", len(firings))}

	case daemon.CmdTriggerPreSuspend:
		f, err := r.sched.TriggerPreSuspend()
		if f.Command != "" {
			r.record([]scheduler.Firing{f})
		}
		if err != nil {
			return daemon.Reply{Err: err}
		}
		return daemon.Reply{Body: "pre-suspend command ran"}

	case daemon.CmdStop:
		r.stopRequest = true
		return daemon.Reply{Body: "stopping"}

	case daemon.CmdInfo:
		return daemon.Reply{Body: reporter.FormatInfoText(r.info())}

	case daemon.CmdInfoJSON:
		out, err := reporter.FormatInfoJSON(r.info())
		if err != nil {
			return daemon.Reply{Err: err}
		}
		return daemon.Reply{Body: out}

	default:
		return daemon.Reply{Err: fmt.Errorf("unsupported command %q", cmd)}
	}
}

func (r *Reactor) info() *reporter.Info {
	info := &reporter.Info{
		Version:           r.deps.Version,
		Config:            r.snap,
		Status:            r.sched.Status(),
		Verdict:           r.evaluate(),
		Apps:              r.apps.Sorted(),
		IdleBackend:       r.deps.Source.Name(),
		CompositorBackend: r.deps.Compositor.Name(),
		StartedAt:         r.started,
		GeneratedAt:       r.deps.Now(),
	}
	if r.deps.Media != nil {
		info.MediaPlaying = r.deps.Media.Playing()
	}
	return info
}

// Info returns the current state from outside the loop. It blocks until the
// loop answers or ctx is done.
func (r *Reactor) Info(ctx context.Context) (*reporter.Info, error) {
	var info *reporter.Info
	q := query{fn: func() { info = r.info() }, done: make(chan struct{})}

	select {
	case r.queries <- q:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-q.done:
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
