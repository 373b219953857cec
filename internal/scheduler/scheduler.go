// Package scheduler drives the configured idle actions off one shared idle
// clock.
//
// The clock counts allowed idle time in the current idle session. It
// advances with wall-clock ticks while nothing suppresses idle progression
// and holds its value otherwise. Each action is Armed until the clock has
// run its timeout past the point it was armed at, then Fired until the
// session ends.
package scheduler

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stasis/stasis/internal/config"
)

// PreSuspendTimeout bounds the pre-suspend hook.
const PreSuspendTimeout = 5 * time.Second

// Trigger records why a command ran.
type Trigger string

const (
	TriggerTimeout    Trigger = "timeout"
	TriggerManual     Trigger = "manual"
	TriggerResume     Trigger = "resume"
	TriggerPreSuspend Trigger = "pre_suspend"
)

// Hook names used for the non-action commands.
const (
	HookResume     = "resume_command"
	HookPreSuspend = "pre_suspend_command"
)

// Firing describes one command the scheduler dispatched or skipped.
type Firing struct {
	SessionID string
	Action    string
	Command   string
	Trigger   Trigger
	Skipped   bool
	Err       error
}

// Options are the collaborators of a Scheduler. Only Dispatcher is
// required.
type Options struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	// IsRunning reports whether a process with the given basename exists.
	IsRunning func(name string) bool
	Backlight Backlight
}

type actionState struct {
	action  config.Action
	armedAt time.Duration
	fired   bool
	firedAt time.Time
}

func (st *actionState) due(clock time.Duration) bool {
	return !st.fired && clock-st.armedAt >= st.action.Timeout
}

// Scheduler is not safe for concurrent use. The daemon loop owns it.
type Scheduler struct {
	snap *config.Snapshot
	opts Options
	log  *slog.Logger

	actions []*actionState
	clock   time.Duration

	idle      bool
	paused    bool
	held      bool
	heldEver  bool // the clock was held at some point this session
	lastTick  time.Time
	idleSince time.Time
	sessionID string
}

func New(snap *config.Snapshot, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		snap: snap,
		opts: opts,
		log:  opts.Logger,
	}
	for _, a := range snap.Actions {
		s.actions = append(s.actions, &actionState{action: a})
	}
	return s
}

// Idle reports whether an idle session is in progress.
func (s *Scheduler) Idle() bool { return s.idle }

// Paused reports whether idle progression is manually paused.
func (s *Scheduler) Paused() bool { return s.paused }

// Clock returns the allowed idle time of the current session.
func (s *Scheduler) Clock() time.Duration { return s.clock }

// SessionID identifies the current idle session, empty when active.
func (s *Scheduler) SessionID() string { return s.sessionID }

func (s *Scheduler) startSession(now time.Time) {
	s.idle = true
	s.clock = 0
	s.held = false
	s.heldEver = false
	s.lastTick = now
	s.idleSince = now
	s.sessionID = uuid.NewString()
	for _, st := range s.actions {
		st.armedAt = 0
		st.fired = false
		st.firedAt = time.Time{}
	}
}

// OnIdle starts an idle session. elapsed is the idle time the backend
// reported; it counts toward the clock unless progression is suppressed.
func (s *Scheduler) OnIdle(elapsed time.Duration, now time.Time, suppressed bool) []Firing {
	s.startSession(now)
	s.idleSince = now.Add(-elapsed)
	s.log.Info("idle session started", "session", s.sessionID, "elapsed", elapsed, "suppressed", suppressed)

	if suppressed || s.paused {
		s.held = true
		s.heldEver = true
		return nil
	}
	s.clock = elapsed
	return s.evaluate(now, TriggerTimeout)
}

// OnThreshold handles a further backend threshold in the same session. The
// clock catches up to elapsed when it lags behind tick granularity, but only
// if it was never held: after a hold the backend's notion of idle time no
// longer matches allowed idle time.
func (s *Scheduler) OnThreshold(elapsed time.Duration, now time.Time, suppressed bool) []Firing {
	if !s.idle || suppressed || s.paused || s.heldEver || elapsed <= s.clock {
		return nil
	}
	s.clock = elapsed
	s.lastTick = now
	return s.evaluate(now, TriggerTimeout)
}

// Tick advances or holds the clock and fires due actions.
func (s *Scheduler) Tick(now time.Time, suppressed bool) []Firing {
	delta := now.Sub(s.lastTick)
	s.lastTick = now
	if !s.idle {
		return nil
	}
	if delta < 0 {
		delta = 0
	}

	if suppressed || s.paused {
		if !s.held {
			s.log.Debug("idle clock held", "clock", s.clock)
		}
		s.held = true
		s.heldEver = true
		return nil
	}
	if s.held {
		s.log.Debug("idle clock resumed", "clock", s.clock)
	}
	s.held = false
	s.clock += delta
	return s.evaluate(now, TriggerTimeout)
}

func (s *Scheduler) evaluate(now time.Time, trigger Trigger) []Firing {
	var out []Firing
	for _, st := range s.actions {
		if st.due(s.clock) {
			out = append(out, s.fire(st, now, trigger)...)
		}
	}
	return out
}

// fire marks st Fired and dispatches its command. The action stays Fired
// whatever happens to the command.
func (s *Scheduler) fire(st *actionState, now time.Time, trigger Trigger) []Firing {
	st.fired = true
	st.firedAt = now
	a := st.action

	var out []Firing
	f := Firing{SessionID: s.sessionID, Action: a.Name, Command: a.Command, Trigger: trigger}

	switch a.Kind() {
	case config.KindLockScreen:
		if locker := lockerName(a.Command); locker != "" && s.opts.IsRunning != nil && s.opts.IsRunning(locker) {
			s.log.Info("screen already locked, skipping", "action", a.Name, "locker", locker)
			f.Skipped = true
			return append(out, f)
		}
	case config.KindBrightness:
		if s.opts.Backlight != nil {
			if err := s.opts.Backlight.Capture(); err != nil {
				s.log.Warn("failed to capture brightness", "error", err)
			}
		}
	case config.KindSuspend:
		if pre := s.snap.Idle.PreSuspendCommand; pre != "" {
			out = append(out, s.preSuspend(trigger))
		}
	}

	s.log.Info("firing action", "action", a.Name, "trigger", trigger, "clock", s.clock)
	if err := s.opts.Dispatcher.Start(a.Name, a.Command); err != nil {
		s.log.Error("action failed to start", "action", a.Name, "error", err)
		f.Err = err
	}
	return append(out, f)
}

func (s *Scheduler) preSuspend(trigger Trigger) Firing {
	cmd := s.snap.Idle.PreSuspendCommand
	f := Firing{SessionID: s.sessionID, Action: HookPreSuspend, Command: cmd, Trigger: trigger}

	s.log.Info("running pre-suspend command", "command", cmd)
	if err := s.opts.Dispatcher.RunWait(HookPreSuspend, cmd, PreSuspendTimeout); err != nil {
		s.log.Warn("pre-suspend command failed", "error", err)
		f.Err = err
	}
	return f
}

// lockerName returns the basename of the first word of a command.
func lockerName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Resume ends the idle session: brightness is restored, resume_command
// runs once, the clock returns to zero and every action is Armed. It does
// nothing when no session is in progress, so several sources reporting the
// same wake run the hook once.
func (s *Scheduler) Resume(now time.Time) []Firing {
	if !s.idle {
		return nil
	}

	session := s.sessionID
	s.log.Info("idle session ended", "session", session, "clock", s.clock)

	if s.opts.Backlight != nil {
		if err := s.opts.Backlight.Restore(); err != nil {
			s.log.Warn("failed to restore brightness", "error", err)
		}
	}

	var out []Firing
	if cmd := s.snap.Idle.ResumeCommand; cmd != "" {
		f := Firing{SessionID: session, Action: HookResume, Command: cmd, Trigger: TriggerResume}
		if err := s.opts.Dispatcher.Start(HookResume, cmd); err != nil {
			s.log.Error("resume command failed to start", "error", err)
			f.Err = err
		}
		out = append(out, f)
	}

	s.idle = false
	s.clock = 0
	s.held = false
	s.heldEver = false
	s.lastTick = now
	s.sessionID = ""
	for _, st := range s.actions {
		st.armedAt = 0
		st.fired = false
		st.firedAt = time.Time{}
	}
	return out
}

// Reconcile applies a new snapshot. Actions kept by name keep their state
// and take the new timeout and command. Removed actions are dropped. New
// actions are Armed at the current clock so they start from zero elapsed.
func (s *Scheduler) Reconcile(next *config.Snapshot) {
	old := make(map[string]*actionState, len(s.actions))
	for _, st := range s.actions {
		old[st.action.Name] = st
	}

	actions := make([]*actionState, 0, len(next.Actions))
	for _, a := range next.Actions {
		if st, ok := old[a.Name]; ok {
			st.action = a
			actions = append(actions, st)
			delete(old, a.Name)
			continue
		}
		s.log.Debug("action added", "action", a.Name, "timeout", a.Timeout)
		actions = append(actions, &actionState{action: a, armedAt: s.clock})
	}
	for name := range old {
		s.log.Debug("action removed", "action", name)
	}

	s.actions = actions
	s.snap = next
}

// Pause holds the clock until Unpause.
func (s *Scheduler) Pause() {
	s.paused = true
}

func (s *Scheduler) Unpause() {
	s.paused = false
}

// TriggerIdle fires every Armed action now, in configuration order. It
// starts a session if none is in progress.
func (s *Scheduler) TriggerIdle(now time.Time) []Firing {
	if !s.idle {
		s.startSession(now)
	}
	var out []Firing
	for _, st := range s.actions {
		if !st.fired {
			out = append(out, s.fire(st, now, TriggerManual)...)
		}
	}
	return out
}

// TriggerPreSuspend runs the pre-suspend command on request.
func (s *Scheduler) TriggerPreSuspend() (Firing, error) {
	if s.snap.Idle.PreSuspendCommand == "" {
		return Firing{}, fmt.Errorf("no pre_suspend_command configured")
	}
	f := s.preSuspend(TriggerManual)
	return f, f.Err
}

// ActionStatus is the per-action part of Status.
type ActionStatus struct {
	Name      string        `json:"name"`
	Command   string        `json:"command"`
	Timeout   time.Duration `json:"timeout"`
	Fired     bool          `json:"fired"`
	FiredAt   time.Time     `json:"fired_at,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	SessionID string         `json:"session_id,omitempty"`
	Idle      bool           `json:"idle"`
	Paused    bool           `json:"paused"`
	Held      bool           `json:"held"`
	Clock     time.Duration  `json:"clock"`
	IdleSince time.Time      `json:"idle_since,omitempty"`
	Actions   []ActionStatus `json:"actions"`
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	st := Status{
		SessionID: s.sessionID,
		Idle:      s.idle,
		Paused:    s.paused,
		Held:      s.held,
		Clock:     s.clock,
		Actions:   make([]ActionStatus, 0, len(s.actions)),
	}
	if s.idle {
		st.IdleSince = s.idleSince
	}
	for _, a := range s.actions {
		remaining := a.action.Timeout - (s.clock - a.armedAt)
		if a.fired || remaining < 0 {
			remaining = 0
		}
		st.Actions = append(st.Actions, ActionStatus{
			Name:      a.action.Name,
			Command:   a.action.Command,
			Timeout:   a.action.Timeout,
			Fired:     a.fired,
			FiredAt:   a.firedAt,
			Remaining: remaining,
		})
	}
	return st
}
