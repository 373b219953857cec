package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasis/stasis/internal/config"
)

type call struct {
	name    string
	command string
	sync    bool
}

type fakeDispatcher struct {
	calls    []call
	startErr map[string]error
	waitErr  error
}

func (f *fakeDispatcher) Start(name, command string) error {
	f.calls = append(f.calls, call{name: name, command: command})
	return f.startErr[name]
}

func (f *fakeDispatcher) RunWait(name, command string, timeout time.Duration) error {
	f.calls = append(f.calls, call{name: name, command: command, sync: true})
	return f.waitErr
}

func (f *fakeDispatcher) names() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.name)
	}
	return out
}

func (f *fakeDispatcher) count(name string) int {
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

type fakeBacklight struct {
	captures, restores int
}

func (f *fakeBacklight) Capture() error { f.captures++; return nil }
func (f *fakeBacklight) Restore() error { f.restores++; return nil }

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func snapshot(actions ...config.Action) *config.Snapshot {
	s := config.Default()
	s.Actions = actions
	return s
}

func action(name string, timeout int, command string) config.Action {
	return config.Action{Name: name, Timeout: secs(timeout), Command: command}
}

func newScheduler(snap *config.Snapshot) (*Scheduler, *fakeDispatcher) {
	d := &fakeDispatcher{}
	s := New(snap, Options{
		Dispatcher: d,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, d
}

// run ticks once per second over (from, to] and records the second at which
// each command was dispatched.
func run(s *Scheduler, from, to int, suppressed func(sec int) bool) map[string]int {
	firedAt := make(map[string]int)
	for sec := from + 1; sec <= to; sec++ {
		sup := suppressed != nil && suppressed(sec)
		for _, f := range s.Tick(at(sec), sup) {
			firedAt[f.Action] = sec
		}
	}
	return firedAt
}

func exampleSnapshot() *config.Snapshot {
	snap := snapshot(
		action(config.ActionLockScreen, 300, "swaylock -f"),
		action(config.ActionSuspend, 1800, "systemctl suspend"),
	)
	snap.Idle.PreSuspendCommand = "notify"
	snap.Idle.ResumeCommand = "resume"
	return snap
}

func TestExampleScenario(t *testing.T) {
	s, d := newScheduler(exampleSnapshot())

	assert.Empty(t, s.OnIdle(0, at(0), false))
	firedAt := run(s, 0, 1850, nil)

	assert.Equal(t, 300, firedAt[config.ActionLockScreen])
	assert.Equal(t, 1800, firedAt[HookPreSuspend])
	assert.Equal(t, 1800, firedAt[config.ActionSuspend])
	assert.Equal(t, []string{config.ActionLockScreen, HookPreSuspend, config.ActionSuspend}, d.names())
	assert.True(t, d.calls[1].sync, "pre-suspend runs synchronously")

	firings := s.Resume(at(1850))
	require.Len(t, firings, 1)
	assert.Equal(t, HookResume, firings[0].Action)
	assert.Equal(t, 1, d.count(HookResume))

	st := s.Status()
	assert.False(t, st.Idle)
	assert.Zero(t, st.Clock)
	for _, a := range st.Actions {
		assert.False(t, a.Fired, a.Name)
	}
}

func TestExampleScenarioWithMedia(t *testing.T) {
	s, d := newScheduler(exampleSnapshot())

	s.OnIdle(0, at(0), false)
	firedAt := run(s, 0, 400, func(sec int) bool { return sec > 200 && sec <= 250 })

	assert.Equal(t, 350, firedAt[config.ActionLockScreen])
	assert.Equal(t, 1, d.count(config.ActionLockScreen))
	assert.Equal(t, secs(350), s.Clock())
}

func TestNeverFiresBeforeTimeout(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 60, "dim")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 59, nil)
	assert.Empty(t, d.calls)

	run(s, 59, 60, nil)
	assert.Equal(t, []string{"dim"}, d.names())
}

func TestFiresAtMostOncePerSession(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 10, "dim"), action("dpms", 10, "dpms off")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 500, nil)
	assert.Equal(t, []string{"dim", "dpms"}, d.names(), "shared timeouts fire in config order")

	s.Resume(at(500))
	s.OnIdle(0, at(600), false)
	run(s, 600, 700, nil)
	assert.Equal(t, 2, d.count("dim"), "fires again in the next session")
}

func TestHoldPreservesProgress(t *testing.T) {
	s, _ := newScheduler(snapshot(action("dim", 1000, "dim")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 100, nil)
	assert.Equal(t, secs(100), s.Clock())

	run(s, 100, 400, func(int) bool { return true })
	assert.Equal(t, secs(100), s.Clock())
	assert.True(t, s.Status().Held)

	run(s, 400, 450, nil)
	assert.Equal(t, secs(150), s.Clock())
	assert.False(t, s.Status().Held)
}

func TestOnIdleSuppressedStartsAtZero(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 5, "dim")))

	s.OnIdle(secs(3), at(0), true)
	assert.Zero(t, s.Clock())

	run(s, 0, 4, nil)
	assert.Equal(t, secs(4), s.Clock())
	assert.Empty(t, d.calls)
}

func TestOnIdleCountsBackendElapsed(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 3, "dim")))

	firings := s.OnIdle(secs(3), at(0), false)
	require.Len(t, firings, 1)
	assert.Equal(t, "dim", firings[0].Action)
	assert.Equal(t, []string{"dim"}, d.names())
}

func TestOnThresholdCatchesUp(t *testing.T) {
	s, d := newScheduler(snapshot(action(config.ActionLockScreen, 300, "swaylock")))

	s.OnIdle(secs(3), at(0), false)
	s.Tick(at(0).Add(296*time.Second+500*time.Millisecond), false)
	assert.Empty(t, d.calls)

	firings := s.OnThreshold(secs(300), at(297), false)
	require.Len(t, firings, 1)
	assert.Equal(t, secs(300), s.Clock())

	s.Tick(at(298), false)
	assert.Equal(t, secs(301), s.Clock(), "catch-up resets the tick baseline")
}

func TestOnThresholdIgnoredAfterHold(t *testing.T) {
	s, d := newScheduler(snapshot(action(config.ActionLockScreen, 300, "swaylock")))

	s.OnIdle(secs(3), at(0), false)
	run(s, 0, 100, func(sec int) bool { return sec <= 50 })

	assert.Empty(t, s.OnThreshold(secs(300), at(300), false))
	assert.Empty(t, d.calls)
	assert.Equal(t, secs(53), s.Clock())
}

func TestResumeOnlyWhileIdle(t *testing.T) {
	snap := snapshot(action("dim", 10, "dim"))
	snap.Idle.ResumeCommand = "resume"
	s, d := newScheduler(snap)

	assert.Empty(t, s.Resume(at(0)), "not idle")

	s.OnIdle(0, at(0), false)
	run(s, 0, 20, nil)
	s.Resume(at(20))
	s.Resume(at(20))
	assert.Equal(t, 1, d.count(HookResume))
}

func TestResumeWithoutCommand(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 10, "dim")))
	s.OnIdle(0, at(0), false)
	run(s, 0, 20, nil)

	assert.Empty(t, s.Resume(at(20)))
	assert.Equal(t, []string{"dim"}, d.names())
	assert.Empty(t, s.SessionID())
}

func TestReconcileRemovesAction(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 100, "dim"), action("dpms", 200, "dpms")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 99, nil)
	s.Reconcile(snapshot(action("dpms", 200, "dpms")))
	run(s, 99, 300, nil)

	assert.Equal(t, []string{"dpms"}, d.names())
}

func TestReconcileAddedActionStartsAtZero(t *testing.T) {
	s, d := newScheduler(snapshot(action("dpms", 1000, "dpms")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 500, nil)
	s.Reconcile(snapshot(action("dpms", 1000, "dpms"), action("dim", 100, "dim")))

	firedAt := run(s, 500, 700, nil)
	assert.Equal(t, 600, firedAt["dim"])
	assert.Equal(t, []string{"dim"}, d.names())
}

func TestReconcileLoweredTimeoutFiresNextTick(t *testing.T) {
	s, d := newScheduler(snapshot(action(config.ActionLockScreen, 300, "swaylock")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 200, nil)
	s.Reconcile(snapshot(action(config.ActionLockScreen, 100, "swaylock -f")))
	assert.Empty(t, d.calls)

	run(s, 200, 201, nil)
	require.Len(t, d.calls, 1)
	assert.Equal(t, "swaylock -f", d.calls[0].command, "new command applies")
}

func TestReconcileKeepsFiredState(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 10, "dim")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 20, nil)
	s.Reconcile(snapshot(action("dim", 10, "dim 50%")))
	run(s, 20, 40, nil)

	assert.Equal(t, 1, d.count("dim"))
	assert.Equal(t, secs(40), s.Clock(), "clock is unaffected by reload")
}

func TestCommandFailureKeepsActionFired(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 10, "dim")))
	d.startErr = map[string]error{"dim": errors.New("exec: not found")}

	s.OnIdle(0, at(0), false)
	var failed []Firing
	for sec := 1; sec <= 30; sec++ {
		failed = append(failed, s.Tick(at(sec), false)...)
	}

	require.Len(t, failed, 1)
	assert.Error(t, failed[0].Err)
	assert.Equal(t, 1, d.count("dim"), "no retry")
	assert.True(t, s.Status().Actions[0].Fired)
}

func TestPreSuspendFailureStillSuspends(t *testing.T) {
	snap := snapshot(action(config.ActionSuspend, 10, "systemctl suspend"))
	snap.Idle.PreSuspendCommand = "false"
	s, d := newScheduler(snap)
	d.waitErr = errors.New("exit status 1")

	s.OnIdle(0, at(0), false)
	run(s, 0, 10, nil)
	assert.Equal(t, []string{HookPreSuspend, config.ActionSuspend}, d.names())
}

func TestSuspendWithoutPreSuspend(t *testing.T) {
	s, d := newScheduler(snapshot(action(config.ActionSuspend, 10, "systemctl suspend")))
	s.OnIdle(0, at(0), false)
	run(s, 0, 10, nil)
	assert.Equal(t, []string{config.ActionSuspend}, d.names())
}

func TestLockScreenSkippedWhenLockerRunning(t *testing.T) {
	d := &fakeDispatcher{}
	var asked string
	s := New(snapshot(action(config.ActionLockScreen, 10, "/usr/bin/swaylock -f -c 000000")), Options{
		Dispatcher: d,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		IsRunning: func(name string) bool {
			asked = name
			return true
		},
	})

	s.OnIdle(0, at(0), false)
	firedAt := run(s, 0, 50, nil)

	assert.Equal(t, "swaylock", asked)
	assert.Equal(t, 10, firedAt[config.ActionLockScreen])
	assert.Empty(t, d.calls)
	assert.True(t, s.Status().Actions[0].Fired)
}

func TestBrightnessCapturedAndRestored(t *testing.T) {
	d := &fakeDispatcher{}
	b := &fakeBacklight{}
	s := New(snapshot(action(config.ActionBrightness, 10, "brightnessctl set 10%")), Options{
		Dispatcher: d,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Backlight:  b,
	})

	s.OnIdle(0, at(0), false)
	run(s, 0, 20, nil)
	assert.Equal(t, 1, b.captures)
	assert.Zero(t, b.restores)

	s.Resume(at(20))
	assert.Equal(t, 1, b.restores)
}

func TestPause(t *testing.T) {
	s, d := newScheduler(snapshot(action("dim", 100, "dim")))

	s.OnIdle(0, at(0), false)
	run(s, 0, 50, nil)
	s.Pause()
	assert.True(t, s.Paused())
	run(s, 50, 500, nil)
	assert.Equal(t, secs(50), s.Clock())
	assert.Empty(t, d.calls)

	s.Unpause()
	firedAt := run(s, 500, 600, nil)
	assert.Equal(t, 550, firedAt["dim"])
}

func TestTriggerIdle(t *testing.T) {
	s, d := newScheduler(exampleSnapshot())

	firings := s.TriggerIdle(at(0))
	assert.True(t, s.Idle())
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, []string{config.ActionLockScreen, HookPreSuspend, config.ActionSuspend}, d.names())
	for _, f := range firings {
		assert.Equal(t, TriggerManual, f.Trigger)
	}

	run(s, 0, 2000, nil)
	assert.Len(t, d.calls, 3, "manually fired actions stay fired")

	assert.Empty(t, s.TriggerIdle(at(2000)))
}

func TestTriggerPreSuspend(t *testing.T) {
	s, d := newScheduler(snapshot())
	_, err := s.TriggerPreSuspend()
	assert.Error(t, err)
	assert.Empty(t, d.calls)

	s, d = newScheduler(exampleSnapshot())
	f, err := s.TriggerPreSuspend()
	require.NoError(t, err)
	assert.Equal(t, "notify", f.Command)
	assert.Equal(t, 1, d.count(HookPreSuspend))
}

func TestSessionIDs(t *testing.T) {
	s, _ := newScheduler(snapshot(action("dim", 10, "dim")))
	assert.Empty(t, s.SessionID())

	s.OnIdle(0, at(0), false)
	first := s.SessionID()
	assert.NotEmpty(t, first)

	firings := run(s, 0, 10, nil)
	assert.Contains(t, firings, "dim")

	s.Resume(at(10))
	s.OnIdle(0, at(20), false)
	assert.NotEqual(t, first, s.SessionID())
}

func TestStatus(t *testing.T) {
	s, _ := newScheduler(exampleSnapshot())
	s.OnIdle(0, at(0), false)
	run(s, 0, 400, nil)

	st := s.Status()
	assert.True(t, st.Idle)
	assert.Equal(t, secs(400), st.Clock)
	assert.Equal(t, at(0), st.IdleSince)
	require.Len(t, st.Actions, 2)

	assert.Equal(t, config.ActionLockScreen, st.Actions[0].Name)
	assert.True(t, st.Actions[0].Fired)
	assert.Equal(t, at(300), st.Actions[0].FiredAt)
	assert.Zero(t, st.Actions[0].Remaining)

	assert.False(t, st.Actions[1].Fired)
	assert.Equal(t, secs(1400), st.Actions[1].Remaining)
}

func TestLockerName(t *testing.T) {
	tests := map[string]string{
		"swaylock -f":             "swaylock",
		"/usr/bin/hyprlock":       "hyprlock",
		"  i3lock   -c 000000  ": "i3lock",
		"":                        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, lockerName(in), in)
	}
}
