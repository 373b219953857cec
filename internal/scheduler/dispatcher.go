package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LongRunningAfter is how long an action command may run before it is
// logged as long-running. Lockers routinely run for the whole session.
const LongRunningAfter = 30 * time.Second

// Dispatcher runs action commands.
type Dispatcher interface {
	// Start spawns command and returns once it is running. Its exit is
	// reported out of band.
	Start(name, command string) error
	// RunWait runs command to completion, killing it after timeout.
	RunWait(name, command string, timeout time.Duration) error
}

// Result is the exit report of a command started with Start.
type Result struct {
	Name     string
	Command  string
	PID      int
	ExitCode int
	Err      error
	Duration time.Duration
}

// ShellDispatcher runs commands with sh -c, each in its own session so the
// whole process group can be signalled.
type ShellDispatcher struct {
	logger      *slog.Logger
	results     chan Result
	longRunning time.Duration

	mu      sync.Mutex
	running map[int]string
	done    chan struct{}
	once    sync.Once
}

func NewShellDispatcher(logger *slog.Logger) *ShellDispatcher {
	return &ShellDispatcher{
		logger:      logger,
		results:     make(chan Result, 32),
		longRunning: LongRunningAfter,
		running:     make(map[int]string),
		done:        make(chan struct{}),
	}
}

// Results delivers exit reports for commands started with Start.
func (d *ShellDispatcher) Results() <-chan Result { return d.results }

func shell(command string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (d *ShellDispatcher) Start(name, command string) error {
	cmd := shell(command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	d.mu.Lock()
	d.running[pid] = name
	d.mu.Unlock()

	d.logger.Debug("command started", "action", name, "pid", pid)
	go d.reap(cmd, name, command, time.Now())
	return nil
}

func (d *ShellDispatcher) reap(cmd *exec.Cmd, name, command string, started time.Time) {
	pid := cmd.Process.Pid
	timer := time.AfterFunc(d.longRunning, func() {
		d.logger.Info("command still running", "action", name, "pid", pid, "after", d.longRunning)
	})

	err := cmd.Wait()
	timer.Stop()

	d.mu.Lock()
	delete(d.running, pid)
	d.mu.Unlock()

	res := Result{
		Name:     name,
		Command:  command,
		PID:      pid,
		ExitCode: exitCode(err),
		Err:      err,
		Duration: time.Since(started),
	}
	select {
	case d.results <- res:
	case <-d.done:
	}
}

func (d *ShellDispatcher) RunWait(name, command string, timeout time.Duration) error {
	cmd := shell(command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("%s exited with code %d: %w", name, exitCode(err), err)
		}
		return nil
	case <-timer.C:
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
			d.logger.Warn("failed to kill timed out command", "action", name, "error", err)
		}
		<-waitErr
		return fmt.Errorf("%s timed out after %v", name, timeout)
	}
}

// Running returns the number of started commands not yet reaped.
func (d *ShellDispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Close stops delivering results. Running commands are left alone.
func (d *ShellDispatcher) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}
