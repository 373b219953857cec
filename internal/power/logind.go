// Package power watches systemd-logind for sleep transitions and idle
// inhibitor locks.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	logindDestination = "org.freedesktop.login1"
	logindObjectPath  = "/org/freedesktop/login1"
	managerInterface  = "org.freedesktop.login1.Manager"

	prepareForSleep = managerInterface + ".PrepareForSleep"

	callTimeout = time.Second
)

// Inhibitor is one entry of logind's ListInhibitors.
type Inhibitor struct {
	What string
	Who  string
	Why  string
	Mode string
	UID  uint32
	PID  uint32
}

// SleepEvent is a decoded PrepareForSleep signal.
type SleepEvent struct {
	// Sleeping is true before suspend and false after wake.
	Sleeping bool
}

type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Logind is a system bus client. A zero-connection Logind (bus
// unreachable) reports no inhibitors and never delivers signals.
type Logind struct {
	conn    *dbus.Conn
	manager caller
	logger  *slog.Logger
	signals chan *dbus.Signal
	failing bool
}

// Connect attaches to the system bus. Failure is logged once and yields an
// inert client.
func Connect(logger *slog.Logger) *Logind {
	l := &Logind{logger: logger}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.Warn("system bus unavailable, logind integration disabled", "error", err)
		return l
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindObjectPath),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		logger.Warn("failed to subscribe to PrepareForSleep", "error", err)
		conn.Close()
		return l
	}

	l.conn = conn
	l.manager = conn.Object(logindDestination, logindObjectPath)
	l.signals = make(chan *dbus.Signal, 4)
	conn.Signal(l.signals)
	return l
}

// Available reports whether the client is attached to the system bus.
func (l *Logind) Available() bool { return l.conn != nil }

// Signals delivers signals to pass to Decode. It is nil when unavailable.
func (l *Logind) Signals() <-chan *dbus.Signal { return l.signals }

// Decode extracts a sleep transition from a signal.
func Decode(sig *dbus.Signal) (SleepEvent, bool) {
	if sig == nil || sig.Name != prepareForSleep || len(sig.Body) < 1 {
		return SleepEvent{}, false
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return SleepEvent{}, false
	}
	return SleepEvent{Sleeping: sleeping}, true
}

// Inhibitors lists the current inhibitor locks.
func (l *Logind) Inhibitors(ctx context.Context) ([]Inhibitor, error) {
	if l.manager == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var list []Inhibitor
	if err := l.manager.CallWithContext(ctx, managerInterface+".ListInhibitors", 0).Store(&list); err != nil {
		return nil, fmt.Errorf("ListInhibitors: %w", err)
	}
	return list, nil
}

// IdleInhibitors returns the number of block-mode idle inhibitors, or 0 on
// error. Errors are logged once per transition.
func (l *Logind) IdleInhibitors(ctx context.Context) int {
	list, err := l.Inhibitors(ctx)
	switch {
	case err != nil && !l.failing:
		l.failing = true
		l.logger.Warn("failed to list logind inhibitors", "error", err)
	case err == nil && l.failing:
		l.failing = false
		l.logger.Info("logind inhibitor listing recovered")
	}
	return CountIdleBlocks(list)
}

// CountIdleBlocks counts the block-mode inhibitors whose What includes idle.
func CountIdleBlocks(list []Inhibitor) int {
	n := 0
	for _, in := range list {
		if in.Mode != "block" {
			continue
		}
		for _, what := range strings.Split(in.What, ":") {
			if what == "idle" {
				n++
				break
			}
		}
	}
	return n
}

func (l *Logind) Close() error {
	if l.conn == nil {
		return nil
	}
	l.conn.RemoveSignal(l.signals)
	return l.conn.Close()
}
