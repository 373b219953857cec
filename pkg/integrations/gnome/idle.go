// Package gnome implements the idle backend on Mutter's IdleMonitor D-Bus
// interface.
package gnome

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/stasis/stasis/pkg/idle"
)

const (
	idleMonitorDestination = "org.gnome.Mutter.IdleMonitor"
	idleMonitorObjectPath  = "/org/gnome/Mutter/IdleMonitor/Core"
	idleMonitorInterface   = "org.gnome.Mutter.IdleMonitor"
	watchFiredSignal       = idleMonitorInterface + ".WatchFired"
)

// caller is the part of a dbus object the backend uses, so tests can
// substitute it.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Backend implements idle.Backend. Mutter's user-active watch is one-shot,
// so one is armed whenever an idle watch fires and consumed by the next
// activity.
type Backend struct {
	conn    *dbus.Conn
	monitor caller

	mu        sync.Mutex
	idleWatch map[uint32]bool
	activeID  uint32

	signals chan *dbus.Signal
	events  chan idle.BackendEvent
	done    chan struct{}
	once    sync.Once
}

// Connect opens a private session bus connection and subscribes to
// WatchFired.
func Connect() (*Backend, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	b := newBackend(conn.Object(idleMonitorDestination, idleMonitorObjectPath))
	b.conn = conn

	if err := b.monitor.Call(idleMonitorInterface+".GetIdletime", 0).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("mutter idle monitor unavailable: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(idleMonitorObjectPath),
		dbus.WithMatchInterface(idleMonitorInterface),
		dbus.WithMatchMember("WatchFired"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to WatchFired: %w", err)
	}
	conn.Signal(b.signals)

	go b.loop()
	return b, nil
}

func newBackend(monitor caller) *Backend {
	return &Backend{
		monitor:   monitor,
		idleWatch: make(map[uint32]bool),
		signals:   make(chan *dbus.Signal, 16),
		events:    make(chan idle.BackendEvent, 16),
		done:      make(chan struct{}),
	}
}

func (b *Backend) Name() string { return "gnome" }

func (b *Backend) Register(threshold time.Duration) (idle.WatchID, error) {
	var id uint32
	err := b.monitor.Call(idleMonitorInterface+".AddIdleWatch", 0, uint64(threshold.Milliseconds())).Store(&id)
	if err != nil {
		return 0, fmt.Errorf("AddIdleWatch: %w", err)
	}

	b.mu.Lock()
	b.idleWatch[id] = true
	b.mu.Unlock()
	return idle.WatchID(id), nil
}

func (b *Backend) Unregister(watch idle.WatchID) error {
	b.mu.Lock()
	delete(b.idleWatch, uint32(watch))
	b.mu.Unlock()

	return b.monitor.Call(idleMonitorInterface+".RemoveWatch", 0, uint32(watch)).Err
}

func (b *Backend) Events() <-chan idle.BackendEvent { return b.events }

func (b *Backend) loop() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok || sig == nil {
				return
			}
			ev, ok := b.handle(sig)
			if !ok {
				continue
			}
			select {
			case b.events <- ev:
			case <-b.done:
				return
			}
		}
	}
}

// handle maps a WatchFired signal to a backend event.
func (b *Backend) handle(sig *dbus.Signal) (idle.BackendEvent, bool) {
	if sig.Name != watchFiredSignal || len(sig.Body) < 1 {
		return idle.BackendEvent{}, false
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return idle.BackendEvent{}, false
	}

	b.mu.Lock()
	isIdle := b.idleWatch[id]
	isActive := b.activeID != 0 && id == b.activeID
	if isActive {
		b.activeID = 0
	}
	b.mu.Unlock()

	switch {
	case isIdle:
		b.armActive()
		return idle.BackendEvent{Watch: idle.WatchID(id), Idled: true}, true
	case isActive:
		return idle.BackendEvent{Watch: idle.WatchID(id), Idled: false}, true
	}
	return idle.BackendEvent{}, false
}

func (b *Backend) armActive() {
	b.mu.Lock()
	armed := b.activeID != 0
	b.mu.Unlock()
	if armed {
		return
	}

	var id uint32
	if err := b.monitor.Call(idleMonitorInterface+".AddUserActiveWatch", 0).Store(&id); err != nil {
		return
	}
	b.mu.Lock()
	b.activeID = id
	b.mu.Unlock()
}

func (b *Backend) Close() error {
	b.once.Do(func() { close(b.done) })
	if b.conn != nil {
		b.conn.RemoveSignal(b.signals)
		return b.conn.Close()
	}
	return nil
}
