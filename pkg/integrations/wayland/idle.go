// Package wayland implements the idle backend on the ext-idle-notify-v1
// protocol, speaking the Wayland wire format directly over the display
// socket.
package wayland

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stasis/stasis/pkg/idle"
)

const (
	displayID = 1

	// wl_display
	displaySync        = 0
	displayGetRegistry = 1
	displayEventError  = 0
	displayEventDelete = 1

	// wl_registry
	registryBind        = 0
	registryEventGlobal = 0

	// wl_callback
	callbackEventDone = 0

	// ext_idle_notifier_v1
	notifierGetIdleNotification = 1

	// ext_idle_notification_v1
	notificationDestroy      = 0
	notificationEventIdled   = 0
	notificationEventResumed = 1

	notifierInterface = "ext_idle_notifier_v1"
	seatInterface     = "wl_seat"
)

type global struct {
	name    uint32
	version uint32
}

// Backend implements idle.Backend for wlroots, KDE, niri, Hyprland and any
// other compositor advertising ext_idle_notifier_v1.
type Backend struct {
	conn net.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  uint32
	watches map[uint32]bool

	registry uint32
	seat     uint32
	notifier uint32

	events chan idle.BackendEvent
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// SocketPath resolves the display socket from WAYLAND_DISPLAY.
func SocketPath() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, display), nil
}

// Connect opens the display and binds the seat and idle notifier. It fails
// if the compositor does not advertise ext_idle_notifier_v1.
func Connect() (*Backend, error) {
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wayland display: %w", err)
	}

	b, err := newBackend(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func newBackend(conn net.Conn) (*Backend, error) {
	b := &Backend{
		conn:    conn,
		nextID:  displayID,
		watches: make(map[uint32]bool),
		events:  make(chan idle.BackendEvent, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	globals, err := b.roundtrip()
	if err != nil {
		return nil, err
	}

	seat, ok := globals[seatInterface]
	if !ok {
		return nil, fmt.Errorf("compositor advertises no %s", seatInterface)
	}
	notifier, ok := globals[notifierInterface]
	if !ok {
		return nil, fmt.Errorf("compositor does not support %s", notifierInterface)
	}

	if b.seat, err = b.bind(seat, seatInterface, 1); err != nil {
		return nil, err
	}
	if b.notifier, err = b.bind(notifier, notifierInterface, 1); err != nil {
		return nil, err
	}

	go b.readLoop()
	return b, nil
}

func (b *Backend) Name() string { return "wayland" }

func (b *Backend) newID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Backend) send(object uint32, opcode uint16, args []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.conn.Write(frame(object, opcode, args)); err != nil {
		return fmt.Errorf("wayland write: %w", err)
	}
	return nil
}

// roundtrip requests the registry and reads globals until the sync
// callback fires.
func (b *Backend) roundtrip() (map[string]global, error) {
	b.registry = b.newID()
	if err := b.send(displayID, displayGetRegistry, (&encoder{}).uint(b.registry).buf); err != nil {
		return nil, err
	}
	callback := b.newID()
	if err := b.send(displayID, displaySync, (&encoder{}).uint(callback).buf); err != nil {
		return nil, err
	}

	b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer b.conn.SetReadDeadline(time.Time{})

	globals := make(map[string]global)
	for {
		msg, err := readMessage(b.conn)
		if err != nil {
			return nil, fmt.Errorf("wayland registry roundtrip: %w", err)
		}

		switch {
		case msg.sender == b.registry && msg.opcode == registryEventGlobal:
			d := decoder{buf: msg.args}
			name := d.uint()
			iface := d.string()
			version := d.uint()
			if d.err == nil {
				globals[iface] = global{name: name, version: version}
			}
		case msg.sender == callback && msg.opcode == callbackEventDone:
			return globals, nil
		case msg.sender == displayID && msg.opcode == displayEventError:
			return nil, decodeDisplayError(msg)
		}
	}
}

func (b *Backend) bind(g global, iface string, version uint32) (uint32, error) {
	if g.version < version {
		version = g.version
	}
	id := b.newID()
	args := (&encoder{}).uint(g.name).string(iface).uint(version).uint(id).buf
	if err := b.send(b.registry, registryBind, args); err != nil {
		return 0, err
	}
	return id, nil
}

// Register creates an ext_idle_notification_v1 for threshold.
func (b *Backend) Register(threshold time.Duration) (idle.WatchID, error) {
	id := b.newID()
	args := (&encoder{}).uint(id).uint(uint32(threshold.Milliseconds())).uint(b.seat).buf
	if err := b.send(b.notifier, notifierGetIdleNotification, args); err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.watches[id] = true
	b.mu.Unlock()
	return idle.WatchID(id), nil
}

// Unregister destroys a notification object.
func (b *Backend) Unregister(watch idle.WatchID) error {
	id := uint32(watch)
	b.mu.Lock()
	_, ok := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return b.send(id, notificationDestroy, nil)
}

func (b *Backend) Events() <-chan idle.BackendEvent { return b.events }

// Errors reports a fatal connection error once.
func (b *Backend) Errors() <-chan error { return b.errs }

func (b *Backend) readLoop() {
	for {
		msg, err := readMessage(b.conn)
		if err != nil {
			select {
			case <-b.done:
			case b.errs <- fmt.Errorf("wayland connection lost: %w", err):
			default:
			}
			return
		}

		if msg.sender == displayID && msg.opcode == displayEventError {
			select {
			case b.errs <- decodeDisplayError(msg):
			default:
			}
			continue
		}
		if msg.sender == displayID && msg.opcode == displayEventDelete {
			continue
		}

		b.mu.Lock()
		known := b.watches[msg.sender]
		b.mu.Unlock()
		if !known {
			continue
		}

		var ev idle.BackendEvent
		switch msg.opcode {
		case notificationEventIdled:
			ev = idle.BackendEvent{Watch: idle.WatchID(msg.sender), Idled: true}
		case notificationEventResumed:
			ev = idle.BackendEvent{Watch: idle.WatchID(msg.sender), Idled: false}
		default:
			continue
		}

		select {
		case b.events <- ev:
		case <-b.done:
			return
		}
	}
}

func decodeDisplayError(msg message) error {
	d := decoder{buf: msg.args}
	object := d.uint()
	code := d.uint()
	text := d.string()
	return fmt.Errorf("wayland protocol error on object %d (code %d): %s", object, code, text)
}

func (b *Backend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}
