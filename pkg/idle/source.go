// Package idle turns a platform idle-notification facility into a single
// Idle/Resumed event stream driven by a set of timeout thresholds.
package idle

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ErrNoRegistrations means no threshold could be registered with the backend.
var ErrNoRegistrations = errors.New("no idle notification registrations")

// WatchID identifies one backend registration.
type WatchID uint32

// BackendEvent is a raw notification from a backend. Idled is false for a
// resumed notification.
type BackendEvent struct {
	Watch WatchID
	Idled bool
}

// Backend is a platform idle-notification facility. Implementations deliver
// events from their own reader goroutine on Events.
type Backend interface {
	Name() string
	Register(threshold time.Duration) (WatchID, error)
	Unregister(id WatchID) error
	Events() <-chan BackendEvent
	Close() error
}

// EventKind classifies a translated event.
type EventKind int

const (
	// KindIdle starts an idle session.
	KindIdle EventKind = iota
	// KindThreshold reports that a further threshold elapsed in the same session.
	KindThreshold
	// KindResumed ends the idle session.
	KindResumed
)

func (k EventKind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindThreshold:
		return "threshold"
	default:
		return "resumed"
	}
}

// Event is what the daemon loop acts on.
type Event struct {
	Kind    EventKind
	Elapsed time.Duration // time since last activity, for idle and threshold
}

// Source keeps one registration per distinct threshold and collapses their
// notifications into Idle and Resumed transitions.
type Source struct {
	backend Backend
	logger  *slog.Logger

	watches map[time.Duration]WatchID
	byID    map[WatchID]time.Duration
	idle    bool

	// fired holds the registrations that reported idle in this session.
	fired map[WatchID]bool
	// retired registrations were dropped from the wanted set after they
	// fired; they stay registered until the session resumes, since the
	// backend delivers resumed only to registrations that went idle.
	retired map[WatchID]time.Duration
}

func NewSource(backend Backend, logger *slog.Logger) *Source {
	return &Source{
		backend: backend,
		logger:  logger.With(slog.String("backend", backend.Name())),
		watches: make(map[time.Duration]WatchID),
		byID:    make(map[WatchID]time.Duration),
		fired:   make(map[WatchID]bool),
		retired: make(map[WatchID]time.Duration),
	}
}

func (s *Source) Name() string { return s.backend.Name() }

// Events returns the backend's raw event channel for the daemon loop to
// select on; each value is passed back through Handle.
func (s *Source) Events() <-chan BackendEvent { return s.backend.Events() }

// Idle reports whether the session is currently idle.
func (s *Source) Idle() bool { return s.idle }

// Thresholds returns the registered thresholds in ascending order.
func (s *Source) Thresholds() []time.Duration {
	out := make([]time.Duration, 0, len(s.watches))
	for t := range s.watches {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// SetThresholds reconciles registrations with the wanted set. Unchanged
// thresholds keep their registration. Individual failures are logged; an
// error is returned only when nothing remains registered.
func (s *Source) SetThresholds(thresholds []time.Duration) error {
	want := make(map[time.Duration]bool, len(thresholds))
	for _, t := range thresholds {
		if t > 0 {
			want[t] = true
		}
	}

	for t, id := range s.watches {
		if want[t] {
			continue
		}
		delete(s.watches, t)
		delete(s.byID, id)
		if s.idle && s.fired[id] {
			s.retired[id] = t
			continue
		}
		s.unregister(id, t)
	}

	var failed []time.Duration
	for t := range want {
		if _, ok := s.watches[t]; ok {
			continue
		}
		if id, ok := s.retiredFor(t); ok {
			delete(s.retired, id)
			s.watches[t] = id
			s.byID[id] = t
			continue
		}
		id, err := s.backend.Register(t)
		if err != nil {
			s.logger.Warn("failed to register idle threshold", "threshold", t, "error", err)
			failed = append(failed, t)
			continue
		}
		s.watches[t] = id
		s.byID[id] = t
	}

	if len(s.watches) == 0 {
		if len(failed) > 0 {
			return fmt.Errorf("%w: %d thresholds failed", ErrNoRegistrations, len(failed))
		}
		return ErrNoRegistrations
	}
	return nil
}

// Handle translates a backend event. The first idled notification of a
// session yields KindIdle; later ones yield KindThreshold. Any resumed
// notification while idle yields exactly one KindResumed, however many
// registrations report it.
func (s *Source) Handle(ev BackendEvent) (Event, bool) {
	if !ev.Idled {
		if !s.idle {
			return Event{}, false
		}
		s.idle = false
		clear(s.fired)
		for id, t := range s.retired {
			s.unregister(id, t)
			delete(s.retired, id)
		}
		return Event{Kind: KindResumed}, true
	}

	threshold, ok := s.byID[ev.Watch]
	if !ok {
		// Late event from a registration removed by a reload.
		return Event{}, false
	}

	s.fired[ev.Watch] = true
	if !s.idle {
		s.idle = true
		return Event{Kind: KindIdle, Elapsed: threshold}, true
	}
	return Event{Kind: KindThreshold, Elapsed: threshold}, true
}

// Close releases every registration and the backend.
func (s *Source) Close() error {
	for t, id := range s.watches {
		s.backend.Unregister(id)
		delete(s.watches, t)
		delete(s.byID, id)
	}
	for id := range s.retired {
		s.backend.Unregister(id)
		delete(s.retired, id)
	}
	return s.backend.Close()
}

func (s *Source) unregister(id WatchID, t time.Duration) {
	if err := s.backend.Unregister(id); err != nil {
		s.logger.Warn("failed to remove idle registration", "threshold", t, "error", err)
	}
}

func (s *Source) retiredFor(t time.Duration) (WatchID, bool) {
	for id, rt := range s.retired {
		if rt == t {
			return id, true
		}
	}
	return 0, false
}
