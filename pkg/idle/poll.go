package idle

import (
	"sync"
	"time"
)

// QueryFunc returns the time since the last user input.
type QueryFunc func() (time.Duration, error)

// PollBackend adapts a facility that can only be queried for the current
// idle time (X11 MIT-SCREEN-SAVER, Mutter GetIdletime) into threshold
// notifications by sampling it on an interval.
type PollBackend struct {
	name     string
	query    QueryFunc
	interval time.Duration

	mu      sync.Mutex
	nextID  WatchID
	watches map[WatchID]*polledWatch
	last    time.Duration

	events chan BackendEvent
	done   chan struct{}
	once   sync.Once
}

type polledWatch struct {
	threshold time.Duration
	fired     bool
}

// NewPollBackend starts sampling query every interval.
func NewPollBackend(name string, query QueryFunc, interval time.Duration) *PollBackend {
	b := &PollBackend{
		name:     name,
		query:    query,
		interval: interval,
		watches:  make(map[WatchID]*polledWatch),
		events:   make(chan BackendEvent, 16),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *PollBackend) Name() string { return b.name }

func (b *PollBackend) Register(threshold time.Duration) (WatchID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.watches[b.nextID] = &polledWatch{threshold: threshold}
	return b.nextID, nil
}

func (b *PollBackend) Unregister(id WatchID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.watches, id)
	return nil
}

func (b *PollBackend) Events() <-chan BackendEvent { return b.events }

func (b *PollBackend) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			idle, err := b.query()
			if err != nil {
				continue
			}
			for _, ev := range b.sample(idle) {
				select {
				case b.events <- ev:
				case <-b.done:
					return
				}
			}
		}
	}
}

// sample compares the current idle time against every registration. A drop
// in idle time means input happened, which resumes every fired watch.
func (b *PollBackend) sample(idle time.Duration) []BackendEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BackendEvent
	activity := idle < b.last
	b.last = idle

	for id, w := range b.watches {
		if activity && w.fired {
			w.fired = false
			out = append(out, BackendEvent{Watch: id, Idled: false})
		}
		if !w.fired && idle >= w.threshold {
			w.fired = true
			out = append(out, BackendEvent{Watch: id, Idled: true})
		}
	}
	return out
}

func (b *PollBackend) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
