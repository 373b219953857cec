package compositor

import (
	"context"
	"sort"
)

// AppSet is the set of application identifiers currently running
type AppSet map[string]struct{}

// NewAppSet builds a set from ids, skipping empty ones.
func NewAppSet(ids ...string) AppSet {
	s := make(AppSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s AppSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

func (s AppSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the identifiers in lexical order.
func (s AppSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Client is the interface that all compositor backends must satisfy
type Client interface {
	// Name returns the backend identifier ("hyprland", "sway", "process", ...)
	Name() string

	// ListApps returns the application identifiers currently running
	ListApps(ctx context.Context) (AppSet, error)

	// Close cleans up any resources used by the client
	Close() error
}

// InhibitorCounter is implemented by backends whose IPC reports windows
// that hold an idle inhibitor.
type InhibitorCounter interface {
	IdleInhibitors(ctx context.Context) (int, error)
}

// State is one poll of the compositor.
type State struct {
	Apps       AppSet
	Inhibitors int // windows holding an idle inhibitor
}

// StateReader is implemented by backends that answer both the app list and
// the inhibitor count from a single IPC request.
type StateReader interface {
	State(ctx context.Context) (State, error)
}
