// Package inhibit decides whether idle progression is suppressed.
package inhibit

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/pkg/compositor"
)

// Reason names what suppresses idle progression.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonInhibitor Reason = "inhibitor"
	ReasonMedia     Reason = "media"
	ReasonApp       Reason = "app"
)

// State is the non-app input to a verdict.
type State struct {
	Inhibitors   int // logind idle blocks plus compositor inhibiting surfaces
	MediaPlaying bool
}

// Verdict is the result of one evaluation.
type Verdict struct {
	Suppressed bool
	Reasons    []Reason
	Apps       []string // matching app identifiers, sorted
}

func (v Verdict) String() string {
	if !v.Suppressed {
		return "not inhibited"
	}
	parts := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		if r == ReasonApp {
			parts = append(parts, fmt.Sprintf("app (%s)", strings.Join(v.Apps, ", ")))
			continue
		}
		parts = append(parts, string(r))
	}
	return "inhibited by " + strings.Join(parts, ", ")
}

// Resolver evaluates suppression and remembers which apps are matching so
// each is logged once when it starts inhibiting.
type Resolver struct {
	logger *slog.Logger
	active map[string]bool
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger, active: make(map[string]bool)}
}

// Evaluate returns the suppression verdict for the current inputs.
func (r *Resolver) Evaluate(snap *config.Snapshot, apps compositor.AppSet, state State) Verdict {
	var v Verdict

	if snap.Idle.RespectInhibitors && state.Inhibitors > 0 {
		v.Reasons = append(v.Reasons, ReasonInhibitor)
	}
	if snap.Idle.MonitorMedia && state.MediaPlaying {
		v.Reasons = append(v.Reasons, ReasonMedia)
	}

	v.Apps = r.match(snap.Idle.InhibitApps, apps)
	if len(v.Apps) > 0 {
		v.Reasons = append(v.Reasons, ReasonApp)
	}

	v.Suppressed = len(v.Reasons) > 0
	return v
}

func (r *Resolver) match(patterns []config.Pattern, apps compositor.AppSet) []string {
	var matched []string
	now := make(map[string]bool)

	for _, id := range apps.Sorted() {
		for _, p := range patterns {
			if !p.Match(id) {
				continue
			}
			now[id] = true
			matched = append(matched, id)
			if !r.active[id] {
				r.logger.Info("inhibiting app detected", "app", id, "pattern", p.String())
			}
			break
		}
	}

	r.active = now
	return matched
}

// Reset forgets the active app set so every match is logged again.
func (r *Resolver) Reset() {
	r.active = make(map[string]bool)
}
