package reporter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/internal/database"
	"github.com/stasis/stasis/internal/inhibit"
	"github.com/stasis/stasis/internal/models"
	"github.com/stasis/stasis/internal/scheduler"
	"github.com/stasis/stasis/pkg/utils"
)

// Info is everything `stasis info` shows about a running daemon.
type Info struct {
	Version           string
	Config            *config.Snapshot
	Status            scheduler.Status
	Verdict           inhibit.Verdict
	Apps              []string
	MediaPlaying      []string
	IdleBackend       string
	CompositorBackend string
	StartedAt         time.Time
	GeneratedAt       time.Time
}

// Reporter handles history generation
type Reporter struct {
	repo *database.Repository
}

// New creates a new reporter
func New(repo *database.Repository) *Reporter {
	return &Reporter{repo: repo}
}

// GenerateHistory summarizes the journal for the specified period
func (r *Reporter) GenerateHistory(periodType string, limit int) (*models.History, error) {
	period, err := GetPeriod(periodType, time.Now())
	if err != nil {
		return nil, err
	}

	summaries, err := r.repo.GetActionSummarySince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to get action summary: %w", err)
	}

	sessions, err := r.repo.CountSessionsSince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	records, err := r.repo.GetRecordsSince(period.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return &models.History{
		Period:      *period,
		Actions:     summaries,
		Records:     records,
		Sessions:    sessions,
		GeneratedAt: time.Now(),
	}, nil
}

// GetPeriod calculates the time range for a history query
func GetPeriod(periodType string, now time.Time) (*models.HistoryPeriod, error) {
	var start, end time.Time

	switch periodType {
	case "day", "today", "":
		periodType = "day"
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 0, 1)

	case "week":
		// Start of week (Monday)
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)

	case "month":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 1, 0)

	default:
		return nil, fmt.Errorf("invalid period type: %s (valid: day, week, month)", periodType)
	}

	return &models.HistoryPeriod{
		Start: start,
		End:   end,
		Type:  periodType,
	}, nil
}

// FormatHistoryText formats the history as human-readable text
func FormatHistoryText(h *models.History) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action History - %s\n", h.Period.Type)
	fmt.Fprintf(&b, "Period: %s to %s\n",
		h.Period.Start.Format("2006-01-02 15:04"),
		h.Period.End.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Idle sessions: %d\n\n", h.Sessions)

	if len(h.Actions) == 0 {
		b.WriteString("No actions recorded for this period.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%-30s %10s %10s %10s\n", "Action", "Fired", "Skipped", "Failed")
	b.WriteString(strings.Repeat("-", 63) + "\n")
	for _, a := range h.Actions {
		fmt.Fprintf(&b, "%-30s %10d %10d %10d\n", truncate(a.Action, 30), a.Count, a.Skipped, a.Failures)
	}

	if len(h.Records) > 0 {
		b.WriteString("\nRecent:\n")
		for _, rec := range h.Records {
			fmt.Fprintf(&b, "  %s  %-20s %-11s %s\n",
				rec.Timestamp.Format("01-02 15:04:05"),
				truncate(rec.Action, 20),
				rec.Trigger,
				recordOutcome(rec))
		}
	}

	return b.String()
}

func recordOutcome(rec *models.ActionRecord) string {
	switch {
	case rec.Skipped:
		return "skipped"
	case rec.Error != "":
		return "failed: " + rec.Error
	case rec.ExitCode == nil:
		return "running"
	case *rec.ExitCode != 0:
		return fmt.Sprintf("exit %d", *rec.ExitCode)
	default:
		return "ok"
	}
}

// FormatHistoryJSON formats the history as JSON
func FormatHistoryJSON(h *models.History) (string, error) {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// FormatInfoText renders the daemon state for `stasis info`.
func FormatInfoText(info *Info) string {
	var b strings.Builder
	st := info.Status

	fmt.Fprintf(&b, "stasis %s\n", info.Version)
	if !info.StartedAt.IsZero() {
		fmt.Fprintf(&b, "  Uptime: %s\n", utils.FormatDuration(info.GeneratedAt.Sub(info.StartedAt)))
	}
	fmt.Fprintf(&b, "  Backends: idle=%s compositor=%s\n", orDash(info.IdleBackend), orDash(info.CompositorBackend))

	if st.Idle {
		fmt.Fprintf(&b, "  Idle: yes (for %s, allowed %s)\n",
			utils.FormatDuration(info.GeneratedAt.Sub(st.IdleSince)),
			utils.FormatDuration(st.Clock))
	} else {
		b.WriteString("  Idle: no\n")
	}
	fmt.Fprintf(&b, "  Paused: %s\n", utils.YesNo(st.Paused))
	fmt.Fprintf(&b, "  Inhibited: %s\n", info.Verdict)
	if len(info.MediaPlaying) > 0 {
		fmt.Fprintf(&b, "  Media playing: %s\n", strings.Join(info.MediaPlaying, ", "))
	}

	if cfg := info.Config; cfg != nil {
		b.WriteString("\nSettings:\n")
		fmt.Fprintf(&b, "  Config: %s\n", orDash(cfg.Path))
		if cfg.Profile != "" {
			fmt.Fprintf(&b, "  Power profile: %s\n", cfg.Profile)
		}
		fmt.Fprintf(&b, "  Monitor media: %s\n", utils.YesNo(cfg.Idle.MonitorMedia))
		fmt.Fprintf(&b, "  Respect inhibitors: %s\n", utils.YesNo(cfg.Idle.RespectInhibitors))
		fmt.Fprintf(&b, "  Inhibit apps: %s\n", orDash(config.JoinPatterns(cfg.Idle.InhibitApps)))
		fmt.Fprintf(&b, "  Resume command: %s\n", orDash(cfg.Idle.ResumeCommand))
		fmt.Fprintf(&b, "  Pre-suspend command: %s\n", orDash(cfg.Idle.PreSuspendCommand))
	}

	b.WriteString("\nActions:\n")
	if len(st.Actions) == 0 {
		b.WriteString("  none\n")
	}
	for _, a := range st.Actions {
		state := "in " + utils.FormatDuration(a.Remaining)
		if a.Fired {
			state = "fired"
		}
		fmt.Fprintf(&b, "  %-20s %8s  %-14s %s\n",
			truncate(a.Name, 20),
			utils.FormatRoundedUnit(int64(a.Timeout/time.Second)),
			state,
			a.Command)
	}

	return b.String()
}

type infoJSON struct {
	Version           string       `json:"version"`
	ConfigPath        string       `json:"config_path"`
	PowerProfile      string       `json:"power_profile,omitempty"`
	UptimeSeconds     int64        `json:"uptime_seconds"`
	IdleBackend       string       `json:"idle_backend"`
	CompositorBackend string       `json:"compositor_backend"`
	SessionID         string       `json:"session_id,omitempty"`
	Idle              bool         `json:"idle"`
	Paused            bool         `json:"paused"`
	Held              bool         `json:"held"`
	ClockSeconds      float64      `json:"clock_seconds"`
	Inhibited         bool         `json:"inhibited"`
	InhibitReasons    []string     `json:"inhibit_reasons"`
	InhibitingApps    []string     `json:"inhibiting_apps"`
	MediaPlaying      []string     `json:"media_playing"`
	Apps              []string     `json:"apps"`
	Actions           []actionJSON `json:"actions"`
}

type actionJSON struct {
	Name             string  `json:"name"`
	Command          string  `json:"command"`
	TimeoutSeconds   int64   `json:"timeout_seconds"`
	Fired            bool    `json:"fired"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// FormatInfoJSON renders the daemon state as JSON with durations in seconds.
func FormatInfoJSON(info *Info) (string, error) {
	out := infoJSON{
		Version:           info.Version,
		IdleBackend:       info.IdleBackend,
		CompositorBackend: info.CompositorBackend,
		SessionID:         info.Status.SessionID,
		Idle:              info.Status.Idle,
		Paused:            info.Status.Paused,
		Held:              info.Status.Held,
		ClockSeconds:      info.Status.Clock.Seconds(),
		Inhibited:         info.Verdict.Suppressed,
		InhibitReasons:    make([]string, 0, len(info.Verdict.Reasons)),
		InhibitingApps:    nonNil(info.Verdict.Apps),
		MediaPlaying:      nonNil(info.MediaPlaying),
		Apps:              nonNil(info.Apps),
		Actions:           make([]actionJSON, 0, len(info.Status.Actions)),
	}
	if info.Config != nil {
		out.ConfigPath = info.Config.Path
		out.PowerProfile = info.Config.Profile
	}
	if !info.StartedAt.IsZero() {
		out.UptimeSeconds = int64(info.GeneratedAt.Sub(info.StartedAt) / time.Second)
	}
	for _, r := range info.Verdict.Reasons {
		out.InhibitReasons = append(out.InhibitReasons, string(r))
	}
	for _, a := range info.Status.Actions {
		out.Actions = append(out.Actions, actionJSON{
			Name:             a.Name,
			Command:          a.Command,
			TimeoutSeconds:   int64(a.Timeout / time.Second),
			Fired:            a.Fired,
			RemainingSeconds: a.Remaining.Seconds(),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate truncates a string to the specified length
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
