package models

import (
	"time"

	"gorm.io/gorm"
)

// ActionRecord is one command dispatched by the scheduler. ExitCode stays
// nil until the command is reaped.
type ActionRecord struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
	SessionID string         `gorm:"index" json:"session_id"`
	Action    string         `gorm:"not null;index" json:"action"`
	Command   string         `gorm:"not null" json:"command"`
	Trigger   string         `gorm:"not null" json:"trigger"` // "timeout", "manual", "resume" or "pre_suspend"
	Skipped   bool           `gorm:"not null;default:false" json:"skipped"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Failed reports whether the command could not be spawned or exited
// non-zero.
func (r *ActionRecord) Failed() bool {
	return r.Error != "" || (r.ExitCode != nil && *r.ExitCode != 0)
}

type ActionSummary struct {
	Action   string `json:"action"`
	Count    int64  `json:"count"`
	Skipped  int64  `json:"skipped"`
	Failures int64  `json:"failures"`
}

type HistoryPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Type  string    `json:"type"` // "day", "week", "month"
}

type History struct {
	Period      HistoryPeriod   `json:"period"`
	Actions     []ActionSummary `json:"actions"`
	Records     []*ActionRecord `json:"records"`
	Sessions    int64           `json:"sessions"`
	GeneratedAt time.Time       `json:"generated_at"`
}
