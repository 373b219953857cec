package utils

import (
	"fmt"
	"time"
)

// FormatRoundedUnit renders seconds in its largest whole unit: "45s", "5m",
// "2h".
func FormatRoundedUnit(seconds int64) string {
	if seconds < 0 {
		seconds = -seconds
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds >= 3600 {
		return fmt.Sprintf("%dh", int64(seconds/3600))
	}
	return fmt.Sprintf("%dm", int64(seconds/60))
}

// FormatDuration renders d to the second as "1h 02m 03s", "4m 05s" or "7s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	total := int64(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// YesNo renders a flag for human-readable output.
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
