package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration from environment variables
// Environment variables override values from the config file
func LoadFromEnv(s *Snapshot) {
	if timeout := os.Getenv("STASIS_DEFAULT_TIMEOUT"); timeout != "" {
		if seconds, err := strconv.Atoi(timeout); err == nil && seconds > 0 {
			s.DefaultTimeout = time.Duration(seconds) * time.Second
		}
	}

	// Idle configuration
	if monitor := os.Getenv("STASIS_MONITOR_MEDIA"); monitor != "" {
		if val, err := strconv.ParseBool(monitor); err == nil {
			s.Idle.MonitorMedia = val
		}
	}

	if respect := os.Getenv("STASIS_RESPECT_INHIBITORS"); respect != "" {
		if val, err := strconv.ParseBool(respect); err == nil {
			s.Idle.RespectInhibitors = val
		}
	}

	if debounce := os.Getenv("STASIS_DEBOUNCE_SECONDS"); debounce != "" {
		if seconds, err := strconv.Atoi(debounce); err == nil && seconds > 0 {
			s.Idle.DebounceSeconds = seconds
		}
	}

	if poll := os.Getenv("STASIS_POLL_INTERVAL"); poll != "" {
		if seconds, err := strconv.Atoi(poll); err == nil && seconds > 0 {
			s.Idle.PollInterval = time.Duration(seconds) * time.Second
		}
	}

	// Daemon configuration
	if socket := os.Getenv("STASIS_SOCKET"); socket != "" {
		s.Daemon.Socket = socket
	}

	if webAddr := os.Getenv("STASIS_WEB_ADDR"); webAddr != "" {
		s.Daemon.WebAddr = webAddr
	}

	if historyPath := os.Getenv("STASIS_HISTORY_PATH"); historyPath != "" {
		s.Daemon.HistoryPath = historyPath
		s.Daemon.History = true
	}
}
