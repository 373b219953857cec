package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBacklightRoot is where the kernel exposes backlight devices.
const DefaultBacklightRoot = "/sys/class/backlight"

// Backlight saves and restores screen brightness around the brightness
// action.
type Backlight interface {
	Capture() error
	Restore() error
}

// SysfsBacklight reads and writes <root>/<device>/brightness.
type SysfsBacklight struct {
	root  string
	saved map[string]string
}

func NewSysfsBacklight(root string) *SysfsBacklight {
	return &SysfsBacklight{root: root}
}

// Capture records the current value of every device. A second Capture
// before Restore keeps the first values.
func (b *SysfsBacklight) Capture() error {
	if b.saved != nil {
		return nil
	}

	paths, err := filepath.Glob(filepath.Join(b.root, "*", "brightness"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no backlight devices under %s", b.root)
	}

	saved := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		saved[p] = strings.TrimSpace(string(data))
	}
	b.saved = saved
	return nil
}

// Restore writes the captured values back. It is a no-op when nothing was
// captured.
func (b *SysfsBacklight) Restore() error {
	if b.saved == nil {
		return nil
	}
	defer func() { b.saved = nil }()

	var firstErr error
	for p, v := range b.saved {
		if err := os.WriteFile(p, []byte(v+"\n"), 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write %s: %w", p, err)
		}
	}
	return firstErr
}
