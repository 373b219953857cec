package power

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSupply(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for k, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644))
	}
}

func TestSupplySource(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT0", map[string]string{"type": "Battery", "status": "Discharging"})
	writeSupply(t, root, "AC", map[string]string{"type": "Mains", "online": "1"})

	s := NewSupply(root)
	assert.Equal(t, SourceAC, s.Source())

	writeSupply(t, root, "AC", map[string]string{"online": "0"})
	assert.Equal(t, SourceBattery, s.Source())
	assert.Equal(t, "battery", s.Source().String())
}

func TestSupplyLegacyAdapterName(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "BAT1", map[string]string{"type": "Battery"})
	writeSupply(t, root, "ADP1", map[string]string{"online": "1"})

	assert.Equal(t, SourceAC, NewSupply(root).Source())
}

func TestSupplyDesktop(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "hidpp_battery_0", map[string]string{"type": "Battery", "scope": "Device"})

	s := NewSupply(root)
	assert.Equal(t, SourceAC, s.Source(), "no battery means mains power")
	assert.Equal(t, SourceAC, NewSupply(filepath.Join(root, "absent")).Source())
}
