package power

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultSupplyRoot is where the kernel exposes power supplies.
const DefaultSupplyRoot = "/sys/class/power_supply"

// Source is where the machine draws power from.
type Source int

const (
	// SourceAC also covers desktops, which have no battery at all.
	SourceAC Source = iota
	SourceBattery
)

func (s Source) String() string {
	if s == SourceBattery {
		return "battery"
	}
	return "ac"
}

// legacyMains are adapter names used by drivers that do not report a type.
var legacyMains = []string{"AC", "ADP", "ACAD"}

// Supply reads <root>/<device>/{type,online}.
type Supply struct {
	root string
}

func NewSupply(root string) *Supply {
	return &Supply{root: root}
}

// Source reports SourceAC when a mains adapter is online or the machine has
// no battery, SourceBattery otherwise.
func (s *Supply) Source() Source {
	devices, err := os.ReadDir(s.root)
	if err != nil {
		return SourceAC
	}

	battery := false
	for _, d := range devices {
		dir := filepath.Join(s.root, d.Name())
		kind := readAttr(filepath.Join(dir, "type"))
		if kind == "Battery" {
			// peripherals such as wireless mice report scope Device
			if readAttr(filepath.Join(dir, "scope")) != "Device" {
				battery = true
			}
			continue
		}
		if kind != "Mains" && !isLegacyMains(d.Name()) {
			continue
		}
		if readAttr(filepath.Join(dir, "online")) == "1" {
			return SourceAC
		}
	}
	if !battery {
		return SourceAC
	}
	return SourceBattery
}

func isLegacyMains(name string) bool {
	for _, prefix := range legacyMains {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
