// Package metrics reads local health signals for heartbeat reports. Every
// field is independently optional: an absent sensor simply leaves its field
// nil and the heartbeat omits it.
package metrics

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds one reading of the node's health signals. Nil pointers mean
// the corresponding sensor is absent or failed to respond.
type Snapshot struct {
	CPUUsage        *float64 `json:"cpuUsage,omitempty"`        // percent
	RAMUsage        *float64 `json:"ramUsage,omitempty"`        // percent
	Temperature     *float64 `json:"temperature,omitempty"`     // celsius
	BatterySOC      *float64 `json:"batterySoc,omitempty"`      // percent
	BatteryVoltage  *float64 `json:"batteryVoltage,omitempty"`  // volts
	BatteryACStatus *bool    `json:"batteryAcStatus,omitempty"` // mains present
	BatteryCharging *bool    `json:"batteryCharging,omitempty"`
}

// Probe reads health signals from whatever sensors the host exposes.
type Probe struct {
	// thermalPath is the SoC temperature file. The Raspberry Pi exposes
	// millidegrees at /sys/class/thermal/thermal_zone0/temp.
	thermalPath string

	// batteryDir is the power-supply sysfs directory of the UPS battery,
	// e.g. /sys/class/power_supply/battery. Empty disables battery fields.
	batteryDir string
}

// NewProbe creates a probe with the default sensor paths.
func NewProbe() *Probe {
	return &Probe{
		thermalPath: "/sys/class/thermal/thermal_zone0/temp",
		batteryDir:  findBatteryDir(),
	}
}

// NewProbeWithPaths creates a probe reading from explicit sensor paths.
// Used by tests.
func NewProbeWithPaths(thermalPath, batteryDir string) *Probe {
	return &Probe{thermalPath: thermalPath, batteryDir: batteryDir}
}

// Read takes one snapshot of all available sensors. Sensors that fail are
// skipped, never fatal.
func (p *Probe) Read() *Snapshot {
	snap := &Snapshot{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUUsage = &percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMUsage = &vm.UsedPercent
	}

	snap.Temperature = p.readTemperature()
	p.readBattery(snap)

	return snap
}

// readTemperature prefers the SoC thermal file and falls back to the first
// sensor gopsutil reports.
func (p *Probe) readTemperature() *float64 {
	if data, err := os.ReadFile(p.thermalPath); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			celsius := milli / 1000.0
			return &celsius
		}
	}

	if sensors, err := host.SensorsTemperatures(); err == nil {
		for _, sensor := range sensors {
			if sensor.Temperature != 0 {
				t := sensor.Temperature
				return &t
			}
		}
	}

	return nil
}

// readBattery fills the UPS battery fields from power-supply sysfs files.
func (p *Probe) readBattery(snap *Snapshot) {
	if p.batteryDir == "" {
		return
	}

	if soc, ok := readSysfsFloat(filepath.Join(p.batteryDir, "capacity")); ok {
		snap.BatterySOC = &soc
	}

	if microvolts, ok := readSysfsFloat(filepath.Join(p.batteryDir, "voltage_now")); ok {
		volts := microvolts / 1e6
		snap.BatteryVoltage = &volts
	}

	if status, ok := readSysfsString(filepath.Join(p.batteryDir, "status")); ok {
		charging := status == "Charging"
		snap.BatteryCharging = &charging
	}

	if online, ok := readSysfsFloat(filepath.Join(p.batteryDir, "online")); ok {
		ac := online > 0
		snap.BatteryACStatus = &ac
	}
}

// findBatteryDir locates a battery-type power supply under sysfs. Returns ""
// when the host has none.
func findBatteryDir() string {
	const root = "/sys/class/power_supply"

	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		if kind, ok := readSysfsString(filepath.Join(dir, "type")); ok && kind == "Battery" {
			return dir
		}
	}

	return ""
}

func readSysfsFloat(path string) (float64, bool) {
	raw, ok := readSysfsString(path)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func readSysfsString(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
