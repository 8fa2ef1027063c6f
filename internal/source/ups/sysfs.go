package ups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsReader reads the power monitor through a hwmon/power_supply sysfs
// node, which the kernel INA2xx driver exposes on a stock install. Values
// are in microvolts/microamps/microwatts per the sysfs ABI.
type SysfsReader struct {
	base string
}

func NewSysfsReader(base string) *SysfsReader {
	return &SysfsReader{base: base}
}

func (s *SysfsReader) Voltage() (float64, error) {
	v, err := s.readMicro("voltage_now", "in1_input")
	if err != nil {
		return 0, err
	}
	return v / 1e6, nil
}

func (s *SysfsReader) Current() (float64, error) {
	v, err := s.readMicro("current_now", "curr1_input")
	if err != nil {
		return 0, err
	}
	return v / 1e3, nil // µA -> mA
}

func (s *SysfsReader) Power() (float64, error) {
	v, err := s.readMicro("power_now", "power1_input")
	if err != nil {
		return 0, err
	}
	return v / 1e6, nil
}

// readMicro tries each candidate file name under the base path. hwmon and
// power_supply class devices name the same quantities differently.
func (s *SysfsReader) readMicro(names ...string) (float64, error) {
	var lastErr error
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(s.base, name))
		if err != nil {
			lastErr = err
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no readable attribute in %s", s.base)
	}
	return 0, lastErr
}
