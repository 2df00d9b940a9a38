package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Calibration file kinds a dark program can produce.
const (
	KindMasterDark   = "master_dark"
	KindDefectPixels = "defect_pixels"
)

// DarkItem is one entry of a calibration-library program.
type DarkItem struct {
	Kind        string   `yaml:"kind" json:"kind"`
	ExposureSec float64  `yaml:"exposure_sec" json:"exposure_sec"`
	Gain        int      `yaml:"gain" json:"gain"`
	Offset      int      `yaml:"offset" json:"offset"`
	Binning     int      `yaml:"binning" json:"binning"`
	Frames      int      `yaml:"frames" json:"frames"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// DarkProgram is the YAML document read by LoadDarkProgram.
type DarkProgram struct {
	Items []DarkItem `yaml:"items"`
}

// LoadDarkProgram reads and validates a YAML program file.
func LoadDarkProgram(path string) ([]DarkItem, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	var prog DarkProgram
	if err := yaml.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("parse dark program %s: %w", path, err)
	}
	for i := range prog.Items {
		normalizeItem(&prog.Items[i])
	}
	if err := ValidateDarkProgram(prog.Items); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog.Items, nil
}

// GenerateDarkProgram builds the program from the generator lists: every
// temperature × gain × exposure combination gets a master dark, and each
// temperature × gain pair gets one defect-pixel map from the longest exposure.
func GenerateDarkProgram(d Darks) []DarkItem {
	temps := make([]*float64, 0, len(d.Temperatures))
	for i := range d.Temperatures {
		temps = append(temps, &d.Temperatures[i])
	}
	if len(temps) == 0 {
		temps = append(temps, nil)
	}
	gains := d.Gains
	if len(gains) == 0 {
		gains = []int{0}
	}

	var items []DarkItem
	for _, temp := range temps {
		for _, gain := range gains {
			longest := 0.0
			for _, exp := range d.ExposuresSec {
				items = append(items, DarkItem{
					Kind:        KindMasterDark,
					ExposureSec: exp,
					Gain:        gain,
					Offset:      d.Offset,
					Binning:     d.Binning,
					Frames:      d.Frames,
					Temperature: temp,
				})
				longest = max(longest, exp)
			}
			if d.DefectPixels && longest > 0 {
				items = append(items, DarkItem{
					Kind:        KindDefectPixels,
					ExposureSec: longest,
					Gain:        gain,
					Offset:      d.Offset,
					Binning:     d.Binning,
					Frames:      d.Frames,
					Temperature: temp,
				})
			}
		}
	}
	for i := range items {
		normalizeItem(&items[i])
	}
	return items
}

// ValidateDarkProgram rejects programs a camera cannot execute.
func ValidateDarkProgram(items []DarkItem) error {
	if len(items) == 0 {
		return fmt.Errorf("dark program is empty")
	}
	for i, it := range items {
		switch it.Kind {
		case KindMasterDark, KindDefectPixels:
		default:
			return fmt.Errorf("item %d: unknown kind %q", i, it.Kind)
		}
		if it.ExposureSec < 0 {
			return fmt.Errorf("item %d: negative exposure", i)
		}
		if it.Frames < 1 {
			return fmt.Errorf("item %d: frames must be at least 1", i)
		}
	}
	return nil
}

func normalizeItem(it *DarkItem) {
	if it.Kind == "" {
		it.Kind = KindMasterDark
	}
	if it.Binning < 1 {
		it.Binning = 1
	}
	if it.Frames == 0 {
		it.Frames = 1
	}
}
