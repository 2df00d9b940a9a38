package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Session.TicksPerSecond != 1 || cfg.PlateSolve.Preferred != "astap" {
		t.Fatalf("unexpected defaults: %+v", cfg.Session)
	}
	if cfg.Calibration.MaxPulseSec != 5 {
		t.Fatalf("unexpected calibration defaults: %+v", cfg.Calibration)
	}
}

func TestLoadFileOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "session": {"camera": "ZWO ASI2600MM", "ticks_per_second": 4},
  "camera": {"cooler": true, "temperature": -5.5},
  "platesolve": {"preferred": "astrometry"}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ASTROSEQ_SESSION_MOUNT", "EQ6-R")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Session.Camera != "ZWO ASI2600MM" || cfg.Session.TicksPerSecond != 4 {
		t.Fatalf("file values not applied: %+v", cfg.Session)
	}
	if cfg.Session.Mount != "EQ6-R" {
		t.Fatalf("env override not applied: %q", cfg.Session.Mount)
	}
	if cfg.Camera.Cooler == nil || !*cfg.Camera.Cooler || cfg.Camera.Temperature == nil || *cfg.Camera.Temperature != -5.5 {
		t.Fatalf("camera defaults not decoded: %+v", cfg.Camera)
	}
	if cfg.PlateSolve.Preferred != "astrometry" || cfg.PlateSolve.TimeoutSeconds != 60 {
		t.Fatalf("platesolve section not merged: %+v", cfg.PlateSolve)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Session.TicksPerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero tick rate")
	}

	cfg = defaultConfig()
	cfg.PlateSolve.Preferred = "siril"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown solver")
	}
}

func TestGenerateDarkProgram(t *testing.T) {
	items := GenerateDarkProgram(Darks{
		ExposuresSec: []float64{30, 120},
		Gains:        []int{0, 100},
		Temperatures: []float64{-10, 0},
		Binning:      1,
		Frames:       10,
		DefectPixels: true,
	})
	// 2 temps × 2 gains × (2 darks + 1 defect map)
	if len(items) != 12 {
		t.Fatalf("expected 12 items, got %d", len(items))
	}
	if items[2].Kind != KindDefectPixels || items[2].ExposureSec != 120 {
		t.Fatalf("expected a defect map from the longest exposure, got %+v", items[2])
	}
	if items[0].Temperature == nil || *items[0].Temperature != -10 || *items[11].Temperature != 0 {
		t.Fatalf("temperatures not carried")
	}
	if err := ValidateDarkProgram(items); err != nil {
		t.Fatalf("generated program invalid: %v", err)
	}
}

func TestLoadDarkProgram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "darks.yaml")
	body := `items:
  - exposure_sec: 60
    gain: 100
    frames: 15
  - kind: defect_pixels
    exposure_sec: 300
    temperature: -10
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	items, err := LoadDarkProgram(path)
	if err != nil {
		t.Fatalf("LoadDarkProgram: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Kind != KindMasterDark || items[0].Temperature != nil || items[0].Binning != 1 {
		t.Fatalf("first item not normalized: %+v", items[0])
	}
	if items[1].Temperature == nil || *items[1].Temperature != -10 || items[1].Frames != 1 {
		t.Fatalf("second item wrong: %+v", items[1])
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("items:\n  - kind: flats\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDarkProgram(bad); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
