package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/astroseq/config.json"
	envPrefix         = "ASTROSEQ"
)

// Config holds user-editable settings for the sequencer.
type Config struct {
	Logging     Logging        `json:"logging"`
	Paths       Paths          `json:"paths"`
	Session     Session        `json:"session"`
	Camera      CameraDefaults `json:"camera"`
	PlateSolve  PlateSolve     `json:"platesolve"`
	Goto        Goto           `json:"goto"`
	Calibration Calibration    `json:"calibration"`
	Darks       Darks          `json:"darks"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, logfmt, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures on-disk locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	// FramesDir is where the frame processor drops star-list sidecars.
	FramesDir string `json:"frames_dir"`
	WorkDir   string `json:"work_dir"`
}

// Session selects devices and the host loop settings.
type Session struct {
	Camera         string `json:"camera"`
	Mount          string `json:"mount"`
	TicksPerSecond int    `json:"ticks_per_second"`
	HTTPAddr       string `json:"http_addr"`
	GRPCAddr       string `json:"grpc_addr"`
	// Simulate runs the session against the built-in simulator.
	Simulate bool `json:"simulate"`
}

// CameraDefaults are pushed once when the camera publishes its properties.
type CameraDefaults struct {
	Cooler        *bool    `json:"cooler"`
	Temperature   *float64 `json:"temperature"`
	Fan           *bool    `json:"fan"`
	Heater        string   `json:"heater"` // "", off, on, auto
	MaxResolution bool     `json:"max_resolution"`
}

// Capture describes exposures taken for solving and calibration.
type Capture struct {
	ExposureSec float64 `json:"exposure_sec"`
	Gain        int     `json:"gain"`
	Offset      int     `json:"offset"`
	Binning     int     `json:"binning"`
}

// PlateSolve selects and tunes the external solver.
type PlateSolve struct {
	Preferred      string   `json:"preferred"` // astap, astrometry
	Fallbacks      []string `json:"fallbacks"`
	Binary         string   `json:"binary"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	RadiusDeg      float64  `json:"radius_deg"`
	FOVDeg         float64  `json:"fov_deg"`
	Capture        Capture  `json:"capture"`
}

// Goto tunes goto-and-verify runs.
type Goto struct {
	// ToleranceArcmin is the residual above which the final pointing is reported as off target.
	ToleranceArcmin float64 `json:"tolerance_arcmin"`
}

// Calibration tunes mount calibration runs.
type Calibration struct {
	FocalLengthMM float64 `json:"focal_length_mm"`
	MaxPulseSec   float64 `json:"max_pulse_sec"`
	Capture       Capture `json:"capture"`
}

// Darks configures calibration-library creation.
type Darks struct {
	ProgramFile string `json:"program_file"`
	// The generator uses these when no program file is set.
	ExposuresSec []float64 `json:"exposures_sec"`
	Gains        []int     `json:"gains"`
	Temperatures []float64 `json:"temperatures"`
	Offset       int       `json:"offset"`
	Binning      int       `json:"binning"`
	Frames       int       `json:"frames"`
	DefectPixels bool      `json:"defect_pixels"`
	LibraryDir   string    `json:"library_dir"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// Environment variables prefixed with ASTROSEQ_ override file values, with
// nesting expressed by underscores (ASTROSEQ_SESSION_CAMERA).
func Load() (*Config, error) {
	configPath := os.Getenv("ASTROSEQ_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	defaults, err := toMap(defaultConfig())
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.MergeConfigMap(defaults); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	v.SetConfigFile(expanded)
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", expanded, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" }); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if cfg.Paths.FramesDir, err = expandUser(cfg.Paths.FramesDir); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the sequencer cannot run with.
func Validate(cfg *Config) error {
	if cfg.Session.TicksPerSecond < 1 {
		return fmt.Errorf("session.ticks_per_second must be at least 1, got %d", cfg.Session.TicksPerSecond)
	}
	switch strings.ToLower(cfg.PlateSolve.Preferred) {
	case "astap", "astrometry":
	default:
		return fmt.Errorf("platesolve.preferred: unknown solver %q", cfg.PlateSolve.Preferred)
	}
	if cfg.Calibration.FocalLengthMM <= 0 {
		return fmt.Errorf("calibration.focal_length_mm must be positive")
	}
	if cfg.Calibration.MaxPulseSec <= 0 {
		return fmt.Errorf("calibration.max_pulse_sec must be positive")
	}
	if cfg.Darks.Frames < 1 {
		return fmt.Errorf("darks.frames must be at least 1")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "astroseq.db"),
			FramesDir:    filepath.Join(os.TempDir(), "astroseq-frames"),
			WorkDir:      filepath.Join(os.TempDir(), "astroseq-work"),
		},
		Session: Session{
			Camera:         "Sim Camera",
			Mount:          "Sim Mount",
			TicksPerSecond: 1,
			HTTPAddr:       ":8085",
			GRPCAddr:       ":8086",
			Simulate:       true,
		},
		Camera: CameraDefaults{
			MaxResolution: true,
		},
		PlateSolve: PlateSolve{
			Preferred:      "astap",
			Fallbacks:      []string{"astrometry"},
			TimeoutSeconds: 60,
			RadiusDeg:      30,
			FOVDeg:         1.2,
			Capture:        Capture{ExposureSec: 5, Gain: 100, Offset: 10, Binning: 2},
		},
		Goto: Goto{
			ToleranceArcmin: 2,
		},
		Calibration: Calibration{
			FocalLengthMM: 500,
			MaxPulseSec:   5,
			Capture:       Capture{ExposureSec: 3, Gain: 100, Offset: 10, Binning: 1},
		},
		Darks: Darks{
			ExposuresSec: []float64{60, 120, 300},
			Gains:        []int{100},
			Temperatures: []float64{-10},
			Offset:       10,
			Binning:      1,
			Frames:       20,
			DefectPixels: true,
			LibraryDir:   filepath.Join(os.TempDir(), "astroseq-library"),
		},
	}
}

// toMap turns a config into the nested map viper merges, keyed by json tags.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
