package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"astroseq/internal/fsutil"
	"astroseq/internal/mode"
)

// Library builds calibration files from captured frames. Build may block;
// the host calls it off its own goroutine and reports completion back to
// the mode that asked.
type Library interface {
	Build(ctx context.Context, req mode.BuildRequest) (string, error)
}

// Manifest describes one calibration file and the frames it is built from.
type Manifest struct {
	Kind        string    `yaml:"kind"`
	Camera      string    `yaml:"camera"`
	ExposureSec float64   `yaml:"exposure_sec"`
	Gain        int       `yaml:"gain"`
	Offset      int       `yaml:"offset"`
	Binning     int       `yaml:"binning"`
	Temperature *float64  `yaml:"temperature,omitempty"`
	Frames      []string  `yaml:"frames"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// ManifestLibrary records calibration files as YAML manifests in Dir. The
// pixel work is left to the external stacking tool that reads them.
type ManifestLibrary struct {
	Dir string
	Log *slog.Logger
}

// NewManifestLibrary creates the library directory if needed.
func NewManifestLibrary(dir string, log *slog.Logger) (*ManifestLibrary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ManifestLibrary{Dir: dir, Log: log}, nil
}

// Build implements Library.
func (l *ManifestLibrary) Build(ctx context.Context, req mode.BuildRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Files) == 0 {
		return "", fmt.Errorf("%s item %d: no frames", req.Kind, req.Item)
	}

	m := Manifest{
		Kind:        string(req.Kind),
		Camera:      req.Camera,
		ExposureSec: req.Cam.Exposure.Seconds(),
		Gain:        req.Cam.Gain,
		Offset:      req.Cam.Offset,
		Binning:     req.Cam.Binning,
		Temperature: req.Temperature,
		Frames:      req.Files,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(l.Dir, manifestName(req))
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	l.Log.Info("calibration file recorded", "kind", m.Kind, "frames", len(m.Frames), "path", path)
	return path, nil
}

func manifestName(req mode.BuildRequest) string {
	temp := "uncooled"
	if req.Temperature != nil {
		temp = fmt.Sprintf("%+.0fC", *req.Temperature)
	}
	return fmt.Sprintf("%s_%gs_g%d_b%d_%s.yaml", req.Kind, req.Cam.Exposure.Seconds(), req.Cam.Gain, req.Cam.Binning, temp)
}

// ReadManifest loads a manifest written by ManifestLibrary.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
