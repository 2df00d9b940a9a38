// Package frames carries the output of the frame-processing stage into the
// sequencer: either a plain decoded image or a light frame with its detected
// stars.
package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"astroseq/internal/alignment"
)

// Kind tells how far the frame processor went with a frame.
type Kind int

const (
	KindImage Kind = iota
	KindLightFrame
)

func (k Kind) String() string {
	if k == KindLightFrame {
		return "light-frame"
	}
	return "image"
}

// Result is one processed frame.
type Result struct {
	Camera   string            `json:"camera"`
	Kind     Kind              `json:"kind"`
	FilePath string            `json:"file"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Exposure time.Duration     `json:"exposure"`
	Stars    []alignment.Point `json:"stars,omitempty"`
	TakenAt  time.Time         `json:"taken_at"`
}

// HasStars reports whether the frame carries a usable star list.
func (r *Result) HasStars() bool {
	return r != nil && r.Kind == KindLightFrame && len(r.Stars) > 0
}

// ReadSidecar decodes a star-list sidecar file written by the frame processor.
func ReadSidecar(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	if res.Camera == "" {
		return nil, errors.New("sidecar has no camera")
	}
	if len(res.Stars) > 0 {
		res.Kind = KindLightFrame
	}
	return &res, nil
}
