// Package platesolve drives an external plate solver. Solving runs in a
// separate process; callers start it once and then poll Result on every
// tick until it leaves the Waiting status.
package platesolve

import (
	"errors"
	"fmt"
	"time"

	"astroseq/internal/alignment"
	"astroseq/internal/device"
)

var (
	ErrBusy                = errors.New("plate solver is already running")
	ErrNoInput             = errors.New("nothing to solve")
	ErrStarListUnsupported = errors.New("solver needs an image file, star lists are not supported")
	ErrNotSolved           = errors.New("field not solved")
)

// Status of a solve attempt.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Input is what gets solved: an image file, or a star list with the frame size.
type Input struct {
	ImagePath string
	Stars     []alignment.Point
	Width     int
	Height    int
}

// Config tunes one solve attempt.
type Config struct {
	Timeout time.Duration
	// Seed is the expected centre; nil means a blind solve.
	Seed      *device.EqCoord
	RadiusDeg float64
	FOVDeg    float64
}

// Result is the polled outcome of a solve.
type Result struct {
	Status Status
	Coord  device.EqCoord
	// Rotation is the position angle of the frame in degrees.
	Rotation float64
	Err      error
}

// Solver is the plate-solver surface the modes depend on.
type Solver interface {
	Start(in Input, cfg Config) error
	// Result never blocks.
	Result() Result
	Abort()
}
