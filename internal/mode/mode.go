// Package mode holds the capture-sequencing state machines. A Mode is driven
// by its host from a single goroutine: once per timer tick and whenever a
// frame is processed or a device property changes. No method blocks; every
// wait is an elapsed-tick counter. Host-visible effects are returned as a
// NotifyResult and never applied by the mode itself.
package mode

import (
	"errors"
	"fmt"
	"log/slog"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/platesolve"
	"astroseq/internal/timing"
)

var (
	ErrNoCamera                    = errors.New("no camera selected")
	ErrNoMount                     = errors.New("no mount selected")
	ErrNoSolver                    = errors.New("no plate solver configured")
	ErrUnparkTimeout               = errors.New("mount did not unpark in time")
	ErrGotoTimeout                 = errors.New("mount did not reach the target in time")
	ErrMountAlert                  = errors.New("mount reported an alert during the slew")
	ErrPlateSolveFailed            = errors.New("plate solving failed")
	ErrInsufficientCalibrationData = errors.New("not enough usable calibration moves")
	ErrEmptyProgram                = errors.New("calibration program is empty")
)

// Type names a mode variant.
type Type string

const (
	TypeWaiting           Type = "waiting"
	TypePlatesolve        Type = "platesolve"
	TypeCapturePlatesolve Type = "capture_platesolve"
	TypeGoto              Type = "goto"
	TypeMountCalibr       Type = "mount_calibration"
	TypeDarkCreation      Type = "dark_creation"
)

// Progress counts completed steps out of a total.
type Progress struct {
	Cur   int `json:"cur"`
	Total int `json:"total"`
}

// Deps are the collaborators every mode is built with.
type Deps struct {
	Client device.Client
	Solver platesolve.Solver
	Rate   timing.Rate
	Log    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Mode is the contract between the host and a state machine. The set of
// implementations is closed; all of them live in this package.
type Mode interface {
	Type() Type
	// CamDevice is the camera the mode exposes with, or "".
	CamDevice() string
	// CamOpts are the settings of the exposure the mode is waiting for,
	// or nil when it is not capturing. The host uses them to restart a shot
	// after a camera recovery.
	CamOpts() *device.CamOptions
	Progress() *Progress
	ProgressString() string

	Start() error
	// Abort leaves the hardware safe: exposures and slews are stopped.
	Abort()

	NotifyTimer() (NotifyResult, error)
	NotifyFrame(res *frames.Result) (NotifyResult, error)
	NotifyPropChange(ch device.PropChange) (NotifyResult, error)
	NotifyLibraryBuilt(err error) (NotifyResult, error)

	// TakeNextMode hands over the mode queued to run after this one.
	TakeNextMode() Mode

	sealed()
}

// base supplies the no-op parts of the contract.
type base struct{}

func (base) sealed()                     {}
func (base) CamDevice() string           { return "" }
func (base) CamOpts() *device.CamOptions { return nil }
func (base) Progress() *Progress         { return nil }
func (base) Abort()                      {}
func (base) TakeNextMode() Mode          { return nil }

func (base) NotifyTimer() (NotifyResult, error) { return Nothing{}, nil }

func (base) NotifyFrame(*frames.Result) (NotifyResult, error) { return Nothing{}, nil }

func (base) NotifyPropChange(device.PropChange) (NotifyResult, error) { return Nothing{}, nil }

func (base) NotifyLibraryBuilt(error) (NotifyResult, error) { return Nothing{}, nil }

// WaitingMode is the idle mode the host falls back to.
type WaitingMode struct {
	base
}

// NewWaiting returns the idle mode.
func NewWaiting() *WaitingMode { return &WaitingMode{} }

func (*WaitingMode) Type() Type             { return TypeWaiting }
func (*WaitingMode) ProgressString() string { return "Waiting" }
func (*WaitingMode) Start() error           { return nil }

// CalibrationReceiver is implemented by modes that consume a mount
// calibration produced by the mode chained before them.
type CalibrationReceiver interface {
	SetCalibration(res MountMoveCalibrRes)
}

func progressText(title, step string) string {
	if step == "" {
		return title
	}
	return fmt.Sprintf("%s: %s", title, step)
}
