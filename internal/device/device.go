// Package device describes the device-control layer the sequencer consumes:
// named instrument properties with a state, a handful of typed camera and
// mount controls, and a stream of property-change events. Commands are
// fire-and-forget; their effects are observed later through property state.
package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPropNotFound = errors.New("property not found")
	ErrNotSupported = errors.New("not supported by device")
	ErrNoDevice     = errors.New("device not connected")
)

// Well-known property names.
const (
	PropExposure    = "CCD_EXPOSURE"
	PropTemperature = "CCD_TEMPERATURE"
	PropCooler      = "CCD_COOLER"
	PropFan         = "TC_FAN_CONTROL"
	PropHeater      = "TC_HEAT_CONTROL"
	PropResolution  = "CCD_RESOLUTION"
	PropEqCoord     = "EQUATORIAL_EOD_COORD"
	PropPark        = "TELESCOPE_PARK"
	PropTimedGuide  = "TELESCOPE_TIMED_GUIDE_NS"
	PropConnection  = "CONNECTION"
)

// PropState mirrors the four property states of the device protocol.
type PropState int

const (
	StateIdle PropState = iota
	StateOk
	StateBusy
	StateAlert
)

func (s PropState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	}
	return fmt.Sprintf("PropState(%d)", int(s))
}

// ChangeKind tells whether a property appeared, changed or was deleted.
type ChangeKind int

const (
	PropNew ChangeKind = iota
	PropChanged
	PropDeleted
)

// PropChange is delivered for every property event of a connected device.
type PropChange struct {
	Device string
	Prop   string
	Kind   ChangeKind
	State  PropState
}

// EqCoord is an equatorial coordinate: RA in hours, Dec in degrees.
type EqCoord struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

func (c EqCoord) String() string {
	return fmt.Sprintf("RA %.4fh Dec %+.4f°", c.RA, c.Dec)
}

// FrameType selects the kind of exposure to take.
type FrameType int

const (
	FrameLight FrameType = iota
	FrameDark
	FrameBias
	FrameFlat
)

// CamOptions are the exposure settings a mode asks the camera for.
type CamOptions struct {
	Frame    FrameType     `json:"frame"`
	Exposure time.Duration `json:"exposure"`
	Gain     int           `json:"gain"`
	Offset   int           `json:"offset"`
	Binning  int           `json:"binning"`
}

// Camera covers the camera controls used by modes and the watchdog.
type Camera interface {
	StartExposure(cam string, opts CamOptions) error
	AbortExposure(cam string) error
	ExposureLeft(cam string) (time.Duration, error)
	FrameSize(cam string) (width, height int, err error)
	PixelSize(cam string) (microns float64, err error)

	HasCooler(cam string) bool
	Temperature(cam string) (float64, error)
	SetCooler(cam string, enabled bool) error
	SetTemperature(cam string, celsius float64) error
	SetFan(cam string, enabled bool) error
	SetHeater(cam string, mode string) error
	SetMaxResolution(cam string) error
}

// Mount covers the mount controls used by modes.
type Mount interface {
	IsParked(mount string) (bool, error)
	SetParked(mount string, parked bool) error
	EqCoord(mount string) (EqCoord, error)
	StartGoto(mount string, c EqCoord) error
	Sync(mount string, c EqCoord) error
	AbortMotion(mount string) error
	Tracking(mount string) (bool, error)
	SetTracking(mount string, enabled bool) error
	// GuideRate is the guide speed as a fraction of the sidereal rate.
	GuideRate(mount string) (float64, error)
	// TimedGuide pulses the mount. Positive ns moves north, positive we west.
	TimedGuide(mount string, ns, we time.Duration) error
}

// Client is the full device-control surface.
type Client interface {
	Camera
	Mount

	PropState(dev, prop string) (PropState, error)
	PropExists(dev, prop string) bool
	EnableDevice(dev string, enable bool) error
	// Subscribe returns a channel of property events and a cancel function.
	Subscribe() (<-chan PropChange, func())
}
