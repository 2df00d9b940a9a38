// Package watchdog recovers a camera that stops answering in the middle of
// an exposure. It power-cycles the device through the protocol layer, waits
// for the exposure property to come back and then asks the host to restart
// the interrupted shot. It also pushes one-time hardware defaults shortly
// after the relevant properties first appear.
package watchdog

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"astroseq/internal/device"
	"astroseq/internal/logging"
	"astroseq/internal/timing"
)

// ErrCameraNotRestored is returned when the exposure property does not come
// back after the camera was re-enabled. It is the only fatal watchdog error.
var ErrCameraNotRestored = errors.New("camera did not come back after restart")

const (
	blobTimeout       = 30 * time.Second
	shutdownDelay     = 2 * time.Second
	reappearTimeout   = 10 * time.Second
	afterRestartDelay = 5 * time.Second
	initDelay         = 2 * time.Second
)

// State is the recovery phase of the watchdog.
type State int

const (
	StateWaiting State = iota
	StateWaitBlob
	StateShutdown
	StateWaitExposureProp
	StateWaitAfterRestart
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateWaitBlob:
		return "wait_blob"
	case StateShutdown:
		return "shutdown"
	case StateWaitExposureProp:
		return "wait_exposure_prop"
	case StateWaitAfterRestart:
		return "wait_after_restart"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is what a tick tells the host.
type Result int

const (
	ResultOk Result = iota
	// ResultWaiting means a recovery is in progress.
	ResultWaiting
	// ResultRestartCameraShot asks the host to start the interrupted exposure again.
	ResultRestartCameraShot
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultWaiting:
		return "waiting"
	case ResultRestartCameraShot:
		return "restart_camera_shot"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Defaults are pushed to the camera once after its properties appear.
// Nil or empty fields are left alone.
type Defaults struct {
	Cooler        *bool
	Temperature   *float64
	Fan           *bool
	Heater        string
	MaxResolution bool
}

var initProps = []string{
	device.PropTemperature,
	device.PropFan,
	device.PropHeater,
	device.PropResolution,
}

// Watchdog is driven by one host goroutine and is not safe for concurrent use.
type Watchdog struct {
	camera   string
	client   device.Client
	defaults Defaults
	rate     timing.Rate
	log      *slog.Logger

	state   State
	elapsed int
	frozen  bool

	applied   map[string]bool
	pending   map[string]bool
	initArmed bool
	initTicks int
}

// New creates a watchdog for camera.
func New(camera string, client device.Client, defaults Defaults, rate timing.Rate, log *slog.Logger) *Watchdog {
	return &Watchdog{
		camera:   camera,
		client:   client,
		defaults: defaults,
		rate:     rate,
		log:      log,
		applied:  make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Camera returns the device name the watchdog guards.
func (w *Watchdog) Camera() string { return w.camera }

// State returns the current phase and the ticks spent in it.
func (w *Watchdog) State() (State, int) { return w.state, w.elapsed }

// SetFrozen injects a stalled-camera condition, as if the exposure were
// stuck at zero time left.
func (w *Watchdog) SetFrozen(frozen bool) { w.frozen = frozen }

func (w *Watchdog) enter(s State) {
	logging.LogWatchdog(w.log, w.camera, w.state.String(), s.String())
	w.state = s
	w.elapsed = 0
}

// Tick advances the watchdog by one host tick.
func (w *Watchdog) Tick() (Result, error) {
	w.tickInit()

	switch w.state {
	case StateWaiting:
		stalled, err := w.stalled()
		if err != nil {
			return ResultOk, err
		}
		if stalled {
			w.enter(StateWaitBlob)
			return ResultWaiting, nil
		}
		return ResultOk, nil

	case StateWaitBlob:
		stalled, err := w.stalled()
		if err != nil {
			return ResultOk, err
		}
		if !stalled {
			w.enter(StateWaiting)
			return ResultOk, nil
		}
		w.elapsed++
		if w.elapsed >= w.rate.Ticks(blobTimeout) {
			w.log.Warn("camera stalled, disabling device", "camera", w.camera)
			if err := w.client.EnableDevice(w.camera, false); err != nil {
				return ResultWaiting, fmt.Errorf("disable %s: %w", w.camera, err)
			}
			w.frozen = false
			w.enter(StateShutdown)
		}
		return ResultWaiting, nil

	case StateShutdown:
		w.elapsed++
		if w.elapsed >= w.rate.Ticks(shutdownDelay) {
			if err := w.client.EnableDevice(w.camera, true); err != nil {
				return ResultWaiting, fmt.Errorf("enable %s: %w", w.camera, err)
			}
			w.enter(StateWaitExposureProp)
		}
		return ResultWaiting, nil

	case StateWaitExposureProp:
		w.elapsed++
		if w.elapsed >= w.rate.Ticks(reappearTimeout) {
			w.enter(StateWaiting)
			return ResultOk, fmt.Errorf("%s: %w", w.camera, ErrCameraNotRestored)
		}
		return ResultWaiting, nil

	case StateWaitAfterRestart:
		w.elapsed++
		if w.elapsed >= w.rate.Ticks(afterRestartDelay) {
			w.enter(StateWaiting)
			return ResultRestartCameraShot, nil
		}
		return ResultWaiting, nil
	}
	return ResultOk, nil
}

// NotifyPropChange feeds a property event of any device to the watchdog.
func (w *Watchdog) NotifyPropChange(ch device.PropChange) {
	if ch.Device != w.camera {
		return
	}
	if ch.Prop == device.PropExposure && ch.Kind == device.PropNew && w.state == StateWaitExposureProp {
		w.enter(StateWaitAfterRestart)
	}
	if !isInitProp(ch.Prop) {
		return
	}
	switch ch.Kind {
	case device.PropNew:
		if w.applied[ch.Prop] || w.pending[ch.Prop] {
			return
		}
		w.pending[ch.Prop] = true
		w.initArmed = true
		w.initTicks = 0
	case device.PropDeleted:
		delete(w.applied, ch.Prop)
		delete(w.pending, ch.Prop)
	}
}

// stalled reports an exposure that is busy with nothing left to expose.
func (w *Watchdog) stalled() (bool, error) {
	if w.frozen {
		return true, nil
	}
	state, err := w.client.PropState(w.camera, device.PropExposure)
	if errors.Is(err, device.ErrPropNotFound) || errors.Is(err, device.ErrNoDevice) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exposure state of %s: %w", w.camera, err)
	}
	if state != device.StateBusy {
		return false, nil
	}
	left, err := w.client.ExposureLeft(w.camera)
	if err != nil {
		return false, fmt.Errorf("exposure left of %s: %w", w.camera, err)
	}
	return left <= 0, nil
}

func (w *Watchdog) tickInit() {
	if !w.initArmed {
		return
	}
	w.initTicks++
	if w.initTicks < w.rate.Ticks(initDelay) {
		return
	}
	w.initArmed = false
	for _, prop := range initProps {
		if !w.pending[prop] {
			continue
		}
		delete(w.pending, prop)
		w.applied[prop] = true
		if err := w.applyDefault(prop); err != nil && !errors.Is(err, device.ErrNotSupported) {
			w.log.Warn("applying camera default failed", "camera", w.camera, "prop", prop, "error", err)
		}
	}
}

func (w *Watchdog) applyDefault(prop string) error {
	d := w.defaults
	switch prop {
	case device.PropTemperature:
		if !w.client.HasCooler(w.camera) {
			return nil
		}
		if d.Cooler != nil {
			if err := w.client.SetCooler(w.camera, *d.Cooler); err != nil {
				return err
			}
		}
		if d.Temperature != nil {
			return w.client.SetTemperature(w.camera, *d.Temperature)
		}
	case device.PropFan:
		if d.Fan != nil {
			return w.client.SetFan(w.camera, *d.Fan)
		}
	case device.PropHeater:
		if d.Heater != "" {
			return w.client.SetHeater(w.camera, d.Heater)
		}
	case device.PropResolution:
		if d.MaxResolution {
			return w.client.SetMaxResolution(w.camera)
		}
	}
	return nil
}

func isInitProp(prop string) bool {
	for _, p := range initProps {
		if p == prop {
			return true
		}
	}
	return false
}
