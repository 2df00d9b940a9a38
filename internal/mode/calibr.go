package mode

import (
	"fmt"
	"math"
	"time"

	"astroseq/internal/alignment"
	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
)

const (
	calibrCaptures   = 11
	calibrShiftRatio = 1.0 / 3.0
	pulseSettle      = time.Second
	defaultMaxPulse  = 5 * time.Second
	siderealArcsec   = 15.041 // arcsec per second of time
	arcsecPerRadian  = 206.265
)

// MountMoveCalibrRes is the pixel shift produced by one second of guide
// pulse on each mount axis.
type MountMoveCalibrRes struct {
	MoveRAX  float64 `json:"move_ra_x"`
	MoveRAY  float64 `json:"move_ra_y"`
	MoveDecX float64 `json:"move_dec_x"`
	MoveDecY float64 `json:"move_dec_y"`
}

// IsOK reports whether any component was measured.
func (r MountMoveCalibrRes) IsOK() bool {
	return r.MoveRAX != 0 || r.MoveRAY != 0 || r.MoveDecX != 0 || r.MoveDecY != 0
}

// Calc returns the RA and Dec pulse seconds that move the image by (dx, dy)
// pixels. ok is false when the two axis vectors are collinear.
func (r MountMoveCalibrRes) Calc(dx, dy float64) (tRA, tDec float64, ok bool) {
	det := r.MoveRAX*r.MoveDecY - r.MoveDecX*r.MoveRAY
	scale := math.Hypot(r.MoveRAX, r.MoveRAY) * math.Hypot(r.MoveDecX, r.MoveDecY)
	if scale == 0 || math.Abs(det) <= 1e-9*scale {
		return 0, 0, false
	}
	tRA = (dx*r.MoveDecY - r.MoveDecX*dy) / det
	tDec = (r.MoveRAX*dy - dx*r.MoveRAY) / det
	return tRA, tDec, true
}

// CalibrOptions configure a mount calibration run.
type CalibrOptions struct {
	Camera        string
	Mount         string
	Cam           device.CamOptions
	FocalLengthMM float64
	MaxPulse      time.Duration
}

// CalibrPhase is the step a MountCalibrMode is in.
type CalibrPhase int

const (
	CalibrNone CalibrPhase = iota
	CalibrCapturing
	CalibrPulsing
	CalibrReturning
	CalibrFinished
)

func (p CalibrPhase) String() string {
	switch p {
	case CalibrCapturing:
		return "capturing"
	case CalibrPulsing:
		return "moving"
	case CalibrReturning:
		return "returning"
	case CalibrFinished:
		return "done"
	}
	return ""
}

type calibrAxis int

const (
	axisRA calibrAxis = iota
	axisDec
)

func (a calibrAxis) String() string {
	if a == axisDec {
		return "Dec"
	}
	return "RA"
}

// calibrAttempt is one star list captured during an axis run.
type calibrAttempt struct {
	stars         []alignment.Point
	width, height int
}

// MountCalibrMode measures how far the image moves per second of guide pulse
// on each axis, then returns the mount to where it started.
type MountCalibrMode struct {
	base
	deps  Deps
	opts  CalibrOptions
	phase CalibrPhase

	axis     calibrAxis
	attempts []calibrAttempt
	pulse    time.Duration
	origin   device.EqCoord
	elapsed  int
	wait     int
	slew     slewWatch
	tracking trackingGuard
	result   MountMoveCalibrRes
	next     Mode
}

// NewMountCalibr validates the options. next, when set, runs afterwards and
// receives the result if it is a CalibrationReceiver.
func NewMountCalibr(deps Deps, opts CalibrOptions, next Mode) (*MountCalibrMode, error) {
	if opts.Camera == "" {
		return nil, ErrNoCamera
	}
	if opts.Mount == "" {
		return nil, ErrNoMount
	}
	if opts.FocalLengthMM <= 0 {
		return nil, fmt.Errorf("focal length must be positive, got %v", opts.FocalLengthMM)
	}
	if opts.MaxPulse <= 0 {
		opts.MaxPulse = defaultMaxPulse
	}
	opts.Cam = normalizeCam(opts.Cam)
	opts.Cam.Frame = device.FrameLight
	return &MountCalibrMode{deps: deps, opts: opts, next: next}, nil
}

func (m *MountCalibrMode) Type() Type        { return TypeMountCalibr }
func (m *MountCalibrMode) CamDevice() string { return m.opts.Camera }

// Phase returns the current step.
func (m *MountCalibrMode) Phase() CalibrPhase { return m.phase }

// Pulse is the guide pulse length used per move.
func (m *MountCalibrMode) Pulse() time.Duration { return m.pulse }

// Result is the calibration, complete once the Dec axis is done.
func (m *MountCalibrMode) Result() MountMoveCalibrRes { return m.result }

func (m *MountCalibrMode) CamOpts() *device.CamOptions {
	if m.phase != CalibrCapturing {
		return nil
	}
	opts := m.opts.Cam
	return &opts
}

func (m *MountCalibrMode) Progress() *Progress {
	cur := int(m.axis)*calibrCaptures + len(m.attempts)
	if m.phase == CalibrReturning || m.phase == CalibrFinished {
		cur = 2 * calibrCaptures
	}
	return &Progress{Cur: cur, Total: 2 * calibrCaptures}
}

func (m *MountCalibrMode) ProgressString() string {
	if m.phase == CalibrCapturing || m.phase == CalibrPulsing {
		return progressText("Mount calibration", fmt.Sprintf("%s axis, %s", m.axis, m.phase))
	}
	return progressText("Mount calibration", m.phase.String())
}

func (m *MountCalibrMode) TakeNextMode() Mode {
	next := m.next
	m.next = nil
	return next
}

func (m *MountCalibrMode) Start() error {
	c := m.deps.Client
	origin, err := c.EqCoord(m.opts.Mount)
	if err != nil {
		return fmt.Errorf("coordinates of %s: %w", m.opts.Mount, err)
	}
	pulse, err := m.pulseDuration()
	if err != nil {
		return err
	}
	if err := m.tracking.save(c, m.opts.Mount); err != nil {
		return err
	}
	// guide pulses are relative to the tracking rate
	if err := enableTracking(c, m.opts.Mount); err != nil {
		return err
	}
	m.origin = origin
	m.pulse = pulse
	m.axis = axisRA
	m.attempts = m.attempts[:0]
	m.deps.logger().Info("mount calibration started", "pulse", pulse, "origin", origin.String())
	return m.capture()
}

// pulseDuration spreads a shift of a third of the smaller frame side over
// the moves of one axis.
func (m *MountCalibrMode) pulseDuration() (time.Duration, error) {
	c := m.deps.Client
	w, h, err := c.FrameSize(m.opts.Camera)
	if err != nil {
		return 0, fmt.Errorf("frame size of %s: %w", m.opts.Camera, err)
	}
	pixel, err := c.PixelSize(m.opts.Camera)
	if err != nil {
		return 0, fmt.Errorf("pixel size of %s: %w", m.opts.Camera, err)
	}
	rate, err := c.GuideRate(m.opts.Mount)
	if err != nil {
		return 0, fmt.Errorf("guide rate of %s: %w", m.opts.Mount, err)
	}
	if pixel <= 0 || rate <= 0 {
		return 0, fmt.Errorf("invalid optics: pixel size %v, guide rate %v", pixel, rate)
	}
	bin := float64(m.opts.Cam.Binning)
	side := float64(min(w, h)) / bin
	arcsecPerPixel := arcsecPerRadian * pixel * bin / m.opts.FocalLengthMM
	pixelsPerSec := rate * siderealArcsec / arcsecPerPixel
	shift := side * calibrShiftRatio / float64(calibrCaptures-1)
	pulse := time.Duration(shift / pixelsPerSec * float64(time.Second))
	return min(pulse, m.opts.MaxPulse).Round(time.Millisecond), nil
}

func (m *MountCalibrMode) capture() error {
	if err := m.deps.Client.StartExposure(m.opts.Camera, m.opts.Cam); err != nil {
		return fmt.Errorf("start exposure on %s: %w", m.opts.Camera, err)
	}
	m.phase = CalibrCapturing
	return nil
}

func (m *MountCalibrMode) NotifyFrame(res *frames.Result) (NotifyResult, error) {
	if m.phase != CalibrCapturing || !frameFor(res, m.opts.Camera) {
		return Nothing{}, nil
	}
	m.attempts = append(m.attempts, calibrAttempt{stars: res.Stars, width: res.Width, height: res.Height})
	if len(m.attempts) < calibrCaptures {
		if err := m.move(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil
	}

	moveX, moveY, err := m.axisMove()
	if err != nil {
		return nil, err
	}
	logging.LogModeStep(m.deps.logger(), string(TypeMountCalibr), m.axis.String()+" axis measured",
		map[string]any{"move_x": moveX, "move_y": moveY})

	if m.axis == axisRA {
		m.result.MoveRAX, m.result.MoveRAY = moveX, moveY
		m.axis = axisDec
		m.attempts = m.attempts[:0]
		if err := m.capture(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil
	}

	m.result.MoveDecX, m.result.MoveDecY = moveX, moveY
	if err := m.deps.Client.StartGoto(m.opts.Mount, m.origin); err != nil {
		return nil, fmt.Errorf("return %s to %s: %w", m.opts.Mount, m.origin, err)
	}
	m.slew.reset()
	m.phase = CalibrReturning
	return CalibrationUpdated{Result: m.result}, nil
}

// move sends the guide pulse between two captures.
func (m *MountCalibrMode) move() error {
	var ns, we time.Duration
	if m.axis == axisRA {
		we = m.pulse
	} else {
		ns = m.pulse
	}
	if err := m.deps.Client.TimedGuide(m.opts.Mount, ns, we); err != nil {
		return fmt.Errorf("guide pulse on %s: %w", m.opts.Mount, err)
	}
	m.phase = CalibrPulsing
	m.elapsed = 0
	m.wait = m.deps.Rate.Ticks(m.pulse + pulseSettle)
	m.deps.logger().Debug("guide pulse sent", "axis", m.axis.String(), "pulse", m.pulse, "wait_ticks", m.wait)
	return nil
}

// axisMove registers each consecutive pair of captures and averages the
// usable shifts into pixels per pulse second.
func (m *MountCalibrMode) axisMove() (float64, float64, error) {
	type shift struct{ x, y, dist float64 }
	var shifts []shift
	maxDist := 0.0
	for i := 1; i < len(m.attempts); i++ {
		prev, cur := m.attempts[i-1], m.attempts[i]
		off, ok := alignment.Calculate(prev.stars, cur.stars, cur.width, cur.height)
		if !ok {
			continue
		}
		s := shift{x: off.X, y: off.Y, dist: off.Distance()}
		shifts = append(shifts, s)
		maxDist = max(maxDist, s.dist)
	}

	var kept []shift
	for _, s := range shifts {
		if s.dist >= maxDist/2 {
			kept = append(kept, s)
		}
	}
	// the first Dec move mostly takes up backlash
	if m.axis == axisDec && len(kept) > 0 {
		kept = kept[1:]
	}
	if len(kept) == 0 || maxDist == 0 {
		return 0, 0, fmt.Errorf("%w: %s axis, %d of %d pairs registered",
			ErrInsufficientCalibrationData, m.axis, len(shifts), len(m.attempts)-1)
	}

	var sumX, sumY float64
	for _, s := range kept {
		sumX += s.x
		sumY += s.y
	}
	n := float64(len(kept))
	secs := m.pulse.Seconds()
	return sumX / n / secs, sumY / n / secs, nil
}

func (m *MountCalibrMode) NotifyTimer() (NotifyResult, error) {
	switch m.phase {
	case CalibrPulsing:
		// the tick that sent the pulse does not count towards the wait
		m.elapsed++
		if m.elapsed > m.wait {
			if err := m.capture(); err != nil {
				return nil, err
			}
		}
	case CalibrReturning:
		arrived, err := m.slew.poll(m.deps.Client, m.opts.Mount, m.deps.Rate)
		if err != nil {
			return nil, err
		}
		if arrived {
			m.phase = CalibrFinished
			next := m.TakeNextMode()
			if r, ok := next.(CalibrationReceiver); ok {
				r.SetCalibration(m.result)
			}
			return Finished{Next: next}, nil
		}
	}
	return Nothing{}, nil
}

func (m *MountCalibrMode) Abort() {
	switch m.phase {
	case CalibrCapturing:
		_ = m.deps.Client.AbortExposure(m.opts.Camera)
	case CalibrReturning:
		_ = m.deps.Client.AbortMotion(m.opts.Mount)
	}
	if m.phase != CalibrFinished {
		m.tracking.restore(m.deps.Client, m.opts.Mount)
	}
	m.phase = CalibrNone
}
