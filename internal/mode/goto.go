package mode

import (
	"errors"
	"fmt"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
	"astroseq/internal/platesolve"
)

// GotoPhase is the step a GotoMode is in.
type GotoPhase int

const (
	GotoNone GotoPhase = iota
	GotoImagePlateSolving
	GotoUnparking
	GotoSlewing
	GotoTakingPicture
	GotoPlateSolving
	GotoCorrectMount
	GotoTakingFinalPicture
	GotoFinalPlateSolving
	GotoFinished
)

var gotoPhaseNames = map[GotoPhase]string{
	GotoNone:               "",
	GotoImagePlateSolving:  "solving target image",
	GotoUnparking:          "unparking",
	GotoSlewing:            "slewing",
	GotoTakingPicture:      "taking picture",
	GotoPlateSolving:       "plate solving",
	GotoCorrectMount:       "correcting",
	GotoTakingFinalPicture: "taking final picture",
	GotoFinalPlateSolving:  "verifying",
	GotoFinished:           "done",
}

func (p GotoPhase) String() string { return gotoPhaseNames[p] }

// GotoOptions configure a goto run.
type GotoOptions struct {
	Camera string
	Mount  string
	Target device.EqCoord
	// TargetImage, when set, is solved first and its centre becomes the target.
	TargetImage *frames.Result
	Cam         device.CamOptions
	Solve       platesolve.Config
	// ToleranceArcmin only affects reporting of the final residual.
	ToleranceArcmin float64
	Next            Mode
}

// GotoMode slews to a target, then captures, solves and syncs, then repeats
// the slew once more and verifies the final pointing.
type GotoMode struct {
	base
	deps  Deps
	opts  GotoOptions
	phase GotoPhase

	target   device.EqCoord
	elapsed  int
	slew     slewWatch
	tracking trackingGuard
	solve    solveStep
	residual float64
	next     Mode
}

// NewGoto validates the options. Missing devices fail here, before the run.
func NewGoto(deps Deps, opts GotoOptions) (*GotoMode, error) {
	if opts.Camera == "" {
		return nil, ErrNoCamera
	}
	if opts.Mount == "" {
		return nil, ErrNoMount
	}
	if deps.Solver == nil {
		return nil, ErrNoSolver
	}
	opts.Cam = normalizeCam(opts.Cam)
	opts.Cam.Frame = device.FrameLight
	return &GotoMode{
		deps:   deps,
		opts:   opts,
		target: opts.Target,
		solve:  solveStep{solver: deps.Solver, cfg: opts.Solve},
		next:   opts.Next,
	}, nil
}

func (m *GotoMode) Type() Type        { return TypeGoto }
func (m *GotoMode) CamDevice() string { return m.opts.Camera }

// Phase returns the current step.
func (m *GotoMode) Phase() GotoPhase { return m.phase }

// Target is the coordinate the mount is sent to.
func (m *GotoMode) Target() device.EqCoord { return m.target }

// Residual is the distance in arcminutes between the target and the
// verified pointing, valid once finished.
func (m *GotoMode) Residual() float64 { return m.residual }

func (m *GotoMode) CamOpts() *device.CamOptions {
	switch m.phase {
	case GotoTakingPicture, GotoTakingFinalPicture:
		opts := m.opts.Cam
		return &opts
	}
	return nil
}

func (m *GotoMode) Progress() *Progress {
	return &Progress{Cur: int(m.phase), Total: int(GotoFinished)}
}

func (m *GotoMode) ProgressString() string {
	return progressText("Goto", m.phase.String())
}

func (m *GotoMode) TakeNextMode() Mode {
	next := m.next
	m.next = nil
	return next
}

func (m *GotoMode) setPhase(p GotoPhase) {
	m.phase = p
	m.elapsed = 0
	logging.LogModeStep(m.deps.logger(), string(TypeGoto), p.String(), map[string]any{"target": m.target.String()})
}

func (m *GotoMode) Start() error {
	if err := m.tracking.save(m.deps.Client, m.opts.Mount); err != nil {
		return err
	}
	if m.opts.TargetImage != nil {
		if err := m.solve.start(m.opts.TargetImage, nil); err != nil {
			return err
		}
		m.setPhase(GotoImagePlateSolving)
		return nil
	}
	return m.startMotion()
}

// startMotion unparks when needed, otherwise slews.
func (m *GotoMode) startMotion() error {
	parked, err := m.deps.Client.IsParked(m.opts.Mount)
	if err != nil {
		return fmt.Errorf("park state of %s: %w", m.opts.Mount, err)
	}
	if parked {
		if err := m.deps.Client.SetParked(m.opts.Mount, false); err != nil {
			return fmt.Errorf("unpark %s: %w", m.opts.Mount, err)
		}
		m.setPhase(GotoUnparking)
		return nil
	}
	return m.startSlew(GotoSlewing)
}

func (m *GotoMode) startSlew(phase GotoPhase) error {
	if err := enableTracking(m.deps.Client, m.opts.Mount); err != nil {
		return err
	}
	if err := m.deps.Client.StartGoto(m.opts.Mount, m.target); err != nil {
		return fmt.Errorf("goto %s: %w", m.target, err)
	}
	m.slew.reset()
	m.setPhase(phase)
	return nil
}

func (m *GotoMode) startShot(phase GotoPhase) error {
	if err := m.deps.Client.StartExposure(m.opts.Camera, m.opts.Cam); err != nil {
		return fmt.Errorf("start exposure on %s: %w", m.opts.Camera, err)
	}
	m.setPhase(phase)
	return nil
}

func (m *GotoMode) Abort() {
	c := m.deps.Client
	switch m.phase {
	case GotoSlewing, GotoCorrectMount:
		_ = c.AbortMotion(m.opts.Mount)
	case GotoTakingPicture, GotoTakingFinalPicture:
		_ = c.AbortExposure(m.opts.Camera)
	case GotoPlateSolving, GotoFinalPlateSolving, GotoImagePlateSolving:
		m.solve.abort()
	}
	if m.phase != GotoFinished {
		m.tracking.restore(c, m.opts.Mount)
	}
	m.phase = GotoNone
}

func (m *GotoMode) NotifyTimer() (NotifyResult, error) {
	switch m.phase {
	case GotoUnparking:
		m.elapsed++
		parked, err := m.deps.Client.IsParked(m.opts.Mount)
		if err != nil {
			return nil, fmt.Errorf("park state of %s: %w", m.opts.Mount, err)
		}
		if !parked {
			if err := m.startSlew(GotoSlewing); err != nil {
				return nil, err
			}
			return ProgressChanged{}, nil
		}
		if m.elapsed >= m.deps.Rate.Ticks(unparkTimeout) {
			return nil, fmt.Errorf("%w (%s)", ErrUnparkTimeout, m.opts.Mount)
		}

	case GotoSlewing, GotoCorrectMount:
		arrived, err := m.slew.poll(m.deps.Client, m.opts.Mount, m.deps.Rate)
		if err != nil {
			return nil, err
		}
		if arrived {
			next := GotoTakingPicture
			if m.phase == GotoCorrectMount {
				next = GotoTakingFinalPicture
			}
			if err := m.startShot(next); err != nil {
				return nil, err
			}
			return ProgressChanged{}, nil
		}

	case GotoImagePlateSolving:
		coord, done, err := m.solve.poll()
		if err != nil || !done {
			return Nothing{}, err
		}
		m.target = coord
		if err := m.startMotion(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil

	case GotoPlateSolving:
		coord, done, err := m.solve.poll()
		if err != nil || !done {
			return Nothing{}, err
		}
		if err := m.sync(coord); err != nil {
			return nil, err
		}
		if err := m.startSlew(GotoCorrectMount); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil

	case GotoFinalPlateSolving:
		coord, done, err := m.solve.poll()
		if err != nil || !done {
			return Nothing{}, err
		}
		if err := m.sync(coord); err != nil {
			return nil, err
		}
		m.residual = device.Separation(coord, m.target) * 60
		m.phase = GotoFinished
		log := m.deps.logger()
		if m.opts.ToleranceArcmin > 0 && m.residual > m.opts.ToleranceArcmin {
			log.Warn("goto finished off target", "target", m.target.String(), "residual_arcmin", m.residual)
		} else {
			log.Info("goto verified", "target", m.target.String(), "residual_arcmin", m.residual)
		}
		return Finished{Next: m.TakeNextMode()}, nil
	}
	return Nothing{}, nil
}

func (m *GotoMode) sync(coord device.EqCoord) error {
	if err := m.deps.Client.Sync(m.opts.Mount, coord); err != nil {
		return fmt.Errorf("sync %s: %w", m.opts.Mount, err)
	}
	return nil
}

func (m *GotoMode) NotifyFrame(res *frames.Result) (NotifyResult, error) {
	if !frameFor(res, m.opts.Camera) {
		return Nothing{}, nil
	}
	var next GotoPhase
	switch m.phase {
	case GotoTakingPicture:
		next = GotoPlateSolving
	case GotoTakingFinalPicture:
		next = GotoFinalPlateSolving
	default:
		return Nothing{}, nil
	}
	seed := m.target
	if err := m.solve.start(res, &seed); err != nil {
		return nil, err
	}
	m.setPhase(next)
	return ProgressChanged{}, nil
}

func (m *GotoMode) NotifyPropChange(ch device.PropChange) (NotifyResult, error) {
	if ch.Device != m.opts.Mount || ch.Prop != device.PropEqCoord || ch.State != device.StateAlert {
		return Nothing{}, nil
	}
	if m.phase == GotoSlewing || m.phase == GotoCorrectMount {
		return nil, fmt.Errorf("%w: %s", ErrMountAlert, m.opts.Mount)
	}
	return Nothing{}, nil
}

// IsTimeout reports whether err is one of the goto timeouts.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrGotoTimeout) || errors.Is(err, ErrUnparkTimeout)
}
