package mode

import (
	"fmt"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
	"astroseq/internal/platesolve"
)

// PlatesolveOptions configure the solve-and-sync modes.
type PlatesolveOptions struct {
	Camera string
	Mount  string
	Cam    device.CamOptions
	Solve  platesolve.Config
	Next   Mode
}

// solveAndSync is the capture, solve and sync sequence shared by
// PlatesolveMode and CapturePlatesolveMode.
type solveAndSync struct {
	base
	deps  Deps
	opts  PlatesolveOptions
	solve solveStep

	capturing bool
	solving   bool
	done      bool
	solution  *device.EqCoord
	next      Mode
}

func newSolveAndSync(deps Deps, opts PlatesolveOptions) (solveAndSync, error) {
	if opts.Mount == "" {
		return solveAndSync{}, ErrNoMount
	}
	if deps.Solver == nil {
		return solveAndSync{}, ErrNoSolver
	}
	opts.Cam = normalizeCam(opts.Cam)
	opts.Cam.Frame = device.FrameLight
	return solveAndSync{
		deps:  deps,
		opts:  opts,
		solve: solveStep{solver: deps.Solver, cfg: opts.Solve},
		next:  opts.Next,
	}, nil
}

// Solution is the solved centre, nil until the solve finished.
func (s *solveAndSync) Solution() *device.EqCoord { return s.solution }

func (s *solveAndSync) CamDevice() string { return s.opts.Camera }

func (s *solveAndSync) CamOpts() *device.CamOptions {
	if !s.capturing {
		return nil
	}
	opts := s.opts.Cam
	return &opts
}

func (s *solveAndSync) Progress() *Progress {
	p := &Progress{Total: 3}
	switch {
	case s.done:
		p.Cur = 3
	case s.solving:
		p.Cur = 2
	case s.capturing:
		p.Cur = 1
	}
	return p
}

func (s *solveAndSync) step() string {
	switch {
	case s.done:
		return "done"
	case s.solving:
		return "plate solving"
	case s.capturing:
		return "taking picture"
	}
	return ""
}

func (s *solveAndSync) TakeNextMode() Mode {
	next := s.next
	s.next = nil
	return next
}

func (s *solveAndSync) capture() error {
	if err := s.deps.Client.StartExposure(s.opts.Camera, s.opts.Cam); err != nil {
		return fmt.Errorf("start exposure on %s: %w", s.opts.Camera, err)
	}
	s.capturing = true
	return nil
}

func (s *solveAndSync) startSolve(res *frames.Result, kind Type) error {
	var seed *device.EqCoord
	if c, err := s.deps.Client.EqCoord(s.opts.Mount); err == nil {
		seed = &c
	}
	if err := s.solve.start(res, seed); err != nil {
		return err
	}
	s.capturing = false
	s.solving = true
	logging.LogModeStep(s.deps.logger(), string(kind), "plate solving", map[string]any{"file": res.FilePath})
	return nil
}

func (s *solveAndSync) NotifyTimer() (NotifyResult, error) {
	if !s.solving {
		return Nothing{}, nil
	}
	coord, done, err := s.solve.poll()
	if err != nil || !done {
		return Nothing{}, err
	}
	s.solving = false
	if err := s.deps.Client.Sync(s.opts.Mount, coord); err != nil {
		return nil, fmt.Errorf("sync %s: %w", s.opts.Mount, err)
	}
	s.solution = &coord
	s.done = true
	s.deps.logger().Info("mount synced to plate solution", "mount", s.opts.Mount, "coord", coord.String())
	return Finished{Next: s.TakeNextMode()}, nil
}

func (s *solveAndSync) Abort() {
	if s.capturing {
		_ = s.deps.Client.AbortExposure(s.opts.Camera)
	}
	if s.solving {
		s.solve.abort()
	}
	s.capturing, s.solving = false, false
}

// PlatesolveMode solves a frame that was already captured and syncs the
// mount to it.
type PlatesolveMode struct {
	solveAndSync
	frame *frames.Result
}

// NewPlatesolve prepares a solve of frame.
func NewPlatesolve(deps Deps, opts PlatesolveOptions, frame *frames.Result) (*PlatesolveMode, error) {
	if frame == nil {
		return nil, platesolve.ErrNoInput
	}
	s, err := newSolveAndSync(deps, opts)
	if err != nil {
		return nil, err
	}
	return &PlatesolveMode{solveAndSync: s, frame: frame}, nil
}

func (m *PlatesolveMode) Type() Type { return TypePlatesolve }

func (m *PlatesolveMode) ProgressString() string {
	return progressText("Plate solve", m.step())
}

func (m *PlatesolveMode) Start() error {
	return m.startSolve(m.frame, TypePlatesolve)
}

// CapturePlatesolveMode takes one picture, solves it and syncs the mount.
type CapturePlatesolveMode struct {
	solveAndSync
}

// NewCapturePlatesolve checks the devices and returns the mode.
func NewCapturePlatesolve(deps Deps, opts PlatesolveOptions) (*CapturePlatesolveMode, error) {
	if opts.Camera == "" {
		return nil, ErrNoCamera
	}
	s, err := newSolveAndSync(deps, opts)
	if err != nil {
		return nil, err
	}
	return &CapturePlatesolveMode{solveAndSync: s}, nil
}

func (m *CapturePlatesolveMode) Type() Type { return TypeCapturePlatesolve }

func (m *CapturePlatesolveMode) ProgressString() string {
	return progressText("Capture and plate solve", m.step())
}

func (m *CapturePlatesolveMode) Start() error {
	return m.capture()
}

func (m *CapturePlatesolveMode) NotifyFrame(res *frames.Result) (NotifyResult, error) {
	if !m.capturing || !frameFor(res, m.opts.Camera) {
		return Nothing{}, nil
	}
	if err := m.startSolve(res, TypeCapturePlatesolve); err != nil {
		return nil, err
	}
	return ProgressChanged{}, nil
}
