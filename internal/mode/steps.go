package mode

import (
	"fmt"
	"time"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/platesolve"
	"astroseq/internal/timing"
)

const (
	unparkTimeout  = 20 * time.Second
	slewTimeout    = 120 * time.Second
	arrivalHold    = 3 * time.Second
	slewStartGrace = 2 * time.Second
)

// slewWatch decides when a slew has arrived: the coordinate property must
// stay Ok for arrivalHold without a break. Ok only counts once the slew has
// been seen Busy, or after slewStartGrace for drivers that finish a short
// slew between two polls.
type slewWatch struct {
	elapsed int
	moving  bool
	okSeen  bool
	held    int
}

func (w *slewWatch) reset() { *w = slewWatch{} }

// poll is called once per tick while slewing.
func (w *slewWatch) poll(client device.Client, mount string, rate timing.Rate) (bool, error) {
	w.elapsed++
	state, err := client.PropState(mount, device.PropEqCoord)
	if err != nil {
		return false, fmt.Errorf("coordinates of %s: %w", mount, err)
	}
	if state == device.StateBusy {
		w.moving = true
	}
	if state == device.StateOk && (w.moving || w.elapsed > rate.Ticks(slewStartGrace)) {
		if w.okSeen {
			w.held++
		} else {
			w.okSeen = true
			w.held = 0
		}
		if w.held >= rate.Ticks(arrivalHold) {
			return true, nil
		}
	} else {
		w.okSeen = false
		w.held = 0
	}
	if w.elapsed >= rate.Ticks(slewTimeout) {
		return false, fmt.Errorf("%w (%s after %.0fs)", ErrGotoTimeout, mount, rate.Seconds(w.elapsed))
	}
	return false, nil
}

// trackingGuard remembers the tracking state a mode found the mount in so
// Abort can put it back.
type trackingGuard struct {
	saved bool
	was   bool
}

func (g *trackingGuard) save(client device.Client, mount string) error {
	on, err := client.Tracking(mount)
	if err != nil {
		return fmt.Errorf("tracking state of %s: %w", mount, err)
	}
	g.saved, g.was = true, on
	return nil
}

func (g *trackingGuard) restore(client device.Client, mount string) {
	if !g.saved {
		return
	}
	g.saved = false
	_ = client.SetTracking(mount, g.was)
}

// enableTracking switches tracking on unless it already is.
func enableTracking(client device.Client, mount string) error {
	on, err := client.Tracking(mount)
	if err != nil {
		return fmt.Errorf("tracking state of %s: %w", mount, err)
	}
	if on {
		return nil
	}
	if err := client.SetTracking(mount, true); err != nil {
		return fmt.Errorf("enable tracking on %s: %w", mount, err)
	}
	return nil
}

// solveStep runs one plate solve and polls it to completion.
type solveStep struct {
	solver platesolve.Solver
	cfg    platesolve.Config
}

func (s *solveStep) start(res *frames.Result, seed *device.EqCoord) error {
	if s.solver == nil {
		return ErrNoSolver
	}
	cfg := s.cfg
	if seed != nil {
		c := *seed
		cfg.Seed = &c
	}
	in := platesolve.Input{ImagePath: res.FilePath, Stars: res.Stars, Width: res.Width, Height: res.Height}
	if err := s.solver.Start(in, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrPlateSolveFailed, err)
	}
	return nil
}

// poll returns the solution once the solver is done. It never waits.
func (s *solveStep) poll() (device.EqCoord, bool, error) {
	res := s.solver.Result()
	switch res.Status {
	case platesolve.StatusDone:
		return res.Coord, true, nil
	case platesolve.StatusFailed:
		if res.Err != nil {
			return device.EqCoord{}, false, fmt.Errorf("%w: %w", ErrPlateSolveFailed, res.Err)
		}
		return device.EqCoord{}, false, ErrPlateSolveFailed
	}
	return device.EqCoord{}, false, nil
}

func (s *solveStep) abort() {
	if s.solver != nil {
		s.solver.Abort()
	}
}

// frameFor reports whether a processed frame belongs to camera.
func frameFor(res *frames.Result, camera string) bool {
	return res != nil && res.Camera == camera
}

func normalizeCam(opts device.CamOptions) device.CamOptions {
	if opts.Binning < 1 {
		opts.Binning = 1
	}
	return opts
}
