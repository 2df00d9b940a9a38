package simulator

import (
	"astroseq/internal/platesolve"
)

// Solver is a plate solver that reports the simulator's true pointing after
// SolveTime. It implements platesolve.Solver and is advanced by Sim.Step.
type Solver struct {
	sim *Sim

	running bool
	left    int
	result  platesolve.Result
	starts  int
}

// Start implements platesolve.Solver.
func (v *Solver) Start(in platesolve.Input, cfg platesolve.Config) error {
	s := v.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ImagePath == "" && len(in.Stars) == 0 {
		return platesolve.ErrNoInput
	}
	if v.running {
		return platesolve.ErrBusy
	}
	s.record("solve %s", in.ImagePath)
	v.starts++
	v.running = true
	v.left = s.ticks(s.opts.SolveTime)
	v.result = platesolve.Result{Status: platesolve.StatusWaiting}
	return nil
}

// Result implements platesolve.Solver.
func (v *Solver) Result() platesolve.Result {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.result
}

// Abort implements platesolve.Solver.
func (v *Solver) Abort() {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	if v.running {
		v.running = false
		v.result = platesolve.Result{Status: platesolve.StatusFailed, Err: platesolve.ErrNotSolved}
	}
}

// Starts counts solve attempts.
func (v *Solver) Starts() int {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.starts
}

// step runs with the simulator lock held.
func (v *Solver) step() {
	if !v.running {
		return
	}
	v.left--
	if v.left > 0 {
		return
	}
	v.running = false
	if v.sim.opts.FailSolve {
		v.result = platesolve.Result{Status: platesolve.StatusFailed, Err: platesolve.ErrNotSolved}
		return
	}
	v.result = platesolve.Result{Status: platesolve.StatusDone, Coord: v.sim.truePointing()}
}
