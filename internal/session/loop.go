package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/mode"
	"astroseq/internal/pipeline"
	"astroseq/internal/storage"
	"astroseq/internal/watchdog"
)

// ErrStillRunning is returned by RunVirtual when the tick budget runs out
// before the host becomes idle.
var ErrStillRunning = errors.New("mode still running")

// Tick advances the watchdogs and the active mode by one timer tick.
func (h *Host) Tick() {
	h.tick++
	if h.fatal != nil {
		return
	}
	for _, wd := range h.watchdogs {
		h.tickWatchdog(wd)
		if h.fatal != nil {
			return
		}
	}
	h.handle(h.active.NotifyTimer())
	h.refresh()
}

func (h *Host) tickWatchdog(wd *watchdog.Watchdog) {
	res, err := wd.Tick()
	cam := wd.Camera()
	if state, _ := wd.State(); state != h.wdStates[cam] {
		h.wdStates[cam] = state
		h.broadcast(Event{Type: EventWatchdog, Text: fmt.Sprintf("%s: %s", cam, state)})
	}
	if errors.Is(err, watchdog.ErrCameraNotRestored) {
		h.setFatal(err)
		return
	}
	if err != nil {
		h.log.Warn("camera watchdog", "camera", cam, "error", err)
		return
	}
	if res == watchdog.ResultRestartCameraShot {
		h.restartShot(cam)
	}
}

// restartShot repeats the exposure the active mode was waiting for when its
// camera went away.
func (h *Host) restartShot(cam string) {
	if h.active.CamDevice() != cam {
		return
	}
	opts := h.active.CamOpts()
	if opts == nil {
		return
	}
	h.log.Info("restarting exposure after camera recovery", "camera", cam, "exposure", opts.Exposure)
	h.record(h.runID, "camera_restart", cam)
	if err := h.client.StartExposure(cam, *opts); err != nil {
		h.failActive(fmt.Errorf("restart exposure on %s: %w", cam, err))
	}
}

func (h *Host) setFatal(err error) {
	h.log.Error("session stopped", "error", err)
	h.fatal = err
	if h.active.Type() != mode.TypeWaiting {
		h.failActive(err)
	}
	h.broadcast(Event{Type: EventFatal, Error: err.Error()})
	h.refresh()
}

// HandleFrame feeds a processed frame to the active mode.
func (h *Host) HandleFrame(res *frames.Result) {
	if res == nil {
		return
	}
	if res.Kind == frames.KindLightFrame || res.FilePath != "" {
		h.lastFrame = res
	}
	if h.fatal != nil {
		return
	}
	h.handle(h.active.NotifyFrame(res))
}

// HandlePropChange feeds a device property event to the watchdogs and the
// active mode.
func (h *Host) HandlePropChange(ch device.PropChange) {
	for _, wd := range h.watchdogs {
		wd.NotifyPropChange(ch)
	}
	if h.fatal != nil {
		return
	}
	h.handle(h.active.NotifyPropChange(ch))
}

func (h *Host) requestBuild(req mode.BuildRequest) error {
	if h.lib == nil {
		return errors.New("no calibration library configured")
	}
	buildID, err := h.store.RecordBuildQueued(storage.BuildRecord{
		RunID:       h.runID,
		Item:        req.Item,
		Camera:      req.Camera,
		Kind:        string(req.Kind),
		ExposureSec: req.Cam.Exposure.Seconds(),
		Gain:        req.Cam.Gain,
		Temperature: req.Temperature,
		Files:       req.Files,
	})
	if err != nil {
		h.log.Warn("recording build failed", "id", h.runID, "error", err)
	}
	h.record(h.runID, string(EventBuildRequested), fmt.Sprintf("item %d %s", req.Item, req.Kind))
	h.broadcast(Event{Type: EventBuildRequested, RunID: h.runID, Mode: h.active.Type(), Text: string(req.Kind)})

	if err := h.builds.Submit(pipeline.Job{ID: buildID, RunID: h.runID, Request: req}); err != nil {
		return err
	}
	h.inFlight++
	return nil
}

// buildResults is nil when no library is configured.
func (h *Host) buildResults() <-chan pipeline.Result {
	if h.builds == nil {
		return nil
	}
	return h.builds.Results()
}

func (h *Host) handleBuilt(d pipeline.Result) {
	h.inFlight--
	if err := h.store.RecordBuildResult(d.Job.ID, d.Path, d.Error); err != nil {
		h.log.Warn("recording build result failed", "build", d.Job.ID, "error", err)
	}
	ev := Event{Type: EventBuildDone, RunID: d.Job.RunID, Text: d.Path}
	if d.Error != nil {
		ev.Error = d.Error.Error()
	}
	h.broadcast(ev)
	if d.Job.RunID != h.runID || h.fatal != nil {
		h.log.Debug("ignoring build of a finished run", "id", d.Job.RunID)
		return
	}
	h.handle(h.active.NotifyLibraryBuilt(d.Error))
	h.refresh()
}

// Do runs fn on the host goroutine and waits for its result.
func (h *Host) Do(ctx context.Context, fn func(*Host) error) error {
	done := make(chan error, 1)
	select {
	case h.cmds <- func(h *Host) { done <- fn(h) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the host in wall-clock time until ctx is cancelled. Frames come
// from frameSrc, which may be nil.
func (h *Host) Run(ctx context.Context, frameSrc <-chan *frames.Result) error {
	ticker := time.NewTicker(h.deps.Rate.Interval())
	defer ticker.Stop()
	defer h.Close()

	h.log.Info("session started", "rate", int(h.deps.Rate), "camera", h.cfg.Session.Camera, "mount", h.cfg.Session.Mount)
	events := h.events
	for {
		select {
		case <-ctx.Done():
			h.log.Info("session stopping")
			return nil
		case <-ticker.C:
			if h.step != nil {
				h.step()
			}
			h.Tick()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.HandlePropChange(ev)
		case res, ok := <-frameSrc:
			if !ok {
				frameSrc = nil
				continue
			}
			h.HandleFrame(res)
		case d := <-h.buildResults():
			h.handleBuilt(d)
		case fn := <-h.cmds:
			fn(h)
		}
	}
}

// RunVirtual drives the host in simulated time: every iteration calls step,
// feeds pending device events and frames, ticks once and waits for library
// builds. It stops when the host is idle and returns the number of ticks
// used and the error that ended the last run.
func (h *Host) RunVirtual(ctx context.Context, step func(), frameSrc <-chan frames.Result, maxTicks int) (int, error) {
	for i := 1; i <= maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return i - 1, err
		}
		if step != nil {
			step()
		}
		h.drainEvents()
		for drained := false; !drained; {
			select {
			case res := <-frameSrc:
				h.HandleFrame(&res)
			default:
				drained = true
			}
		}
		h.Tick()
		for h.inFlight > 0 {
			select {
			case d := <-h.buildResults():
				h.handleBuilt(d)
			case <-ctx.Done():
				return i, ctx.Err()
			}
		}
		if h.fatal != nil {
			return i, h.fatal
		}
		if h.Idle() {
			return i, h.lastErr
		}
	}
	return maxTicks, ErrStillRunning
}

func (h *Host) drainEvents() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.HandlePropChange(ev)
		default:
			return
		}
	}
}
