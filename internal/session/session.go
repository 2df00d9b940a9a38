// Package session hosts the capture-sequencing modes. A Host owns the active
// mode, an optional queued mode and one watchdog per camera, and is driven
// from a single goroutine by Run (wall-clock ticks) or RunVirtual
// (simulated time). Everything a mode wants changed arrives as a
// NotifyResult and is applied here.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"astroseq/internal/config"
	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
	"astroseq/internal/mode"
	"astroseq/internal/pipeline"
	"astroseq/internal/platesolve"
	"astroseq/internal/storage"
	"astroseq/internal/timing"
	"astroseq/internal/watchdog"
)

var (
	// ErrSessionFailed refuses new work after a camera could not be restored.
	ErrSessionFailed = errors.New("session stopped after a fatal device error")
	ErrUnknownMode   = errors.New("unknown mode type")
	ErrNoFrame       = errors.New("no captured frame to solve")
	ErrNoTarget      = errors.New("goto needs a target or a target image")

	// ErrUnsupportedFrame rejects image paths the plate solvers cannot read.
	ErrUnsupportedFrame = errors.New("unsupported frame format")
)

// EventType names a broadcast event.
type EventType string

const (
	EventModeStarted    EventType = "mode_started"
	EventProgress       EventType = "progress"
	EventModeFinished   EventType = "mode_finished"
	EventModeFailed     EventType = "mode_failed"
	EventModeAborted    EventType = "mode_aborted"
	EventBuildRequested EventType = "build_requested"
	EventBuildDone      EventType = "build_done"
	EventCalibration    EventType = "calibration"
	EventWatchdog       EventType = "watchdog"
	EventFatal          EventType = "fatal"
)

// Event is delivered to subscribers.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	Mode  mode.Type `json:"mode,omitempty"`
	Text  string    `json:"text,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Status is a snapshot of the host, safe to read from any goroutine.
type Status struct {
	Mode        mode.Type                `json:"mode"`
	RunID       string                   `json:"run_id,omitempty"`
	Progress    *mode.Progress           `json:"progress,omitempty"`
	Text        string                   `json:"text"`
	Queued      mode.Type                `json:"queued,omitempty"`
	Calibration *mode.MountMoveCalibrRes `json:"calibration,omitempty"`
	Watchdogs   map[string]string        `json:"watchdogs,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	Fatal       string                   `json:"fatal,omitempty"`
	Tick        int64                    `json:"tick"`
}

// Options wire a Host to its collaborators.
type Options struct {
	Config  *config.Config
	Client  device.Client
	Solver  platesolve.Solver
	Library Library
	Store   *storage.Store
	Log     *slog.Logger
	// Cameras get a watchdog each; defaults to the session camera.
	Cameras []string
	// Step, when set, runs before every wall-clock tick. The simulator hooks in here.
	Step func()
}

// Host runs one mode at a time. All methods except Status, Subscribe and Do
// must be called from the goroutine that drives the host.
type Host struct {
	cfg    *config.Config
	client device.Client
	deps   mode.Deps
	lib    Library
	store  *storage.Store
	log    *slog.Logger
	step   func()

	events      <-chan device.PropChange
	unsubscribe func()
	builds      *pipeline.Pipeline
	cmds        chan func(*Host)
	inFlight    int

	active      mode.Mode
	runID       string
	startTick   int64
	lastStep    string
	queued      mode.Mode
	queuedOpts  map[string]any
	watchdogs   []*watchdog.Watchdog
	wdStates    map[string]watchdog.State
	calibration *mode.MountMoveCalibrRes
	lastFrame   *frames.Result
	lastErr     error
	fatal       error
	tick        int64

	mu        sync.RWMutex
	status    Status
	subs      map[int]chan Event
	nextSubID int
}

// New creates a host in the Waiting mode and subscribes to device events.
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("session needs a configuration")
	}
	if opts.Client == nil {
		return nil, errors.New("session needs a device client")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	rate := timing.Rate(opts.Config.Session.TicksPerSecond)
	h := &Host{
		cfg:    opts.Config,
		client: opts.Client,
		deps: mode.Deps{
			Client: opts.Client,
			Solver: opts.Solver,
			Rate:   rate,
			Log:    log,
		},
		lib:      opts.Library,
		store:    opts.Store,
		log:      log,
		step:     opts.Step,
		cmds:     make(chan func(*Host)),
		active:   mode.NewWaiting(),
		wdStates: make(map[string]watchdog.State),
		subs:     make(map[int]chan Event),
	}
	cameras := opts.Cameras
	if len(cameras) == 0 && opts.Config.Session.Camera != "" {
		cameras = []string{opts.Config.Session.Camera}
	}
	defaults := watchdog.Defaults{
		Cooler:        opts.Config.Camera.Cooler,
		Temperature:   opts.Config.Camera.Temperature,
		Fan:           opts.Config.Camera.Fan,
		Heater:        opts.Config.Camera.Heater,
		MaxResolution: opts.Config.Camera.MaxResolution,
	}
	for _, cam := range cameras {
		h.watchdogs = append(h.watchdogs, watchdog.New(cam, opts.Client, defaults, rate, log))
	}
	h.events, h.unsubscribe = opts.Client.Subscribe()
	if opts.Library != nil {
		h.builds = pipeline.New(context.Background(), 1, opts.Library, log)
	}
	h.refresh()
	return h, nil
}

// Rate is the tick rate the host and its modes run at.
func (h *Host) Rate() timing.Rate { return h.deps.Rate }

// Status returns the latest snapshot.
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.status
	if st.Watchdogs != nil {
		wd := make(map[string]string, len(st.Watchdogs))
		for k, v := range st.Watchdogs {
			wd[k] = v
		}
		st.Watchdogs = wd
	}
	return st
}

// Active returns the running mode.
func (h *Host) Active() mode.Mode { return h.active }

// Calibration returns the mount calibration of this session, if any.
func (h *Host) Calibration() *mode.MountMoveCalibrRes { return h.calibration }

// Idle reports whether nothing is running, queued or being built.
func (h *Host) Idle() bool {
	return h.active.Type() == mode.TypeWaiting && h.queued == nil && h.inFlight == 0
}

// LastError is the error that ended the most recent run, nil if it finished.
func (h *Host) LastError() error { return h.lastErr }

// Start aborts whatever runs and starts m.
func (h *Host) Start(m mode.Mode, opts map[string]any) error {
	if h.fatal != nil {
		return ErrSessionFailed
	}
	if h.active.Type() != mode.TypeWaiting {
		h.abortActive(EventModeAborted, errors.New("replaced by a new request"))
	}
	h.queued, h.queuedOpts = nil, nil
	return h.startMode(m, opts)
}

// Enqueue runs m after the active mode finishes, or right away when idle.
// A previously queued mode is replaced.
func (h *Host) Enqueue(m mode.Mode, opts map[string]any) error {
	if h.fatal != nil {
		return ErrSessionFailed
	}
	if h.active.Type() == mode.TypeWaiting {
		return h.startMode(m, opts)
	}
	h.queued, h.queuedOpts = m, opts
	h.refresh()
	return nil
}

// Abort stops the active mode and drops the queued one.
func (h *Host) Abort() {
	h.queued, h.queuedOpts = nil, nil
	if h.active.Type() == mode.TypeWaiting {
		h.refresh()
		return
	}
	h.abortActive(EventModeAborted, errors.New("aborted by request"))
}

func (h *Host) startMode(m mode.Mode, opts map[string]any) error {
	if m.Type() == mode.TypeWaiting {
		h.active, h.runID = m, ""
		h.refresh()
		return nil
	}
	if recv, ok := m.(mode.CalibrationReceiver); ok && h.calibration != nil {
		recv.SetCalibration(*h.calibration)
	}

	runID := uuid.NewString()
	camera, mount := m.CamDevice(), h.cfg.Session.Mount
	logging.LogModeStart(h.log, string(m.Type()), runID, camera, mount, opts)
	if err := h.store.RecordRunStart(storage.RunRecord{
		ID: runID, ModeType: string(m.Type()), Camera: camera, Mount: mount, Options: opts,
	}); err != nil {
		h.log.Warn("recording run start failed", "id", runID, "error", err)
	}

	h.active, h.runID, h.startTick, h.lastStep = m, runID, h.tick, ""
	h.broadcast(Event{Type: EventModeStarted, RunID: runID, Mode: m.Type(), Text: m.ProgressString()})
	if err := m.Start(); err != nil {
		h.failActive(err)
		return err
	}
	h.lastErr = nil
	h.refresh()
	return nil
}

func (h *Host) runDuration() time.Duration {
	return time.Duration(h.deps.Rate.Seconds(int(h.tick-h.startTick)) * float64(time.Second))
}

// finish ends the active run successfully and starts the follow-up mode.
func (h *Host) finish(next mode.Mode) {
	m, runID := h.active, h.runID
	if next == nil {
		next = m.TakeNextMode()
	}
	opts := map[string]any{"chained_from": runID}
	if next == nil && h.queued != nil {
		next, opts = h.queued, h.queuedOpts
		h.queued, h.queuedOpts = nil, nil
	}
	nextType := ""
	if next != nil {
		nextType = string(next.Type())
	}

	logging.LogModeFinished(h.log, string(m.Type()), runID, h.runDuration(), nextType)
	h.record(runID, string(EventModeFinished), nextType)
	if err := h.store.RecordRunEnd(runID, storage.StatusFinished, nextType, ""); err != nil {
		h.log.Warn("recording run end failed", "id", runID, "error", err)
	}
	h.broadcast(Event{Type: EventModeFinished, RunID: runID, Mode: m.Type(), Text: nextType})

	h.active, h.runID = mode.NewWaiting(), ""
	h.lastErr = nil
	if next == nil {
		h.refresh()
		return
	}
	if err := h.startMode(next, opts); err != nil {
		h.log.Warn("chained mode did not start", "type", nextType, "error", err)
	}
}

// failActive ends the active run with err and falls back to Waiting. The
// queued mode is dropped.
func (h *Host) failActive(err error) {
	h.queued, h.queuedOpts = nil, nil
	h.abortActive(EventModeFailed, err)
}

func (h *Host) abortActive(ev EventType, cause error) {
	m, runID := h.active, h.runID
	m.Abort()

	status := storage.StatusFailed
	if ev == EventModeAborted {
		status = storage.StatusAborted
	}
	logging.LogModeError(h.log, string(m.Type()), runID, h.runDuration(), cause, map[string]any{
		"status":   status,
		"progress": m.ProgressString(),
	})
	h.record(runID, string(ev), cause.Error())
	if err := h.store.RecordRunEnd(runID, status, "", cause.Error()); err != nil {
		h.log.Warn("recording run end failed", "id", runID, "error", err)
	}
	h.broadcast(Event{Type: ev, RunID: runID, Mode: m.Type(), Error: cause.Error()})

	h.active, h.runID = mode.NewWaiting(), ""
	h.lastErr = cause
	h.refresh()
}

// handle applies what a mode returned.
func (h *Host) handle(res mode.NotifyResult, err error) {
	if err != nil {
		h.failActive(err)
		return
	}
	if err := h.apply(res); err != nil {
		h.failActive(err)
	}
}

func (h *Host) apply(res mode.NotifyResult) error {
	switch v := res.(type) {
	case mode.Nothing:
		return nil

	case mode.ProgressChanged:
		text := h.active.ProgressString()
		if text != h.lastStep {
			h.lastStep = text
			logging.LogModeStep(h.log, string(h.active.Type()), text, map[string]any{"id": h.runID})
			h.record(h.runID, string(EventProgress), text)
		}
		h.refresh()
		h.broadcast(Event{Type: EventProgress, RunID: h.runID, Mode: h.active.Type(), Text: text})
		return nil

	case mode.Finished:
		h.finish(v.Next)
		return nil

	case mode.BuildCalibrationFile:
		return h.requestBuild(v.Request)

	case mode.CalibrationUpdated:
		calibr := v.Result
		h.calibration = &calibr
		if err := h.store.RecordCalibration(storage.CalibrationRecord{
			RunID:    h.runID,
			Mount:    h.cfg.Session.Mount,
			MoveRAX:  calibr.MoveRAX,
			MoveRAY:  calibr.MoveRAY,
			MoveDecX: calibr.MoveDecX,
			MoveDecY: calibr.MoveDecY,
		}); err != nil {
			h.log.Warn("recording calibration failed", "error", err)
		}
		h.refresh()
		h.broadcast(Event{Type: EventCalibration, RunID: h.runID, Mode: h.active.Type(),
			Text: fmt.Sprintf("ra=(%.3f, %.3f) dec=(%.3f, %.3f) px/s", calibr.MoveRAX, calibr.MoveRAY, calibr.MoveDecX, calibr.MoveDecY)})
		return nil
	}
	return fmt.Errorf("unhandled notify result %T", res)
}

func (h *Host) record(runID, eventType, detail string) {
	if runID == "" {
		return
	}
	if err := h.store.RecordEvent(runID, eventType, detail); err != nil {
		h.log.Warn("recording event failed", "id", runID, "error", err)
	}
}

// refresh publishes a new status snapshot.
func (h *Host) refresh() {
	st := Status{
		Mode:        h.active.Type(),
		RunID:       h.runID,
		Progress:    h.active.Progress(),
		Text:        h.active.ProgressString(),
		Calibration: h.calibration,
		Tick:        h.tick,
	}
	if h.queued != nil {
		st.Queued = h.queued.Type()
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	if h.fatal != nil {
		st.Fatal = h.fatal.Error()
	}
	if len(h.watchdogs) > 0 {
		st.Watchdogs = make(map[string]string, len(h.watchdogs))
		for _, wd := range h.watchdogs {
			state, _ := wd.State()
			st.Watchdogs[wd.Camera()] = state.String()
		}
	}
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (h *Host) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

func (h *Host) broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("event channel full", "subscriber", id, "event", ev.Type)
		}
	}
}

// Close aborts the active mode, drops the device subscription and closes
// all subscriber channels.
func (h *Host) Close() {
	if h.active.Type() != mode.TypeWaiting {
		h.abortActive(EventModeAborted, errors.New("session closed"))
	}
	if h.builds != nil {
		h.builds.Stop()
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.mu.Lock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.mu.Unlock()
}
