// Package simulator provides an in-memory camera, mount and plate solver
// that advance in virtual time. The session host drives it one step per tick,
// which lets the whole sequencer run without hardware and faster than real time.
package simulator

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"astroseq/internal/alignment"
	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/timing"
)

// Options shape the simulated hardware.
type Options struct {
	Camera string
	Mount  string
	Rate   timing.Rate
	Seed   uint64

	Width, Height int
	PixelSize     float64
	HasCooler     bool
	Temperature   float64
	// CoolRate is the temperature change per second; zero keeps the sensor
	// temperature fixed.
	CoolRate float64
	// ReconnectDelay is how long a re-enabled camera takes to publish its
	// properties again. Negative means it never comes back.
	ReconnectDelay time.Duration

	Parked      bool
	UnparkDelay time.Duration
	// SlewTime is how long a goto takes. Negative means the mount never arrives.
	SlewTime  time.Duration
	GuideRate float64
	// PointingError is the initial offset of the true pointing from the reported one.
	PointingError device.EqCoord
	// Pixel shift per second of guide pulse for the RA and Dec axes.
	RAAxis, DecAxis alignment.Point

	SolveTime time.Duration
	FailSolve bool

	FramesDir string
	Log       *slog.Logger
}

// DefaultOptions returns a small but realistic rig.
func DefaultOptions() Options {
	return Options{
		Camera:         "Sim Camera",
		Mount:          "Sim Mount",
		Rate:           timing.DefaultRate,
		Seed:           7,
		Width:          1000,
		Height:         800,
		PixelSize:      3.76,
		HasCooler:      true,
		Temperature:    20,
		CoolRate:       1,
		ReconnectDelay: 3 * time.Second,
		UnparkDelay:    2 * time.Second,
		SlewTime:       5 * time.Second,
		GuideRate:      0.5,
		PointingError:  device.EqCoord{RA: 0.01, Dec: -0.2},
		RAAxis:         alignment.Point{X: 4.8, Y: 0.4},
		DecAxis:        alignment.Point{X: -0.3, Y: 4.9},
		SolveTime:      3 * time.Second,
	}
}

type propKey struct{ dev, prop string }

// Sim implements device.Client.
type Sim struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	props map[propKey]device.PropState
	subs  map[int]chan device.PropChange
	next  int
	cmds  []string

	// camera
	enabled       bool
	reconnectLeft int
	exposing      bool
	exposureLeft  int
	expOpts       device.CamOptions
	stalled       bool
	cooler        bool
	temp, target  float64
	frameSeq      int
	frameOut      chan frames.Result
	sky           []alignment.Point
	shiftX        float64
	shiftY        float64
	noise         *rand.Rand

	// mount
	parked     bool
	unparkLeft int
	pos        device.EqCoord
	skyErr     device.EqCoord
	slewing    bool
	slewLeft   int
	slewTarget device.EqCoord
	tracking   bool

	solver *Solver
}

// New builds a simulator with all devices connected and idle.
func New(opts Options) *Sim {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed))
	s := &Sim{
		opts:     opts,
		log:      opts.Log,
		props:    make(map[propKey]device.PropState),
		subs:     make(map[int]chan device.PropChange),
		enabled:  true,
		temp:     opts.Temperature,
		target:   opts.Temperature,
		frameOut: make(chan frames.Result, 16),
		sky:      generateSky(rng, opts.Width, opts.Height),
		noise:    rng,
		parked:   opts.Parked,
		pos:      device.EqCoord{RA: 6, Dec: 20},
		skyErr:   opts.PointingError,
		tracking: !opts.Parked,
	}
	s.solver = &Solver{sim: s}
	s.publishCamera()
	s.props[propKey{opts.Mount, device.PropEqCoord}] = device.StateOk
	s.props[propKey{opts.Mount, device.PropPark}] = device.StateOk
	s.props[propKey{opts.Mount, device.PropTimedGuide}] = device.StateOk
	return s
}

// generateSky scatters stars over an area three frames wide so shifted
// frames still see plenty of them. The list is ordered brightest first.
func generateSky(rng *rand.Rand, w, h int) []alignment.Point {
	n := 900
	sky := make([]alignment.Point, n)
	for i := range sky {
		sky[i] = alignment.Point{
			X:          (rng.Float64()*3 - 1) * float64(w),
			Y:          (rng.Float64()*3 - 1) * float64(h),
			Brightness: math.Pow(rng.Float64(), 3) * 60000,
		}
	}
	sort.Slice(sky, func(i, j int) bool { return sky[i].Brightness > sky[j].Brightness })
	return sky
}

func (s *Sim) cameraProps() []string {
	props := []string{device.PropExposure, device.PropResolution, device.PropConnection}
	if s.opts.HasCooler {
		props = append(props, device.PropTemperature, device.PropCooler, device.PropFan)
	}
	return props
}

func (s *Sim) publishCamera() {
	for _, p := range s.cameraProps() {
		s.props[propKey{s.opts.Camera, p}] = device.StateIdle
	}
}

// Options returns the configuration the simulator was built with.
func (s *Sim) Options() Options { return s.opts }

// Solver returns the simulated plate solver bound to this sky.
func (s *Sim) Solver() *Solver { return s.solver }

// Frames delivers every completed exposure.
func (s *Sim) Frames() <-chan frames.Result { return s.frameOut }

// Commands returns the log of commands received, in order.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

// CountCommands counts logged commands starting with prefix.
func (s *Sim) CountCommands(prefix string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Stall freezes a running exposure at zero time left, as a hung driver would.
func (s *Sim) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
	if !s.exposing {
		s.exposing = true
		s.setProp(s.opts.Camera, device.PropExposure, device.StateBusy)
	}
	s.exposureLeft = 0
}

// SetSensorTemperature forces the sensor temperature.
func (s *Sim) SetSensorTemperature(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp = c
}

// TruePointing is where the optics actually point.
func (s *Sim) TruePointing() device.EqCoord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truePointing()
}

func (s *Sim) truePointing() device.EqCoord {
	return device.EqCoord{
		RA:  device.NormalizeRA(s.pos.RA + s.skyErr.RA),
		Dec: s.pos.Dec + s.skyErr.Dec,
	}
}

func (s *Sim) record(format string, args ...any) {
	s.cmds = append(s.cmds, fmt.Sprintf(format, args...))
}

func (s *Sim) setProp(dev, prop string, state device.PropState) {
	k := propKey{dev, prop}
	old, ok := s.props[k]
	s.props[k] = state
	kind := device.PropChanged
	if !ok {
		kind = device.PropNew
	} else if old == state {
		return
	}
	s.emit(device.PropChange{Device: dev, Prop: prop, Kind: kind, State: state})
}

func (s *Sim) deleteProp(dev, prop string) {
	k := propKey{dev, prop}
	if _, ok := s.props[k]; !ok {
		return
	}
	delete(s.props, k)
	s.emit(device.PropChange{Device: dev, Prop: prop, Kind: device.PropDeleted})
}

func (s *Sim) emit(ch device.PropChange) {
	for id, sub := range s.subs {
		select {
		case sub <- ch:
		default:
			s.log.Warn("simulator event channel full", "subscriber", id, "prop", ch.Prop)
		}
	}
}

// Subscribe implements device.Client.
func (s *Sim) Subscribe() (<-chan device.PropChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan device.PropChange, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}
}

// Step advances the simulation by one tick.
func (s *Sim) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCamera()
	s.stepMount()
	s.solver.step()
}

func (s *Sim) stepCamera() {
	cam := s.opts.Camera
	if !s.enabled {
		return
	}
	if s.reconnectLeft < 0 {
		return
	}
	if s.reconnectLeft > 0 {
		s.reconnectLeft--
		if s.reconnectLeft == 0 {
			for _, p := range s.cameraProps() {
				s.setProp(cam, p, device.StateIdle)
			}
		}
		return
	}
	if s.opts.HasCooler && s.cooler && s.opts.CoolRate > 0 {
		step := s.opts.CoolRate / float64(s.rate())
		switch {
		case s.temp > s.target+step:
			s.temp -= step
		case s.temp < s.target-step:
			s.temp += step
		default:
			s.temp = s.target
		}
	}
	if !s.exposing || s.stalled {
		return
	}
	if s.exposureLeft > 0 {
		s.exposureLeft--
	}
	if s.exposureLeft == 0 {
		s.exposing = false
		s.setProp(cam, device.PropExposure, device.StateOk)
		s.deliverFrame()
	}
}

func (s *Sim) deliverFrame() {
	s.frameSeq++
	res := frames.Result{
		Camera:   s.opts.Camera,
		Kind:     frames.KindImage,
		FilePath: fmt.Sprintf("%s/frame-%04d.fits", s.opts.FramesDir, s.frameSeq),
		Width:    s.opts.Width,
		Height:   s.opts.Height,
		Exposure: s.expOpts.Exposure,
		TakenAt:  time.Now(),
	}
	if s.expOpts.Frame == device.FrameLight {
		res.Kind = frames.KindLightFrame
		res.Stars = s.visibleStars()
	}
	select {
	case s.frameOut <- res:
	default:
		s.log.Warn("simulator frame channel full", "file", res.FilePath)
	}
}

func (s *Sim) visibleStars() []alignment.Point {
	w, h := float64(s.opts.Width), float64(s.opts.Height)
	var out []alignment.Point
	for _, p := range s.sky {
		x := p.X + s.shiftX + (s.noise.Float64()-0.5)*0.4
		y := p.Y + s.shiftY + (s.noise.Float64()-0.5)*0.4
		if x < 0 || y < 0 || x >= w || y >= h {
			continue
		}
		out = append(out, alignment.Point{X: x, Y: y, Brightness: p.Brightness})
	}
	return out
}

func (s *Sim) stepMount() {
	m := s.opts.Mount
	if s.unparkLeft > 0 {
		s.unparkLeft--
		if s.unparkLeft == 0 {
			s.parked = false
			s.tracking = true
			s.setProp(m, device.PropPark, device.StateOk)
		}
	}
	if s.slewing && s.slewLeft > 0 {
		s.slewLeft--
		if s.slewLeft == 0 {
			s.slewing = false
			s.pos = s.slewTarget
			s.setProp(m, device.PropEqCoord, device.StateOk)
		}
	}
}

func (s *Sim) rate() timing.Rate {
	if s.opts.Rate <= 0 {
		return timing.DefaultRate
	}
	return s.opts.Rate
}

func (s *Sim) ticks(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return s.rate().Ticks(d)
}

func (s *Sim) checkCamera(cam string) error {
	if cam != s.opts.Camera {
		return fmt.Errorf("%s: %w", cam, device.ErrNoDevice)
	}
	if !s.enabled || s.reconnectLeft != 0 {
		return fmt.Errorf("%s: %w", cam, device.ErrNoDevice)
	}
	return nil
}

func (s *Sim) checkMount(m string) error {
	if m != s.opts.Mount {
		return fmt.Errorf("%s: %w", m, device.ErrNoDevice)
	}
	return nil
}
