package watchdog

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astroseq/internal/device"
	"astroseq/internal/simulator"
	"astroseq/internal/timing"
)

type rig struct {
	sim    *simulator.Sim
	wd     *Watchdog
	events <-chan device.PropChange
}

func newRig(t *testing.T, tweak func(*simulator.Options), defaults Defaults) *rig {
	t.Helper()
	opts := simulator.DefaultOptions()
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	if tweak != nil {
		tweak(&opts)
	}
	sim := simulator.New(opts)
	events, cancel := sim.Subscribe()
	t.Cleanup(cancel)
	wd := New(opts.Camera, sim, defaults, opts.Rate, opts.Log)
	return &rig{sim: sim, wd: wd, events: events}
}

// tick advances the simulator, forwards pending property events and ticks
// the watchdog, the way the session host does.
func (r *rig) tick(t *testing.T) (Result, error) {
	t.Helper()
	r.sim.Step()
	for {
		select {
		case ev := <-r.events:
			r.wd.NotifyPropChange(ev)
			continue
		default:
		}
		break
	}
	return r.wd.Tick()
}

func TestWatchdogRecoversStalledCamera(t *testing.T) {
	r := newRig(t, nil, Defaults{})
	res, err := r.tick(t)
	require.NoError(t, err)
	require.Equal(t, ResultOk, res)

	require.NoError(t, r.sim.StartExposure(r.sim.Options().Camera, device.CamOptions{Exposure: 10 * time.Second}))
	r.sim.Stall()

	res, err = r.tick(t)
	require.NoError(t, err)
	assert.Equal(t, ResultWaiting, res)
	state, _ := r.wd.State()
	assert.Equal(t, StateWaitBlob, state)

	restarts := 0
	for i := 0; i < 30; i++ {
		res, err = r.tick(t)
		require.NoError(t, err)
		if res == ResultRestartCameraShot {
			restarts++
		}
	}
	state, _ = r.wd.State()
	assert.Equal(t, StateShutdown, state)
	assert.Equal(t, 1, r.sim.CountCommands("disable"))
	assert.Equal(t, 0, r.sim.CountCommands("enable"))

	r.tick(t)
	r.tick(t)
	state, _ = r.wd.State()
	assert.Equal(t, StateWaitExposureProp, state)
	assert.Equal(t, 1, r.sim.CountCommands("enable"))

	// the simulated camera republishes its properties after three ticks
	for i := 0; i < 3; i++ {
		res, err = r.tick(t)
		require.NoError(t, err)
	}
	state, _ = r.wd.State()
	assert.Equal(t, StateWaitAfterRestart, state)

	for i := 0; i < 5; i++ {
		res, err = r.tick(t)
		require.NoError(t, err)
		if res == ResultRestartCameraShot {
			restarts++
		}
	}
	assert.Equal(t, 1, restarts)
	state, _ = r.wd.State()
	assert.Equal(t, StateWaiting, state)

	// no further recovery once the camera is healthy
	for i := 0; i < 60; i++ {
		res, err = r.tick(t)
		require.NoError(t, err)
		assert.Equal(t, ResultOk, res)
	}
	assert.Equal(t, 1, r.sim.CountCommands("disable"))
	assert.Equal(t, 1, r.sim.CountCommands("enable"))
}

func TestWatchdogFailsWhenCameraStaysGone(t *testing.T) {
	r := newRig(t, func(o *simulator.Options) { o.ReconnectDelay = -1 }, Defaults{})
	r.wd.SetFrozen(true)

	var err error
	ticks := 0
	for ticks < 100 && err == nil {
		_, err = r.tick(t)
		ticks++
	}
	require.ErrorIs(t, err, ErrCameraNotRestored)
	// 1 to notice, 30 waiting for data, 2 powered off, 10 waiting for the camera
	assert.Equal(t, 43, ticks)
}

func TestWatchdogStallThatClearsIsIgnored(t *testing.T) {
	r := newRig(t, nil, Defaults{})
	r.wd.SetFrozen(true)
	_, err := r.tick(t)
	require.NoError(t, err)
	state, _ := r.wd.State()
	require.Equal(t, StateWaitBlob, state)

	for i := 0; i < 10; i++ {
		r.tick(t)
	}
	r.wd.SetFrozen(false)
	res, err := r.tick(t)
	require.NoError(t, err)
	assert.Equal(t, ResultOk, res)
	state, elapsed := r.wd.State()
	assert.Equal(t, StateWaiting, state)
	assert.Zero(t, elapsed)
	assert.Zero(t, r.sim.CountCommands("disable"))
}

func TestWatchdogScalesWithRate(t *testing.T) {
	r := newRig(t, func(o *simulator.Options) { o.Rate = timing.Rate(4) }, Defaults{})
	r.wd.SetFrozen(true)
	r.tick(t)
	for i := 0; i < 119; i++ {
		r.tick(t)
	}
	state, _ := r.wd.State()
	assert.Equal(t, StateWaitBlob, state)
	r.tick(t)
	state, _ = r.wd.State()
	assert.Equal(t, StateShutdown, state)
}

func TestWatchdogAppliesDefaultsOncePerAppearance(t *testing.T) {
	on := true
	temp := -15.0
	r := newRig(t, nil, Defaults{Cooler: &on, Temperature: &temp, Fan: &on, Heater: "auto", MaxResolution: true})

	cam := r.sim.Options().Camera
	for _, p := range []string{device.PropTemperature, device.PropFan, device.PropResolution} {
		r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: p, Kind: device.PropNew})
	}
	r.wd.Tick()
	assert.Zero(t, r.sim.CountCommands("cooler"), "defaults wait for the debounce")
	r.wd.Tick()
	assert.Equal(t, 1, r.sim.CountCommands("cooler"))
	assert.Equal(t, 1, r.sim.CountCommands("temperature"))
	assert.Equal(t, 1, r.sim.CountCommands("fan"))
	assert.Equal(t, 1, r.sim.CountCommands("max-resolution"))

	// repeated announcements do not re-apply
	r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: device.PropTemperature, Kind: device.PropNew})
	r.wd.Tick()
	r.wd.Tick()
	assert.Equal(t, 1, r.sim.CountCommands("cooler"))

	// a property that disappears and comes back is initialized again
	r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: device.PropTemperature, Kind: device.PropDeleted})
	r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: device.PropTemperature, Kind: device.PropNew})
	r.wd.Tick()
	r.wd.Tick()
	assert.Equal(t, 2, r.sim.CountCommands("cooler"))
	assert.Equal(t, 1, r.sim.CountCommands("fan"))

	// other devices are ignored
	r.wd.NotifyPropChange(device.PropChange{Device: "other", Prop: device.PropFan, Kind: device.PropNew})
	r.wd.Tick()
	r.wd.Tick()
	assert.Equal(t, 1, r.sim.CountCommands("fan"))
}

func TestWatchdogDebounceRearms(t *testing.T) {
	on := true
	r := newRig(t, nil, Defaults{Fan: &on, MaxResolution: true})
	cam := r.sim.Options().Camera

	r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: device.PropFan, Kind: device.PropNew})
	r.wd.Tick()
	r.wd.NotifyPropChange(device.PropChange{Device: cam, Prop: device.PropResolution, Kind: device.PropNew})
	r.wd.Tick()
	assert.Zero(t, r.sim.CountCommands("fan"))
	r.wd.Tick()
	assert.Equal(t, 1, r.sim.CountCommands("fan"))
	assert.Equal(t, 1, r.sim.CountCommands("max-resolution"))
}
