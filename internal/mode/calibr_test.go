package mode

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astroseq/internal/alignment"
	"astroseq/internal/device"
	"astroseq/internal/simulator"
)

func TestCalibrResCalc(t *testing.T) {
	orth := MountMoveCalibrRes{MoveRAX: 1, MoveRAY: 0, MoveDecX: 0, MoveDecY: 1}
	tRA, tDec, ok := orth.Calc(3, 4)
	require.True(t, ok)
	assert.InDelta(t, 3, tRA, 1e-12)
	assert.InDelta(t, 4, tDec, 1e-12)

	skew := MountMoveCalibrRes{MoveRAX: 2, MoveRAY: 1, MoveDecX: -1, MoveDecY: 3}
	tRA, tDec, ok = skew.Calc(5, 10)
	require.True(t, ok)
	assert.InDelta(t, 5, tRA*skew.MoveRAX+tDec*skew.MoveDecX, 1e-9)
	assert.InDelta(t, 10, tRA*skew.MoveRAY+tDec*skew.MoveDecY, 1e-9)

	collinear := MountMoveCalibrRes{MoveRAX: 1, MoveRAY: 2, MoveDecX: 2, MoveDecY: 4}
	_, _, ok = collinear.Calc(3, 4)
	assert.False(t, ok)

	_, _, ok = MountMoveCalibrRes{}.Calc(1, 1)
	assert.False(t, ok)
}

func TestCalibrResIsOK(t *testing.T) {
	assert.False(t, MountMoveCalibrRes{}.IsOK())
	assert.True(t, MountMoveCalibrRes{MoveDecY: -0.1}.IsOK())
}

// calibrationSink is a chained mode that records the calibration handed to it.
type calibrationSink struct {
	WaitingMode
	got *MountMoveCalibrRes
}

func (s *calibrationSink) SetCalibration(res MountMoveCalibrRes) { s.got = &res }

func calibrOpts(sim *simulator.Sim) CalibrOptions {
	o := sim.Options()
	return CalibrOptions{
		Camera:        o.Camera,
		Mount:         o.Mount,
		Cam:           device.CamOptions{Exposure: time.Second},
		FocalLengthMM: 500,
		MaxPulse:      5 * time.Second,
	}
}

func TestMountCalibrMeasuresBothAxes(t *testing.T) {
	sim, deps := newRig(t, nil)
	sink := &calibrationSink{}
	m, err := NewMountCalibr(deps, calibrOpts(sim), sink)
	require.NoError(t, err)

	origin, err := sim.EqCoord(sim.Options().Mount)
	require.NoError(t, err)

	r := newRunner(t, sim, m)
	// 3.76 µm pixels at 500 mm give 1.55"/px; half sidereal guiding moves
	// 4.85 px/s, so a 26.7 px step needs 5.5 s and is capped to 5 s.
	assert.Equal(t, 5*time.Second, m.Pulse())

	r.run(1000)
	require.NoError(t, r.err)
	require.NotNil(t, r.finished)

	updates := r.count(func(res NotifyResult) bool { _, ok := res.(CalibrationUpdated); return ok })
	assert.Equal(t, 1, updates)

	res := m.Result()
	o := sim.Options()
	assert.InDelta(t, o.RAAxis.X, res.MoveRAX, 0.1)
	assert.InDelta(t, o.RAAxis.Y, res.MoveRAY, 0.1)
	assert.InDelta(t, o.DecAxis.X, res.MoveDecX, 0.1)
	assert.InDelta(t, o.DecAxis.Y, res.MoveDecY, 0.1)

	assert.Equal(t, 20, sim.CountCommands("guide"))
	assert.Equal(t, 22, sim.CountCommands("expose"))

	// back where it started, and the chained mode got the result
	assert.Equal(t, 1, sim.CountCommands("goto"))
	pos, err := sim.EqCoord(o.Mount)
	require.NoError(t, err)
	assert.Equal(t, origin, pos)
	require.Same(t, sink, r.finished.Next)
	require.NotNil(t, sink.got)
	assert.Equal(t, res, *sink.got)
}

func TestMountCalibrPulseWaitsBeforeNextCapture(t *testing.T) {
	sim, deps := newRig(t, nil)
	m, err := NewMountCalibr(deps, calibrOpts(sim), nil)
	require.NoError(t, err)
	r := newRunner(t, sim, m)

	r.tick() // first frame arrives and the first pulse is sent
	require.NoError(t, r.err)
	assert.Equal(t, CalibrPulsing, m.Phase())
	assert.Nil(t, m.CamOpts())

	// pulse plus one second of settling
	r.run(5)
	assert.Equal(t, CalibrPulsing, m.Phase())
	r.tick()
	assert.Equal(t, CalibrCapturing, m.Phase())
	assert.NotNil(t, m.CamOpts())
}

func TestMountCalibrInsufficientData(t *testing.T) {
	_, deps := newRig(t, nil)
	m, err := NewMountCalibr(deps, CalibrOptions{Camera: "c", Mount: "m", FocalLengthMM: 500}, nil)
	require.NoError(t, err)
	m.pulse = time.Second
	for i := 0; i < calibrCaptures; i++ {
		m.attempts = append(m.attempts, calibrAttempt{width: 100, height: 100})
	}
	_, _, err = m.axisMove()
	require.ErrorIs(t, err, ErrInsufficientCalibrationData)
}

func TestMountCalibrDecDropsBacklashSample(t *testing.T) {
	_, deps := newRig(t, nil)
	m, err := NewMountCalibr(deps, CalibrOptions{Camera: "c", Mount: "m", FocalLengthMM: 500}, nil)
	require.NoError(t, err)
	m.pulse = time.Second

	rng := rand.New(rand.NewPCG(3, 9))
	ref := make([]alignment.Point, 40)
	for i := range ref {
		ref[i] = alignment.Point{X: 50 + rng.Float64()*900, Y: 50 + rng.Float64()*650, Brightness: float64(100 - i)}
	}
	field := func(dx, dy float64) []alignment.Point {
		pts := make([]alignment.Point, len(ref))
		for i, p := range ref {
			pts[i] = alignment.Point{X: p.X + dx, Y: p.Y + dy, Brightness: p.Brightness}
		}
		return pts
	}
	// the first move is short of the others but above half the maximum
	shifts := []float64{0, 7, 17, 27, 37}
	for _, s := range shifts {
		m.attempts = append(m.attempts, calibrAttempt{stars: field(0, s), width: 1000, height: 800})
	}

	m.axis = axisRA
	_, y, err := m.axisMove()
	require.NoError(t, err)
	assert.InDelta(t, (7+10+10+10)/4.0, y, 0.05)

	m.axis = axisDec
	_, y, err = m.axisMove()
	require.NoError(t, err)
	assert.InDelta(t, 10, y, 0.05)
}

func TestMountCalibrPulsesWithTrackingAndRestoresOnAbort(t *testing.T) {
	sim, deps := newRig(t, nil)
	mount := sim.Options().Mount
	require.NoError(t, sim.SetTracking(mount, false))

	m, err := NewMountCalibr(deps, calibrOpts(sim), nil)
	require.NoError(t, err)
	r := newRunner(t, sim, m)

	r.run(3)
	require.NoError(t, r.err)
	require.Equal(t, 1, sim.CountCommands("guide"))
	tracking, err := sim.Tracking(mount)
	require.NoError(t, err)
	assert.True(t, tracking, "guide pulses need a tracking mount")

	m.Abort()
	tracking, err = sim.Tracking(mount)
	require.NoError(t, err)
	assert.False(t, tracking)
	assert.Equal(t, 3, sim.CountCommands("tracking"))
}
