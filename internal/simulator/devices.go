package simulator

import (
	"fmt"
	"math"
	"time"

	"astroseq/internal/device"
)

// PropState implements device.Client.
func (s *Sim) PropState(dev, prop string) (device.PropState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.props[propKey{dev, prop}]
	if !ok {
		return device.StateIdle, fmt.Errorf("%s.%s: %w", dev, prop, device.ErrPropNotFound)
	}
	return st, nil
}

// PropExists implements device.Client.
func (s *Sim) PropExists(dev, prop string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.props[propKey{dev, prop}]
	return ok
}

// EnableDevice implements device.Client. Disabling the camera drops its
// properties; enabling it publishes them again after ReconnectDelay.
func (s *Sim) EnableDevice(dev string, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev != s.opts.Camera {
		return fmt.Errorf("%s: %w", dev, device.ErrNotSupported)
	}
	if enable {
		s.record("enable %s", dev)
		s.enabled = true
		if s.opts.ReconnectDelay < 0 {
			s.reconnectLeft = -1
		} else {
			s.reconnectLeft = s.ticks(s.opts.ReconnectDelay)
		}
		return nil
	}
	s.record("disable %s", dev)
	s.enabled = false
	s.exposing = false
	s.stalled = false
	for _, p := range s.cameraProps() {
		s.deleteProp(dev, p)
	}
	return nil
}

// StartExposure implements device.Camera.
func (s *Sim) StartExposure(cam string, opts device.CamOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return err
	}
	s.record("expose %s %s", cam, opts.Exposure)
	s.expOpts = opts
	s.exposing = true
	s.exposureLeft = s.ticks(opts.Exposure)
	// a repeated Busy still counts as a new exposure for listeners
	s.props[propKey{cam, device.PropExposure}] = device.StateIdle
	s.setProp(cam, device.PropExposure, device.StateBusy)
	return nil
}

// AbortExposure implements device.Camera.
func (s *Sim) AbortExposure(cam string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return err
	}
	s.record("abort-exposure %s", cam)
	s.exposing = false
	s.stalled = false
	s.setProp(cam, device.PropExposure, device.StateIdle)
	return nil
}

// ExposureLeft implements device.Camera.
func (s *Sim) ExposureLeft(cam string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return 0, err
	}
	if !s.exposing {
		return 0, nil
	}
	return time.Duration(float64(time.Second) * s.rate().Seconds(s.exposureLeft)), nil
}

// FrameSize implements device.Camera.
func (s *Sim) FrameSize(cam string) (int, int, error) {
	if err := s.lockedCheckCamera(cam); err != nil {
		return 0, 0, err
	}
	return s.opts.Width, s.opts.Height, nil
}

// PixelSize implements device.Camera.
func (s *Sim) PixelSize(cam string) (float64, error) {
	if err := s.lockedCheckCamera(cam); err != nil {
		return 0, err
	}
	return s.opts.PixelSize, nil
}

// HasCooler implements device.Camera.
func (s *Sim) HasCooler(cam string) bool {
	return cam == s.opts.Camera && s.opts.HasCooler
}

// Temperature implements device.Camera.
func (s *Sim) Temperature(cam string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return 0, err
	}
	if !s.opts.HasCooler {
		return 0, fmt.Errorf("temperature of %s: %w", cam, device.ErrNotSupported)
	}
	return s.temp, nil
}

// SetCooler implements device.Camera.
func (s *Sim) SetCooler(cam string, enabled bool) error {
	return s.coolerCmd(cam, func() {
		s.record("cooler %s %t", cam, enabled)
		s.cooler = enabled
	})
}

// SetTemperature implements device.Camera.
func (s *Sim) SetTemperature(cam string, celsius float64) error {
	return s.coolerCmd(cam, func() {
		s.record("temperature %s %.1f", cam, celsius)
		s.target = celsius
	})
}

// SetFan implements device.Camera.
func (s *Sim) SetFan(cam string, enabled bool) error {
	return s.coolerCmd(cam, func() { s.record("fan %s %t", cam, enabled) })
}

// SetHeater implements device.Camera. The simulated camera has no heater.
func (s *Sim) SetHeater(cam string, mode string) error {
	return fmt.Errorf("heater of %s: %w", cam, device.ErrNotSupported)
}

// SetMaxResolution implements device.Camera.
func (s *Sim) SetMaxResolution(cam string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return err
	}
	s.record("max-resolution %s", cam)
	return nil
}

func (s *Sim) coolerCmd(cam string, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCamera(cam); err != nil {
		return err
	}
	if !s.opts.HasCooler {
		return fmt.Errorf("cooler of %s: %w", cam, device.ErrNotSupported)
	}
	apply()
	return nil
}

func (s *Sim) lockedCheckCamera(cam string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkCamera(cam)
}

// IsParked implements device.Mount.
func (s *Sim) IsParked(m string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return false, err
	}
	return s.parked, nil
}

// SetParked implements device.Mount.
func (s *Sim) SetParked(m string, parked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	s.record("park %s %t", m, parked)
	if parked {
		s.parked = true
		s.tracking = false
		s.unparkLeft = 0
		s.setProp(m, device.PropPark, device.StateOk)
		return nil
	}
	if !s.parked {
		return nil
	}
	if s.opts.UnparkDelay < 0 {
		s.unparkLeft = -1
	} else {
		s.unparkLeft = s.ticks(s.opts.UnparkDelay)
	}
	s.setProp(m, device.PropPark, device.StateBusy)
	return nil
}

// EqCoord implements device.Mount.
func (s *Sim) EqCoord(m string) (device.EqCoord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return device.EqCoord{}, err
	}
	return s.pos, nil
}

// StartGoto implements device.Mount.
func (s *Sim) StartGoto(m string, c device.EqCoord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	if s.parked {
		return fmt.Errorf("goto on parked mount %s", m)
	}
	s.record("goto %s %s", m, c)
	s.slewing = true
	s.slewTarget = c
	if s.opts.SlewTime < 0 {
		s.slewLeft = -1
	} else {
		s.slewLeft = s.ticks(s.opts.SlewTime)
	}
	s.setProp(m, device.PropEqCoord, device.StateBusy)
	return nil
}

// Sync implements device.Mount.
func (s *Sim) Sync(m string, c device.EqCoord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	s.record("sync %s %s", m, c)
	truth := s.truePointing()
	s.pos = c
	s.skyErr = device.EqCoord{RA: truth.RA - c.RA, Dec: truth.Dec - c.Dec}
	return nil
}

// AbortMotion implements device.Mount.
func (s *Sim) AbortMotion(m string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	s.record("abort-motion %s", m)
	if s.slewing {
		s.slewing = false
		s.setProp(m, device.PropEqCoord, device.StateAlert)
	}
	return nil
}

// Tracking implements device.Mount.
func (s *Sim) Tracking(m string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return false, err
	}
	return s.tracking, nil
}

// SetTracking implements device.Mount.
func (s *Sim) SetTracking(m string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	s.record("tracking %s %t", m, enabled)
	s.tracking = enabled
	return nil
}

// GuideRate implements device.Mount.
func (s *Sim) GuideRate(m string) (float64, error) {
	if m != s.opts.Mount {
		return 0, fmt.Errorf("%s: %w", m, device.ErrNoDevice)
	}
	return s.opts.GuideRate, nil
}

// TimedGuide implements device.Mount. The pulse lands immediately and shifts
// the star field along the configured axis vectors.
func (s *Sim) TimedGuide(m string, ns, we time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMount(m); err != nil {
		return err
	}
	s.record("guide %s ns=%s we=%s", m, ns, we)
	we, ns = we.Round(time.Millisecond), ns.Round(time.Millisecond)
	s.shiftX += we.Seconds()*s.opts.RAAxis.X + ns.Seconds()*s.opts.DecAxis.X
	s.shiftY += we.Seconds()*s.opts.RAAxis.Y + ns.Seconds()*s.opts.DecAxis.Y

	arcsec := s.opts.GuideRate * siderealArcsecPerSec
	s.pos.RA = device.NormalizeRA(s.pos.RA + we.Seconds()*arcsec/3600/15)
	s.pos.Dec = math.Max(-90, math.Min(90, s.pos.Dec+ns.Seconds()*arcsec/3600))
	return nil
}

const siderealArcsecPerSec = 15.041
