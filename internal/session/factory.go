package session

import (
	"errors"
	"fmt"
	"time"

	"astroseq/internal/config"
	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/fsutil"
	"astroseq/internal/mode"
	"astroseq/internal/platesolve"
)

// Request describes a mode to build from the session configuration.
type Request struct {
	Type   mode.Type       `json:"type"`
	Target *device.EqCoord `json:"target,omitempty"`
	// ImagePath selects a stored frame: the goto target image, or the frame
	// to solve. Its star-list sidecar is used when present.
	ImagePath string            `json:"image_path,omitempty"`
	Program   []config.DarkItem `json:"program,omitempty"`
	// Then runs after this mode finishes.
	Then *Request `json:"then,omitempty"`
}

// Options returns the request as a loggable map.
func (r Request) Options() map[string]any {
	opts := map[string]any{"type": string(r.Type)}
	if r.Target != nil {
		opts["ra"] = r.Target.RA
		opts["dec"] = r.Target.Dec
	}
	if r.ImagePath != "" {
		opts["image"] = r.ImagePath
	}
	if len(r.Program) > 0 {
		opts["program_items"] = len(r.Program)
	}
	if r.Then != nil {
		opts["then"] = string(r.Then.Type)
	}
	return opts
}

// Submit builds the requested mode and starts it, or queues it behind the
// active one when queue is set. Call it on the host goroutine, usually via Do.
func (h *Host) Submit(req Request, queue bool) error {
	m, err := h.NewMode(req)
	if err != nil {
		return err
	}
	if queue {
		return h.Enqueue(m, req.Options())
	}
	return h.Start(m, req.Options())
}

// NewMode builds a mode from a request and the session configuration.
func (h *Host) NewMode(req Request) (mode.Mode, error) {
	cfg := h.cfg
	var next mode.Mode
	if req.Then != nil {
		n, err := h.NewMode(*req.Then)
		if err != nil {
			return nil, fmt.Errorf("chained %s: %w", req.Then.Type, err)
		}
		next = n
	}

	switch req.Type {
	case mode.TypeWaiting:
		return mode.NewWaiting(), nil

	case mode.TypeGoto:
		opts := mode.GotoOptions{
			Camera:          cfg.Session.Camera,
			Mount:           cfg.Session.Mount,
			Cam:             captureOptions(cfg.PlateSolve.Capture),
			Solve:           solveConfig(cfg.PlateSolve),
			ToleranceArcmin: cfg.Goto.ToleranceArcmin,
			Next:            next,
		}
		switch {
		case req.ImagePath != "":
			frame, err := loadFrame(req.ImagePath, cfg.Session.Camera)
			if err != nil {
				return nil, err
			}
			opts.TargetImage = frame
		case req.Target != nil:
			opts.Target = *req.Target
		default:
			return nil, ErrNoTarget
		}
		return mode.NewGoto(h.deps, opts)

	case mode.TypePlatesolve:
		frame := h.lastFrame
		if req.ImagePath != "" {
			var err error
			if frame, err = loadFrame(req.ImagePath, cfg.Session.Camera); err != nil {
				return nil, err
			}
		}
		if frame == nil {
			return nil, ErrNoFrame
		}
		return mode.NewPlatesolve(h.deps, h.platesolveOptions(next), frame)

	case mode.TypeCapturePlatesolve:
		return mode.NewCapturePlatesolve(h.deps, h.platesolveOptions(next))

	case mode.TypeMountCalibr:
		return mode.NewMountCalibr(h.deps, mode.CalibrOptions{
			Camera:        cfg.Session.Camera,
			Mount:         cfg.Session.Mount,
			Cam:           captureOptions(cfg.Calibration.Capture),
			FocalLengthMM: cfg.Calibration.FocalLengthMM,
			MaxPulse:      seconds(cfg.Calibration.MaxPulseSec),
		}, next)

	case mode.TypeDarkCreation:
		if next != nil {
			return nil, errors.New("dark creation cannot chain another mode")
		}
		items := req.Program
		if len(items) == 0 {
			var err error
			if items, err = DarkProgram(cfg.Darks); err != nil {
				return nil, err
			}
		} else if err := config.ValidateDarkProgram(items); err != nil {
			return nil, err
		}
		return mode.NewDarkCreation(h.deps, cfg.Session.Camera, DarkItems(items))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Type)
}

func (h *Host) platesolveOptions(next mode.Mode) mode.PlatesolveOptions {
	return mode.PlatesolveOptions{
		Camera: h.cfg.Session.Camera,
		Mount:  h.cfg.Session.Mount,
		Cam:    captureOptions(h.cfg.PlateSolve.Capture),
		Solve:  solveConfig(h.cfg.PlateSolve),
		Next:   next,
	}
}

// DarkProgram reads the configured program file, or generates the program
// from the generator lists when none is set.
func DarkProgram(d config.Darks) ([]config.DarkItem, error) {
	if d.ProgramFile != "" {
		return config.LoadDarkProgram(d.ProgramFile)
	}
	items := config.GenerateDarkProgram(d)
	if err := config.ValidateDarkProgram(items); err != nil {
		return nil, err
	}
	return items, nil
}

// DarkItems converts configured program items into mode items.
func DarkItems(items []config.DarkItem) []mode.DarkItem {
	out := make([]mode.DarkItem, 0, len(items))
	for _, it := range items {
		kind := mode.CalibrMasterDark
		if it.Kind == config.KindDefectPixels {
			kind = mode.CalibrDefectPixels
		}
		out = append(out, mode.DarkItem{
			Kind: kind,
			Cam: device.CamOptions{
				Frame:    device.FrameDark,
				Exposure: seconds(it.ExposureSec),
				Gain:     it.Gain,
				Offset:   it.Offset,
				Binning:  it.Binning,
			},
			Frames:      it.Frames,
			Temperature: it.Temperature,
		})
	}
	return out
}

func captureOptions(c config.Capture) device.CamOptions {
	return device.CamOptions{
		Frame:    device.FrameLight,
		Exposure: seconds(c.ExposureSec),
		Gain:     c.Gain,
		Offset:   c.Offset,
		Binning:  c.Binning,
	}
}

func solveConfig(p config.PlateSolve) platesolve.Config {
	return platesolve.Config{
		Timeout:   time.Duration(p.TimeoutSeconds) * time.Second,
		RadiusDeg: p.RadiusDeg,
		FOVDeg:    p.FOVDeg,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// loadFrame prefers the star-list sidecar of path and falls back to the bare
// image, which must be a format the solvers read.
func loadFrame(path, camera string) (*frames.Result, error) {
	if sidecar := fsutil.FirstExisting(path + frames.SidecarSuffix); sidecar != "" {
		if res, err := frames.ReadSidecar(sidecar); err == nil {
			if res.FilePath == "" {
				res.FilePath = path
			}
			return res, nil
		}
	}
	if !fsutil.IsFrameFile(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFrame, path)
	}
	return &frames.Result{Camera: camera, Kind: frames.KindImage, FilePath: path}, nil
}
