package mode

import (
	"fmt"
	"math"

	"astroseq/internal/device"
	"astroseq/internal/frames"
	"astroseq/internal/logging"
)

const (
	tempWindow    = 20
	tempTolerance = 1.0
)

// CalibrKind is the calibration file a program item produces.
type CalibrKind string

const (
	CalibrMasterDark   CalibrKind = "master_dark"
	CalibrDefectPixels CalibrKind = "defect_pixels"
)

// DarkItem is one step of a calibration-library program.
type DarkItem struct {
	Kind   CalibrKind
	Cam    device.CamOptions
	Frames int
	// Temperature, when set, is reached and held before capturing.
	Temperature *float64
}

// BuildRequest asks the calibration library to build one file.
type BuildRequest struct {
	Camera      string            `json:"camera"`
	Item        int               `json:"item"`
	Kind        CalibrKind        `json:"kind"`
	Cam         device.CamOptions `json:"cam"`
	Temperature *float64          `json:"temperature,omitempty"`
	Files       []string          `json:"files"`
}

// DarkPhase is the step a DarkCreationMode is in.
type DarkPhase int

const (
	DarkNone DarkPhase = iota
	DarkPending
	DarkWaitingForTemperature
	DarkCapturing
	DarkWaitingForBuild
	DarkFinished
)

func (p DarkPhase) String() string {
	switch p {
	case DarkPending:
		return "starting"
	case DarkWaitingForTemperature:
		return "waiting for temperature"
	case DarkCapturing:
		return "capturing"
	case DarkWaitingForBuild:
		return "building"
	case DarkFinished:
		return "done"
	}
	return ""
}

// DarkCreationMode walks a program of dark-frame items. Items with a target
// temperature wait until the sensor holds it; there is no timeout on that wait.
type DarkCreationMode struct {
	base
	deps    Deps
	camera  string
	program []DarkItem
	phase   DarkPhase

	item  int
	temps []float64
	lastT float64
	files []string
}

// NewDarkCreation validates the program.
func NewDarkCreation(deps Deps, camera string, program []DarkItem) (*DarkCreationMode, error) {
	if camera == "" {
		return nil, ErrNoCamera
	}
	if len(program) == 0 {
		return nil, ErrEmptyProgram
	}
	items := make([]DarkItem, len(program))
	for i, it := range program {
		if it.Frames < 1 {
			return nil, fmt.Errorf("program item %d: frames must be at least 1", i)
		}
		if it.Kind == "" {
			it.Kind = CalibrMasterDark
		}
		it.Cam = normalizeCam(it.Cam)
		it.Cam.Frame = device.FrameDark
		items[i] = it
	}
	return &DarkCreationMode{deps: deps, camera: camera, program: items}, nil
}

func (m *DarkCreationMode) Type() Type        { return TypeDarkCreation }
func (m *DarkCreationMode) CamDevice() string { return m.camera }

// Phase returns the current step and the program item it applies to.
func (m *DarkCreationMode) Phase() (DarkPhase, int) { return m.phase, m.item }

func (m *DarkCreationMode) CamOpts() *device.CamOptions {
	if m.phase != DarkCapturing {
		return nil
	}
	opts := m.program[m.item].Cam
	return &opts
}

func (m *DarkCreationMode) Progress() *Progress {
	return &Progress{Cur: m.item, Total: len(m.program)}
}

func (m *DarkCreationMode) ProgressString() string {
	step := m.phase.String()
	if m.phase != DarkFinished && m.item < len(m.program) {
		it := m.program[m.item]
		switch m.phase {
		case DarkWaitingForTemperature:
			step = fmt.Sprintf("item %d/%d, waiting for %.1f°C (now %.1f°C)", m.item+1, len(m.program), *it.Temperature, m.lastT)
		case DarkCapturing:
			step = fmt.Sprintf("item %d/%d, frame %d/%d", m.item+1, len(m.program), len(m.files)+1, it.Frames)
		default:
			step = fmt.Sprintf("item %d/%d, %s", m.item+1, len(m.program), step)
		}
	}
	return progressText("Dark library", step)
}

func (m *DarkCreationMode) Start() error {
	m.item = 0
	m.phase = DarkPending
	return nil
}

func (m *DarkCreationMode) beginItem() error {
	it := m.program[m.item]
	m.files = m.files[:0]
	m.temps = m.temps[:0]
	logging.LogModeStep(m.deps.logger(), string(TypeDarkCreation), "item started", map[string]any{
		"item":     m.item,
		"kind":     it.Kind,
		"exposure": it.Cam.Exposure.String(),
		"gain":     it.Cam.Gain,
	})
	if it.Temperature != nil && m.deps.Client.HasCooler(m.camera) {
		if err := m.deps.Client.SetCooler(m.camera, true); err != nil {
			return fmt.Errorf("cooler on %s: %w", m.camera, err)
		}
		if err := m.deps.Client.SetTemperature(m.camera, *it.Temperature); err != nil {
			return fmt.Errorf("set temperature on %s: %w", m.camera, err)
		}
		m.phase = DarkWaitingForTemperature
		return nil
	}
	return m.capture()
}

func (m *DarkCreationMode) capture() error {
	if err := m.deps.Client.StartExposure(m.camera, m.program[m.item].Cam); err != nil {
		return fmt.Errorf("start exposure on %s: %w", m.camera, err)
	}
	m.phase = DarkCapturing
	return nil
}

// temperatureReached holds once the whole rolling window is within tolerance.
func (m *DarkCreationMode) temperatureReached(target float64) bool {
	if len(m.temps) < tempWindow {
		return false
	}
	for _, t := range m.temps {
		if math.Abs(t-target) > tempTolerance {
			return false
		}
	}
	return true
}

func (m *DarkCreationMode) NotifyTimer() (NotifyResult, error) {
	switch m.phase {
	case DarkPending:
		if err := m.beginItem(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil

	case DarkWaitingForTemperature:
		t, err := m.deps.Client.Temperature(m.camera)
		if err != nil {
			return nil, fmt.Errorf("temperature of %s: %w", m.camera, err)
		}
		m.lastT = t
		m.temps = append(m.temps, t)
		if len(m.temps) > tempWindow {
			m.temps = m.temps[len(m.temps)-tempWindow:]
		}
		if !m.temperatureReached(*m.program[m.item].Temperature) {
			return ProgressChanged{}, nil
		}
		if err := m.capture(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil
	}
	return Nothing{}, nil
}

func (m *DarkCreationMode) NotifyFrame(res *frames.Result) (NotifyResult, error) {
	if m.phase != DarkCapturing || !frameFor(res, m.camera) {
		return Nothing{}, nil
	}
	it := m.program[m.item]
	m.files = append(m.files, res.FilePath)
	if len(m.files) < it.Frames {
		if err := m.capture(); err != nil {
			return nil, err
		}
		return ProgressChanged{}, nil
	}
	req := BuildRequest{
		Camera:      m.camera,
		Item:        m.item,
		Kind:        it.Kind,
		Cam:         it.Cam,
		Temperature: it.Temperature,
		Files:       append([]string(nil), m.files...),
	}
	m.phase = DarkWaitingForBuild
	return BuildCalibrationFile{Request: req}, nil
}

func (m *DarkCreationMode) NotifyLibraryBuilt(err error) (NotifyResult, error) {
	if m.phase != DarkWaitingForBuild {
		return Nothing{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("build item %d: %w", m.item, err)
	}
	m.item++
	if m.item >= len(m.program) {
		m.phase = DarkFinished
		return Finished{}, nil
	}
	if err := m.beginItem(); err != nil {
		return nil, err
	}
	return ProgressChanged{}, nil
}

func (m *DarkCreationMode) Abort() {
	if m.phase == DarkCapturing {
		_ = m.deps.Client.AbortExposure(m.camera)
	}
	m.phase = DarkNone
}
