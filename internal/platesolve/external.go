package platesolve

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"astroseq/internal/device"
)

const defaultTimeout = 60 * time.Second

// External runs ASTAP or astrometry.net's solve-field as a child process.
type External struct {
	tool   Tool
	binary string
	log    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	result  Result
	running bool
}

// NewExternal creates a runner for tool using binary (PATH lookup when empty).
func NewExternal(tool Tool, binary string, log *slog.Logger) *External {
	if binary == "" {
		binary = tool.Binary()
	}
	return &External{tool: tool, binary: binary, log: log}
}

// Start launches the solver process.
func (s *External) Start(in Input, cfg Config) error {
	if in.ImagePath == "" {
		if len(in.Stars) > 0 {
			return ErrStarListUnsupported
		}
		return ErrNoInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}

	// A result file left by an earlier solve of the same image must not be
	// mistaken for this run's answer.
	if s.tool != ToolAstrometry {
		if err := os.Remove(astapResultPath(in.ImagePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale astap result: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	args := s.args(in, cfg)
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = filepath.Dir(in.ImagePath)

	s.cancel = cancel
	s.running = true
	s.result = Result{Status: StatusWaiting}

	s.log.Info("plate solver started", "tool", s.tool, "image", in.ImagePath, "timeout", timeout)
	start := time.Now()

	go func() {
		out, err := cmd.CombinedOutput()
		res := s.collect(ctx, in, out, err)
		cancel()

		s.log.Info("plate solver finished",
			"tool", s.tool,
			"status", res.Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		s.mu.Lock()
		s.result = res
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()
	return nil
}

// Result returns the current status without waiting.
func (s *External) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Abort kills a running solve.
func (s *External) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *External) args(in Input, cfg Config) []string {
	switch s.tool {
	case ToolAstrometry:
		args := []string{"--overwrite", "--no-plots", "--no-verify"}
		if cfg.Seed != nil {
			radius := cfg.RadiusDeg
			if radius <= 0 {
				radius = 10
			}
			args = append(args,
				"--ra", strconv.FormatFloat(cfg.Seed.RA*15, 'f', 5, 64),
				"--dec", strconv.FormatFloat(cfg.Seed.Dec, 'f', 5, 64),
				"--radius", strconv.FormatFloat(radius, 'f', 2, 64),
			)
		}
		return append(args, in.ImagePath)
	default:
		args := []string{"-f", in.ImagePath, "-update"}
		if cfg.Seed != nil {
			radius := cfg.RadiusDeg
			if radius <= 0 {
				radius = 30
			}
			args = append(args,
				"-ra", strconv.FormatFloat(cfg.Seed.RA, 'f', 5, 64),
				"-spd", strconv.FormatFloat(cfg.Seed.Dec+90, 'f', 5, 64),
				"-r", strconv.FormatFloat(radius, 'f', 2, 64),
			)
		} else {
			args = append(args, "-r", "180")
		}
		args = append(args, "-fov", strconv.FormatFloat(cfg.FOVDeg, 'f', 3, 64))
		return args
	}
}

func (s *External) collect(ctx context.Context, in Input, out []byte, runErr error) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Status: StatusFailed, Err: fmt.Errorf("%s: %w", s.tool, context.DeadlineExceeded)}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{Status: StatusFailed, Err: fmt.Errorf("%s: %w", s.tool, context.Canceled)}
	}
	switch s.tool {
	case ToolAstrometry:
		res := ParseSolveFieldOutput(out)
		if res.Status == StatusFailed && runErr != nil {
			res.Err = fmt.Errorf("solve-field: %v: %w", runErr, res.Err)
		}
		return res
	default:
		data, err := os.ReadFile(astapResultPath(in.ImagePath))
		if err != nil {
			if runErr != nil {
				return Result{Status: StatusFailed, Err: fmt.Errorf("astap: %w", runErr)}
			}
			return Result{Status: StatusFailed, Err: fmt.Errorf("astap result: %w", err)}
		}
		return ParseASTAPIni(data)
	}
}

// astapResultPath is where ASTAP writes its result for image.
func astapResultPath(image string) string {
	return strings.TrimSuffix(image, filepath.Ext(image)) + ".ini"
}

// ParseASTAPIni reads the key=value result file ASTAP writes next to the image.
func ParseASTAPIni(data []byte) Result {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if values["PLTSOLVD"] != "T" {
		msg := values["ERROR"]
		if msg == "" {
			msg = values["WARNING"]
		}
		if msg != "" {
			return Result{Status: StatusFailed, Err: fmt.Errorf("%w: %s", ErrNotSolved, msg)}
		}
		return Result{Status: StatusFailed, Err: ErrNotSolved}
	}
	ra, errRA := strconv.ParseFloat(values["CRVAL1"], 64)
	dec, errDec := strconv.ParseFloat(values["CRVAL2"], 64)
	if errRA != nil || errDec != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("astap result has no centre: %w", errors.Join(errRA, errDec))}
	}
	rot, _ := strconv.ParseFloat(values["CROTA2"], 64)
	return Result{
		Status:   StatusDone,
		Coord:    device.EqCoord{RA: device.NormalizeRA(ra / 15), Dec: dec},
		Rotation: rot,
	}
}

var (
	fieldCenterRe = regexp.MustCompile(`Field center: \(RA,Dec\) = \(([-0-9.]+), ([-0-9.]+)\) deg`)
	fieldRotRe    = regexp.MustCompile(`Field rotation angle: up is ([-0-9.]+) degrees`)
)

// ParseSolveFieldOutput extracts the solution from solve-field's log output.
func ParseSolveFieldOutput(out []byte) Result {
	m := fieldCenterRe.FindSubmatch(out)
	if m == nil {
		return Result{Status: StatusFailed, Err: ErrNotSolved}
	}
	ra, _ := strconv.ParseFloat(string(m[1]), 64)
	dec, _ := strconv.ParseFloat(string(m[2]), 64)
	res := Result{
		Status: StatusDone,
		Coord:  device.EqCoord{RA: device.NormalizeRA(ra / 15), Dec: dec},
	}
	if r := fieldRotRe.FindSubmatch(out); r != nil {
		res.Rotation, _ = strconv.ParseFloat(string(r[1]), 64)
	}
	return res
}
