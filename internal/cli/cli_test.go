package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"astroseq/internal/config"
	"astroseq/internal/mode"
	"astroseq/internal/storage"
)

type testRoot struct {
	root  *Root
	out   *bytes.Buffer
	cfg   *config.Config
	store *storage.Store
}

func newTestRoot(t *testing.T) *testRoot {
	t.Helper()
	cfg := config.Default()
	cfg.PlateSolve.Capture.ExposureSec = 2
	cfg.Calibration.Capture.ExposureSec = 1
	cfg.Darks.LibraryDir = filepath.Join(t.TempDir(), "library")
	cfg.Paths.FramesDir = ""

	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(cfg, log, store)
	out := &bytes.Buffer{}
	root.out = out
	return &testRoot{root: root, out: out, cfg: cfg, store: store}
}

func (tr *testRoot) run(t *testing.T, args ...string) error {
	t.Helper()
	tr.out.Reset()
	return Execute(context.Background(), tr.root, args)
}

func TestVersion(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(tr.out.String(), "astroseq "+Version) {
		t.Fatalf("unexpected version output: %q", tr.out.String())
	}
}

func TestSimulateGotoJournalsRun(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "simulate", "goto", "--ra", "5.5", "--dec", "-5"); err != nil {
		t.Fatalf("simulate goto failed: %v\n%s", err, tr.out.String())
	}
	out := tr.out.String()
	if !strings.Contains(out, "mode_started") || !strings.Contains(out, "mode_finished") {
		t.Fatalf("expected start and finish events, got:\n%s", out)
	}
	if !strings.Contains(out, "target ra=5.5000h") {
		t.Fatalf("expected pointing summary, got:\n%s", out)
	}

	recs, err := tr.store.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(recs) != 1 || recs[0].ModeType != string(mode.TypeGoto) || recs[0].Status != storage.StatusFinished {
		t.Fatalf("unexpected journal: %+v", recs)
	}

	if err := tr.run(t, "runs"); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(tr.out.String(), recs[0].ID) {
		t.Fatalf("runs output misses %s:\n%s", recs[0].ID, tr.out.String())
	}

	if err := tr.run(t, "runs", "show", recs[0].ID); err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(tr.out.String(), "mode_finished") {
		t.Fatalf("run journal misses the finish:\n%s", tr.out.String())
	}
}

func TestSimulateCalibrateThenShowCalibration(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "calibration"); err == nil {
		t.Fatalf("expected error before any calibration")
	}

	if err := tr.run(t, "simulate", "calibrate", "--then", string(mode.TypeCapturePlatesolve)); err != nil {
		t.Fatalf("simulate calibrate failed: %v\n%s", err, tr.out.String())
	}
	if !strings.Contains(tr.out.String(), "calibration: ra=") {
		t.Fatalf("expected calibration summary, got:\n%s", tr.out.String())
	}

	if err := tr.run(t, "calibration"); err != nil {
		t.Fatalf("calibration failed: %v", err)
	}
	if !strings.Contains(tr.out.String(), "RA axis:") || !strings.Contains(tr.out.String(), tr.cfg.Session.Mount) {
		t.Fatalf("unexpected calibration output:\n%s", tr.out.String())
	}
}

func TestSimulateReportsFailedRun(t *testing.T) {
	tr := newTestRoot(t)
	err := tr.run(t, "simulate", "platesolve", "--fail-solve")
	if !errors.Is(err, mode.ErrPlateSolveFailed) {
		t.Fatalf("expected plate solve failure, got %v", err)
	}
	if !strings.Contains(tr.out.String(), "mode_failed") {
		t.Fatalf("expected failure event, got:\n%s", tr.out.String())
	}
}

func TestSimulateRejectsUnknownChainedMode(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "simulate", "calibrate", "--then", "bogus"); err == nil {
		t.Fatalf("expected error for unknown chained mode")
	}
}

func TestDarksPlanWritesProgram(t *testing.T) {
	tr := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "program.yaml")
	if err := tr.run(t, "darks", "plan", "--out", path); err != nil {
		t.Fatalf("darks plan failed: %v", err)
	}
	want := config.GenerateDarkProgram(tr.cfg.Darks)
	got, err := config.LoadDarkProgram(path)
	if err != nil {
		t.Fatalf("load written program: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	if !strings.Contains(tr.out.String(), config.KindMasterDark) {
		t.Fatalf("plan output misses master darks:\n%s", tr.out.String())
	}
}

func TestServeRequiresSimulator(t *testing.T) {
	tr := newTestRoot(t)
	err := tr.run(t, "serve", "--simulate=false")
	if !errors.Is(err, ErrNoDeviceBackend) {
		t.Fatalf("expected ErrNoDeviceBackend, got %v", err)
	}
}

func TestServeAppliesFlagOverrides(t *testing.T) {
	tr := newTestRoot(t)
	var gotSimulate bool
	tr.root.serveFn = func(ctx context.Context, r *Root, simulate bool) error {
		gotSimulate = simulate
		return nil
	}
	if err := tr.run(t, "serve", "--http", "127.0.0.1:0", "--grpc", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotSimulate != tr.cfg.Session.Simulate {
		t.Fatalf("expected simulate to default to config (%v)", tr.cfg.Session.Simulate)
	}
	if tr.cfg.Session.HTTPAddr != "127.0.0.1:0" || tr.cfg.Session.GRPCAddr != "" {
		t.Fatalf("flags not applied: http=%q grpc=%q", tr.cfg.Session.HTTPAddr, tr.cfg.Session.GRPCAddr)
	}
}

func TestConfigShowPrintsJSON(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "config", "show"); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(tr.out.Bytes(), &cfg); err != nil {
		t.Fatalf("config show is not JSON: %v\n%s", err, tr.out.String())
	}
	if cfg.Session.Camera != tr.cfg.Session.Camera {
		t.Fatalf("expected camera %q, got %q", tr.cfg.Session.Camera, cfg.Session.Camera)
	}

	if err := tr.run(t, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
}

func TestRunsShowUnknownRun(t *testing.T) {
	tr := newTestRoot(t)
	if err := tr.run(t, "runs", "show", "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{"session": {"camera": "Test Cam", "ticks_per_second": 2}, "paths": {"database_path": "` +
		filepath.ToSlash(filepath.Join(dir, "journal.db")) + `"}, "logging": {"level": "error"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	root := NewRoot(nil, nil, nil)
	out := &bytes.Buffer{}
	root.out = out
	if err := Execute(context.Background(), root, []string{"--config", path, "config", "show"}); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if root.cfg.Session.Camera != "Test Cam" || root.cfg.Session.TicksPerSecond != 2 {
		t.Fatalf("config file not applied: %+v", root.cfg.Session)
	}
	if root.store == nil {
		t.Fatalf("expected the journal to be opened")
	}
}
