package platesolve

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestParseASTAPIniSolved(t *testing.T) {
	ini := []byte("PLTSOLVD=T\nCRVAL1=83.8221\nCRVAL2=-5.3911\nCROTA2=12.5\n")
	res := ParseASTAPIni(ini)
	if res.Status != StatusDone {
		t.Fatalf("expected done, got %v (%v)", res.Status, res.Err)
	}
	if math.Abs(res.Coord.RA-83.8221/15) > 1e-9 || math.Abs(res.Coord.Dec+5.3911) > 1e-9 {
		t.Fatalf("unexpected coord %+v", res.Coord)
	}
	if res.Rotation != 12.5 {
		t.Fatalf("unexpected rotation %v", res.Rotation)
	}
}

func TestParseASTAPIniFailure(t *testing.T) {
	res := ParseASTAPIni([]byte("PLTSOLVD=F\nERROR=No solution found!\n"))
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrNotSolved) {
		t.Fatalf("expected not-solved failure, got %+v", res)
	}
}

func TestParseSolveFieldOutput(t *testing.T) {
	out := []byte(`Field 1: solved with index index-4208.fits.
Field center: (RA,Dec) = (10.684700, 41.269100) deg.
Field size: 1.2 x 0.8 degrees
Field rotation angle: up is -87.3 degrees E of N
`)
	res := ParseSolveFieldOutput(out)
	if res.Status != StatusDone {
		t.Fatalf("expected done, got %+v", res)
	}
	if math.Abs(res.Coord.RA-10.6847/15) > 1e-9 || res.Coord.Dec != 41.2691 {
		t.Fatalf("unexpected coord %+v", res.Coord)
	}
	if res.Rotation != -87.3 {
		t.Fatalf("unexpected rotation %v", res.Rotation)
	}

	if res := ParseSolveFieldOutput([]byte("Did not solve (or no WCS file was written).")); res.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestExternalRejectsStarLists(t *testing.T) {
	s := NewExternal(ToolASTAP, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := s.Start(Input{Width: 10, Height: 10, Stars: nil}, Config{})
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestExternalMissingBinaryFails(t *testing.T) {
	s := NewExternal(ToolASTAP, "/nonexistent/astap-binary", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(Input{ImagePath: t.TempDir() + "/frame.fits"}, Config{Timeout: time.Second}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res := s.Result()
		if res.Status == StatusFailed {
			return
		}
		if res.Status == StatusDone {
			t.Fatalf("unexpected success")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("solver never reported failure")
}

func TestExternalIgnoresStaleASTAPResult(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("no false binary on PATH")
	}
	dir := t.TempDir()
	image := filepath.Join(dir, "frame.fits")
	stale := []byte("PLTSOLVD=T\nCRVAL1=83.8221\nCRVAL2=-5.3911\n")
	if err := os.WriteFile(filepath.Join(dir, "frame.ini"), stale, 0o644); err != nil {
		t.Fatalf("write stale result: %v", err)
	}

	s := NewExternal(ToolASTAP, bin, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(Input{ImagePath: image}, Config{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "frame.ini")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale result still present: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch res := s.Result(); res.Status {
		case StatusFailed:
			return
		case StatusDone:
			t.Fatalf("crashed solver reported the previous solution %+v", res.Coord)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("solver never reported failure")
}

func TestDetectHonorsPreference(t *testing.T) {
	origLook, origVersion := lookPath, versionOutput
	defer func() { lookPath, versionOutput = origLook, origVersion }()

	lookPath = func(name string) (string, error) {
		if name == "solve-field" {
			return "/usr/bin/solve-field", nil
		}
		return "", exec.ErrNotFound
	}
	versionOutput = func(bin string, args ...string) ([]byte, error) {
		return []byte("0.94\n"), nil
	}

	tool, status, err := Detect("astap", []string{"astrometry"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if tool != ToolAstrometry || status.Version != "0.94" {
		t.Fatalf("expected astrometry 0.94, got %s %q", tool, status.Version)
	}

	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	if _, _, err := Detect("astap", nil); err == nil {
		t.Fatalf("expected error when no solver installed")
	}
}
