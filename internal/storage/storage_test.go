package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "astroseq.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.RecordRunStart(RunRecord{ID: "run-1", ModeType: "goto", Camera: "cam", Mount: "mnt", Options: map[string]any{"ra": 5.5}}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordEvent("run-1", "progress", "slewing"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := s.RecordEvent("run-1", "finished", ""); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := s.RecordRunEnd("run-1", StatusFinished, "waiting", ""); err != nil {
		t.Fatalf("record end: %v", err)
	}
	if err := s.RecordRunStart(RunRecord{ID: "run-2", ModeType: "mount_calibration"}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := s.RecordRunEnd("run-2", StatusFailed, "", "timeout"); err != nil {
		t.Fatalf("record end: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[0].Status != StatusFailed || runs[0].Error != "timeout" {
		t.Fatalf("unexpected newest run %+v", runs[0])
	}
	first := runs[1]
	if first.NextMode != "waiting" || first.CompletedAt == nil {
		t.Fatalf("expected finished run with next mode, got %+v", first)
	}
	if first.Options["ra"] != 5.5 {
		t.Fatalf("expected options round trip, got %v", first.Options)
	}

	events, err := s.RunEvents("run-1")
	if err != nil {
		t.Fatalf("run events: %v", err)
	}
	if len(events) != 2 || events[0].Detail != "slewing" || events[1].EventType != "finished" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestLatestCalibration(t *testing.T) {
	s := openStore(t)

	if _, err := s.LatestCalibration("mnt"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
	for _, x := range []float64{1, 2} {
		if err := s.RecordCalibration(CalibrationRecord{RunID: "r", Mount: "mnt", MoveRAX: x, MoveDecY: 4}); err != nil {
			t.Fatalf("record calibration: %v", err)
		}
	}
	rec, err := s.LatestCalibration("mnt")
	if err != nil {
		t.Fatalf("latest calibration: %v", err)
	}
	if rec.MoveRAX != 2 || rec.MoveDecY != 4 {
		t.Fatalf("expected newest calibration, got %+v", rec)
	}
}

func TestBuildLifecycle(t *testing.T) {
	s := openStore(t)
	temp := -10.0

	id, err := s.RecordBuildQueued(BuildRecord{RunID: "r", Item: 0, Camera: "cam", Kind: "master_dark", ExposureSec: 60, Gain: 100, Temperature: &temp, Files: []string{"a.fits", "b.fits"}})
	if err != nil {
		t.Fatalf("record build: %v", err)
	}
	id2, err := s.RecordBuildQueued(BuildRecord{RunID: "r", Item: 1, Kind: "defect_pixels", Files: []string{"c.fits"}})
	if err != nil {
		t.Fatalf("record build: %v", err)
	}
	if err := s.RecordBuildResult(id, "/lib/dark.yaml", nil); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if err := s.RecordBuildResult(id2, "", errors.New("no space")); err != nil {
		t.Fatalf("record result: %v", err)
	}

	builds, err := s.RunBuilds("r")
	if err != nil {
		t.Fatalf("run builds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(builds))
	}
	if builds[0].Status != "done" || builds[0].OutputPath != "/lib/dark.yaml" || len(builds[0].Files) != 2 {
		t.Fatalf("unexpected first build %+v", builds[0])
	}
	if builds[0].Temperature == nil || *builds[0].Temperature != -10 {
		t.Fatalf("expected temperature -10, got %v", builds[0].Temperature)
	}
	if builds[1].Status != "failed" || builds[1].Error != "no space" || builds[1].Temperature != nil {
		t.Fatalf("unexpected second build %+v", builds[1])
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart(RunRecord{ID: "x"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := s.RecordEvent("x", "y", ""); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, err := s.RecentRuns(1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}
