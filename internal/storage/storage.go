package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusAborted  = "aborted"
)

// ErrNotInitialized is returned by queries on a nil store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for mode runs, their events,
// mount calibrations and calibration library builds.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one host goroutine writes; a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mode_runs (
            id TEXT PRIMARY KEY,
            mode_type TEXT NOT NULL,
            status TEXT NOT NULL,
            camera TEXT,
            mount TEXT,
            options_json TEXT,
            next_mode TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS mode_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS mount_calibrations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT,
            mount TEXT NOT NULL,
            move_ra_x REAL NOT NULL,
            move_ra_y REAL NOT NULL,
            move_dec_x REAL NOT NULL,
            move_dec_y REAL NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS calibration_builds (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            item_index INTEGER NOT NULL,
            camera TEXT,
            kind TEXT NOT NULL,
            exposure_sec REAL,
            gain INTEGER,
            temperature REAL,
            files_json TEXT,
            output_path TEXT,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_mode_events_run_id ON mode_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_mount_calibrations_mount ON mount_calibrations(mount);`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_builds_run_id ON calibration_builds(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one mode run.
type RunRecord struct {
	ID          string         `json:"id"`
	ModeType    string         `json:"mode_type"`
	Status      string         `json:"status"`
	Camera      string         `json:"camera,omitempty"`
	Mount       string         `json:"mount,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	NextMode    string         `json:"next_mode,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// EventRecord is one journaled step of a run.
type EventRecord struct {
	RunID     string    `json:"run_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CalibrationRecord stores the pixel shift per second of guide pulse.
type CalibrationRecord struct {
	RunID     string    `json:"run_id,omitempty"`
	Mount     string    `json:"mount"`
	MoveRAX   float64   `json:"move_ra_x"`
	MoveRAY   float64   `json:"move_ra_y"`
	MoveDecX  float64   `json:"move_dec_x"`
	MoveDecY  float64   `json:"move_dec_y"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildRecord tracks one calibration file handed to the library.
type BuildRecord struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Item        int        `json:"item"`
	Camera      string     `json:"camera"`
	Kind        string     `json:"kind"`
	ExposureSec float64    `json:"exposure_sec"`
	Gain        int        `json:"gain"`
	Temperature *float64   `json:"temperature,omitempty"`
	Files       []string   `json:"files"`
	OutputPath  string     `json:"output_path,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordRunStart inserts a running mode.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	optsJSON, err := json.Marshal(rec.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO mode_runs (id, mode_type, status, camera, mount, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ModeType, StatusRunning, rec.Camera, rec.Mount, string(optsJSON))
	return err
}

// RecordRunEnd finalizes a run with status, the chained mode type and an error message.
func (s *Store) RecordRunEnd(id, status, nextMode, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE mode_runs SET status=?, next_mode=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, nextMode, errMsg, id)
	return err
}

// RecordEvent journals a step of a run.
func (s *Store) RecordEvent(runID, eventType, detail string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO mode_events (run_id, event_type, detail) VALUES (?, ?, ?);`, runID, eventType, detail)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, mode_type, status, camera, mount, options_json, next_mode, created_at, completed_at, error_message FROM mode_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var camera, mount, optsJSON, next, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ModeType, &rec.Status, &camera, &mount, &optsJSON, &next, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Camera, rec.Mount, rec.NextMode, rec.Error = camera.String, mount.String, next.String, errorMsg.String
		if optsJSON.Valid && optsJSON.String != "" && optsJSON.String != "null" {
			if err := json.Unmarshal([]byte(optsJSON.String), &rec.Options); err != nil {
				return nil, fmt.Errorf("unmarshal options of %s: %w", rec.ID, err)
			}
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunEvents returns the events of a run in order.
func (s *Store) RunEvents(runID string) ([]EventRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT run_id, event_type, detail, created_at FROM mode_events WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var rec EventRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.EventType, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Detail = detail.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordCalibration stores a mount calibration result.
func (s *Store) RecordCalibration(rec CalibrationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO mount_calibrations (run_id, mount, move_ra_x, move_ra_y, move_dec_x, move_dec_y) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Mount, rec.MoveRAX, rec.MoveRAY, rec.MoveDecX, rec.MoveDecY)
	return err
}

// LatestCalibration returns the newest calibration of mount, or sql.ErrNoRows.
func (s *Store) LatestCalibration(mount string) (CalibrationRecord, error) {
	if s == nil {
		return CalibrationRecord{}, ErrNotInitialized
	}
	var rec CalibrationRecord
	var runID sql.NullString
	err := s.DB.QueryRow(`SELECT run_id, mount, move_ra_x, move_ra_y, move_dec_x, move_dec_y, created_at FROM mount_calibrations WHERE mount=? ORDER BY id DESC LIMIT 1;`, mount).
		Scan(&runID, &rec.Mount, &rec.MoveRAX, &rec.MoveRAY, &rec.MoveDecX, &rec.MoveDecY, &rec.CreatedAt)
	if err != nil {
		return CalibrationRecord{}, err
	}
	rec.RunID = runID.String
	return rec, nil
}

// RecordBuildQueued inserts a pending library build and returns its id.
func (s *Store) RecordBuildQueued(rec BuildRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	filesJSON, err := json.Marshal(rec.Files)
	if err != nil {
		return 0, fmt.Errorf("marshal files: %w", err)
	}
	var temp sql.NullFloat64
	if rec.Temperature != nil {
		temp = sql.NullFloat64{Float64: *rec.Temperature, Valid: true}
	}
	res, err := s.DB.Exec(`INSERT INTO calibration_builds (run_id, item_index, camera, kind, exposure_sec, gain, temperature, files_json, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued');`,
		rec.RunID, rec.Item, rec.Camera, rec.Kind, rec.ExposureSec, rec.Gain, temp, string(filesJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordBuildResult finalizes a build with its output path or error.
func (s *Store) RecordBuildResult(id int64, outputPath string, buildErr error) error {
	if s == nil {
		return nil
	}
	status, errMsg := "done", ""
	if buildErr != nil {
		status, errMsg = "failed", buildErr.Error()
	}
	_, err := s.DB.Exec(`UPDATE calibration_builds SET status=?, output_path=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, outputPath, errMsg, id)
	return err
}

// RunBuilds returns the builds requested by a run.
func (s *Store) RunBuilds(runID string) ([]BuildRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, run_id, item_index, camera, kind, exposure_sec, gain, temperature, files_json, output_path, status, created_at, completed_at, error_message FROM calibration_builds WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BuildRecord
	for rows.Next() {
		var rec BuildRecord
		var camera, filesJSON, output, errorMsg sql.NullString
		var temp sql.NullFloat64
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Item, &camera, &rec.Kind, &rec.ExposureSec, &rec.Gain, &temp, &filesJSON, &output, &rec.Status, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Camera, rec.OutputPath, rec.Error = camera.String, output.String, errorMsg.String
		if temp.Valid {
			t := temp.Float64
			rec.Temperature = &t
		}
		if filesJSON.Valid {
			if err := json.Unmarshal([]byte(filesJSON.String), &rec.Files); err != nil {
				return nil, fmt.Errorf("unmarshal files of build %d: %w", rec.ID, err)
			}
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
