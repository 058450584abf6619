//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"coiltrain/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// One connection keeps per-connection pragmas in force and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	if err := checkVersion(run.VersionedRecord); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.CreatedAt.UnixNano(), run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) SaveScheduleState(ctx context.Context, runID string, state model.ScheduleState) error {
	if err := checkVersion(state.VersionedRecord); err != nil {
		return fmt.Errorf("save schedule state %s: %w", runID, err)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeScheduleState(state)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireRun(ctx, tx, runID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedule_states (run_id, iteration, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			iteration = excluded.iteration,
			payload = excluded.payload
	`, runID, state.Iteration, payload)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetScheduleState(ctx context.Context, runID string) (model.ScheduleState, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ScheduleState{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM schedule_states WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScheduleState{}, false, nil
		}
		return model.ScheduleState{}, false, err
	}

	state, err := DecodeScheduleState(payload)
	if err != nil {
		return model.ScheduleState{}, false, fmt.Errorf("decode schedule state %s: %w", runID, err)
	}
	return state, true, nil
}

func (s *SQLiteStore) AppendDecayEvents(ctx context.Context, runID string, events []model.DecayEvent) error {
	for _, event := range events {
		if err := checkVersion(event.VersionedRecord); err != nil {
			return fmt.Errorf("append decay events %s: %w", runID, err)
		}
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := requireRun(ctx, tx, runID); err != nil {
		return err
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM decay_events WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return err
	}
	for _, event := range events {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM decay_events WHERE run_id = ? AND iteration = ? AND trigger_type = ?
		`, runID, event.Iteration, string(event.Trigger)).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		payload, err := EncodeDecayEvent(event)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO decay_events (run_id, seq, iteration, trigger_type, payload)
			VALUES (?, ?, ?, ?, ?)
		`, runID, next, event.Iteration, string(event.Trigger), payload)
		if err != nil {
			return err
		}
		next++
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDecayEvents(ctx context.Context, runID string) ([]model.DecayEvent, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if err := requireRun(ctx, db, runID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT seq, payload FROM decay_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.DecayEvent{}
	for rows.Next() {
		var (
			seq     int
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		event, err := DecodeDecayEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("decode decay event %s/%d: %w", runID, seq, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireRun(ctx context.Context, q queryer, runID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return err
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS schedule_states (
			run_id TEXT PRIMARY KEY REFERENCES runs(id),
			iteration INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS decay_events (
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			trigger_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}
