package tune

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists trials in a sqlite database, so campaigns can be inspected after the fact.
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
	// Concurrent trials are saved from several goroutines.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

type trialPayload struct {
	Config     Config             `json:"config"`
	Objectives map[string]float64 `json:"objectives"`
	Metrics    map[string]float64 `json:"metrics"`
}

func (s *SQLiteStore) SaveTrial(ctx context.Context, campaign string, trial Trial) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(trialPayload{Config: trial.Config, Objectives: trial.Objectives, Metrics: trial.Metrics})
	if err != nil {
		return fmt.Errorf("encoding trial %d: %w", trial.Number, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO trials (id, campaign, number, status, error, started_at, duration_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign, number) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			duration_ns = excluded.duration_ns,
			payload = excluded.payload
	`, trial.ID, campaign, trial.Number, string(trial.Status), trial.Err,
		trial.Start.UTC().Format(time.RFC3339Nano), int64(trial.Duration), payload)
	return err
}

func (s *SQLiteStore) Trials(ctx context.Context, campaign string) ([]Trial, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, number, status, error, started_at, duration_ns, payload
		FROM trials WHERE campaign = ? ORDER BY number
	`, campaign)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trials := []Trial{}
	for rows.Next() {
		var (
			trial     Trial
			status    string
			startedAt string
			duration  int64
			payload   []byte
		)
		if err := rows.Scan(&trial.ID, &trial.Number, &status, &trial.Err, &startedAt, &duration, &payload); err != nil {
			return nil, err
		}
		var decoded trialPayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("decoding trial %s: %w", trial.ID, err)
		}
		start, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("decoding trial %s: %w", trial.ID, err)
		}
		trial.Status = Status(status)
		trial.Start = start
		trial.Duration = time.Duration(duration)
		trial.Config = decoded.Config
		trial.Objectives = decoded.Objectives
		trial.Metrics = decoded.Metrics
		trials = append(trials, trial)
	}
	return trials, rows.Err()
}

// Campaigns returns the identifiers of all recorded campaigns, most recent first.
func (s *SQLiteStore) Campaigns(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT campaign FROM trials GROUP BY campaign ORDER BY MAX(started_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []string{}
	for rows.Next() {
		var campaign string
		if err := rows.Scan(&campaign); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, rows.Err()
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
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trials (
			campaign TEXT NOT NULL,
			number INTEGER NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ns INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (campaign, number)
		);
	`)
	return err
}
