package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artbot/artbot/internal/job"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Records and Staging.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			job_id        TEXT PRIMARY KEY,
			timestamp     INTEGER NOT NULL,
			params        TEXT NOT NULL,
			seed          TEXT NOT NULL DEFAULT '',
			base64_string TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_images_timestamp ON images(timestamp);

		CREATE TABLE IF NOT EXISTS staged_prompt (
			slot      INTEGER PRIMARY KEY CHECK (slot = 1),
			params    TEXT NOT NULL,
			staged_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, rec *job.CompletedImageRecord) (bool, error) {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return false, fmt.Errorf("encode params for %s: %w", rec.JobID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO images (job_id, timestamp, params, seed, base64_string)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, rec.JobID, rec.Timestamp.UnixMilli(), string(params), rec.Seed, rec.Base64String)
	if err != nil {
		return false, fmt.Errorf("put image %s: %w", rec.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put image %s: %w", rec.JobID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*job.CompletedImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, timestamp, params, seed, base64_string
		FROM images WHERE job_id = ?
	`, jobID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", jobID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete image %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete image %s: %w", jobID, err)
	}
	return n > 0, nil
}

// List returns all records ordered by timestamp DESC.
func (s *SQLiteStore) List(ctx context.Context) ([]*job.CompletedImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, timestamp, params, seed, base64_string
		FROM images
		ORDER BY timestamp DESC, job_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var recs []*job.CompletedImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return recs, nil
}

// Stage replaces whatever parameter set was staged before.
func (s *SQLiteStore) Stage(ctx context.Context, p job.Params) error {
	params, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode staged params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staged_prompt (slot, params, staged_at) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET params = excluded.params, staged_at = excluded.staged_at
	`, string(params), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("stage params: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Staged(ctx context.Context) (*job.Params, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT params FROM staged_prompt WHERE slot = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staged params: %w", err)
	}
	var p job.Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode staged params: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) ClearStaged(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged_prompt`); err != nil {
		return fmt.Errorf("clear staged params: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*job.CompletedImageRecord, error) {
	rec := &job.CompletedImageRecord{}
	var ts int64
	var params string
	if err := sc.Scan(&rec.JobID, &ts, &params, &rec.Seed, &rec.Base64String); err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(ts).UTC()
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", rec.JobID, err)
	}
	return rec, nil
}
