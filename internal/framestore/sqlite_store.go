// Package framestore keeps a log of rendered frames using SQLite.
package framestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Frame describes one rendered frame of a view.
type Frame struct {
	ViewID    string    `json:"view_id"`
	Frame     int64     `json:"frame"`
	Timepoint int       `json:"timepoint"`
	Setup     int       `json:"setup"`
	Level     int       `json:"level"`
	Z         int64     `json:"z"`
	Complete  bool      `json:"complete"`
	RenderNS  int64     `json:"render_ns"`
	IoNS      int64     `json:"io_ns"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides persistent storage for frame records.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based frame store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		view_id TEXT NOT NULL,
		frame INTEGER NOT NULL,
		timepoint INTEGER NOT NULL,
		setup INTEGER NOT NULL,
		level INTEGER NOT NULL,
		z INTEGER NOT NULL,
		complete INTEGER NOT NULL,
		render_ns INTEGER NOT NULL,
		io_ns INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frames_view ON frames(view_id, id);
	CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a frame record. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	complete := 0
	if f.Complete {
		complete = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (view_id, frame, timepoint, setup, level, z, complete, render_ns, io_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ViewID,
		f.Frame,
		f.Timepoint,
		f.Setup,
		f.Level,
		f.Z,
		complete,
		f.RenderNS,
		f.IoNS,
		f.CreatedAt.UnixNano(),
	)
	return err
}

// ListRecent returns up to limit frames of a view, newest first.
func (s *Store) ListRecent(ctx context.Context, viewID string, limit int) ([]*Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT view_id, frame, timepoint, setup, level, z, complete, render_ns, io_ns, created_at
		FROM frames WHERE view_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, viewID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []*Frame
	for rows.Next() {
		var f Frame
		var complete int
		var createdAt int64
		err := rows.Scan(
			&f.ViewID, &f.Frame,
			&f.Timepoint, &f.Setup, &f.Level, &f.Z,
			&complete, &f.RenderNS, &f.IoNS, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		f.Complete = complete != 0
		f.CreatedAt = time.Unix(0, createdAt)
		frames = append(frames, &f)
	}
	return frames, rows.Err()
}

// DeleteView removes every record of a view.
func (s *Store) DeleteView(ctx context.Context, viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE view_id = ?", viewID)
	return err
}

// DeleteOlderThan removes records created before cutoff and returns how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
