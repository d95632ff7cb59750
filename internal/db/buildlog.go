package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildEntry is one recorded index load.
type BuildEntry struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	DatasetPath string    `json:"dataset_path"`
	Cases       int       `json:"cases"`
	Chunks      int       `json:"chunks"`
	Reused      bool      `json:"reused"`
	OK          bool      `json:"ok"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// BuildLog records index loads and rebuilds.
type BuildLog struct {
	db *sql.DB
}

// NewBuildLog creates a BuildLog over an initialized database.
func NewBuildLog(db *sql.DB) *BuildLog {
	return &BuildLog{db: db}
}

// Record inserts e with a fresh ID and timestamp and returns the ID.
func (l *BuildLog) Record(ctx context.Context, e BuildEntry) (string, error) {
	id := uuid.New().String()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO index_builds (id, fingerprint, dataset_path, cases, chunks, reused, ok, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.Fingerprint, e.DatasetPath, e.Cases, e.Chunks, e.Reused, e.OK, e.Message, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("record index build: %w", err)
	}
	return id, nil
}

// Recent returns up to limit entries, newest first.
func (l *BuildLog) Recent(ctx context.Context, limit int) ([]BuildEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, fingerprint, dataset_path, cases, chunks, reused, ok, COALESCE(message, ''), created_at
		 FROM index_builds ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query index builds: %w", err)
	}
	defer rows.Close()

	var entries []BuildEntry
	for rows.Next() {
		var e BuildEntry
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.DatasetPath, &e.Cases, &e.Chunks,
			&e.Reused, &e.OK, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan index build: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
