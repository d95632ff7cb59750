// Package db provides the SQLite store for the query-embedding cache and the
// index build log.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens a SQLite database connection at dbPath, enables WAL mode and
// foreign keys, and creates all required tables idempotently.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func createTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS query_embeddings (
			key        TEXT PRIMARY KEY,
			model      TEXT NOT NULL,
			dim        INTEGER NOT NULL,
			embedding  BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS index_builds (
			id           TEXT PRIMARY KEY,
			fingerprint  TEXT NOT NULL,
			dataset_path TEXT NOT NULL,
			cases        INTEGER NOT NULL,
			chunks       INTEGER NOT NULL,
			reused       INTEGER NOT NULL DEFAULT 0,
			ok           INTEGER NOT NULL DEFAULT 0,
			message      TEXT,
			created_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_index_builds_created ON index_builds(created_at)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return tx.Commit()
}
