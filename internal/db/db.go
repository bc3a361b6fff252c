package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open connects to the SQLite database and runs schema migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=1", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			original_name TEXT NOT NULL,
			stored_path TEXT NOT NULL UNIQUE,
			page_count INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			uploaded_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL CHECK(tier IN ('free','basic','premium','enterprise')),
			current_usage INTEGER NOT NULL DEFAULT 0,
			preferred_provider TEXT,
			custom_keys TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS parse_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL,
			customer_id TEXT,
			strategy TEXT NOT NULL,
			provider TEXT,
			pages_total INTEGER NOT NULL DEFAULT 0,
			pages_library INTEGER NOT NULL DEFAULT 0,
			pages_ocr INTEGER NOT NULL DEFAULT 0,
			pages_ai INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE,
			FOREIGN KEY(customer_id) REFERENCES customers(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id TEXT,
			document_id INTEGER,
			provider TEXT NOT NULL,
			pages INTEGER NOT NULL,
			api_cost REAL NOT NULL DEFAULT 0,
			customer_cost REAL NOT NULL DEFAULT 0,
			margin REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(customer_id) REFERENCES customers(id) ON DELETE SET NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_parse_results_document ON parse_results(document_id);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_customer ON usage_events(customer_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}

	return nil
}
