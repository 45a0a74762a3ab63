package model

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	started_at      DATETIME NOT NULL,
	ended_at        DATETIME,
	status          TEXT NOT NULL DEFAULT 'in_progress',
	transcript_path TEXT NOT NULL,
	notes_path      TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS segments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	speaker_id TEXT NOT NULL,
	text       TEXT NOT NULL,
	start_ms   INTEGER NOT NULL,
	end_ms     INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(session_id, seq)
);

CREATE TABLE IF NOT EXISTS summaries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	revision   INTEGER NOT NULL,
	covered    INTEGER NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(session_id, revision)
);
`

// Open 打开会话索引数据库并创建表结构
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_fk=1&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}
