package model

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrNotFound = errors.New("not found")

type Session struct {
	ID             string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         Status
	TranscriptPath string
	NotesPath      string
	ErrorMessage   string
}

type SessionModel struct {
	db *sql.DB
}

func NewSessionModel(db *sql.DB) *SessionModel {
	return &SessionModel{db: db}
}

// Create 创建会话记录
func (m *SessionModel) Create(ctx context.Context, s *Session) error {
	now := time.Now()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, status, transcript_path, notes_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt, StatusInProgress, s.TranscriptPath, s.NotesPath, now, now)
	return err
}

// MarkCompleted 标记会话正常结束
func (m *SessionModel) MarkCompleted(ctx context.Context, id string, endedAt time.Time) error {
	return m.finish(ctx, id, StatusCompleted, endedAt, "")
}

// MarkFailed 标记会话异常结束
func (m *SessionModel) MarkFailed(ctx context.Context, id string, endedAt time.Time, errorMsg string) error {
	return m.finish(ctx, id, StatusFailed, endedAt, errorMsg)
}

func (m *SessionModel) finish(ctx context.Context, id string, status Status, endedAt time.Time, errorMsg string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		status, endedAt, errorMsg, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID 查询会话
func (m *SessionModel) GetByID(ctx context.Context, id string) (*Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, status, transcript_path, notes_path, error_message
		FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetIncomplete 查询仍处于 in_progress 的会话（上次进程异常退出）
func (m *SessionModel) GetIncomplete(ctx context.Context) ([]*Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, status, transcript_path, notes_path, error_message
		FROM sessions WHERE status = ? ORDER BY started_at ASC`, StatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var endedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.StartedAt, &endedAt, &s.Status, &s.TranscriptPath, &s.NotesPath, &s.ErrorMessage); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}
