package model

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SummaryRevision struct {
	SessionID string
	Revision  int
	Covered   int
	Content   string
	CreatedAt time.Time
}

type SummaryModel struct {
	db *sql.DB
}

func NewSummaryModel(db *sql.DB) *SummaryModel {
	return &SummaryModel{db: db}
}

// CreateOrUpdate 保存一版纪要，同一会话同一版本不重复插入，已存在则更新内容
func (m *SummaryModel) CreateOrUpdate(ctx context.Context, data *SummaryRevision) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, revision, covered, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, revision) DO UPDATE SET covered = excluded.covered, content = excluded.content`,
		data.SessionID, data.Revision, data.Covered, data.Content, time.Now())
	return err
}

// Latest 返回会话最新的一版纪要
func (m *SummaryModel) Latest(ctx context.Context, sessionID string) (*SummaryRevision, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT session_id, revision, covered, content, created_at
		FROM summaries WHERE session_id = ? ORDER BY revision DESC LIMIT 1`, sessionID)

	var r SummaryRevision
	if err := row.Scan(&r.SessionID, &r.Revision, &r.Covered, &r.Content, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}
