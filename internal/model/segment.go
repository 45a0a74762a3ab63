package model

import (
	"context"
	"database/sql"
	"time"
)

type Segment struct {
	Seq       int
	SpeakerID string
	Text      string
	Start     time.Duration
	End       time.Duration
}

type SegmentModel struct {
	db *sql.DB
}

func NewSegmentModel(db *sql.DB) *SegmentModel {
	return &SegmentModel{db: db}
}

// InsertBatch 批量写入定稿转写，(session_id, seq) 已存在的忽略
func (m *SegmentModel) InsertBatch(ctx context.Context, sessionID string, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO segments (session_id, seq, speaker_id, text, start_ms, end_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, s := range segments {
		if _, err := stmt.ExecContext(ctx, sessionID, s.Seq, s.SpeakerID, s.Text, s.Start.Milliseconds(), s.End.Milliseconds(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListBySession 按顺序返回会话的转写
func (m *SegmentModel) ListBySession(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT seq, speaker_id, text, start_ms, end_ms
		FROM segments WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var s Segment
		var startMs, endMs int64
		if err := rows.Scan(&s.Seq, &s.SpeakerID, &s.Text, &startMs, &endMs); err != nil {
			return nil, err
		}
		s.Start = time.Duration(startMs) * time.Millisecond
		s.End = time.Duration(endMs) * time.Millisecond
		segments = append(segments, s)
	}
	return segments, rows.Err()
}
