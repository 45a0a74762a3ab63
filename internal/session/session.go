package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Session 一次运行对应一个会话
type Session struct {
	ID             string
	StartedAt      time.Time
	TranscriptPath string
	NotesPath      string
}

// NewSession 在 dir 下分配本次会话的转写与纪要路径
func NewSession(dir string, startedAt time.Time) *Session {
	id := uuid.New().String()
	stamp := fmt.Sprintf("%s_%s", startedAt.Format("20060102_1504"), id[:8])
	return &Session{
		ID:             id,
		StartedAt:      startedAt,
		TranscriptPath: filepath.Join(dir, "transcripts", "transcript_"+stamp+".txt"),
		NotesPath:      filepath.Join(dir, "meeting_notes", "meeting_notes_"+stamp+".md"),
	}
}

// ShortID 会话 ID 前 8 位
func (s *Session) ShortID() string {
	return s.ID[:8]
}
