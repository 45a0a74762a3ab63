package session

import (
	"context"
	"time"

	"github.com/fachebot/meeting-scribe/internal/model"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

// Index 把会话写入 SQLite 索引，文件仍是权威数据
type Index struct {
	sessions  *model.SessionModel
	segments  *model.SegmentModel
	summaries *model.SummaryModel
}

func NewIndex(sessions *model.SessionModel, segments *model.SegmentModel, summaries *model.SummaryModel) *Index {
	return &Index{sessions: sessions, segments: segments, summaries: summaries}
}

// Begin 记录会话开始
func (idx *Index) Begin(ctx context.Context, sess *Session) error {
	return idx.sessions.Create(ctx, &model.Session{
		ID:             sess.ID,
		StartedAt:      sess.StartedAt,
		TranscriptPath: sess.TranscriptPath,
		NotesPath:      sess.NotesPath,
	})
}

// End 记录会话结束，cause 非空时标记为失败
func (idx *Index) End(ctx context.Context, sess *Session, endedAt time.Time, cause error) error {
	if cause != nil {
		return idx.sessions.MarkFailed(ctx, sess.ID, endedAt, cause.Error())
	}
	return idx.sessions.MarkCompleted(ctx, sess.ID, endedAt)
}

func (idx *Index) TranscriptAppended(ctx context.Context, sess *Session, first int, events []transcript.Event) error {
	segments := make([]model.Segment, 0, len(events))
	for i, ev := range events {
		segments = append(segments, model.Segment{
			Seq:       first + i,
			SpeakerID: ev.SpeakerID,
			Text:      ev.Text,
			Start:     ev.Start,
			End:       ev.End,
		})
	}
	return idx.segments.InsertBatch(ctx, sess.ID, segments)
}

func (idx *Index) NotesReplaced(ctx context.Context, sess *Session, snap *summarizer.Snapshot, markdown string) error {
	return idx.summaries.CreateOrUpdate(ctx, &model.SummaryRevision{
		SessionID: sess.ID,
		Revision:  snap.Revision,
		Covered:   snap.Covered,
		Content:   markdown,
	})
}
