package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fachebot/meeting-scribe/internal/model"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startedAt = time.Date(2026, 3, 2, 10, 5, 0, 0, time.Local)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(NewSession(t.TempDir(), startedAt))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func notesSnapshot(revision int, bullets ...string) *summarizer.Snapshot {
	var bs []summarizer.Bullet
	for _, b := range bullets {
		bs = append(bs, summarizer.Bullet{Text: b})
	}
	return &summarizer.Snapshot{
		Document: summarizer.Document{Sections: []summarizer.Section{
			{Name: "Notes", Topics: []summarizer.Topic{{Title: "Budget", Bullets: bs}}},
		}},
		Revision: revision,
	}
}

func TestNewSession_Layout(t *testing.T) {
	sess := NewSession("out", startedAt)
	id8 := sess.ShortID()
	assert.Len(t, id8, 8)
	assert.Equal(t, filepath.Join("out", "transcripts", "transcript_20260302_1005_"+id8+".txt"), sess.TranscriptPath)
	assert.Equal(t, filepath.Join("out", "meeting_notes", "meeting_notes_20260302_1005_"+id8+".md"), sess.NotesPath)
}

func TestNewWriter_WritesPlaceholder(t *testing.T) {
	w := newTestWriter(t)
	assert.Equal(t, summarizer.PlaceholderText+"\n", readFile(t, w.Session().NotesPath))
	assert.Equal(t, "", readFile(t, w.Session().TranscriptPath))
}

func TestWriteTranscript_OnlyFinalizedLines(t *testing.T) {
	w := newTestWriter(t)
	buf := transcript.NewBuffer()

	buf.Apply(transcript.Event{SpeakerID: "A", Text: "hello", Start: 0, End: time.Second, IsFinal: true})
	buf.Apply(transcript.Event{SpeakerID: "B", Text: "hi there", Start: time.Second, End: 2 * time.Second, IsFinal: true})
	buf.Apply(transcript.Event{SpeakerID: "A", Text: "how", Start: 2 * time.Second, End: 2500 * time.Millisecond})

	n, err := w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 同一快照再写不产生新行
	n, err = w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	content := readFile(t, w.Session().TranscriptPath)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[00:00:00.000-00:00:01.000] Speaker A: hello", lines[0])
	assert.Equal(t, "[00:00:01.000-00:00:02.000] Speaker B: hi there", lines[1])
	assert.NotContains(t, content, "how")
}

func TestWriteTranscript_Appends(t *testing.T) {
	w := newTestWriter(t)
	buf := transcript.NewBuffer()

	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "one", End: time.Second})
	_, err := w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)

	buf.ApplyFinal(transcript.Event{SpeakerID: "", Text: "two", Start: time.Second, End: 2 * time.Second})
	n, err := w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, w.Written())

	content := readFile(t, w.Session().TranscriptPath)
	assert.True(t, strings.HasSuffix(content, "] Transcript: two\n"))
}

func TestWriteTranscript_AfterClose(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())

	buf := transcript.NewBuffer()
	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "late"})
	_, err := w.WriteTranscript(buf.Snapshot())

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, w.Close())
}

func TestWriteNotes_AtomicReplace(t *testing.T) {
	w := newTestWriter(t)
	path := w.Session().NotesPath

	require.NoError(t, w.WriteNotes(notesSnapshot(1, "budget approved")))
	v1 := readFile(t, path)
	assert.Contains(t, v1, "- budget approved")

	// 替换前中断：文件仍是完整的上一版
	var tmpSeen string
	w.beforeRename = func(tmp string) error {
		tmpSeen = tmp
		assert.Equal(t, v1, readFile(t, path))
		assert.Contains(t, readFile(t, tmp), "- hire two engineers")
		return errors.New("crash")
	}
	err := w.WriteNotes(notesSnapshot(2, "budget approved", "hire two engineers"))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, v1, readFile(t, path))
	_, statErr := os.Stat(tmpSeen)
	assert.True(t, os.IsNotExist(statErr), "临时文件应被清理")

	// 失败后版本未推进，下次写入重试
	w.beforeRename = nil
	require.NoError(t, w.WriteNotes(notesSnapshot(2, "budget approved", "hire two engineers")))
	v2 := readFile(t, path)
	assert.Contains(t, v2, "- hire two engineers")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteNotes_UnchangedRevisionKeepsFile(t *testing.T) {
	w := newTestWriter(t)
	path := w.Session().NotesPath

	require.NoError(t, w.WriteNotes(notesSnapshot(1, "x")))
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, w.WriteNotes(notesSnapshot(1, "x")))
	require.NoError(t, w.WriteNotes(&summarizer.Snapshot{}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "版本未变化时不应重写纪要文件")
}

// recordingSink 记录收到的副本
type recordingSink struct {
	firsts    []int
	lines     int
	revisions []int
}

func (r *recordingSink) TranscriptAppended(ctx context.Context, sess *Session, first int, events []transcript.Event) error {
	r.firsts = append(r.firsts, first)
	r.lines += len(events)
	return nil
}

func (r *recordingSink) NotesReplaced(ctx context.Context, sess *Session, snap *summarizer.Snapshot, markdown string) error {
	r.revisions = append(r.revisions, snap.Revision)
	return errors.New("mirror down")
}

func TestWriter_Sinks(t *testing.T) {
	w := newTestWriter(t)
	sink := &recordingSink{}
	w.AddSink(sink)

	buf := transcript.NewBuffer()
	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "one"})
	_, err := w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)
	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "two", Start: time.Second})
	buf.ApplyFinal(transcript.Event{SpeakerID: "B", Text: "three", Start: 2 * time.Second})
	_, err = w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)

	// 副本失败不影响落盘
	require.NoError(t, w.WriteNotes(notesSnapshot(1, "x")))

	assert.Equal(t, []int{0, 1}, sink.firsts)
	assert.Equal(t, 3, sink.lines)
	assert.Equal(t, []int{1}, sink.revisions)
}

// fakeNotes 可控的纪要来源
type fakeNotes struct {
	snap *summarizer.Snapshot
	ch   chan struct{}
}

func (f *fakeNotes) Current() *summarizer.Snapshot        { return f.snap }
func (f *fakeNotes) Subscribe() (<-chan struct{}, func()) { return f.ch, func() {} }

func TestWriter_Run(t *testing.T) {
	w := newTestWriter(t)
	buf := transcript.NewBuffer()
	notes := &fakeNotes{snap: &summarizer.Snapshot{}, ch: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, buf, notes)
		close(done)
	}()

	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "hello", End: time.Second})
	assert.Eventually(t, func() bool { return w.Written() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	db, err := model.Open(ctx, filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	defer db.Close()

	idx := NewIndex(model.NewSessionModel(db), model.NewSegmentModel(db), model.NewSummaryModel(db))
	w := newTestWriter(t)
	sess := w.Session()
	require.NoError(t, idx.Begin(ctx, sess))
	w.AddSink(idx)

	buf := transcript.NewBuffer()
	buf.ApplyFinal(transcript.Event{SpeakerID: "A", Text: "hello", End: time.Second})
	buf.ApplyFinal(transcript.Event{SpeakerID: "B", Text: "hi", Start: time.Second, End: 2 * time.Second})
	_, err = w.WriteTranscript(buf.Snapshot())
	require.NoError(t, err)
	require.NoError(t, w.WriteNotes(notesSnapshot(1, "greetings")))
	require.NoError(t, idx.End(ctx, sess, startedAt.Add(time.Hour), nil))

	segments, err := model.NewSegmentModel(db).ListBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, segments, 2)

	latest, err := model.NewSummaryModel(db).Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Revision)
	assert.Contains(t, latest.Content, "greetings")

	stored, err := model.NewSessionModel(db).GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}
