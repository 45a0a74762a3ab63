package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

// PersistenceError 写盘失败，内存中的数据不受影响，下次写入时重试
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Sink 在落盘成功后接收副本（索引、镜像等），错误只记录日志
type Sink interface {
	TranscriptAppended(ctx context.Context, sess *Session, first int, events []transcript.Event) error
	NotesReplaced(ctx context.Context, sess *Session, snap *summarizer.Snapshot, markdown string) error
}

// Observer 写盘事件回调，用于指标
type Observer interface {
	LinesWritten(n int)
	NotesWritten()
	WriteFailed(kind string)
}

// transcriptSource 转写快照及变更通知（便于测试注入 mock）
type transcriptSource interface {
	Snapshot() *transcript.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// notesSource 纪要快照及变更通知（便于测试注入 mock）
type notesSource interface {
	Current() *summarizer.Snapshot
	Subscribe() (<-chan struct{}, func())
}

const retryInterval = time.Second

type Writer struct {
	session  *Session
	sinks    []Sink
	observer Observer

	mu            sync.Mutex
	transcript    *os.File
	written       int // 已落盘的定稿转写条数
	notesRevision int
	closed        bool

	// beforeRename 测试钩子，在临时文件写完、替换之前调用
	beforeRename func(tmp string) error
}

// NewWriter 创建输出目录，打开转写日志并写入纪要占位内容
func NewWriter(sess *Session) (*Writer, error) {
	for _, p := range []string{sess.TranscriptPath, sess.NotesPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, &PersistenceError{Op: "mkdir", Path: filepath.Dir(p), Err: err}
		}
	}

	f, err := os.OpenFile(sess.TranscriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Path: sess.TranscriptPath, Err: err}
	}

	w := &Writer{session: sess, transcript: f}
	if err := w.replaceNotes(summarizer.PlaceholderText + "\n"); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// AddSink 须在 Run 之前调用
func (w *Writer) AddSink(s Sink) {
	w.sinks = append(w.sinks, s)
}

// SetObserver 须在 Run 之前调用
func (w *Writer) SetObserver(o Observer) {
	w.observer = o
}

func (w *Writer) Session() *Session {
	return w.session
}

// Written 已落盘的定稿转写条数
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// WriteTranscript 追加快照中尚未落盘的定稿转写并 fsync，返回写入条数
// fsync 成功之后才推进进度；失败时下次重写，可能产生重复行但不会丢失
func (w *Writer) WriteTranscript(snap *transcript.Snapshot) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, &PersistenceError{Op: "write", Path: w.session.TranscriptPath, Err: os.ErrClosed}
	}

	events := snap.Since(w.written)
	if len(events) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(transcript.FormatLine(ev))
		sb.WriteByte('\n')
	}

	if _, err := w.transcript.WriteString(sb.String()); err != nil {
		w.failed("transcript")
		return 0, &PersistenceError{Op: "write", Path: w.session.TranscriptPath, Err: err}
	}
	if err := w.transcript.Sync(); err != nil {
		w.failed("transcript")
		return 0, &PersistenceError{Op: "sync", Path: w.session.TranscriptPath, Err: err}
	}

	first := w.written
	w.written += len(events)
	if w.observer != nil {
		w.observer.LinesWritten(len(events))
	}

	for _, s := range w.sinks {
		if err := s.TranscriptAppended(context.Background(), w.session, first, events); err != nil {
			logger.Warnf("[Writer] 同步转写副本失败, session: %s, %v", w.session.ShortID(), err)
		}
	}
	return len(events), nil
}

// WriteNotes 版本变化时原子替换纪要文件，版本未变则不触碰文件
func (w *Writer) WriteNotes(snap *summarizer.Snapshot) error {
	if snap == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &PersistenceError{Op: "write", Path: w.session.NotesPath, Err: os.ErrClosed}
	}
	if snap.Revision == w.notesRevision {
		return nil
	}

	content := summarizer.FormatMarkdown(snap)
	if err := w.replaceNotes(content); err != nil {
		w.failed("notes")
		return err
	}

	w.notesRevision = snap.Revision
	if w.observer != nil {
		w.observer.NotesWritten()
	}

	for _, s := range w.sinks {
		if err := s.NotesReplaced(context.Background(), w.session, snap, content); err != nil {
			logger.Warnf("[Writer] 同步纪要副本失败, session: %s, %v", w.session.ShortID(), err)
		}
	}
	return nil
}

func (w *Writer) failed(kind string) {
	if w.observer != nil {
		w.observer.WriteFailed(kind)
	}
}

// replaceNotes 写临时文件、fsync 后 rename 覆盖，读者只会看到完整的旧版或新版
func (w *Writer) replaceNotes(content string) error {
	path := w.session.NotesPath
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return &PersistenceError{Op: "write temp", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return &PersistenceError{Op: "sync temp", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &PersistenceError{Op: "close temp", Path: tmpName, Err: err}
	}

	if w.beforeRename != nil {
		if err := w.beforeRename(tmpName); err != nil {
			cleanup()
			return &PersistenceError{Op: "rename", Path: path, Err: err}
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return &PersistenceError{Op: "rename", Path: path, Err: err}
	}

	// rename 本身需要目录项落盘
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Run 跟随转写与纪要的变更写盘，直到 ctx 取消
// 写盘失败时按 retryInterval 重试
func (w *Writer) Run(ctx context.Context, transcripts transcriptSource, notes notesSource) {
	transcriptCh, cancelTranscript := transcripts.Subscribe()
	defer cancelTranscript()
	notesCh, cancelNotes := notes.Subscribe()
	defer cancelNotes()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	flush := func() {
		if _, err := w.WriteTranscript(transcripts.Snapshot()); err != nil {
			logger.Errorf("[Writer] 写入转写失败, %v", err)
		}
		if err := w.WriteNotes(notes.Current()); err != nil {
			logger.Errorf("[Writer] 写入纪要失败, %v", err)
		}
	}

	flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-transcriptCh:
			if _, err := w.WriteTranscript(transcripts.Snapshot()); err != nil {
				logger.Errorf("[Writer] 写入转写失败, %v", err)
			}
		case <-notesCh:
			if err := w.WriteNotes(notes.Current()); err != nil {
				logger.Errorf("[Writer] 写入纪要失败, %v", err)
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close 关闭转写日志，之后的写入返回 PersistenceError
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.transcript.Sync(); err != nil {
		w.transcript.Close()
		return &PersistenceError{Op: "sync", Path: w.session.TranscriptPath, Err: err}
	}
	if err := w.transcript.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: w.session.TranscriptPath, Err: err}
	}
	logger.Infof("[Writer] 会话文件已关闭, transcript: %s, notes: %s", w.session.TranscriptPath, w.session.NotesPath)
	return nil
}
