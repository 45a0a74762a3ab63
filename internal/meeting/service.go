package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fachebot/meeting-scribe/internal/audio"
	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/metrics"
	"github.com/fachebot/meeting-scribe/internal/mirror"
	"github.com/fachebot/meeting-scribe/internal/scheduler"
	"github.com/fachebot/meeting-scribe/internal/session"
	"github.com/fachebot/meeting-scribe/internal/stt"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
	"github.com/fachebot/meeting-scribe/internal/view"
)

// notesNotifier 会议结束后投递纪要（便于测试注入 mock）
type notesNotifier interface {
	NotifyNotes(ctx context.Context, snap *summarizer.Snapshot, startedAt time.Time) error
}

// Deps 组装一次会议所需的组件，可选项为 nil 时不启用
type Deps struct {
	Config     *config.Config
	Source     audio.Source
	Dialer     stt.Dialer
	Summarizer *summarizer.Summarizer

	Metrics    *metrics.Metrics
	Index      *session.Index
	Mirror     *mirror.Mirror
	Notifier   notesNotifier
	FrameSink  func(name, frame string)
	StatusSink func(text string)
}

// Status 会议运行状态
type Status struct {
	SessionID        string    `json:"session_id"`
	StartedAt        time.Time `json:"started_at"`
	Stream           string    `json:"stream"`
	StreamTerminated bool      `json:"stream_terminated"`
	DeviceLost       bool      `json:"device_lost"`
	SummaryDegraded  bool      `json:"summary_degraded"`
	Finalized        int       `json:"finalized"`
	Summarized       int       `json:"summarized"`
	Revision         int       `json:"revision"`
	DroppedChunks    uint64    `json:"dropped_chunks"`
	TranscriptPath   string    `json:"transcript_path"`
	NotesPath        string    `json:"notes_path"`
}

// Service 驱动一次会议：采集 → 识别 → 转写缓冲 → {视图, 写盘, 纪要}
type Service struct {
	config   *config.Config
	deps     Deps
	session  *session.Session
	buffer   *transcript.Buffer
	capture  *audio.Capture
	handler  *stt.Handler
	sched    *scheduler.Scheduler
	writer   *session.Writer
	renderT  *view.Renderer[*transcript.Snapshot]
	renderS  *view.Renderer[view.SummaryState]

	mu         sync.Mutex
	deviceErr  error
	streamErr  error
	deviceLost bool
	terminated bool

	sttDone    chan struct{}
	writerDone chan struct{}
	viewsDone  chan struct{}
	done       chan struct{}
	doneOnce   sync.Once

	cancelSTT    context.CancelFunc
	cancelWriter context.CancelFunc
	cancelViews  context.CancelFunc
	cancelWatch  context.CancelFunc

	shutdownOnce sync.Once
}

// NewService 创建会话目录与文件，组件尚未启动
func NewService(d Deps) (*Service, error) {
	c := d.Config
	sess := session.NewSession(c.Output.Dir, time.Now())

	writer, err := session.NewWriter(sess)
	if err != nil {
		return nil, fmt.Errorf("创建会话文件失败: %w", err)
	}

	buffer := transcript.NewBuffer()
	capture := audio.NewCapture(d.Source, c.Audio.QueueSize, c.Audio.ChunkDuration())
	handler := stt.NewHandler(d.Dialer, buffer, stt.Options{
		MaxAttempts:  c.Recognizer.MaxAttempts,
		RetryWindow:  c.Recognizer.RetryWindow(),
		Backoff:      c.Recognizer.Backoff(),
		MaxBackoff:   c.Recognizer.MaxBackoff(),
		DrainTimeout: c.Recognizer.DrainTimeout(),
	})
	sched := scheduler.NewScheduler(buffer, d.Summarizer, &c.Summary)

	s := &Service{
		config:     c,
		deps:       d,
		session:    sess,
		buffer:     buffer,
		capture:    capture,
		handler:    handler,
		sched:      sched,
		writer:     writer,
		sttDone:    make(chan struct{}),
		writerDone: make(chan struct{}),
		viewsDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.renderT = view.NewRenderer(view.TranscriptView, c.UI.TranscriptRefresh(), buffer.Snapshot, view.TranscriptFrame)
	s.renderS = view.NewRenderer(view.SummaryView, c.UI.SummaryRefresh(), s.summaryState, view.SummaryFrame)

	if d.Metrics != nil {
		capture.SetObserver(d.Metrics)
		handler.SetObserver(d.Metrics)
		sched.SetObserver(d.Metrics)
		writer.SetObserver(d.Metrics)
		s.renderT.SetObserver(d.Metrics)
		s.renderS.SetObserver(d.Metrics)
	}
	if d.FrameSink != nil {
		s.renderT.SetSink(d.FrameSink)
		s.renderS.SetSink(d.FrameSink)
	}
	if d.Index != nil {
		writer.AddSink(d.Index)
	}
	if d.Mirror != nil {
		writer.AddSink(d.Mirror)
	}

	return s, nil
}

func (s *Service) Session() *session.Session {
	return s.session
}

// Buffer 只读使用
func (s *Service) Buffer() *transcript.Buffer {
	return s.buffer
}

// Scheduler 只读使用
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

func (s *Service) TranscriptSnapshot() *transcript.Snapshot {
	return s.buffer.Snapshot()
}

func (s *Service) SummarySnapshot() *summarizer.Snapshot {
	return s.sched.Current()
}

func (s *Service) StartedAt() time.Time {
	return s.session.StartedAt
}

// Done 采集设备丢失且识别重连预算耗尽时关闭，会话无法继续
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Start 启动全部组件，不等待音频设备就绪。采集设备打不开时进入仅纪要模式
func (s *Service) Start(ctx context.Context) error {
	logger.Infof("[Meeting] 会话开始, id: %s, transcript: %s, notes: %s",
		s.session.ID, s.session.TranscriptPath, s.session.NotesPath)

	if s.deps.Index != nil {
		if err := s.deps.Index.Begin(ctx, s.session); err != nil {
			logger.Warnf("[Meeting] 写入会话索引失败, %v", err)
		}
	}
	if s.deps.Mirror != nil {
		if err := s.deps.Mirror.Begin(ctx, s.session); err != nil {
			logger.Warnf("[Meeting] 同步会话到 Redis 失败, %v", err)
		}
	}

	if err := s.sched.Start(); err != nil {
		return err
	}

	// 设备在采集协程内打开（AudioSocket 需等待呼叫接入），打开失败由 watch 处理
	if err := s.capture.Start(context.Background()); err != nil {
		return err
	}

	sttCtx, cancelSTT := context.WithCancel(context.Background())
	s.cancelSTT = cancelSTT
	go func() {
		defer close(s.sttDone)
		if err := s.handler.Run(sttCtx, s.capture.Chunks()); err != nil {
			s.mu.Lock()
			s.streamErr = err
			s.mu.Unlock()
			logger.Errorf("[Meeting] %v", err)
		}
	}()

	writerCtx, cancelWriter := context.WithCancel(context.Background())
	s.cancelWriter = cancelWriter
	go func() {
		defer close(s.writerDone)
		s.writer.Run(writerCtx, s.buffer, s.sched)
	}()

	viewsCtx, cancelViews := context.WithCancel(context.Background())
	s.cancelViews = cancelViews
	go func() {
		defer close(s.viewsDone)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.renderT.Run(viewsCtx) }()
		go func() { defer wg.Done(); s.renderS.Run(viewsCtx) }()
		wg.Wait()
	}()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	s.cancelWatch = cancelWatch
	go s.watch(watchCtx)

	return nil
}

// watch 跟踪设备丢失与识别终止，刷新状态栏
func (s *Service) watch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	captureDone := s.capture.Done()
	terminated := s.handler.Terminated()

	for {
		select {
		case <-ctx.Done():
			return

		case <-captureDone:
			captureDone = nil
			if err := s.capture.Err(); err != nil {
				s.mu.Lock()
				s.deviceErr = err
				s.deviceLost = true
				s.mu.Unlock()
				logger.Errorf("[Meeting] 音频设备不可用, 进入仅纪要模式, %v", err)
			}
			s.checkEnded()

		case <-terminated:
			terminated = nil
			s.mu.Lock()
			s.terminated = true
			s.mu.Unlock()
			logger.Errorf("[Meeting] 识别连接重试耗尽, 停止采集, 进入仅纪要模式")
			go s.capture.Stop()
			s.checkEnded()

		case <-ticker.C:
			if s.deps.StatusSink != nil {
				s.deps.StatusSink(s.statusLine())
			}
		}
	}
}

func (s *Service) checkEnded() {
	s.mu.Lock()
	ended := s.deviceLost && s.terminated
	s.mu.Unlock()

	if ended {
		logger.Errorf("[Meeting] 音频设备与识别连接均已丢失, 会话结束")
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// Status 当前运行状态
func (s *Service) Status() Status {
	s.mu.Lock()
	deviceLost, terminated := s.deviceLost, s.terminated
	s.mu.Unlock()

	current := s.sched.Current()
	return Status{
		SessionID:        s.session.ID,
		StartedAt:        s.session.StartedAt,
		Stream:           s.handler.State().String(),
		StreamTerminated: terminated,
		DeviceLost:       deviceLost,
		SummaryDegraded:  s.sched.Degraded(),
		Finalized:        s.buffer.Snapshot().Len(),
		Summarized:       s.sched.Offset(),
		Revision:         current.Revision,
		DroppedChunks:    s.capture.Dropped(),
		TranscriptPath:   s.session.TranscriptPath,
		NotesPath:        s.session.NotesPath,
	}
}

func (s *Service) statusLine() string {
	st := s.Status()
	return fmt.Sprintf("session %s | stream: %s | lines: %d | summarized: %d | rev: %d | dropped: %d",
		s.session.ShortID(), st.Stream, st.Finalized, st.Summarized, st.Revision, st.DroppedChunks)
}

// banner 降级提示
func (s *Service) banner() string {
	st := s.Status()

	var parts []string
	if st.DeviceLost {
		parts = append(parts, "Audio device lost, summary-only mode")
	}
	if st.StreamTerminated {
		parts = append(parts, "Speech stream lost, summary-only mode")
	}
	if st.SummaryDegraded {
		parts = append(parts, "Summarizer degraded, retrying")
	}
	return strings.Join(parts, " | ")
}

func (s *Service) summaryState() view.SummaryState {
	return view.SummaryState{Snapshot: s.sched.Current(), Banner: s.banner()}
}

// Shutdown 按顺序关闭：停止采集 → 识别收尾 → 最后一次纪要 → 写盘并关闭文件 → 停止视图
// 每一步失败只记录日志，不阻塞后续步骤
func (s *Service) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.shutdown(ctx)
	})
}

func (s *Service) shutdown(ctx context.Context) {
	logger.Infof("[Meeting] 正在结束会话...")
	if s.cancelSTT == nil {
		// 未启动
		if err := s.writer.Close(); err != nil {
			logger.Errorf("[Meeting] 关闭会话文件失败, %v", err)
		}
		return
	}
	s.cancelWatch()

	// 1. 停止采集，释放设备；音频序列关闭后识别连接开始收尾
	stopped := make(chan struct{})
	go func() {
		s.capture.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warnf("[Meeting] 停止音频采集超时, 跳过, %v", ctx.Err())
	}

	// 2. 等待识别收尾，超时则强制断开
	drainWait := s.config.Recognizer.DrainTimeout() + 2*time.Second
	select {
	case <-s.sttDone:
	case <-time.After(drainWait):
		logger.Warnf("[Meeting] 识别连接收尾超时 (%v), 强制断开", drainWait)
		s.cancelSTT()
		<-s.sttDone
	case <-ctx.Done():
		logger.Warnf("[Meeting] 识别连接收尾被取消, %v", ctx.Err())
		s.cancelSTT()
		<-s.sttDone
	}
	s.cancelSTT()

	// 3. 停止定时合并，处理剩余转写
	s.sched.Stop()
	finalCtx, cancel := context.WithTimeout(ctx, s.config.LLM.Timeout())
	if err := s.sched.Final(finalCtx); err != nil {
		logger.Errorf("[Meeting] 最后一次纪要合并失败, 保留上一版纪要, %v", err)
	}
	cancel()

	// 4. 写盘并关闭文件
	s.cancelWriter()
	<-s.writerDone
	if _, err := s.writer.WriteTranscript(s.buffer.Snapshot()); err != nil {
		logger.Errorf("[Meeting] 写入剩余转写失败, %v", err)
	}
	if err := s.writer.WriteNotes(s.sched.Current()); err != nil {
		logger.Errorf("[Meeting] 写入最终纪要失败, %v", err)
	}
	if err := s.writer.Close(); err != nil {
		logger.Errorf("[Meeting] 关闭会话文件失败, %v", err)
	}
	s.finishIndex(ctx)

	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.NotifyNotes(ctx, s.sched.Current(), s.session.StartedAt); err != nil {
			logger.Errorf("[Meeting] 发送最终纪要失败, %v", err)
		}
	}

	// 5. 最后渲染一帧后停止视图
	s.renderT.RenderOnce()
	s.renderS.RenderOnce()
	s.cancelViews()
	<-s.viewsDone

	logger.Infof("[Meeting] 会话已结束, transcript: %s, notes: %s", s.session.TranscriptPath, s.session.NotesPath)
}

// cause 会话是否异常结束
func (s *Service) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.deviceErr != nil {
		errs = append(errs, s.deviceErr)
	}
	if s.streamErr != nil {
		errs = append(errs, s.streamErr)
	}
	return errors.Join(errs...)
}

func (s *Service) finishIndex(ctx context.Context) {
	cause := s.cause()
	endedAt := time.Now()

	if s.deps.Index != nil {
		if err := s.deps.Index.End(ctx, s.session, endedAt, cause); err != nil {
			logger.Warnf("[Meeting] 更新会话索引失败, %v", err)
		}
	}
	if s.deps.Mirror != nil {
		status := "completed"
		if cause != nil {
			status = "failed"
		}
		if err := s.deps.Mirror.End(ctx, s.session, status); err != nil {
			logger.Warnf("[Meeting] 同步会话状态到 Redis 失败, %v", err)
		}
	}
}
