package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
	"github.com/robfig/cron/v3"
)

// snapshotSource 提供转写快照（便于测试注入 mock）
type snapshotSource interface {
	Snapshot() *transcript.Snapshot
}

// documentMerger 合并纪要（便于测试注入 mock）
type documentMerger interface {
	Merge(ctx context.Context, delta []transcript.Event, prev *summarizer.Snapshot) (summarizer.Document, error)
}

// Observer 调度事件回调，用于指标
type Observer interface {
	TickFinished(outcome string, elapsed time.Duration)
	DegradedChanged(degraded bool)
}

// TickResult 一次调度的结果
type TickResult struct {
	Skipped   bool // 上一次仍在进行
	Empty     bool // 没有新增定稿转写
	Submitted int  // 提交的转写条数
	Revision  int  // 成功后的纪要版本
}

type Scheduler struct {
	cron       *cron.Cron
	source     snapshotSource
	summarizer documentMerger
	config     *config.Summary
	observer   Observer
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex

	// running 保证同一时刻最多一次合并请求
	running  sync.Mutex
	failures int
	degraded atomic.Bool
	offset   atomic.Int64
	current  atomic.Pointer[summarizer.Snapshot]

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int

	now func() time.Time
}

func NewScheduler(source *transcript.Buffer, s *summarizer.Summarizer, cfg *config.Summary) *Scheduler {
	return newScheduler(source, s, cfg)
}

func newScheduler(source snapshotSource, s documentMerger, cfg *config.Summary) *Scheduler {
	sch := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{}),
			cron.SkipIfStillRunning(cronLogger{}),
		)),
		source:     source,
		summarizer: s,
		config:     cfg,
		subs:       make(map[int]chan struct{}),
		now:        time.Now,
	}
	sch.ctx, sch.cancel = context.WithCancel(context.Background())
	sch.current.Store(&summarizer.Snapshot{})
	return sch
}

// SetObserver 须在 Start 之前调用
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	spec := fmt.Sprintf("@every %ds", s.config.IntervalSeconds)
	if _, err := s.cron.AddFunc(spec, s.runTick); err != nil {
		return fmt.Errorf("注册纪要合并任务失败: %w", err)
	}

	s.cron.Start()
	logger.Infof("[Scheduler] 调度器已启动，合并间隔: %v", s.config.Interval())
	return nil
}

// Stop 停止调度器，取消进行中的合并请求并等待其返回
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Infof("[Scheduler] 调度器已停止")
}

// Current 当前纪要快照，从不为 nil
func (s *Scheduler) Current() *summarizer.Snapshot {
	return s.current.Load()
}

// Offset 已成功合并的定稿转写条数
func (s *Scheduler) Offset() int {
	return int(s.offset.Load())
}

// Degraded 连续失败次数达到上限
func (s *Scheduler) Degraded() bool {
	return s.degraded.Load()
}

// runTick cron 触发
func (s *Scheduler) runTick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		logger.Infof("[Scheduler] 任务已取消，退出")
		return
	default:
	}

	if _, err := s.Tick(ctx); err != nil {
		logger.Warnf("[Scheduler] 纪要合并失败, 下次重试: %v", err)
	}
}

// Tick 执行一次合并。上一次仍在进行时直接跳过。
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.running.TryLock() {
		logger.Debugf("[Scheduler] 上一次合并仍在进行，跳过")
		s.observe("skipped", 0)
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Unlock()

	return s.tickLocked(ctx)
}

// Final 关闭时等待进行中的合并结束，再对剩余转写做最后一次合并
func (s *Scheduler) Final(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Lock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// 锁稍后拿到时立即释放
		go func() {
			<-done
			s.running.Unlock()
		}()
		return ctx.Err()
	}
	defer s.running.Unlock()

	result, err := s.tickLocked(ctx)
	if err != nil {
		return err
	}
	if result.Empty {
		logger.Infof("[Scheduler] 没有未合并的转写，跳过最终合并")
	} else {
		logger.Infof("[Scheduler] 最终合并完成，版本: %d", result.Revision)
	}
	return nil
}

// tickLocked 调用方持有 s.running
func (s *Scheduler) tickLocked(ctx context.Context) (TickResult, error) {
	offset := s.Offset()
	delta := s.source.Snapshot().Since(offset)
	if len(delta) == 0 {
		s.observe("empty", 0)
		return TickResult{Empty: true}, nil
	}

	prev := s.Current()
	started := time.Now()
	logger.Debugf("[Scheduler] 提交新增转写 %d 条 (offset: %d, 版本: %d)", len(delta), offset, prev.Revision)

	doc, err := s.summarizer.Merge(ctx, delta, prev)
	if err != nil {
		s.observe("failed", time.Since(started))
		s.failures++
		if s.failures >= s.config.MaxConsecutiveFailures && s.config.MaxConsecutiveFailures > 0 && !s.degraded.Load() {
			s.degraded.Store(true)
			logger.Errorf("[Scheduler] 纪要合并连续失败 %d 次，进入降级模式", s.failures)
			s.notifyDegraded(true)
			s.notify()
		}
		return TickResult{}, err
	}

	next := &summarizer.Snapshot{
		Document:  doc,
		Revision:  prev.Revision + 1,
		UpdatedAt: s.now(),
		Covered:   offset + len(delta),
	}
	s.current.Store(next)
	s.offset.Store(int64(next.Covered))

	s.failures = 0
	if s.degraded.Swap(false) {
		logger.Infof("[Scheduler] 纪要合并已恢复")
		s.notifyDegraded(false)
	}

	s.observe("success", time.Since(started))
	s.notify()
	logger.Infof("[Scheduler] 纪要已更新, 版本: %d, 已覆盖转写: %d", next.Revision, next.Covered)
	return TickResult{Submitted: len(delta), Revision: next.Revision}, nil
}

func (s *Scheduler) observe(outcome string, elapsed time.Duration) {
	if s.observer != nil {
		s.observer.TickFinished(outcome, elapsed)
	}
}

func (s *Scheduler) notifyDegraded(degraded bool) {
	if s.observer != nil {
		s.observer.DegradedChanged(degraded)
	}
}

// Subscribe 订阅纪要变更通知，通道容量为 1，多次变更会合并
func (s *Scheduler) Subscribe() (<-chan struct{}, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Scheduler) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// cronLogger 将 cron 日志接入 logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debugf("[Scheduler] cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Errorf("[Scheduler] cron: %s %v, %v", msg, keysAndValues, err)
}
