package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/fachebot/meeting-scribe/internal/audio"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateRetrying
	StateTerminated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateTerminated:
		return "terminated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer 识别流事件回调，用于指标
type Observer interface {
	StateChanged(state State)
	ResultReceived(final bool)
	StreamFailed()
}

type Options struct {
	MaxAttempts  int           // 重试窗口内允许的失败次数
	RetryWindow  time.Duration // 失败计数窗口
	Backoff      time.Duration // 初始退避
	MaxBackoff   time.Duration // 最大退避
	DrainTimeout time.Duration // 正常关闭时等待剩余结果的时间
}

// Handler 维持识别连接，把音频送入识别服务，并把结果写入 transcript.Buffer。
// Handler 是 Buffer 唯一的写者。
type Handler struct {
	dialer   Dialer
	buffer   *transcript.Buffer
	opts     Options
	observer Observer

	mu         sync.Mutex
	state      State
	attempt    int
	failures   []time.Time
	terminated chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
}

func NewHandler(dialer Dialer, buffer *transcript.Buffer, opts Options) *Handler {
	return &Handler{
		dialer:     dialer,
		buffer:     buffer,
		opts:       opts,
		terminated: make(chan struct{}),
		now:        time.Now,
		sleep:      sleepContext,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetObserver 须在 Run 之前调用
func (h *Handler) SetObserver(o Observer) {
	h.observer = o
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempt 当前重试次数，Connected 后归零
func (h *Handler) Attempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt
}

// Terminated 重连预算耗尽时关闭
func (h *Handler) Terminated() <-chan struct{} {
	return h.terminated
}

func (h *Handler) setState(state State, attempt int) {
	h.mu.Lock()
	h.state = state
	h.attempt = attempt
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.StateChanged(state)
	}
}

// Run 阻塞运行直到音频序列结束（正常关闭）、ctx 取消或重连预算耗尽。
// 预算耗尽时返回包装了 ErrStreamTerminated 的错误。
func (h *Handler) Run(ctx context.Context, chunks <-chan audio.Chunk) error {
	for {
		if ctx.Err() != nil {
			h.setState(StateClosed, 0)
			return nil
		}

		h.setState(StateConnecting, h.Attempt())
		stream, err := h.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				h.setState(StateClosed, 0)
				return nil
			}
			if err = h.retry(ctx, err); err != nil {
				return err
			}
			continue
		}

		h.setState(StateConnected, 0)
		logger.Infof("[STT] 识别连接已建立")

		finished, err := h.pump(ctx, stream, chunks)
		if finished {
			h.setState(StateClosed, 0)
			logger.Infof("[STT] 识别连接已关闭")
			return nil
		}

		if n := h.buffer.DiscardPartials(); n > 0 {
			logger.Warnf("[STT] 连接断开, 丢弃 %d 条未定稿结果", n)
		}
		if err = h.retry(ctx, err); err != nil {
			return err
		}
	}
}

// retry 记录一次失败并退避，预算耗尽时进入 Terminated
func (h *Handler) retry(ctx context.Context, cause error) error {
	if h.observer != nil {
		h.observer.StreamFailed()
	}

	now := h.now()
	h.mu.Lock()
	kept := h.failures[:0]
	for _, t := range h.failures {
		if now.Sub(t) < h.opts.RetryWindow {
			kept = append(kept, t)
		}
	}
	h.failures = append(kept, now)
	n := len(h.failures)
	h.mu.Unlock()

	if n > h.opts.MaxAttempts {
		h.setState(StateTerminated, n-1)
		close(h.terminated)
		logger.Errorf("[STT] 重连预算耗尽 (%d 次/%v), 识别流终止, %v", h.opts.MaxAttempts, h.opts.RetryWindow, cause)
		return fmt.Errorf("%w: %v", ErrStreamTerminated, cause)
	}

	delay := h.backoff(n)
	h.setState(StateRetrying, n)
	logger.Warnf("[STT] 识别连接失败, 第 %d/%d 次重试, %v 后重连, %v", n, h.opts.MaxAttempts, delay, cause)

	if err := h.sleep(ctx, delay); err != nil {
		h.setState(StateClosed, 0)
		return nil
	}
	return nil
}

// backoff 指数退避加抖动：[d/2, d)
func (h *Handler) backoff(attempt int) time.Duration {
	d := h.opts.Backoff
	for i := 1; i < attempt && d < h.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > h.opts.MaxBackoff {
		d = h.opts.MaxBackoff
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(h.rand.Int63n(int64(d-half)+1))
}

// pump 在一条连接上收发。finished 为 true 表示会话正常结束，否则连接已断开。
func (h *Handler) pump(ctx context.Context, stream Stream, chunks <-chan audio.Chunk) (finished bool, err error) {
	defer stream.Close()

	// 新连接的时间戳从零开始，以首个发送的音频块偏移为基准
	var base time.Duration
	var baseSet bool

	results := stream.Results()
	for {
		select {
		case <-ctx.Done():
			return true, nil

		case chunk, ok := <-chunks:
			if !ok {
				h.drain(stream, base)
				return true, nil
			}
			if !baseSet {
				base, baseSet = chunk.Offset, true
			}
			if err := stream.Send(chunk.Data); err != nil {
				return false, &StreamError{Op: "send", Err: err}
			}

		case r, ok := <-results:
			if !ok {
				cause := stream.Err()
				if cause == nil {
					cause = io.ErrUnexpectedEOF
				}
				return false, &StreamError{Op: "recv", Err: cause}
			}
			h.apply(r, base)
		}
	}
}

// drain 音频结束后请求服务端返回剩余结果，最多等待 DrainTimeout
func (h *Handler) drain(stream Stream, base time.Duration) {
	if err := stream.CloseSend(); err != nil {
		logger.Warnf("[STT] 发送结束标记失败, %v", err)
		return
	}

	timer := time.NewTimer(h.opts.DrainTimeout)
	defer timer.Stop()

	results := stream.Results()
	for {
		select {
		case r, ok := <-results:
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
					logger.Warnf("[STT] 等待剩余结果时连接异常, %v", err)
				}
				return
			}
			h.apply(r, base)
		case <-timer.C:
			logger.Warnf("[STT] 等待剩余结果超时 (%v)", h.opts.DrainTimeout)
			return
		}
	}
}

func (h *Handler) apply(r Result, base time.Duration) {
	ev := transcript.Event{
		SpeakerID: r.SpeakerID,
		Text:      r.Text,
		Start:     base + r.Start,
		End:       base + r.End,
		IsFinal:   r.IsFinal,
	}
	if _, ok := h.buffer.Apply(ev); !ok {
		logger.Debugf("[STT] 忽略重复的定稿结果, speaker: %s, start: %v", ev.SpeakerID, ev.Start)
	}
	if h.observer != nil {
		h.observer.ResultReceived(r.IsFinal)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
