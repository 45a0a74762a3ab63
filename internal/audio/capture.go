package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
)

// Chunk 一段固定时长的 16-bit 小端 PCM 音频
type Chunk struct {
	Seq    uint64
	Data   []byte
	Offset time.Duration // 相对采集开始的偏移
}

// DeviceError 音频设备不可用或采集中断开
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Source 音频输入设备
type Source interface {
	// Open 打开设备，可能阻塞直到设备就绪
	Open(ctx context.Context) error
	// ReadChunk 阻塞读取一个音频块
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// Observer 采集事件回调，用于指标
type Observer interface {
	ChunkCaptured()
	ChunkDropped()
}

type Capture struct {
	source        Source
	queueSize     int
	chunkDuration time.Duration
	observer      Observer

	chunks  chan Chunk
	dropped atomic.Uint64

	mu      sync.Mutex
	err     error
	cancel  context.CancelFunc
	started bool
	stopped bool
	done    chan struct{}
}

func NewCapture(source Source, queueSize int, chunkDuration time.Duration) *Capture {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Capture{
		source:        source,
		queueSize:     queueSize,
		chunkDuration: chunkDuration,
		chunks:        make(chan Chunk, queueSize),
		done:          make(chan struct{}),
	}
}

// SetObserver 设置事件回调，须在 Start 之前调用
func (c *Capture) SetObserver(o Observer) {
	c.observer = o
}

// Start 启动采集协程，设备在协程内打开，不阻塞调用方。
// 打开失败时 Chunks 关闭，Err 返回 Op 为 "open" 的 DeviceError
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return errors.New("capture already started or stopped")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Chunks 音频块序列，停止或设备故障时关闭
func (c *Capture) Chunks() <-chan Chunk {
	return c.chunks
}

// Dropped 因队列已满被丢弃的音频块数
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

// Err 采集因设备故障结束时返回 DeviceError
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done 采集协程退出后关闭
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Stop 停止采集并释放设备，等待采集协程退出。
// 设备须在 ctx 取消后返回，否则 Stop 会一直等待
func (c *Capture) Stop() {
	c.mu.Lock()
	cancel, started := c.cancel, c.started
	if !started && !c.stopped {
		close(c.chunks)
		close(c.done)
	}
	c.stopped = true
	c.mu.Unlock()

	if started {
		cancel()
	}
	<-c.done
}

func (c *Capture) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.chunks)

	if err := c.source.Open(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Infof("[Capture] 等待音频设备时停止")
			return
		}
		c.mu.Lock()
		c.err = &DeviceError{Op: "open", Err: err}
		c.mu.Unlock()
		logger.Errorf("[Capture] 打开音频设备失败, %v", err)
		return
	}
	logger.Infof("[Capture] 音频采集已启动, queue: %d, chunk: %v", c.queueSize, c.chunkDuration)

	defer func() {
		if err := c.source.Close(); err != nil {
			logger.Warnf("[Capture] 关闭音频设备失败, %v", err)
		}
	}()

	var seq uint64
	for {
		if ctx.Err() != nil {
			logger.Infof("[Capture] 音频采集已停止, chunks: %d, dropped: %d", seq, c.dropped.Load())
			return
		}

		data, err := c.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.mu.Lock()
			c.err = &DeviceError{Op: "read", Err: err}
			c.mu.Unlock()
			logger.Errorf("[Capture] 音频设备读取失败, 采集结束, %v", err)
			return
		}

		chunk := Chunk{
			Seq:    seq,
			Data:   data,
			Offset: time.Duration(seq) * c.chunkDuration,
		}
		seq++
		c.push(chunk)
	}
}

// push 队列满时丢弃最旧的音频块
func (c *Capture) push(chunk Chunk) {
	for {
		select {
		case c.chunks <- chunk:
			if c.observer != nil {
				c.observer.ChunkCaptured()
			}
			return
		default:
		}

		select {
		case old := <-c.chunks:
			n := c.dropped.Add(1)
			if c.observer != nil {
				c.observer.ChunkDropped()
			}
			if n == 1 || n%50 == 0 {
				logger.Warnf("[Capture] 消费者过慢, 丢弃音频块 #%d, 累计丢弃: %d", old.Seq, n)
			}
		default:
		}
	}
}
