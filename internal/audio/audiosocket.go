package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/fachebot/meeting-scribe/internal/logger"
)

var ErrHangup = errors.New("call hung up")

// AudioSocketDevice 接受一路 Asterisk AudioSocket 呼叫作为输入设备。
// 呼叫的 slin 采样率须与配置的 SampleRate 一致。
type AudioSocketDevice struct {
	addr       string
	chunkBytes int

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	pending  []byte
	stop     context.CancelFunc
}

func NewAudioSocketDevice(addr string, chunkFrames int) *AudioSocketDevice {
	return &AudioSocketDevice{addr: addr, chunkBytes: chunkFrames * 2}
}

// Addr 实际监听地址
func (d *AudioSocketDevice) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Listen 开始监听，Open 前可单独调用以获取实际端口
func (d *AudioSocketDevice) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.listener = ln
	return nil
}

// Open 阻塞等待一路呼叫接入
func (d *AudioSocketDevice) Open(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	logger.Infof("[Capture] 等待 AudioSocket 呼叫, addr: %s", d.Addr())

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stop = cancel
	ln := d.listener
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.mu.Unlock()
	}()

	conn, err := ln.Accept()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	// 只接受一路呼叫
	ln.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		conn.Close()
		cancel()
		return fmt.Errorf("read call id: %w", err)
	}
	logger.Infof("[Capture] AudioSocket 呼叫已接入, id: %s, remote: %s", id, conn.RemoteAddr())

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// ReadChunk ctx 取消时通过读超时打断阻塞中的读取
func (d *AudioSocketDevice) ReadChunk(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, net.ErrClosed
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for len(d.pending) < d.chunkBytes {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrHangup
			}
			return nil, err
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			d.pending = append(d.pending, msg.Payload()...)
		case audiosocket.KindHangup:
			return nil, ErrHangup
		case audiosocket.KindError:
			return nil, fmt.Errorf("audiosocket error message: %x", msg.Payload())
		}
	}

	chunk := make([]byte, d.chunkBytes)
	copy(chunk, d.pending)
	d.pending = append(d.pending[:0], d.pending[d.chunkBytes:]...)
	return chunk, nil
}

func (d *AudioSocketDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		d.stop()
	}
	if d.conn != nil {
		d.conn.Write(audiosocket.HangupMessage())
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}
