package stt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrStreamTerminated = errors.New("recognition stream terminated")

// StreamError 识别连接断开或收发失败
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("recognition stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Result 识别服务返回的一条结果，时间相对于本次连接的音频起点
type Result struct {
	SpeakerID string
	Text      string
	Start     time.Duration
	End       time.Duration
	IsFinal   bool
}

// Stream 一次识别会话
type Stream interface {
	// Send 发送一段 PCM 音频
	Send(audio []byte) error
	// Results 识别结果，连接结束后关闭
	Results() <-chan Result
	// Err Results 关闭后返回结束原因，正常结束为 nil
	Err() error
	// CloseSend 通知服务端音频已发送完毕，服务端会返回剩余结果后关闭
	CloseSend() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}
