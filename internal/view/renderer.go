package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
)

// RenderError 单个视图渲染失败，不向外传播
type RenderError struct {
	View string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.View, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Observer 渲染事件回调，用于指标
type Observer interface {
	RenderFailed(view string)
}

// Renderer 按固定节奏把最新快照渲染成一帧
// 只读取快照，不持有任何生产者的锁
type Renderer[T any] struct {
	name     string
	interval time.Duration
	source   func() T
	render   func(T) (string, error)
	sink     func(name, frame string)
	observer Observer

	mu      sync.Mutex
	frame   string
	lastErr error
}

func NewRenderer[T any](name string, interval time.Duration, source func() T, render func(T) (string, error)) *Renderer[T] {
	return &Renderer[T]{
		name:     name,
		interval: interval,
		source:   source,
		render:   render,
	}
}

// SetSink 帧变化时回调，须在 Run 之前调用
func (r *Renderer[T]) SetSink(sink func(name, frame string)) {
	r.sink = sink
}

// SetObserver 须在 Run 之前调用
func (r *Renderer[T]) SetObserver(o Observer) {
	r.observer = o
}

func (r *Renderer[T]) Name() string {
	return r.name
}

// Frame 最近一次成功渲染的帧
func (r *Renderer[T]) Frame() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

// Err 最近一次渲染的错误，成功后清空
func (r *Renderer[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// RenderOnce 渲染一帧，失败时保留上一帧并返回 false
func (r *Renderer[T]) RenderOnce() bool {
	frame, err := r.safeRender()
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()

		logger.Warnf("[View] %v", err)
		if r.observer != nil {
			r.observer.RenderFailed(r.name)
		}
		return false
	}

	r.mu.Lock()
	changed := frame != r.frame
	r.frame = frame
	r.lastErr = nil
	r.mu.Unlock()

	if changed && r.sink != nil {
		r.sink(r.name, frame)
	}
	return true
}

func (r *Renderer[T]) safeRender() (frame string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &RenderError{View: r.name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	frame, err = r.render(r.source())
	if err != nil {
		return "", &RenderError{View: r.name, Err: err}
	}
	return frame, nil
}

// Run 按 interval 渲染直到 ctx 取消
func (r *Renderer[T]) Run(ctx context.Context) {
	r.RenderOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RenderOnce()
		}
	}
}
