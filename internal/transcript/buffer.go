// Package transcript holds the ordered transcript state shared by the pipeline.
//
// Buffer has a single writer (the recognition stream handler). Every mutation
// publishes a new immutable Snapshot; readers only ever see snapshots.
package transcript

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event 一条识别结果
type Event struct {
	SpeakerID string
	Text      string
	Start     time.Duration // 相对会话开始的偏移
	End       time.Duration
	IsFinal   bool

	// Order 定稿序列的排序键，单调不减。通常等于 Start；
	// 起始时间早于上一条定稿时取上一条的 Order，Start 本身保持识别服务给出的值
	Order time.Duration
}

// Key 唯一标识一条最终结果
type Key struct {
	SpeakerID string
	Start     time.Duration
}

func (e Event) Key() Key {
	return Key{SpeakerID: e.SpeakerID, Start: e.Start}
}

// Snapshot 某一时刻的只读视图，读者不得修改其中的切片或 map
type Snapshot struct {
	Version   uint64
	Finalized []Event
	Partials  map[string]Event
}

// Len 已定稿事件数
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Finalized)
}

// Since 返回 offset 之后的定稿事件
func (s *Snapshot) Since(offset int) []Event {
	if s == nil || offset >= len(s.Finalized) {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	return s.Finalized[offset:]
}

// Partial 返回说话人当前的临时结果
func (s *Snapshot) Partial(speakerID string) (Event, bool) {
	if s == nil {
		return Event{}, false
	}
	ev, ok := s.Partials[speakerID]
	return ev, ok
}

type Buffer struct {
	mu        sync.Mutex
	finalized []Event
	partials  map[string]Event
	seen      map[Key]struct{}
	version   uint64
	current   atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

func NewBuffer() *Buffer {
	b := &Buffer{
		partials: make(map[string]Event),
		seen:     make(map[Key]struct{}),
		subs:     make(map[int]chan struct{}),
	}
	b.current.Store(&Snapshot{Partials: map[string]Event{}})
	return b
}

// Snapshot 返回最新发布的快照，不加锁
func (b *Buffer) Snapshot() *Snapshot {
	return b.current.Load()
}

// Apply 按 IsFinal 分派
func (b *Buffer) Apply(ev Event) (Event, bool) {
	if ev.IsFinal {
		return b.ApplyFinal(ev)
	}
	b.ApplyPartial(ev)
	return ev, true
}

// ApplyPartial 整体替换该说话人的临时结果
func (b *Buffer) ApplyPartial(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.IsFinal = false
	b.partials[ev.SpeakerID] = ev
	b.publishLocked()
}

// ApplyFinal 追加一条定稿结果并清除该说话人的临时结果。
// 重复的 (SpeakerID, Start) 不会追加，只清除该说话人的临时结果，返回 false。
func (b *Buffer) ApplyFinal(ev Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ev.Key()
	if _, dup := b.seen[key]; dup {
		// 重复定稿之前可能发过同一句的临时结果
		if _, ok := b.partials[ev.SpeakerID]; ok {
			delete(b.partials, ev.SpeakerID)
			b.publishLocked()
		}
		return Event{}, false
	}
	b.seen[key] = struct{}{}

	ev.IsFinal = true
	ev.Order = ev.Start
	if n := len(b.finalized); n > 0 {
		if last := b.finalized[n-1].Order; ev.Order < last {
			ev.Order = last
		}
	}

	b.finalized = append(b.finalized, ev)
	delete(b.partials, ev.SpeakerID)
	b.publishLocked()
	return ev, true
}

// DiscardPartials 丢弃所有未定稿结果（识别流断开时调用），返回丢弃数量
func (b *Buffer) DiscardPartials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.partials)
	if n == 0 {
		return 0
	}
	b.partials = make(map[string]Event)
	b.publishLocked()
	return n
}

// publishLocked 发布新的不可变快照，调用方持有 b.mu
func (b *Buffer) publishLocked() {
	b.version++

	partials := make(map[string]Event, len(b.partials))
	for k, v := range b.partials {
		partials[k] = v
	}

	n := len(b.finalized)
	b.current.Store(&Snapshot{
		Version:   b.version,
		Finalized: b.finalized[:n:n],
		Partials:  partials,
	})
	b.notify()
}

// Subscribe 订阅变更通知。通道容量为 1，多次变更会合并，慢读者不会阻塞写者。
func (b *Buffer) Subscribe() (<-chan struct{}, func()) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	return ch, func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()
	}
}

func (b *Buffer) notify() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Label 返回用于展示的说话人标签
func Label(speakerID string) string {
	if speakerID == "" {
		return "Transcript"
	}
	return "Speaker " + speakerID
}

// FormatOffset 格式化为 HH:MM:SS.mmm
func FormatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	m := (ms / 60000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// FormatLine 转写日志中的一行
func FormatLine(ev Event) string {
	return fmt.Sprintf("[%s-%s] %s: %s", FormatOffset(ev.Start), FormatOffset(ev.End), Label(ev.SpeakerID), ev.Text)
}
