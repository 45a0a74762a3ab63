package transcript

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sec(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func TestBuffer_Scenario(t *testing.T) {
	b := NewBuffer()

	b.Apply(Event{SpeakerID: "A", Text: "hello", Start: 0, End: sec(1), IsFinal: true})
	b.Apply(Event{SpeakerID: "B", Text: "hi there", Start: sec(1), End: sec(2), IsFinal: true})
	b.Apply(Event{SpeakerID: "A", Text: "how", Start: sec(2), End: sec(2.5)})

	snap := b.Snapshot()
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "hello", snap.Finalized[0].Text)
	assert.Equal(t, "A", snap.Finalized[0].SpeakerID)
	assert.Equal(t, "hi there", snap.Finalized[1].Text)
	assert.Equal(t, "B", snap.Finalized[1].SpeakerID)

	require.Len(t, snap.Partials, 1)
	p, ok := snap.Partial("A")
	require.True(t, ok)
	assert.Equal(t, "how", p.Text)
	assert.False(t, p.IsFinal)
}

func TestBuffer_PartialReplacedWholesale(t *testing.T) {
	b := NewBuffer()

	b.ApplyPartial(Event{SpeakerID: "0", Text: "the quick"})
	b.ApplyPartial(Event{SpeakerID: "0", Text: "the quick brown"})

	p, ok := b.Snapshot().Partial("0")
	require.True(t, ok)
	assert.Equal(t, "the quick brown", p.Text)
	assert.Equal(t, 0, b.Snapshot().Len())
}

func TestBuffer_FinalClearsPartial(t *testing.T) {
	b := NewBuffer()

	b.ApplyPartial(Event{SpeakerID: "0", Text: "draft", Start: sec(3)})
	b.ApplyPartial(Event{SpeakerID: "1", Text: "other", Start: sec(3.2)})
	b.ApplyFinal(Event{SpeakerID: "0", Text: "final text", Start: sec(3), End: sec(4)})

	snap := b.Snapshot()
	_, ok := snap.Partial("0")
	assert.False(t, ok)
	_, ok = snap.Partial("1")
	assert.True(t, ok, "其他说话人的临时结果保留")

	for _, ev := range snap.Finalized {
		assert.NotEqual(t, "draft", ev.Text)
	}
}

func TestBuffer_Ordering(t *testing.T) {
	t.Run("按到达顺序追加", func(t *testing.T) {
		b := NewBuffer()
		b.ApplyFinal(Event{SpeakerID: "0", Text: "a", Start: sec(0), End: sec(2)})
		b.ApplyFinal(Event{SpeakerID: "1", Text: "b", Start: sec(1), End: sec(3)})
		b.ApplyFinal(Event{SpeakerID: "0", Text: "c", Start: sec(2.5), End: sec(4)})

		snap := b.Snapshot()
		require.Equal(t, 3, snap.Len())
		assert.Equal(t, []string{"a", "b", "c"}, texts(snap.Finalized))
	})

	t.Run("重叠区间都保留", func(t *testing.T) {
		b := NewBuffer()
		b.ApplyFinal(Event{SpeakerID: "0", Text: "x", Start: sec(1), End: sec(5)})
		b.ApplyFinal(Event{SpeakerID: "1", Text: "y", Start: sec(2), End: sec(3)})
		assert.Equal(t, 2, b.Snapshot().Len())
	})

	t.Run("乱序起始时间只影响排序键", func(t *testing.T) {
		b := NewBuffer()
		b.ApplyFinal(Event{SpeakerID: "0", Text: "late", Start: sec(5), End: sec(6)})
		got, ok := b.ApplyFinal(Event{SpeakerID: "1", Text: "early", Start: sec(4), End: sec(4.5)})
		require.True(t, ok)
		assert.Equal(t, sec(5), got.Order)

		// 识别服务给出的时间保持不变
		assert.Equal(t, sec(4), got.Start)
		assert.Equal(t, sec(4.5), got.End)

		snap := b.Snapshot()
		assert.Equal(t, []string{"late", "early"}, texts(snap.Finalized))
		assert.Equal(t, sec(4), snap.Finalized[1].Start)
		for i := 1; i < snap.Len(); i++ {
			assert.LessOrEqual(t, snap.Finalized[i-1].Order, snap.Finalized[i].Order)
		}
	})
}

func TestBuffer_DuplicateFinalIgnored(t *testing.T) {
	b := NewBuffer()

	_, ok := b.ApplyFinal(Event{SpeakerID: "0", Text: "one", Start: sec(1), End: sec(2)})
	require.True(t, ok)
	_, ok = b.ApplyFinal(Event{SpeakerID: "0", Text: "one again", Start: sec(1), End: sec(2)})
	assert.False(t, ok)

	snap := b.Snapshot()
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, "one", snap.Finalized[0].Text)
}

func TestBuffer_DuplicateFinalClearsPartial(t *testing.T) {
	b := NewBuffer()

	_, ok := b.ApplyFinal(Event{SpeakerID: "0", Text: "one", Start: sec(1), End: sec(2)})
	require.True(t, ok)

	// 服务重发同一句：先临时结果，再重复定稿
	b.ApplyPartial(Event{SpeakerID: "0", Text: "one", Start: sec(1)})
	b.ApplyPartial(Event{SpeakerID: "1", Text: "other", Start: sec(1.5)})
	version := b.Snapshot().Version

	_, ok = b.ApplyFinal(Event{SpeakerID: "0", Text: "one", Start: sec(1), End: sec(2)})
	assert.False(t, ok)

	snap := b.Snapshot()
	_, ok = snap.Partial("0")
	assert.False(t, ok, "重复定稿也清除该说话人的临时结果")
	_, ok = snap.Partial("1")
	assert.True(t, ok)
	assert.Greater(t, snap.Version, version)
	assert.Equal(t, 1, snap.Len())
}

func TestBuffer_SnapshotImmutable(t *testing.T) {
	b := NewBuffer()
	b.ApplyFinal(Event{SpeakerID: "0", Text: "first", Start: 0})
	old := b.Snapshot()

	b.ApplyFinal(Event{SpeakerID: "0", Text: "second", Start: sec(1)})
	b.ApplyPartial(Event{SpeakerID: "1", Text: "typing"})

	assert.Equal(t, 1, old.Len())
	assert.Empty(t, old.Partials)
	assert.Less(t, old.Version, b.Snapshot().Version)

	// 追加到旧快照不会影响缓冲区
	_ = append(old.Finalized, Event{Text: "intruder"})
	assert.Equal(t, "second", b.Snapshot().Finalized[1].Text)
}

func TestBuffer_DiscardPartials(t *testing.T) {
	b := NewBuffer()
	b.ApplyFinal(Event{SpeakerID: "0", Text: "kept", Start: 0})
	b.ApplyPartial(Event{SpeakerID: "0", Text: "lost"})
	b.ApplyPartial(Event{SpeakerID: "1", Text: "lost too"})

	assert.Equal(t, 2, b.DiscardPartials())
	assert.Equal(t, 0, b.DiscardPartials())

	snap := b.Snapshot()
	assert.Empty(t, snap.Partials)
	assert.Equal(t, []string{"kept"}, texts(snap.Finalized))
}

func TestBuffer_Since(t *testing.T) {
	b := NewBuffer()
	for i, s := range []string{"a", "b", "c"} {
		b.ApplyFinal(Event{SpeakerID: "0", Text: s, Start: sec(float64(i))})
	}
	snap := b.Snapshot()

	assert.Equal(t, []string{"b", "c"}, texts(snap.Since(1)))
	assert.Nil(t, snap.Since(3))
	assert.Nil(t, snap.Since(10))
	assert.Len(t, snap.Since(-1), 3)

	var nilSnap *Snapshot
	assert.Nil(t, nilSnap.Since(0))
	assert.Equal(t, 0, nilSnap.Len())
}

func TestBuffer_Subscribe(t *testing.T) {
	b := NewBuffer()
	ch, cancel := b.Subscribe()

	// 多次变更合并为一次通知
	b.ApplyPartial(Event{SpeakerID: "0", Text: "a"})
	b.ApplyPartial(Event{SpeakerID: "0", Text: "ab"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("未收到变更通知")
	}
	select {
	case <-ch:
		t.Fatal("通知未合并")
	default:
	}

	cancel()
	b.ApplyPartial(Event{SpeakerID: "0", Text: "abc"})
	select {
	case <-ch:
		t.Fatal("取消订阅后仍收到通知")
	default:
	}
}

func TestBuffer_ConcurrentReaders(t *testing.T) {
	b := NewBuffer()
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := b.Snapshot()
				// 前缀一致：每个读者看到的定稿序列都按到达顺序连续
				for j, ev := range snap.Finalized {
					if ev.Start != sec(float64(j)) {
						t.Errorf("快照不一致: index %d start %v", j, ev.Start)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		b.ApplyFinal(Event{SpeakerID: "0", Text: "x", Start: sec(float64(i))})
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 200, b.Snapshot().Len())
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "带说话人",
			ev:   Event{SpeakerID: "1", Text: "hello", Start: 1500 * time.Millisecond, End: 62*time.Second + 30*time.Millisecond},
			want: "[00:00:01.500-00:01:02.030] Speaker 1: hello",
		},
		{
			name: "无说话人",
			ev:   Event{Text: "hi", Start: time.Hour, End: time.Hour + time.Second},
			want: "[01:00:00.000-01:00:01.000] Transcript: hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLine(tt.ev))
		})
	}
}

func texts(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Text)
	}
	return out
}
