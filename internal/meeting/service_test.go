package meeting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fachebot/meeting-scribe/internal/audio"
	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/llm"
	"github.com/fachebot/meeting-scribe/internal/stt"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const notesJSON = `{"sections":[{"name":"Notes","topics":[{"title":"Budget","bullets":[{"text":"budget approved"}]}]}]}`

// fakeSource 每 5ms 产出一个音频块
type fakeSource struct {
	openErr error
}

func (s *fakeSource) Open(ctx context.Context) error { return s.openErr }

func (s *fakeSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return make([]byte, 320), nil
	}
}

func (s *fakeSource) Close() error { return nil }

// stuckSource Open 忽略 ctx，直到 release 关闭才返回
type stuckSource struct {
	release chan struct{}
}

func (s *stuckSource) Open(ctx context.Context) error {
	<-s.release
	return nil
}

func (s *stuckSource) ReadChunk(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stuckSource) Close() error { return nil }

// scriptedStream 首次收到音频时返回一条定稿，CloseSend 后再返回一条
type scriptedStream struct {
	results   chan stt.Result
	first     sync.Once
	closeOnce sync.Once
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{results: make(chan stt.Result, 4)}
}

func (s *scriptedStream) Send(data []byte) error {
	s.first.Do(func() {
		s.results <- stt.Result{SpeakerID: "A", Text: "budget approved", End: time.Second, IsFinal: true}
	})
	return nil
}

func (s *scriptedStream) Results() <-chan stt.Result { return s.results }
func (s *scriptedStream) Err() error                 { return nil }

func (s *scriptedStream) CloseSend() error {
	s.closeOnce.Do(func() {
		s.results <- stt.Result{SpeakerID: "B", Text: "next steps agreed", Start: 2 * time.Second, End: 3 * time.Second, IsFinal: true}
		close(s.results)
	})
	return nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedDialer struct {
	err error
}

func (d *scriptedDialer) Dial(ctx context.Context) (stt.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return newScriptedStream(), nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyNotes(ctx context.Context, snap *summarizer.Snapshot, startedAt time.Time) error {
	args := m.Called(ctx, snap, startedAt)
	return args.Error(0)
}

// newLLMServer 兼容 OpenAI 的假端点，始终返回同一份纪要
func newLLMServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		reply := `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":` +
			quote(notesJSON) + `},"finish_reason":"stop"}]}`
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func testConfig(t *testing.T, llmURL string) *config.Config {
	c := &config.Config{
		LLM:     config.LLM{BaseURL: llmURL + "/v1", Model: "test", MaxTokens: 8000, TimeoutSeconds: 5},
		Summary: config.Summary{IntervalSeconds: 3600},
		Output:  config.Output{Dir: t.TempDir()},
		UI:      config.UI{TranscriptRefreshMillis: 10, SummaryRefreshMillis: 10},
		Recognizer: config.Recognizer{
			MaxAttempts:        1,
			BackoffMillis:      1,
			MaxBackoffMillis:   2,
			DrainTimeoutSecond: 1,
		},
	}
	c.ApplyDefaults()
	return c
}

func newTestService(t *testing.T, source audio.Source, dialer stt.Dialer, notifier notesNotifier) (*Service, *atomic.Int32) {
	var calls atomic.Int32
	srv := newLLMServer(t, &calls)
	c := testConfig(t, srv.URL)

	client := llm.NewClient(&c.LLM, nil, "## Notes")
	svc, err := NewService(Deps{
		Config:     c,
		Source:     source,
		Dialer:     dialer,
		Summarizer: summarizer.NewSummarizer(client, nil),
		Notifier:   notifier,
	})
	require.NoError(t, err)
	return svc, &calls
}

func TestService_Pipeline(t *testing.T) {
	notifier := new(mockNotifier)
	notifier.On("NotifyNotes", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	frames := make(map[string]string)
	var framesMu sync.Mutex

	svc, calls := newTestService(t, &fakeSource{}, &scriptedDialer{}, notifier)
	svc.renderT.SetSink(func(name, frame string) {
		framesMu.Lock()
		frames[name] = frame
		framesMu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return svc.Buffer().Snapshot().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 写盘跟随转写
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(svc.Session().TranscriptPath)
		return err == nil && strings.Contains(string(data), "budget approved")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		framesMu.Lock()
		defer framesMu.Unlock()
		return strings.Contains(frames["transcript"], "budget approved")
	}, 2*time.Second, 10*time.Millisecond)

	st := svc.Status()
	assert.Equal(t, "connected", st.Stream)
	assert.False(t, st.DeviceLost)
	assert.Equal(t, 0, st.Revision)

	svc.Shutdown(context.Background())

	// 收尾结果也被写入
	data, err := os.ReadFile(svc.Session().TranscriptPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "budget approved")
	assert.Contains(t, lines[1], "next steps agreed")

	// 最终合并只调用一次
	assert.Equal(t, int32(1), calls.Load())
	notes, err := os.ReadFile(svc.Session().NotesPath)
	require.NoError(t, err)
	assert.Contains(t, string(notes), "budget approved")

	st = svc.Status()
	assert.Equal(t, 1, st.Revision)
	assert.Equal(t, 2, st.Summarized)
	assert.Equal(t, "closed", st.Stream)

	notifier.AssertNumberOfCalls(t, "NotifyNotes", 1)

	// 重复调用无副作用
	svc.Shutdown(context.Background())
	notifier.AssertNumberOfCalls(t, "NotifyNotes", 1)
}

func TestService_DeviceOpenFails(t *testing.T) {
	svc, calls := newTestService(t, &fakeSource{openErr: errors.New("no such device")}, &scriptedDialer{}, nil)
	require.NoError(t, svc.Start(context.Background()))

	// 设备在采集协程内打开，失败稍后上报
	assert.Eventually(t, func() bool {
		return svc.Status().DeviceLost
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, svc.banner(), "Audio device lost")

	// 音频序列已关闭，识别连接正常收尾，会话不结束
	select {
	case <-svc.Done():
		t.Fatal("会话不应结束")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, svc.Status().StreamTerminated)

	svc.Shutdown(context.Background())

	// 收尾返回的定稿仍然进入纪要
	assert.Equal(t, 1, svc.Status().Finalized)
	assert.Equal(t, int32(1), calls.Load())
	notes, err := os.ReadFile(svc.Session().NotesPath)
	require.NoError(t, err)
	assert.Contains(t, string(notes), "budget approved")
	assert.ErrorContains(t, svc.cause(), "no such device")
}

func TestService_EndsWhenDeviceAndStreamLost(t *testing.T) {
	svc, _ := newTestService(t,
		&fakeSource{openErr: errors.New("no such device")},
		&scriptedDialer{err: errors.New("connection refused")},
		nil,
	)
	require.NoError(t, svc.Start(context.Background()))

	select {
	case <-svc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("会话应当结束")
	}

	st := svc.Status()
	assert.True(t, st.DeviceLost)
	assert.True(t, st.StreamTerminated)
	assert.Equal(t, "terminated", st.Stream)

	svc.Shutdown(context.Background())
	err := svc.cause()
	assert.ErrorIs(t, err, stt.ErrStreamTerminated)
}

func TestService_StreamTerminatedStopsCapture(t *testing.T) {
	svc, _ := newTestService(t, &fakeSource{}, &scriptedDialer{err: errors.New("connection refused")}, nil)
	require.NoError(t, svc.Start(context.Background()))

	select {
	case <-svc.capture.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("采集应当停止")
	}

	assert.Eventually(t, func() bool {
		return svc.Status().StreamTerminated
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, svc.banner(), "Speech stream lost")

	// 设备正常关闭不算丢失
	select {
	case <-svc.Done():
		t.Fatal("会话不应结束")
	case <-time.After(50 * time.Millisecond):
	}

	svc.Shutdown(context.Background())
}

func TestService_StartAndShutdownWithStuckDevice(t *testing.T) {
	source := &stuckSource{release: make(chan struct{})}
	t.Cleanup(func() { close(source.release) })

	svc, _ := newTestService(t, source, &scriptedDialer{}, nil)

	// 设备未就绪时 Start 立即返回
	started := make(chan error, 1)
	go func() { started <- svc.Start(context.Background()) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start 不应等待设备")
	}
	assert.False(t, svc.Status().DeviceLost)

	// Shutdown 遵守调用方的截止时间
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	begin := time.Now()
	done := make(chan struct{})
	go func() {
		svc.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown 应当在截止时间后返回")
	}
	assert.Less(t, time.Since(begin), 2*time.Second)

	// 会话文件仍然落盘
	_, err := os.Stat(svc.Session().NotesPath)
	assert.NoError(t, err)
}
