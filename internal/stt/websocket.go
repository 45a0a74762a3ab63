package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/gorilla/websocket"
)

// WebSocketDialer 连接 Deepgram 风格的流式识别接口
type WebSocketDialer struct {
	URL         string
	APIKey      string
	Model       string
	Language    string
	SampleRate  int
	DialTimeout time.Duration
	// NetDial 非空时用于建立底层 TCP 连接（如 SOCKS5 代理）
	NetDial func(network, addr string) (net.Conn, error)
	// KeepAlive 没有音频时发送 KeepAlive 的间隔，默认 5s。
	// 服务端在约 10s 无数据后会断开，等待设备（如 AudioSocket 呼叫）时依赖它保持连接
	KeepAlive time.Duration
}

const defaultKeepAlive = 5 * time.Second

// wire format
type liveMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word    string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (d *WebSocketDialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.SampleRate))
	q.Set("channels", "1")
	q.Set("diarize", "true")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if d.Model != "" {
		q.Set("model", d.Model)
	}
	if d.Language != "" {
		q.Set("language", d.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, &StreamError{Op: "dial", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.DialTimeout,
		NetDial:          d.NetDial,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w, status: %d", err, resp.StatusCode)
		}
		return nil, &StreamError{Op: "dial", Err: err}
	}

	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	s := &wsStream{
		conn:    conn,
		results: make(chan Result, 64),
		closed:  make(chan struct{}),
	}
	s.lastSend.Store(time.Now().UnixNano())
	go s.readLoop()
	go s.keepAliveLoop(keepAlive)
	return s, nil
}

type wsStream struct {
	conn     *websocket.Conn
	results  chan Result
	writeMu  sync.Mutex
	lastSend atomic.Int64 // UnixNano
	finished atomic.Bool  // 已发送 CloseStream

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.lastSend.Store(time.Now().UnixNano())
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// keepAliveLoop 超过 interval 未发送音频时发送 KeepAlive
func (s *wsStream) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if s.finished.Load() || time.Since(time.Unix(0, s.lastSend.Load())) < interval {
				continue
			}

			s.writeMu.Lock()
			if s.finished.Load() {
				s.writeMu.Unlock()
				return
			}
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			if err == nil {
				s.lastSend.Store(time.Now().UnixNano())
			}
			s.writeMu.Unlock()
			if err != nil {
				logger.Debugf("[STT] 发送 KeepAlive 失败, %v", err)
				return
			}
		}
	}
}

func (s *wsStream) Results() <-chan Result {
	return s.results
}

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.finished.Store(true)
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}

		result, ok, err := parseLiveMessage(data)
		if err != nil {
			logger.Warnf("[STT] 解析识别结果失败, %v, %s", err, truncate(string(data), 200))
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.results <- result:
		case <-s.closed:
			return
		}
	}
}

// parseLiveMessage 只关心 Results 消息，其余类型返回 ok=false
func parseLiveMessage(data []byte) (Result, bool, error) {
	var msg liveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, false, err
	}

	switch msg.Type {
	case "Results":
	case "Error":
		logger.Warnf("[STT] 识别服务返回错误: %s %s", msg.Description, msg.Message)
		return Result{}, false, nil
	default:
		return Result{}, false, nil
	}

	if len(msg.Channel.Alternatives) == 0 {
		return Result{}, false, nil
	}
	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return Result{}, false, nil
	}

	// 以首个词的说话人作为整句的说话人
	var speaker string
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		speaker = strconv.Itoa(*alt.Words[0].Speaker)
	}

	start := secondsToDuration(msg.Start)
	return Result{
		SpeakerID: speaker,
		Text:      text,
		Start:     start,
		End:       start + secondsToDuration(msg.Duration),
		IsFinal:   msg.IsFinal,
	}, true, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
