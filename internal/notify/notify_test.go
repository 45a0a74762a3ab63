package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zelenin/go-tdlib/client"
)

// mockSender 模拟 TDLib 客户端
type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(req *client.SendMessageRequest) (*client.Message, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.Message), args.Error(1)
}

func newTestNotifier(sender messageSender, chatIDs ...int64) *Notifier {
	n := NewNotifier(sender, &config.Telegram{NotifyChatIds: chatIDs})
	n.parse = func(text string) *client.FormattedText {
		return &client.FormattedText{Text: text}
	}
	return n
}

func sentText(req *client.SendMessageRequest) string {
	return req.InputMessageContent.(*client.InputMessageText).Text.Text
}

func TestSplitMessage(t *testing.T) {
	n := newTestNotifier(nil)

	t.Run("短消息不拆分", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, n.splitMessage("hello"))
	})

	t.Run("按段落拆分", func(t *testing.T) {
		a := strings.Repeat("a", 3000)
		b := strings.Repeat("b", 3000)
		parts := n.splitMessage(a + "\n\n" + b)
		assert.Equal(t, []string{a, b}, parts)
	})

	t.Run("超长段落按行拆分", func(t *testing.T) {
		var lines []string
		for i := 0; i < 100; i++ {
			lines = append(lines, "• "+strings.Repeat("x", 78))
		}
		parts := n.splitMessage(strings.Join(lines, "\n"))
		require.Greater(t, len(parts), 1)

		var joined []string
		for _, p := range parts {
			assert.LessOrEqual(t, len(p), MaxMessageLength)
			joined = append(joined, strings.Split(p, "\n")...)
		}
		assert.Equal(t, lines, joined, "按行拆分不丢失内容")
	})

	t.Run("单行超长按字符截断", func(t *testing.T) {
		line := strings.Repeat("纪", 3000)
		parts := n.splitMessage(line)
		require.Len(t, parts, 3)
		for _, p := range parts {
			assert.LessOrEqual(t, len(p), MaxMessageLength)
		}
		assert.Equal(t, line, strings.Join(parts, ""))
	})
}

func TestNotify_AllChats(t *testing.T) {
	sender := new(mockSender)
	sender.On("SendMessage", mock.MatchedBy(func(req *client.SendMessageRequest) bool {
		return req.ChatId == 1
	})).Return(nil, errors.New("chat not found")).Once()
	sender.On("SendMessage", mock.MatchedBy(func(req *client.SendMessageRequest) bool {
		return req.ChatId == 2
	})).Return(&client.Message{}, nil).Once()

	n := newTestNotifier(sender, 1, 2)
	err := n.Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "chat not found")
	sender.AssertExpectations(t)
}

func TestNotify_NoChats(t *testing.T) {
	sender := new(mockSender)
	n := newTestNotifier(sender)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	sender.AssertNotCalled(t, "SendMessage", mock.Anything)
}

func TestNotifyNotes(t *testing.T) {
	startedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)

	t.Run("空纪要不发送", func(t *testing.T) {
		sender := new(mockSender)
		n := newTestNotifier(sender, 1)
		require.NoError(t, n.NotifyNotes(context.Background(), &summarizer.Snapshot{}, startedAt))
		sender.AssertNotCalled(t, "SendMessage", mock.Anything)
	})

	t.Run("发送 HTML 纪要", func(t *testing.T) {
		var sent []string
		sender := new(mockSender)
		sender.On("SendMessage", mock.Anything).Run(func(args mock.Arguments) {
			sent = append(sent, sentText(args.Get(0).(*client.SendMessageRequest)))
		}).Return(&client.Message{}, nil)

		snap := &summarizer.Snapshot{Document: summarizer.Document{Sections: []summarizer.Section{{
			Name:   "Next Steps",
			Topics: []summarizer.Topic{{Bullets: []summarizer.Bullet{{Text: "Ship <v2>"}}}},
		}}}}

		n := newTestNotifier(sender, 42)
		require.NoError(t, n.NotifyNotes(context.Background(), snap, startedAt))
		require.Len(t, sent, 1)
		assert.Contains(t, sent[0], "<b>Next Steps</b>")
		assert.Contains(t, sent[0], "• Ship &lt;v2&gt;")
		assert.Contains(t, sent[0], "2026-03-02 10:00")
	})
}

func TestSend_ContextCancelled(t *testing.T) {
	sender := new(mockSender)
	n := newTestNotifier(sender, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, 1, "hello"), context.Canceled)
	sender.AssertNotCalled(t, "SendMessage", mock.Anything)
}
