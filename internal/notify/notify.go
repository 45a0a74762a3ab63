package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/zelenin/go-tdlib/client"
)

const (
	MaxMessageLength = 4000 // Telegram 消息最大长度，留出实体余量
)

// messageSender 发送消息（便于测试注入 mock）
type messageSender interface {
	SendMessage(req *client.SendMessageRequest) (*client.Message, error)
}

type Notifier struct {
	tdClient messageSender
	config   *config.Telegram
	parse    func(text string) *client.FormattedText
}

func NewNotifier(tdClient messageSender, cfg *config.Telegram) *Notifier {
	return &Notifier{
		tdClient: tdClient,
		config:   cfg,
		parse:    parseHTMLText,
	}
}

// NotifyNotes 会议结束后把最终纪要发送到 NotifyChatIds
func (n *Notifier) NotifyNotes(ctx context.Context, snap *summarizer.Snapshot, startedAt time.Time) error {
	content := summarizer.FormatTelegramHTML(snap, startedAt)
	if content == "" {
		logger.Infof("[Notify] 纪要为空，跳过发送")
		return nil
	}
	return n.Notify(ctx, content)
}

// Notify 发送到所有 NotifyChatIds，单个聊天失败不影响其他聊天
func (n *Notifier) Notify(ctx context.Context, content string) error {
	if content == "" {
		return nil
	}
	if len(n.config.NotifyChatIds) == 0 {
		logger.Warnf("[Notify] 未配置通知聊天ID")
		return nil
	}

	var firstErr error
	for _, chatID := range n.config.NotifyChatIds {
		if err := n.Send(ctx, chatID, content); err != nil {
			logger.Errorf("[Notify] %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Send 拆分后逐条发送 HTML 文本到指定聊天
func (n *Notifier) Send(ctx context.Context, chatID int64, content string) error {
	for _, msg := range n.splitMessage(content) {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := n.tdClient.SendMessage(&client.SendMessageRequest{
			ChatId: chatID,
			InputMessageContent: &client.InputMessageText{
				Text: n.parse(msg),
			},
		})
		if err != nil {
			return fmt.Errorf("发送消息到聊天 %d 失败: %w", chatID, err)
		}
		logger.Infof("[Notify] 已发送消息到聊天 %d", chatID)
	}
	return nil
}

// parseHTMLText 使用 TDLib 的 HTML 解析能力，将 HTML 文本转换为带实体的 FormattedText。
// 支持的 HTML 标签：<b>粗体</b>、<i>斜体</i>、<pre>预格式</pre>
func parseHTMLText(text string) *client.FormattedText {
	if text == "" {
		return &client.FormattedText{Text: text}
	}

	formatted, err := client.ParseTextEntities(&client.ParseTextEntitiesRequest{
		Text:      text,
		ParseMode: &client.TextParseModeHTML{},
	})
	if err != nil {
		logger.Warnf("[Notify] 解析 HTML 文本失败，回退为纯文本发送: %v", err)
		return &client.FormattedText{Text: text}
	}
	return formatted
}

// splitMessage 将消息按长度拆分为多条
// 先按段落，再按行，单行仍超长时按字符截断；纪要的 HTML 标签不跨行，按行拆分不会破坏标签
func (n *Notifier) splitMessage(content string) []string {
	if len(content) <= MaxMessageLength {
		return []string{content}
	}

	paragraphs := strings.Split(content, "\n\n")

	messages := make([]string, 0)
	currentMsg := ""

	flush := func() {
		if currentMsg != "" {
			messages = append(messages, currentMsg)
			currentMsg = ""
		}
	}
	appendPart := func(part, sep string) {
		if currentMsg == "" {
			currentMsg = part
			return
		}
		if len(currentMsg)+len(sep)+len(part) <= MaxMessageLength {
			currentMsg += sep + part
			return
		}
		flush()
		currentMsg = part
	}

	for _, para := range paragraphs {
		para = strings.Trim(para, "\n")
		if para == "" {
			continue
		}

		if len(para) <= MaxMessageLength {
			appendPart(para, "\n\n")
			continue
		}

		// 单个段落超长，按行拆分
		sep := "\n\n"
		for _, line := range strings.Split(para, "\n") {
			for _, piece := range splitRunes(line, MaxMessageLength) {
				appendPart(piece, sep)
				sep = "\n"
			}
		}
	}
	flush()

	return messages
}

// splitRunes 按字节上限切分，不切断 UTF-8 字符
func splitRunes(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}

	var parts []string
	var sb strings.Builder
	for _, r := range s {
		if sb.Len()+len(string(r)) > limit {
			parts = append(parts, sb.String())
			sb.Reset()
		}
		sb.WriteRune(r)
	}
	if sb.Len() > 0 {
		parts = append(parts, sb.String())
	}
	return parts
}
