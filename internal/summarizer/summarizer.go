package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fachebot/meeting-scribe/internal/llm"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

// SummarizationError 模型调用失败或返回了不可用的内容
type SummarizationError struct {
	Reason string
	Raw    string // 模型原始输出，可能为空
	Err    error
}

func (e *SummarizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("summarization failed: %s: %v", e.Reason, e.Err)
	}
	return "summarization failed: " + e.Reason
}

func (e *SummarizationError) Unwrap() error {
	return e.Err
}

// llmMerger 调用 LLM 合并纪要（便于测试注入 mock）
type llmMerger interface {
	MergeSummary(ctx context.Context, lines []llm.TranscriptLine, previous string) (string, error)
}

type Summarizer struct {
	llmClient llmMerger
	speakers  map[string]string
}

// NewSummarizer speakers 为说话人标签到姓名的映射，只在构造 prompt 时使用
func NewSummarizer(llmClient *llm.Client, speakers map[string]string) *Summarizer {
	return &Summarizer{
		llmClient: llmClient,
		speakers:  speakers,
	}
}

// Merge 把新增的定稿转写合并进上一版纪要，返回新的完整纪要。
// 失败时返回 SummarizationError，调用方保留上一版纪要。
func (s *Summarizer) Merge(ctx context.Context, delta []transcript.Event, prev *Snapshot) (Document, error) {
	var previous string
	if !prev.Empty() {
		data, err := json.Marshal(prev.Document)
		if err != nil {
			return Document{}, &SummarizationError{Reason: "encode previous snapshot", Err: err}
		}
		previous = string(data)
	}

	lines := make([]llm.TranscriptLine, len(delta))
	for i, ev := range delta {
		lines[i] = llm.TranscriptLine{
			SpeakerID:   ev.SpeakerID,
			SpeakerName: s.speakers[ev.SpeakerID],
			Text:        ev.Text,
			Start:       ev.Start,
			End:         ev.End,
		}
	}

	raw, err := s.llmClient.MergeSummary(ctx, lines, previous)
	if err != nil {
		return Document{}, &SummarizationError{Reason: "LLM 调用失败", Err: err}
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		logger.Debugf("[Summarizer] 解析 LLM 返回的 JSON 失败: %s", raw)
		return Document{}, &SummarizationError{Reason: "解析 LLM 返回的 JSON 失败", Raw: raw, Err: err}
	}

	// 已有内容却返回了空纪要，视为不可用
	if len(doc.Sections) == 0 && !prev.Empty() {
		return Document{}, &SummarizationError{Reason: "LLM 返回了空纪要", Raw: raw}
	}

	logger.Infof("[Summarizer] 完成合并, 新增转写: %d 条, 章节: %d, 要点: %d", len(delta), len(doc.Sections), doc.BulletCount())
	return doc, nil
}

var errNoSections = errors.New("missing sections")

// ParseDocument 解析并规范化模型返回的纪要 JSON
func ParseDocument(raw string) (Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Document{}, errors.New("empty content")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return Document{}, err
	}
	if _, ok := probe["sections"]; !ok {
		return Document{}, errNoSections
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, err
	}
	return doc.Normalize(), nil
}

const PlaceholderText = "Waiting for meeting content..."

// FormatMarkdown 纪要文件内容
func FormatMarkdown(snap *Snapshot) string {
	if snap.Empty() {
		return PlaceholderText + "\n"
	}

	var sb strings.Builder
	sb.WriteString("# Meeting Notes\n")
	for _, section := range snap.Sections {
		sb.WriteString("\n## " + section.Name + "\n")
		for _, topic := range section.Topics {
			if topic.Title != "" {
				sb.WriteString("\n### " + topic.Title + "\n\n")
			} else {
				sb.WriteString("\n")
			}
			writeMarkdownBullets(&sb, topic.Bullets, 0)
		}
	}
	return sb.String()
}

func writeMarkdownBullets(sb *strings.Builder, bullets []Bullet, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, b := range bullets {
		sb.WriteString(indent + "- " + b.Text + "\n")
		writeMarkdownBullets(sb, b.Children, depth+1)
	}
}

// escapeHTML 对文本进行 HTML 转义，防止注入及破坏标签
// 转义：& < > "
func escapeHTML(text string) string {
	result := strings.ReplaceAll(text, "&", "&amp;")
	result = strings.ReplaceAll(result, "<", "&lt;")
	result = strings.ReplaceAll(result, ">", "&gt;")
	result = strings.ReplaceAll(result, "\"", "&quot;")
	return result
}

// FormatTelegramHTML 将纪要格式化为 Telegram HTML 文本
// 使用 Telegram HTML 语法：<b>粗体</b>、<i>斜体</i>
func FormatTelegramHTML(snap *Snapshot, startedAt time.Time) string {
	if snap.Empty() {
		return ""
	}

	var sb strings.Builder

	// 头部
	sb.WriteString("📝 <b>会议纪要</b>\n")
	sb.WriteString(fmt.Sprintf("📅 %s\n", escapeHTML(startedAt.Format("2006-01-02 15:04"))))

	// 章节（用户内容需 HTML 转义）
	for _, section := range snap.Sections {
		sb.WriteString(fmt.Sprintf("\n<b>%s</b>\n", escapeHTML(section.Name)))
		for _, topic := range section.Topics {
			if topic.Title != "" {
				sb.WriteString(fmt.Sprintf("<i>%s</i>\n", escapeHTML(topic.Title)))
			}
			writeHTMLBullets(&sb, topic.Bullets, 0)
		}
	}

	return sb.String()
}

func writeHTMLBullets(sb *strings.Builder, bullets []Bullet, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, b := range bullets {
		marker := "•"
		if depth > 0 {
			marker = "◦"
		}
		sb.WriteString(fmt.Sprintf("%s%s %s\n", indent, marker, escapeHTML(b.Text)))
		writeHTMLBullets(sb, b.Children, depth+1)
	}
}
