package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// openAIClientInterface 定义 OpenAI 客户端接口，便于测试
type openAIClientInterface interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	config         *config.LLM
	openaiClient   openAIClientInterface
	maxInputTokens int
	instructions   string
	now            func() time.Time
}

// NewClient 创建客户端。transport 非空时通过代理访问；instructions 为纪要结构模板
func NewClient(cfg *config.LLM, transport *http.Transport, instructions string) *Client {
	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	openaiConfig.BaseURL = cfg.BaseURL
	if transport != nil {
		openaiConfig.HTTPClient = &http.Client{Transport: transport}
	}

	client := &Client{
		config:         cfg,
		openaiClient:   openai.NewClientWithConfig(openaiConfig),
		maxInputTokens: cfg.MaxTokens - 2000, // 预留 2000 tokens 给 system prompt 和输出
		instructions:   instructions,
		now:            time.Now,
	}

	return client
}

// estimateTokens 估算文本的 token 数量
func estimateTokens(text string) int {
	// 简单估算：中文约 1.5 token/字，英文约 1.3 token/词
	chineseChars := 0
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			chineseChars++
		}
	}

	// 英文词数估算（简单按空格分割）
	englishWords := len(strings.Fields(text))

	// 总 token 估算
	tokens := int(float64(chineseChars)*1.5 + float64(englishWords)*1.3)
	if tokens < len(text)/4 {
		// 如果估算值太小，使用字符数的 1/4 作为下限
		tokens = len(text) / 4
	}

	return tokens
}

// TranscriptLine 一条定稿转写
type TranscriptLine struct {
	SpeakerID   string
	SpeakerName string // 由配置映射的姓名，可为空
	Text        string
	Start       time.Duration
	End         time.Duration
}

// formatLine 格式为 "[HH:MM:SS] 姓名 (Speaker N): 内容"
func formatLine(l TranscriptLine) string {
	secs := int(l.Start / time.Second)
	ts := fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)

	var who string
	switch {
	case l.SpeakerID == "" && l.SpeakerName == "":
		who = "Unknown"
	case l.SpeakerName == "":
		who = "Speaker " + l.SpeakerID
	case l.SpeakerID == "":
		who = l.SpeakerName
	default:
		who = fmt.Sprintf("%s (Speaker %s)", l.SpeakerName, l.SpeakerID)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, who, l.Text)
}

// linesToPromptText 将转写数组转为 prompt 文本
func linesToPromptText(lines []TranscriptLine) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = formatLine(l)
	}
	return strings.Join(out, "\n")
}

// splitLinesIntoChunks 将转写数组按 token 估算拆分为多个 chunk
func splitLinesIntoChunks(lines []TranscriptLine, maxTokensPerChunk int) [][]TranscriptLine {
	if len(lines) == 0 {
		return nil
	}
	chunks := make([][]TranscriptLine, 0)
	current := make([]TranscriptLine, 0)
	currentTokens := 0

	for _, l := range lines {
		tokens := estimateTokens(formatLine(l))
		if currentTokens+tokens > maxTokensPerChunk && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, l)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// MergeSummary 将新增转写合并进已有纪要，返回更新后的完整纪要 JSON。
// previous 为上一版纪要 JSON，首次调用为空。
// 新增内容过长时拆分为多个 chunk 依次合并，任一 chunk 失败则整体失败。
func (c *Client) MergeSummary(ctx context.Context, lines []TranscriptLine, previous string) (string, error) {
	if len(lines) == 0 {
		return previous, nil
	}
	deltaText := linesToPromptText(lines)
	tokens := estimateTokens(deltaText) + estimateTokens(previous)

	if tokens <= c.maxInputTokens {
		return c.mergeOnce(ctx, deltaText, previous)
	}

	// Token 超限，采用增量合并
	budget := c.maxInputTokens - estimateTokens(previous)
	if budget < c.maxInputTokens/4 {
		budget = c.maxInputTokens / 4
	}
	chunks := splitLinesIntoChunks(lines, budget)
	logger.Infof("[LLM] 新增转写过长 (%d tokens)，将拆分为 %d 个 chunk 依次合并", tokens, len(chunks))

	accumulated := previous
	for i, chunkLines := range chunks {
		logger.Debugf("[LLM] 处理 chunk %d/%d", i+1, len(chunks))

		raw, err := c.mergeOnce(ctx, linesToPromptText(chunkLines), accumulated)
		if err != nil {
			return "", fmt.Errorf("合并 chunk %d 失败: %w", i+1, err)
		}
		if !json.Valid([]byte(raw)) {
			return "", fmt.Errorf("chunk %d 返回的内容不是合法 JSON", i+1)
		}
		accumulated = raw
	}

	return accumulated, nil
}

const systemPrompt = `你是一个专业的会议纪要助手。你会收到一份已有的会议纪要（JSON）和自上次更新以来新增的会议转写，请把新增内容合并进已有纪要后输出完整的纪要。

合并规则：
1. 在已有纪要的基础上扩展，不要从头重写；已有条目保持原样，除非新内容明确修正了它。
2. 已经记录过的事实不要重复添加；同一事实再次出现时忽略。
3. 没有内容的章节不要输出。
4. 说话人可能以 "Speaker N" 标识，若提供了姓名请使用姓名。

输出严格的 JSON 格式：
{"sections":[{"name":"章节名","topics":[{"title":"主题","bullets":[{"text":"要点","children":[{"text":"子要点"}]}]}]}]}

只输出 JSON，不要其他内容。`

// mergeOnce 执行一次合并请求，返回 JSON 字符串
func (c *Client) mergeOnce(ctx context.Context, deltaText, previous string) (string, error) {
	timeout := c.config.Timeout()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system := systemPrompt
	if c.instructions != "" {
		system += "\n\n纪要的章节结构与写作要求如下：\n" + c.instructions
	}

	var userPrompt strings.Builder
	userPrompt.WriteString("会议日期：" + c.now().Format("2006-01-02") + "\n\n")
	if previous != "" {
		userPrompt.WriteString("【已有纪要，请在此基础上合并新内容后输出更新后的完整 JSON】\n")
		userPrompt.WriteString(previous)
		userPrompt.WriteString("\n\n新增转写：\n")
		userPrompt.WriteString(deltaText)
		userPrompt.WriteString("\n\n请输出更新后的完整 JSON（包含已有纪要的全部内容）。")
	} else {
		userPrompt.WriteString("会议转写：\n")
		userPrompt.WriteString(deltaText)
		userPrompt.WriteString("\n\n请输出 JSON。")
	}

	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt.String()},
		},
		Temperature: math.SmallestNonzeroFloat32, // 0 会被 omitempty 省略
		MaxTokens:   4000,
	}

	resp, err := c.openaiClient.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("调用 LLM API 失败: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM API 返回空结果")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	return content, nil
}
