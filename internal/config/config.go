package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Sock5Proxy struct {
	Host   string `yaml:"Host"`
	Port   int32  `yaml:"Port"`
	Enable bool   `yaml:"Enable"`
}

type Audio struct {
	Source            string `yaml:"Source"`            // "microphone" / "audiosocket"
	SampleRate        int    `yaml:"SampleRate"`        // 采样率，默认 16000
	ChunkFrames       int    `yaml:"ChunkFrames"`       // 每个音频块的帧数，默认 1024
	QueueSize         int    `yaml:"QueueSize"`         // 音频块队列容量，默认 10
	AudioSocketListen string `yaml:"AudioSocketListen"` // Source=audiosocket 时监听地址，如 ":9092"
}

type Recognizer struct {
	URL                string `yaml:"URL"` // 流式识别 WebSocket 端点
	APIKey             string `yaml:"APIKey"`
	Model              string `yaml:"Model"`
	Language           string `yaml:"Language"`
	MaxAttempts        int    `yaml:"MaxAttempts"`        // 重试窗口内允许的最大失败次数，默认 5
	RetryWindowSeconds int    `yaml:"RetryWindowSeconds"` // 重试窗口，默认 120
	BackoffMillis      int    `yaml:"BackoffMillis"`      // 初始退避，默认 500
	MaxBackoffMillis   int    `yaml:"MaxBackoffMillis"`   // 最大退避，默认 8000
	DialTimeoutSeconds int    `yaml:"DialTimeoutSeconds"` // 建连超时，默认 10
	DrainTimeoutSecond int    `yaml:"DrainTimeoutSecond"` // 关闭时等待最终结果的时间，默认 5
}

type LLM struct {
	BaseURL        string `yaml:"BaseURL"` // 兼容 OpenAI API 的端点
	APIKey         string `yaml:"APIKey"`
	Model          string `yaml:"Model"`          // 如 gpt-4o, deepseek-chat, qwen-plus
	MaxTokens      int    `yaml:"MaxTokens"`      // 模型上下文窗口大小
	TimeoutSeconds int    `yaml:"TimeoutSeconds"` // 单次调用超时，默认 120
}

type Summary struct {
	IntervalSeconds        int               `yaml:"IntervalSeconds"`        // 总结间隔（秒），默认 20
	PromptTemplateFile     string            `yaml:"PromptTemplateFile"`     // 纪要结构模板
	MaxConsecutiveFailures int               `yaml:"MaxConsecutiveFailures"` // 连续失败多少次进入降级，默认 3
	Speakers               map[string]string `yaml:"Speakers"`               // 说话人标签 -> 姓名
}

type Output struct {
	Dir      string `yaml:"Dir"`      // 会话输出目录，默认 output
	Database string `yaml:"Database"` // 会话索引 SQLite 文件，为空则不启用
}

type UI struct {
	Mode                    string `yaml:"Mode"`                    // "tui" / "none"
	TranscriptRefreshMillis int    `yaml:"TranscriptRefreshMillis"` // 默认 250
	SummaryRefreshMillis    int    `yaml:"SummaryRefreshMillis"`    // 默认 1000
}

type Log struct {
	Dir   string `yaml:"Dir"`
	Level string `yaml:"Level"`
}

type Metrics struct {
	Listen string `yaml:"Listen"` // 如 ":9464"，为空则不启用
}

type Redis struct {
	Enable   bool   `yaml:"Enable"`
	Addr     string `yaml:"Addr"`
	Password string `yaml:"Password"`
	DB       int    `yaml:"DB"`
	Prefix   string `yaml:"Prefix"`
}

type MCP struct {
	Listen string `yaml:"Listen"` // 如 ":8765"，为空则不启用
}

type Telegram struct {
	Enable         bool    `yaml:"Enable"`
	ApiId          int32   `yaml:"ApiId"`
	ApiHash        string  `yaml:"ApiHash"`
	DataDir        string  `yaml:"DataDir"`
	NotifyChatIds  []int64 `yaml:"NotifyChatIds"`  // 会议结束后接收纪要的聊天
	CommandChatIds []int64 `yaml:"CommandChatIds"` // 允许使用 /notes /transcript 的聊天，为空则不限制
}

type Config struct {
	Audio      Audio      `yaml:"Audio"`
	Recognizer Recognizer `yaml:"Recognizer"`
	LLM        LLM        `yaml:"LLM"`
	Summary    Summary    `yaml:"Summary"`
	Output     Output     `yaml:"Output"`
	UI         UI         `yaml:"UI"`
	Log        Log        `yaml:"Log"`
	Sock5Proxy Sock5Proxy `yaml:"Sock5Proxy"`
	Metrics    Metrics    `yaml:"Metrics"`
	Redis      Redis      `yaml:"Redis"`
	MCP        MCP        `yaml:"MCP"`
	Telegram   Telegram   `yaml:"Telegram"`
}

func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置并填充默认值
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.ApplyDefaults()

	// 验证配置
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// ApplyDefaults 填充未设置的字段
func (c *Config) ApplyDefaults() {
	if c.Audio.Source == "" {
		c.Audio.Source = "microphone"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.ChunkFrames == 0 {
		c.Audio.ChunkFrames = 1024
	}
	if c.Audio.QueueSize == 0 {
		c.Audio.QueueSize = 10
	}

	if c.Recognizer.Model == "" {
		c.Recognizer.Model = "nova-2"
	}
	if c.Recognizer.Language == "" {
		c.Recognizer.Language = "en-US"
	}
	if c.Recognizer.MaxAttempts == 0 {
		c.Recognizer.MaxAttempts = 5
	}
	if c.Recognizer.RetryWindowSeconds == 0 {
		c.Recognizer.RetryWindowSeconds = 120
	}
	if c.Recognizer.BackoffMillis == 0 {
		c.Recognizer.BackoffMillis = 500
	}
	if c.Recognizer.MaxBackoffMillis == 0 {
		c.Recognizer.MaxBackoffMillis = 8000
	}
	if c.Recognizer.DialTimeoutSeconds == 0 {
		c.Recognizer.DialTimeoutSeconds = 10
	}
	if c.Recognizer.DrainTimeoutSecond == 0 {
		c.Recognizer.DrainTimeoutSecond = 5
	}

	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 120
	}

	if c.Summary.IntervalSeconds == 0 {
		c.Summary.IntervalSeconds = 20
	}
	if c.Summary.MaxConsecutiveFailures == 0 {
		c.Summary.MaxConsecutiveFailures = 3
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}

	if c.UI.Mode == "" {
		c.UI.Mode = "tui"
	}
	if c.UI.TranscriptRefreshMillis == 0 {
		c.UI.TranscriptRefreshMillis = 250
	}
	if c.UI.SummaryRefreshMillis == 0 {
		c.UI.SummaryRefreshMillis = 1000
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "meeting-scribe:"
	}
	if c.Telegram.DataDir == "" {
		c.Telegram.DataDir = "data"
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	// 验证 Audio
	if c.Audio.Source != "microphone" && c.Audio.Source != "audiosocket" {
		return fmt.Errorf("Audio.Source 必须是 'microphone' 或 'audiosocket'")
	}
	if c.Audio.Source == "audiosocket" && c.Audio.AudioSocketListen == "" {
		return fmt.Errorf("Audio.AudioSocketListen 不能为空（当 Source 为 'audiosocket' 时）")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("Audio.SampleRate 必须大于 0")
	}
	if c.Audio.ChunkFrames <= 0 {
		return fmt.Errorf("Audio.ChunkFrames 必须大于 0")
	}
	if c.Audio.QueueSize <= 0 {
		return fmt.Errorf("Audio.QueueSize 必须大于 0")
	}

	// 验证 Recognizer
	if c.Recognizer.URL == "" {
		return fmt.Errorf("Recognizer.URL 不能为空")
	}
	if c.Recognizer.APIKey == "" {
		return fmt.Errorf("Recognizer.APIKey 不能为空")
	}
	if c.Recognizer.MaxAttempts < 0 {
		return fmt.Errorf("Recognizer.MaxAttempts 必须 >= 0")
	}
	if c.Recognizer.MaxBackoffMillis < c.Recognizer.BackoffMillis {
		return fmt.Errorf("Recognizer.MaxBackoffMillis 不能小于 BackoffMillis")
	}

	// 验证 LLM
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM.APIKey 不能为空")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM.BaseURL 不能为空")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM.Model 不能为空")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM.MaxTokens 必须大于 0")
	}

	// 验证 Summary
	if c.Summary.IntervalSeconds <= 0 {
		return fmt.Errorf("Summary.IntervalSeconds 必须 > 0")
	}
	if c.Summary.PromptTemplateFile == "" {
		return fmt.Errorf("Summary.PromptTemplateFile 不能为空")
	}
	if c.Summary.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("Summary.MaxConsecutiveFailures 必须 >= 0")
	}

	// 验证 UI
	if c.UI.Mode != "tui" && c.UI.Mode != "none" {
		return fmt.Errorf("UI.Mode 必须是 'tui' 或 'none'")
	}

	// 验证可选组件
	if c.Redis.Enable && c.Redis.Addr == "" {
		return fmt.Errorf("Redis.Addr 不能为空（当 Redis.Enable 为 true 时）")
	}
	if c.Telegram.Enable {
		if c.Telegram.ApiId == 0 {
			return fmt.Errorf("Telegram.ApiId 不能为空")
		}
		if c.Telegram.ApiHash == "" {
			return fmt.Errorf("Telegram.ApiHash 不能为空")
		}
	}

	return nil
}

// ChunkDuration 单个音频块的时长
func (a Audio) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkFrames) * time.Second / time.Duration(a.SampleRate)
}

// BytesPerSecond 16-bit 单声道 PCM 的字节率
func (a Audio) BytesPerSecond() int {
	return a.SampleRate * 2
}

func (r Recognizer) RetryWindow() time.Duration {
	return time.Duration(r.RetryWindowSeconds) * time.Second
}

func (r Recognizer) Backoff() time.Duration {
	return time.Duration(r.BackoffMillis) * time.Millisecond
}

func (r Recognizer) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMillis) * time.Millisecond
}

func (r Recognizer) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutSeconds) * time.Second
}

func (r Recognizer) DrainTimeout() time.Duration {
	return time.Duration(r.DrainTimeoutSecond) * time.Second
}

func (l LLM) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (s Summary) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (u UI) TranscriptRefresh() time.Duration {
	return time.Duration(u.TranscriptRefreshMillis) * time.Millisecond
}

func (u UI) SummaryRefresh() time.Duration {
	return time.Duration(u.SummaryRefreshMillis) * time.Millisecond
}
