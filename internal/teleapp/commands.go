package teleapp

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

const (
	defaultTranscriptLines = 20
	maxTranscriptLines     = 200
)

// MeetingView 命令读取的只读会议状态
type MeetingView interface {
	TranscriptSnapshot() *transcript.Snapshot
	SummarySnapshot() *summarizer.Snapshot
	StartedAt() time.Time
}

// handleCommand 解析 /notes 与 /transcript [n]，返回 HTML 回复
func handleCommand(m MeetingView, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || m == nil {
		return "", false
	}

	// 群聊中可能是 /notes@botname 形式
	cmd, _, _ := strings.Cut(fields[0], "@")
	switch cmd {
	case "/notes":
		reply := summarizer.FormatTelegramHTML(m.SummarySnapshot(), m.StartedAt())
		if reply == "" {
			reply = html.EscapeString(summarizer.PlaceholderText)
		}
		return reply, true

	case "/transcript":
		n := defaultTranscriptLines
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v <= 0 {
				return "用法: /transcript [行数]", true
			}
			n = min(v, maxTranscriptLines)
		}
		return formatTranscriptTail(m.TranscriptSnapshot(), n), true
	}

	return "", false
}

func formatTranscriptTail(snap *transcript.Snapshot, n int) string {
	total := snap.Len()
	if total == 0 {
		return "暂无定稿转写"
	}

	offset := max(total-n, 0)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🎙 <b>转写</b> (%d/%d)\n", total-offset, total))
	for _, ev := range snap.Since(offset) {
		sb.WriteString(html.EscapeString(transcript.FormatLine(ev)))
		sb.WriteByte('\n')
	}
	return sb.String()
}
