package view

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"
)

const (
	TranscriptView = "transcript"
	SummaryView    = "summary"
)

var errNilSnapshot = errors.New("nil snapshot")

// TranscriptFrame 定稿转写在前，各说话人的临时结果在后
func TranscriptFrame(snap *transcript.Snapshot) (string, error) {
	if snap == nil {
		return "", errNilSnapshot
	}

	var lines []string
	lines = append(lines, PanelTitleStyle.Render("TRANSCRIPT"))

	if snap.Len() == 0 && len(snap.Partials) == 0 {
		lines = append(lines, DimStyle.Render("  Listening..."))
		return strings.Join(lines, "\n"), nil
	}

	for _, ev := range snap.Finalized {
		ts := TimestampStyle.Render("[" + transcript.FormatOffset(ev.Start) + "]")
		speaker := SpeakerStyle.Render(transcript.Label(ev.SpeakerID) + ":")
		lines = append(lines, ts+" "+speaker+" "+ev.Text)
	}

	ids := make([]string, 0, len(snap.Partials))
	for id := range snap.Partials {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ev := snap.Partials[id]
		ts := TimestampStyle.Render("[" + transcript.FormatOffset(ev.Start) + "]")
		speaker := PartialTextStyle.Render(transcript.Label(ev.SpeakerID) + ":")
		lines = append(lines, ts+" "+speaker+" "+PartialTextStyle.Render(ev.Text+"▌"))
	}

	return strings.Join(lines, "\n"), nil
}

// SummaryState 纪要视图的输入
type SummaryState struct {
	Snapshot *summarizer.Snapshot
	Banner   string // 降级提示，为空则不显示
}

// SummaryFrame 纪要、降级提示与更新时间
func SummaryFrame(state SummaryState) (string, error) {
	if state.Snapshot == nil {
		return "", errNilSnapshot
	}

	var lines []string
	lines = append(lines, PanelTitleStyle.Render("MEETING NOTES"))
	if state.Banner != "" {
		lines = append(lines, BannerStyle.Render("⚠ "+state.Banner))
	}

	snap := state.Snapshot
	if snap.Empty() {
		lines = append(lines, DimStyle.Render("  "+summarizer.PlaceholderText))
		return strings.Join(lines, "\n"), nil
	}

	for _, section := range snap.Sections {
		lines = append(lines, "", SectionStyle.Render(section.Name))
		for _, topic := range section.Topics {
			if topic.Title != "" {
				lines = append(lines, TopicStyle.Render("  "+topic.Title))
			}
			lines = appendBullets(lines, topic.Bullets, 2)
		}
	}

	lines = append(lines, "", DimStyle.Render("Last updated: "+snap.UpdatedAt.Format(time.TimeOnly)))
	return strings.Join(lines, "\n"), nil
}

func appendBullets(lines []string, bullets []summarizer.Bullet, depth int) []string {
	indent := strings.Repeat("  ", depth)
	marker := "•"
	if depth > 2 {
		marker = "◦"
	}
	for _, b := range bullets {
		lines = append(lines, indent+marker+" "+b.Text)
		lines = appendBullets(lines, b.Children, depth+1)
	}
	return lines
}
