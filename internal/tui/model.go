package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fachebot/meeting-scribe/internal/view"

	tea "github.com/charmbracelet/bubbletea"
)

// FrameMsg 某个视图渲染出的新帧
type FrameMsg struct {
	View  string
	Frame string
}

// StatusMsg 状态栏文本
type StatusMsg struct {
	Text string
}

// Model 左右两栏：转写与纪要
type Model struct {
	title      string
	transcript string
	summary    string
	status     string
	width      int
	height     int
	quitting   bool
}

func New(title string) Model {
	return Model{
		title:  title,
		status: "Starting...",
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case FrameMsg:
		switch msg.View {
		case view.TranscriptView:
			m.transcript = msg.Frame
		case view.SummaryView:
			m.summary = msg.Frame
		}
		return m, nil

	case StatusMsg:
		m.status = msg.Text
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "Finishing meeting, writing notes...\n"
	}
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, view.TitleStyle.Render(m.title)+view.DimStyle.Render("  "+m.status))
	sections = append(sections, view.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderPanes())
	sections = append(sections, view.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, view.FooterKeyStyle.Render("q")+view.FooterDescStyle.Render(" End meeting"))

	return strings.Join(sections, "\n")
}

func (m Model) contentHeight() int {
	// 标题、两条分隔线、底栏
	h := m.height - 4
	if h < 1 {
		h = 1
	}
	return h
}

func (m Model) renderPanes() string {
	leftW := m.width / 2
	rightW := m.width - leftW - 1
	height := m.contentHeight()

	left := tail(wrapLines(m.transcript, leftW), height)
	right := head(wrapLines(m.summary, rightW), height)

	divider := view.DividerStyle.Render("│")
	rows := make([]string, 0, height)
	for i := 0; i < height; i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		rows = append(rows, padRight(l, leftW)+divider+r)
	}
	return strings.Join(rows, "\n")
}

// tail 转写滚动到底部
func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// head 纪要从顶部显示
func head(lines []string, n int) []string {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}

func wrapLines(frame string, width int) []string {
	if frame == "" {
		return nil
	}
	if width <= 0 {
		return strings.Split(frame, "\n")
	}
	wrapped := lipgloss.NewStyle().Width(width).Render(frame)
	return strings.Split(wrapped, "\n")
}

func padRight(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}
