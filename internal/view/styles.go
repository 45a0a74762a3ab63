package view

import "github.com/charmbracelet/lipgloss"

var (
	ColorRed     = lipgloss.Color("#FF0000")
	ColorYellow  = lipgloss.Color("#FFFF00")
	ColorCyan    = lipgloss.Color("#00FFFF")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	PanelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	TimestampStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	SpeakerStyle = lipgloss.NewStyle().
			Foreground(ColorCyan)

	PartialTextStyle = lipgloss.NewStyle().
				Foreground(ColorYellow)

	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	TopicStyle = lipgloss.NewStyle().
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	BannerStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)
)
