package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// ProgramSink 把渲染结果转发给 bubbletea 程序
type ProgramSink struct {
	program *tea.Program
}

func NewProgram(title string) (*tea.Program, *ProgramSink) {
	p := tea.NewProgram(New(title), tea.WithAltScreen())
	return p, &ProgramSink{program: p}
}

// Frame 可作为 view.Renderer 的 sink
func (s *ProgramSink) Frame(name, frame string) {
	s.program.Send(FrameMsg{View: name, Frame: frame})
}

func (s *ProgramSink) Status(text string) {
	s.program.Send(StatusMsg{Text: text})
}
