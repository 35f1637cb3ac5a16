package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorFocus = lipgloss.Color("62")
	colorMuted = lipgloss.Color("240")
	colorHint  = lipgloss.Color("241")
)

// statusColors maps task and run statuses to their display color. Statuses
// not listed render muted.
var statusColors = map[string]lipgloss.Color{
	"running":     lipgloss.Color("214"),
	"completed":   lipgloss.Color("42"),
	"failed":      lipgloss.Color("196"),
	"interrupted": lipgloss.Color("196"),
}

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleHint     = lipgloss.NewStyle().Foreground(colorHint)
	styleSelected = lipgloss.NewStyle().Background(colorFocus).Foreground(lipgloss.Color("0"))
	styleFrame    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())
)

func statusStyle(status string) lipgloss.Style {
	c, ok := statusColors[status]
	if !ok {
		return lipgloss.NewStyle().Foreground(colorMuted)
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

// heading renders a pane title underlined to its width.
func heading(title string, maxWidth int) string {
	t := styleTitle.Render(title)
	w := lipgloss.Width(t)
	if maxWidth > 0 {
		w = min(w, maxWidth)
	}
	return t + "\n" + strings.Repeat("=", w) + "\n\n"
}

// frame draws the pane border sized to the pane, accented when focused.
func frame(content string, width, height int, focused bool) string {
	border := colorMuted
	if focused {
		border = colorFocus
	}
	return styleFrame.
		BorderForeground(border).
		Width(width - 2).
		Height(height - 2).
		Render(content)
}
