package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cellStyle        = lipgloss.NewStyle()
	selectedStyle    = lipgloss.NewStyle().Reverse(true)
	editingStyle     = lipgloss.NewStyle().Background(lipgloss.Color("3")).Foreground(lipgloss.Color("0"))
	placeholderStyle = lipgloss.NewStyle().Faint(true)
	optimisticStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("10"))
	gutterStyle      = lipgloss.NewStyle().Faint(true)
	statusStyle      = lipgloss.NewStyle().Faint(true)
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Column widths are stored in pixels; the terminal shows characters.
const (
	pixelsPerChar  = 10
	minColumnChars = 6
	maxColumnChars = 30
	gutterChars    = 8
)

func columnChars(width int) int {
	return min(max(width/pixelsPerChar, minColumnChars), maxColumnChars)
}

// fit pads or truncates s to exactly n runes.
func fit(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		if n <= 1 {
			return string(r[:n])
		}
		return string(r[:n-1]) + "…"
	}
	for len(r) < n {
		r = append(r, ' ')
	}
	return string(r)
}
