package display

import "github.com/charmbracelet/lipgloss"

// Theme groups the styles used by the scoreboard.
type Theme struct {
	Title      lipgloss.Style
	Subtitle   lipgloss.Style
	Normal     lipgloss.Style
	Muted      lipgloss.Style
	Error      lipgloss.Style
	Fraudulent lipgloss.Style
	Legitimate lipgloss.Style
	Header     lipgloss.Style
	Panel      lipgloss.Style
	Cell       lipgloss.Style
}

// DefaultTheme is used when the renderer is built without one. It follows the
// colour support of stdout.
var DefaultTheme = NewTheme(lipgloss.DefaultRenderer())

// NewTheme builds the scoreboard styles against r, which decides how much
// colour reaches the output.
func NewTheme(r *lipgloss.Renderer) Theme {
	return Theme{
		Title:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("#fafafa")),
		Subtitle:   r.NewStyle().Foreground(lipgloss.Color("#a3a3a3")).MarginBottom(1),
		Normal:     r.NewStyle().Foreground(lipgloss.Color("#e5e5e5")),
		Muted:      r.NewStyle().Foreground(lipgloss.Color("#737373")).Italic(true),
		Error:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444")),
		Fraudulent: r.NewStyle().Foreground(lipgloss.Color("#ef4444")),
		Legitimate: r.NewStyle().Foreground(lipgloss.Color("#10b981")),
		Header:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("#a78bfa")),
		Panel: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#404040")).
			Padding(0, 1),
		Cell: r.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#404040")).
			Padding(0, 1).
			Align(lipgloss.Center),
	}
}
