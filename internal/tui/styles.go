package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			PaddingRight(2)

	cellStyle = lipgloss.NewStyle().PaddingRight(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	stateOK      = lipgloss.NewStyle().Foreground(successColor)
	stateSkipped = lipgloss.NewStyle().Foreground(warningColor)
	stateFailed  = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	stateRunning = lipgloss.NewStyle().Foreground(cyanColor)
	stateQueued  = lipgloss.NewStyle().Foreground(mutedColor)
)

// formatState renders a progress state with its color.
func formatState(state string) string {
	switch state {
	case "ok":
		return stateOK.Render("● ok")
	case "skipped":
		return stateSkipped.Render("● skipped")
	case "failed":
		return stateFailed.Render("● failed")
	case "started":
		return stateRunning.Render("● started")
	case "queued":
		return stateQueued.Render("○ queued")
	default:
		return state
	}
}
