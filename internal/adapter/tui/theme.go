package tui

import "github.com/charmbracelet/lipgloss"

// Adaptive palette; works on light and dark terminals.
var (
	colorError  = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorInfo   = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	colorBgAlt  = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	colorFgDim  = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	userLabel  = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	botLabel   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	errorLabel = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	textMuted  = lipgloss.NewStyle().Foreground(colorMuted)

	inputBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	statusBar = lipgloss.NewStyle().
			Foreground(colorFgDim).
			Background(colorBgAlt).
			Padding(0, 1)
)
