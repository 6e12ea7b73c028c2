package ui

import "github.com/charmbracelet/lipgloss"

// Single-accent palette: cyan for progress, standard red/yellow for problems.
const (
	colorCyan     = "81"
	colorCyanDim  = "31"
	colorGray     = "245"
	colorDarkGray = "238"
	colorRed      = "196"
	colorYellow   = "220"
)

// Styles holds the lipgloss styles for styled rendering.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Stage   lipgloss.Style
	Label   lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorCyan)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorCyan)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorDarkGray)),
		Stage:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorCyanDim)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

// NoColorStyles returns unstyled components.
func NoColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Stage:   lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
	}
}

// GetStyles returns the style set for the color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
