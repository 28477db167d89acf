// Package ui provides terminal output styling for the tv CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#7C6FF0")
	colorSuccess = lipgloss.Color("#3DDC97")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6B7280")
)

// Styles are the pre-configured lipgloss styles used by commands.
var Styles = struct {
	Title   lipgloss.Style
	Accent  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Accent:  lipgloss.NewStyle().Foreground(colorAccent),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorAccent).
		Padding(0, 1),
}

// RenderAccent renders text in the accent color.
func RenderAccent(s string) string { return Styles.Accent.Render(s) }

// RenderPass renders text in the success color.
func RenderPass(s string) string { return Styles.Success.Render(s) }

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string { return Styles.Warning.Render(s) }

// RenderFail renders text in the error color.
func RenderFail(s string) string { return Styles.Error.Render(s) }
