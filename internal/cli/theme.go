package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Theme holds the color scheme for command output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
	Heading lipgloss.Color

	// Plain disables styling, e.g. when stdout is not a terminal.
	Plain bool
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
	Heading: lipgloss.Color("#AF87FF"), // purple
	Plain:   !term.IsTerminal(int(os.Stdout.Fd())),
}

func (t Theme) render(s lipgloss.Style, text string) string {
	if t.Plain {
		return text
	}
	return s.Render(text)
}

func (t Theme) status(text string) string {
	return t.render(lipgloss.NewStyle().Foreground(t.Status), text)
}

func (t Theme) success(text string) string {
	return t.render(lipgloss.NewStyle().Foreground(t.Success).Bold(true), text)
}

func (t Theme) failure(text string) string {
	return t.render(lipgloss.NewStyle().Foreground(t.Error).Bold(true), text)
}

func (t Theme) hint(text string) string {
	return t.render(lipgloss.NewStyle().Foreground(t.Hint).Italic(true), text)
}

func (t Theme) heading(text string) string {
	return t.render(lipgloss.NewStyle().Foreground(t.Heading).Bold(true), text)
}
