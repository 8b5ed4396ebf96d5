package ui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	ColorRed     = lipgloss.Color("#FF5F5F")
	ColorGreen   = lipgloss.Color("#5FFF87")
	ColorYellow  = lipgloss.Color("#FFD75F")
	ColorBlue    = lipgloss.Color("#5FAFFF")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#FFFFFF")
)

// Base styles reused by UI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBlue)

	ButtonStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBlue).
			Padding(0, 3)

	ButtonRecordingStyle = ButtonStyle.
				Foreground(ColorRed).
				BorderForeground(ColorRed)

	ButtonDisabledStyle = ButtonStyle.
				Bold(false).
				Foreground(ColorGray).
				BorderForeground(ColorDimGray)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Padding(1, 1)

	PlaceholderStyle = LabelStyle.
				Foreground(ColorGray).
				Italic(true)

	RecordingDotStyle = lipgloss.NewStyle().
				Foreground(ColorRed).
				Bold(true)

	IdleDotStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	WordCountStyle = lipgloss.NewStyle().
			Foreground(ColorGreen)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)
)
