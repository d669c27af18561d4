package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#F5C542")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	// Status Bar Styles
	styleStatusRun = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorBlue).
			Padding(0, 1).
			Bold(true)

	styleStatusOK = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGreen).
			Padding(0, 1)

	styleStatusBad = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorRed).
			Padding(0, 1)

	styleStatusText = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGray).
			Padding(0, 1)

	// Viewport Styles
	styleViewport = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleWarning = lipgloss.NewStyle().
			Foreground(colorYellow)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorLightGray)
)
