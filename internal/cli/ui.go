package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorCyan  = lipgloss.Color("36")  // Teal - primary actions
	colorGreen = lipgloss.Color("35")  // Green - success
	colorRed   = lipgloss.Color("167") // Soft red - errors
	colorDim   = lipgloss.Color("240") // Dim gray - muted text
)

var (
	// styleHighlight for emphasized values (package names, versions).
	styleHighlight = lipgloss.NewStyle().Foreground(colorCyan)

	// styleDim for secondary/muted text.
	styleDim = lipgloss.NewStyle().Foreground(colorDim)

	// styleSuccess for success messages.
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)

	styleIconSpinner = lipgloss.NewStyle().Foreground(colorCyan)
	styleIconError   = lipgloss.NewStyle().Foreground(colorRed)
)

// printSuccess prints a success line with a check mark to stdout.
func printSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stdout, "%s %s\n", styleSuccess.Render("✓"), fmt.Sprintf(format, args...))
}

// printDetail prints an indented secondary detail line.
func printDetail(format string, args ...any) {
	fmt.Fprintf(os.Stdout, "  %s\n", styleDim.Render(fmt.Sprintf(format, args...)))
}

// printError prints an error line with a cross mark to stderr.
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", styleIconError.Render("✗"), fmt.Sprintf(format, args...))
}
