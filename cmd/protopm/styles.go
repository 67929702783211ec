// SPDX-License-Identifier: MPL-2.0

package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette shared by all CLI output.
const (
	// ColorPrimary is purple, for titles and package names.
	ColorPrimary = lipgloss.Color("#7C3AED")
	// ColorMuted is gray, for secondary text.
	ColorMuted = lipgloss.Color("#6B7280")
	// ColorSuccess is green.
	ColorSuccess = lipgloss.Color("#10B981")
	// ColorError is red.
	ColorError = lipgloss.Color("#EF4444")
	// ColorWarning is amber.
	ColorWarning = lipgloss.Color("#F59E0B")
	// ColorHighlight is blue, for commands and versions.
	ColorHighlight = lipgloss.Color("#3B82F6")
)

var (
	// TitleStyle is for section titles.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)

	// SubtitleStyle is for secondary text.
	SubtitleStyle = lipgloss.NewStyle().Foreground(ColorMuted)

	// SuccessStyle marks completed actions.
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorSuccess)

	// ErrorStyle is for the "Error:" prefix.
	ErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorError)

	// WarningStyle is for warnings such as dry runs.
	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)

	// CmdStyle is for command names, keys and versions.
	CmdStyle = lipgloss.NewStyle().Foreground(ColorHighlight)

	// PackageStyle is for package names.
	PackageStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
)

// pkgRef renders name@version.
func pkgRef(name, version string) string {
	return PackageStyle.Render(name) + SubtitleStyle.Render("@") + CmdStyle.Render(version)
}
