package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerDimStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	bannerWaveStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	dot := bannerDimStyle.Render("·")
	wave := bannerWaveStyle.Render("∿")
	title := bannerTitleStyle.Render("SENTIO")

	lines := []string{
		"      " + dot + " " + wave + " " + dot + " " + wave + " " + dot,
		"    " + wave + "   " + title + "   " + wave,
		"      " + dot + " " + wave + " " + dot + " " + wave + " " + dot,
	}

	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   listening at the threshold")
	ver := bannerVersionStyle.Render("          " + version)

	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
