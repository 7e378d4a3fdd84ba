package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Barn palette
var (
	colorPrimary      = lipgloss.Color("#D98E04") // Straw amber
	colorPrimaryLight = lipgloss.Color("#F2B441")
	colorPrimaryDark  = lipgloss.Color("#A66A00")

	colorText  = lipgloss.Color("#F5F1E8")
	colorMuted = lipgloss.Color("240")

	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)

	healthyStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	sickStyle    = lipgloss.NewStyle().Foreground(colorError)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimaryDark).
			Padding(0, 1)
	panelTitleStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	tableHeadStyle  = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
	tableBorder     = lipgloss.NewStyle().Foreground(colorPrimaryDark)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "●"
)

// Tests force TTY detection through this override.
var (
	testIsTTYMutex    sync.Mutex
	testIsTTYOverride *bool
)

// isTTY returns true if stdout is a terminal
func isTTY() bool {
	testIsTTYMutex.Lock()
	override := testIsTTYOverride
	testIsTTYMutex.Unlock()
	if override != nil {
		return *override
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printStyled prints a message with an icon, applying style only in TTY mode
func printStyled(w io.Writer, icon string, style lipgloss.Style, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", style.Render(icon), msg)
	} else {
		fmt.Fprintf(w, "%s %s\n", icon, msg)
	}
}

func printSuccess(w io.Writer, format string, args ...any) {
	printStyled(w, iconSuccess, successStyle, format, args...)
}

func printError(w io.Writer, format string, args ...any) {
	printStyled(w, iconError, errorStyle, format, args...)
}

func printWarning(w io.Writer, format string, args ...any) {
	printStyled(w, iconWarning, warningStyle, format, args...)
}

func printInfo(w io.Writer, format string, args ...any) {
	printStyled(w, iconInfo, infoStyle, format, args...)
}

// printMuted prints muted/secondary text
func printMuted(w io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintln(w, mutedStyle.Render(msg))
	} else {
		fmt.Fprintln(w, msg)
	}
}

// styleLabel colours a classification label by class.
func styleLabel(label string) string {
	if !isTTY() {
		return label
	}
	switch strings.ToUpper(label) {
	case "HEALTHY", "NORMAL":
		return healthyStyle.Render(label)
	case "SICK", "DISTRESS":
		return sickStyle.Render(label)
	}
	return label
}

// renderPanel frames body under a title. Plain text outside a terminal.
func renderPanel(title, body string) string {
	if !isTTY() {
		return title + "\n" + strings.Repeat("-", len(title)) + "\n" + body
	}
	return panelStyle.Render(panelTitleStyle.Render(title) + "\n" + body)
}

// renderTable lays rows out under headers. Columns are padded to the widest
// cell; a terminal gets a rounded border.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell
		}
		if isTTY() {
			sep := tableBorder.Render(" │ ")
			return tableBorder.Render("│ ") + strings.Join(parts, sep) + tableBorder.Render(" │")
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var sb strings.Builder
	if isTTY() {
		rule := func(left, mid, right string) string {
			segs := make([]string, len(widths))
			for i, w := range widths {
				segs[i] = strings.Repeat("─", w+2)
			}
			return tableBorder.Render(left + strings.Join(segs, mid) + right)
		}
		sb.WriteString(rule("╭", "┬", "╮") + "\n")
		sb.WriteString(line(headers, &tableHeadStyle) + "\n")
		sb.WriteString(rule("├", "┼", "┤") + "\n")
		for _, row := range rows {
			sb.WriteString(line(row, nil) + "\n")
		}
		sb.WriteString(rule("╰", "┴", "╯"))
		return sb.String()
	}

	sb.WriteString(line(headers, nil))
	for _, row := range rows {
		sb.WriteString("\n" + line(row, nil))
	}
	return sb.String()
}

// renderMarkdown renders markdown content with glamour
func renderMarkdown(content string) string {
	if !isTTY() {
		return content
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content
	}

	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimSpace(rendered)
}
