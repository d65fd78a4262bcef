package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rpggio/imgclass/internal/training"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

// renderTable lays rows out in left-aligned columns under a styled header.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			col := lipgloss.NewStyle().Width(widths[i])
			if style != nil {
				col = col.Inherit(*style)
			}
			parts[i] = col.Render(cell)
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		b.WriteByte('\n')
	}
	line(headers, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}

// field prints one "label: value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label+":"), value)
}

func stateText(job *training.Job) string {
	switch job.State {
	case training.StateSucceeded:
		return okStyle.Render(string(job.State))
	case training.StateFailed:
		return errorStyle.Render(string(job.State) + " (" + job.Reason + ")")
	default:
		return warnStyle.Render(string(job.State))
	}
}

func yesNo(v bool) string {
	if v {
		return okStyle.Render("yes")
	}
	return warnStyle.Render("no")
}

// bar draws a proportion in [0,1] as a fixed-width bar.
func bar(p float64, width int) string {
	n := int(p*float64(width) + 0.5)
	if n < 0 {
		n = 0
	}
	if n > width {
		n = width
	}
	return barStyle.Render(strings.Repeat("█", n)) + strings.Repeat("·", width-n)
}
