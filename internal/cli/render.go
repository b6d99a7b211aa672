package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/skobkin/gputune/internal/tuning"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// table renders rows as left-aligned columns sized to their widest cell.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	render := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(cell))
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, render(header, headerStyle))
	for _, row := range rows {
		fmt.Fprintln(w, render(row, lipgloss.NewStyle()))
	}
}

func resultStyle(result string) lipgloss.Style {
	switch result {
	case tuning.ResultFullyApplied, "applied":
		return okStyle
	case tuning.ResultPartiallyApplied, "unsupported", "not_attempted":
		return warnStyle
	default:
		return errorStyle
	}
}

func renderOutcome(w io.Writer, outcome tuning.ApplyOutcome) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(outcome.DeviceID+":"), resultStyle(outcome.Result).Render(outcome.Result))

	rows := make([][]string, 0, len(outcome.Fields))
	for _, f := range outcome.Fields {
		requested := ""
		if f.Requested != 0 {
			requested = fmt.Sprint(f.Requested)
		}
		rows = append(rows, []string{f.Field, resultStyle(f.Status).Render(f.Status), requested, f.Error})
	}
	table(w, []string{"FIELD", "STATUS", "REQUESTED", "ERROR"}, rows)

	for _, f := range outcome.Fields {
		if f.Suggestion != "" {
			fmt.Fprintln(w, mutedStyle.Render("hint: "+f.Suggestion))
			break
		}
	}
}
