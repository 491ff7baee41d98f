package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
)

// renderTable lays rows out in left-aligned columns under a bold header.
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
	line := make([]string, len(headers))
	for i, h := range headers {
		line[i] = headerCellStyle.Width(widths[i] + 2).Render(h)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, line...) + "\n")
	for _, row := range rows {
		for i := range headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			line[i] = cellStyle.Width(widths[i] + 2).Render(cell)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, line...) + "\n")
	}
	return b.String()
}

func countRow(label string, c audit.Counts) []string {
	return []string{label, strconv.Itoa(c.OK), strconv.Itoa(c.Skipped), strconv.Itoa(c.Failed), strconv.Itoa(c.Total)}
}

// SummaryTable renders the end-of-batch report: counts per kind, roots and
// dependencies, then one line per failed object.
func SummaryTable(s *audit.Summary) string {
	var b strings.Builder
	took := time.Duration(s.DurationMs) * time.Millisecond
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s %s", s.Command, s.BatchID)))
	b.WriteString(helpStyle.Render(" took " + took.Round(time.Millisecond).String()))
	b.WriteString("\n\n")

	perKind := map[string]audit.Counts{}
	for _, e := range s.Entries {
		perKind[e.Kind] = tally(perKind[e.Kind], e.Outcome)
	}
	kinds := make([]string, 0, len(perKind))
	for k := range perKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var rows [][]string
	for _, k := range kinds {
		rows = append(rows, countRow(k, perKind[k]))
	}
	rows = append(rows, countRow("roots", s.Counts), countRow("dependencies", s.Dependencies))
	b.WriteString(renderTable([]string{"KIND", "OK", "SKIPPED", "FAILED", "TOTAL"}, rows))

	if failures := s.Failures(); len(failures) > 0 {
		b.WriteString("\n")
		var frows [][]string
		for _, f := range failures {
			frows = append(frows, []string{f.Kind, f.SourceID, stateFailed.Render(f.Reason), oneLine(f.Error)})
		}
		b.WriteString(renderTable([]string{"KIND", "SOURCE", "REASON", "ERROR"}, frows))
	}
	return b.String()
}

// ModelsTable renders registered models with their latest version per stage
// and their aliases.
func ModelsTable(models []mlflow.RegisteredModel, now time.Time) string {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		var latest []string
		for _, v := range m.LatestVersions {
			stage := v.CurrentStage
			if stage == "" {
				stage = mlflow.StageNone
			}
			latest = append(latest, fmt.Sprintf("v%s:%s", v.Version, stage))
		}
		var aliases []string
		for _, a := range m.Aliases {
			aliases = append(aliases, fmt.Sprintf("%s→v%s", a.Alias, a.Version))
		}
		updated := ""
		if m.LastUpdatedTimestamp > 0 {
			updated = humanize.RelTime(time.UnixMilli(int64(m.LastUpdatedTimestamp)), now, "ago", "from now")
		}
		rows = append(rows, []string{m.Name, strings.Join(latest, " "), strings.Join(aliases, " "), updated})
	}
	return renderTable([]string{"NAME", "LATEST VERSIONS", "ALIASES", "UPDATED"}, rows)
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
