package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/scheduler"
)

const noData = "No data"

func producerColumns(width int) []table.Column {
	output := width - 24 - 6 - 10 - 10 - 12
	if output < 20 {
		output = 20
	}
	return []table.Column{
		{Title: "Producer", Width: 24},
		{Title: "Every", Width: 6},
		{Title: "State", Width: 10},
		{Title: "Last run", Width: 10},
		{Title: "Outcome", Width: 12},
		{Title: "Output", Width: output},
	}
}

// producerRows renders one row per producer, in discovery order.
func producerRows(list []api.ProducerSummary, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, p := range list {
		rows = append(rows, table.Row{
			p.Spec.ID,
			shortDuration(p.Spec.Interval),
			stateLabel(p),
			lastRunLabel(p.Status, now),
			outcomeLabel(p),
			outputLabel(p),
		})
	}
	return rows
}

func stateLabel(p api.ProducerSummary) string {
	switch {
	case !p.Spec.Enabled:
		return "disabled"
	case p.Status == nil:
		return "pending"
	default:
		return string(p.Status.State)
	}
}

func lastRunLabel(st *scheduler.Status, now time.Time) string {
	if st == nil || st.LastRunAt.IsZero() {
		return "-"
	}
	return formatDuration(now.Sub(st.LastRunAt).Round(time.Second)) + " ago"
}

func outcomeLabel(p api.ProducerSummary) string {
	if p.Status == nil || p.Status.LastOutcome == "" {
		return "-"
	}
	label := string(p.Status.LastOutcome)
	if p.Stale {
		label = "! " + label
	}
	return label
}

func outputLabel(p api.ProducerSummary) string {
	if !p.HasData {
		return noData
	}
	return p.Text
}

func shortDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// selectedID returns the producer under the cursor.
func selectedID(t table.Model) (string, bool) {
	row := t.SelectedRow()
	if len(row) == 0 {
		return "", false
	}
	return row[0], true
}

func countStale(list []api.ProducerSummary) int {
	n := 0
	for _, p := range list {
		if p.Stale {
			n++
		}
	}
	return n
}
