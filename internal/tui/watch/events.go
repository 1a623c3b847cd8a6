package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/crossbard/internal/events"
)

const visibleEvents = 8

// refreshesTable reports whether an event changes what the table shows.
func refreshesTable(e events.Event) bool {
	switch e.Type {
	case events.TypeProducerAdded, events.TypeProducerRemoved, events.TypeProducerChanged,
		events.TypeProducerRun, events.TypeSnapshotReplaced:
		return true
	}
	return false
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	lines := []string{theme.Title.Render("EVENTS")}
	if len(eventLog) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for events..."))
	}
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, " "+formatEvent(e, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeSnapshotReplaced:
		typeStyle = theme.StatusOK
	case events.TypeDiscoveryError:
		typeStyle = theme.StatusFailed
	case events.TypeProducerRun:
		typeStyle = theme.StatusRunning
	case events.TypeActionDispatched:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-18s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"producer", "producer_id"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
			break
		}
	}
	for _, key := range []string{"status", "outcome", "text", "reason"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
