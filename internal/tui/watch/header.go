package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Producers     int
	Running       int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, stale int, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEvent := "never"
	if t := activity.LastEvent(); !t.IsZero() {
		lastEvent = formatDuration(now.Sub(t).Round(time.Second)) + " ago"
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := fmt.Sprintf(" CROSSBAR WATCH %s", theme.Highlight.Render(ticker.Current()))
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	staleText := fmt.Sprintf("Stale: %d", stale)
	if stale > 0 {
		staleText = theme.StatusStale.Render(staleText)
	}
	statsLine := fmt.Sprintf(" %s  up %s  Producers: %d  Running: %d  %s",
		statusText, uptime, health.Producers, health.Running, staleText)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme, now))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
