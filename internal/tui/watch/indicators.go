package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames on every clock tick. A frozen frame means the
// program loop has stalled.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const (
	activityDots  = 5
	activityDecay = 2 * time.Second
)

// Activity lights up on events and fades one dot per activityDecay.
type Activity struct {
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.lastEvent = at
}

// Level is the number of lit dots at now.
func (a Activity) Level(now time.Time) int {
	if a.lastEvent.IsZero() {
		return 0
	}
	lit := activityDots - int(now.Sub(a.lastEvent)/activityDecay)
	return max(0, min(activityDots, lit))
}

func (a Activity) Render(theme Theme, now time.Time) string {
	level := a.Level(now)
	var b strings.Builder
	for i := range activityDots {
		if i < level {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
