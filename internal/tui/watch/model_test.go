package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/scheduler"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func summaries() []api.ProducerSummary {
	return []api.ProducerSummary{
		{
			Spec: producer.Spec{ID: "cpu.10s.sh", Interval: 10 * time.Second, Enabled: true},
			Status: &scheduler.Status{
				State:       scheduler.StateIdle,
				LastRunAt:   now.Add(-3 * time.Second),
				LastOutcome: scheduler.OutcomeUpdated,
			},
			HasData: true,
			Text:    "⚡ 45%",
		},
		{
			Spec: producer.Spec{ID: "mail.5m.py", Interval: 5 * time.Minute, Enabled: true},
			Status: &scheduler.Status{
				State:       scheduler.StateRunning,
				LastRunAt:   now.Add(-90 * time.Second),
				LastOutcome: scheduler.OutcomeParseFailed,
				Runs:        2,
			},
			Stale: true,
		},
		{Spec: producer.Spec{ID: "disk.1h.sh", Interval: time.Hour}},
	}
}

func TestProducerRows(t *testing.T) {
	rows := producerRows(summaries(), now)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"cpu.10s.sh", "10s", "idle", "3s ago", "updated", "⚡ 45%"}, []string(rows[0]))
	assert.Equal(t, []string{"mail.5m.py", "5m", "running", "1m 30s ago", "! parse_failed", noData}, []string(rows[1]))
	assert.Equal(t, []string{"disk.1h.sh", "1h", "disabled", "-", "-", noData}, []string(rows[2]))
	assert.Equal(t, 1, countStale(summaries()))
}

func newTestModel(t *testing.T, handler http.Handler) Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m := New(srv.URL, "secret")
	m.now = func() time.Time { return now }
	return m
}

func TestRefreshKeyPostsSelectedProducer(t *testing.T) {
	var gotPath, gotAuth string
	m := newTestModel(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))

	updated, _ := m.Update(producersMsg(summaries()))
	m = updated.(Model)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.Equal(t, "refreshing cpu.10s.sh", m.notice)

	msg := cmd()
	assert.Equal(t, refreshMsg{id: "cpu.10s.sh"}, msg)
	assert.Equal(t, "/v1/producers/cpu.10s.sh/refresh", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRefreshConflictShowsError(t *testing.T) {
	m := newTestModel(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "run already in progress"})
	}))

	msg := m.client.refresh("cpu.10s.sh")()
	updated, _ := m.Update(msg)
	m = updated.(Model)
	assert.Contains(t, m.lastError, "run already in progress")
}

func TestEventsTriggerSingleFetch(t *testing.T) {
	m := newTestModel(t, http.NotFoundHandler())

	updated, cmd := m.Update(eventMsg(events.Event{ID: 1, Type: events.TypeSnapshotReplaced, Data: []byte(`{}`)}))
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.fetching)

	updated, _ = m.Update(eventMsg(events.Event{ID: 2, Type: events.TypeProducerRun, Data: []byte(`{}`)}))
	m = updated.(Model)
	assert.True(t, m.dirty, "second event waits for the in-flight fetch")

	updated, cmd = m.Update(producersMsg(summaries()))
	m = updated.(Model)
	assert.NotNil(t, cmd, "a queued fetch is issued")
	assert.True(t, m.fetching)
	assert.False(t, m.dirty)
	assert.Len(t, m.eventLog, 2)
	assert.Equal(t, int64(2), m.eventLog[0].ID)
}

func TestFetchProducers(t *testing.T) {
	m := newTestModel(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/producers" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(summaries())
	}))

	msg := m.client.fetchProducers()
	list, ok := msg.(producersMsg)
	require.True(t, ok, "got %T", msg)
	require.Len(t, list, 3)
	assert.Equal(t, "mail.5m.py", list[1].Spec.ID)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: producer.run",
		`data: {"producer":"cpu.10s.sh","status":"success"}`,
		"",
		"id: 8",
		"event: snapshot.replaced",
		`data: {"producer":"cpu.10s.sh"}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TypeProducerRun, got[0].Type)
	assert.Equal(t, "cpu.10s.sh success", describeEvent(got[0]))
	assert.Equal(t, events.TypeSnapshotReplaced, got[1].Type)
}

func TestViewRendersTable(t *testing.T) {
	m := newTestModel(t, http.NotFoundHandler())
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	m = updated.(Model)
	updated, _ = m.Update(producersMsg(summaries()))
	m = updated.(Model)

	view := m.View()
	assert.Contains(t, view, "CROSSBAR WATCH")
	assert.Contains(t, view, "cpu.10s.sh")
	assert.Contains(t, view, noData)
}

func TestActivityDecays(t *testing.T) {
	var a Activity
	assert.Equal(t, 0, a.Level(now))
	a.OnEvent(now)
	assert.Equal(t, activityDots, a.Level(now))
	assert.Equal(t, activityDots-2, a.Level(now.Add(5*time.Second)))
	assert.Equal(t, 0, a.Level(now.Add(time.Minute)))
}
