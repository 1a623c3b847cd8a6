package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/events"
)

const (
	maxEventLog = 50
	// pollEvery is the tick count between producer polls when the event
	// stream is quiet.
	pollEvery = 5
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	health    HealthState
	producers []api.ProducerSummary
	table     table.Model
	eventLog  []events.Event
	ticks     int

	ticker   Ticker
	activity Activity
	theme    Theme

	hubEvents chan events.Event

	// fetching is set while a producer list request is in flight; dirty
	// records that another one is needed when it lands.
	fetching bool
	dirty    bool

	notice    string
	lastError string

	now func() time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(producerColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.Table)

	return Model{
		client:    newClient(apiURL, apiKey),
		table:     t,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     theme,
		now:       time.Now,
	}
}

// Run starts the program and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchProducers,
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			id, ok := selectedID(m.table)
			if !ok {
				return m, nil
			}
			m.notice = "refreshing " + id
			return m, m.client.refresh(id)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(producerColumns(m.width - 8))
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(5, m.height-visibleEvents-14))
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.ticks++
		m.table.SetRows(producerRows(m.producers, m.now()))
		cmds := []tea.Cmd{tick()}
		if m.ticks%pollEvery == 0 {
			cmds = append(cmds, m.requestProducers())
		}
		return m, tea.Batch(cmds...)

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if refreshesTable(e) {
			cmds = append(cmds, m.requestProducers())
		}
		return m, tea.Batch(cmds...)

	case producersMsg:
		m.producers = []api.ProducerSummary(msg)
		m.table.SetRows(producerRows(m.producers, m.now()))
		m.fetching = false
		if m.dirty {
			m.dirty = false
			return m, m.requestProducers()
		}
		return m, nil

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Producers = msg.Producers
		m.health.Running = msg.Running
		m.health.Connected = true
		m.health.LastCheck = m.now()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case refreshMsg:
		if msg.err != nil {
			m.notice = ""
			m.lastError = fmt.Sprintf("refresh %s: %v", msg.id, msg.err)
		} else {
			m.notice = "refresh requested for " + msg.id
		}
		return m, nil

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.hubEvents)

	case errMsg:
		m.fetching = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// requestProducers fetches the producer list unless a fetch is in flight.
func (m *Model) requestProducers() tea.Cmd {
	if m.fetching {
		m.dirty = true
		return nil
	}
	m.fetching = true
	return m.client.fetchProducers
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to crossbard..."
	}
	now := m.now()

	header := renderHeader(m.health, countStale(m.producers), m.ticker, m.activity, m.theme, m.width, now)
	producers := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("PRODUCERS"), m.table.View()),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, producers, eventStream}
	switch {
	case m.lastError != "":
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	case m.notice != "":
		parts = append(parts, m.theme.Dim.Render(" "+m.notice))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [r] Refresh selected • [↑/↓] Select"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
