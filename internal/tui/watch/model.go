package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/jobhost/internal/events"
)

const (
	maxEventLog     = 50
	healthInterval  = 5 * time.Second
	reconnectDelay  = 3 * time.Second
	tableMinHeight  = 5
	reservedHeights = 22
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	board    *JobBoard
	eventLog []events.Event
	lastID   int64
	pulse    pulse
	now      time.Time

	theme Theme
	table table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the agent at apiURL.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(jobColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.tableStyles())

	return &Model{
		client:    NewClient(apiURL, token),
		board:     NewJobBoard(),
		theme:     theme,
		table:     t,
		hubEvents: make(chan events.Event, 100),
		now:       time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchActive(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		h := m.height - reservedHeights
		if h < tableMinHeight {
			h = tableMinHeight
		}
		m.table.SetHeight(h)
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.table.SetRows(m.board.Rows(m.now))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.pulse.hit(time.Now())
		if m.board.Apply(e) {
			m.table.SetRows(m.board.Rows(m.now))
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Health = Health(msg)
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, after(healthInterval, fetchHealth(m.client))

	case activeMsg:
		m.board.Seed(msg)
		m.table.SetRows(m.board.Rows(m.now))
		return m, nil

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// Resume after the last seen event and resync the active set,
		// since completions may have been missed while disconnected.
		return m, tea.Batch(subscribe(m.client, m.lastID, m.hubEvents), fetchActive(m.client))

	case errMsg:
		m.lastError = msg.Error()
		return m, after(healthInterval, fetchHealth(m.client))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to jobhost..."
	}

	header := renderHeader(m.health, m.pulse, m.theme, m.width, m.now)
	jobs := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("JOBS (%d active)", m.board.Active())),
		m.table.View(),
	))
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, jobs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll jobs • * cancel requested"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
