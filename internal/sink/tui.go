package sink

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"fleetsim/internal/event"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// logMsg carries one rendered event line for the viewport.
type logMsg struct{ line string }

// statsMsg carries a fleet aggregate refresh.
type statsMsg struct{ FleetStats }

const tuiMaxLogLines = 500

var (
	tuiHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("40"))
	tuiWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	tuiErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	tuiDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// TUISink renders the fleet in a bubbletea terminal UI: a stats table on
// top and a scrolling event log below.
type TUISink struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
}

// NewTUISink starts the bubbletea program and returns the sink. Closing
// the UI (q or ctrl+c) interrupts the process so the simulation shuts
// down with it.
func NewTUISink() *TUISink {
	s := &TUISink{done: make(chan struct{})}
	s.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(), tea.WithAltScreen())
	s.program = p
	go func() {
		_, _ = p.Run()
		close(s.done)
		if s.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return s
}

// Write renders one event into the log viewport.
func (s *TUISink) Write(ev event.Event) error {
	style := tuiDimStyle
	switch ev.Kind {
	case event.KindMessageSent, event.KindConnected:
		style = tuiOKStyle
	case event.KindMessageFailed, event.KindDisconnected:
		style = tuiWarnStyle
	case event.KindFaulted:
		style = tuiErrStyle
	}
	line := fmt.Sprintf("%s %s %s",
		tuiDimStyle.Render(ev.Timestamp.Format(time.RFC3339)),
		style.Render(string(ev.Kind)),
		ev.DeviceID)
	if ev.Latency > 0 {
		line += tuiDimStyle.Render(fmt.Sprintf(" %.0fms", float64(ev.Latency.Microseconds())/1000))
	}
	if ev.Error != "" {
		line += " " + tuiErrStyle.Render(ev.Error)
	}
	if ev.Detail != "" {
		line += " " + tuiDimStyle.Render(ev.Detail)
	}
	s.program.Send(logMsg{line: line})
	return nil
}

// WriteStats refreshes the fleet table.
func (s *TUISink) WriteStats(stats FleetStats) error {
	s.program.Send(statsMsg{FleetStats: stats})
	return nil
}

// Close shuts down the TUI program and waits for terminal cleanup.
func (s *TUISink) Close() error {
	s.sendSignal.Store(false)
	if s.program != nil {
		s.program.Send(tea.Quit())
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

type tuiModel struct {
	table      table.Model
	vp         viewport.Model
	logs       []string
	stats      FleetStats
	width      int
	height     int
	wrap       bool
	autoscroll bool
	header     string
}

func newTUIModel() tuiModel {
	cols := []table.Column{
		{Title: "Metric", Width: 22},
		{Title: "Value", Width: 14},
		{Title: "Metric", Width: 22},
		{Title: "Value", Width: 14},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(5))
	return tuiModel{
		table:      t,
		vp:         viewport.New(0, 0),
		autoscroll: true,
	}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.header = m.renderHeader()
		m.resize()
		m.refreshViewport()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
		case "a":
			m.autoscroll = !m.autoscroll
		case "up", "k":
			m.vp.LineUp(1)
		case "down", "j":
			m.vp.LineDown(1)
		case "pgup":
			m.vp.HalfViewUp()
		case "pgdown":
			m.vp.HalfViewDown()
		}
	case logMsg:
		m.logs = append(m.logs, msg.line)
		if len(m.logs) > tuiMaxLogLines {
			m.logs = m.logs[len(m.logs)-tuiMaxLogLines:]
		}
		m.refreshViewport()
	case statsMsg:
		m.stats = msg.FleetStats
		m.table.SetRows(m.statsRows())
	}
	return m, nil
}

func (m tuiModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left, m.header, m.table.View(), m.vp.View())
}

func (m *tuiModel) renderHeader() string {
	title := tuiHeaderStyle.Render("fleetsim")
	keys := tuiDimStyle.Render("q quit · w wrap · a autoscroll · ↑/↓ scroll")
	return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", keys)
}

func (m *tuiModel) resize() {
	h := m.height - lipgloss.Height(m.header) - m.table.Height() - 1
	if h < 3 {
		h = 3
	}
	m.vp.Height = h
}

func (m *tuiModel) refreshViewport() {
	content := ""
	for i, line := range m.logs {
		if m.wrap && m.width > 0 {
			line = wordwrap.String(line, m.width)
		}
		if i > 0 {
			content += "\n"
		}
		content += line
	}
	m.vp.SetContent(content)
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) statsRows() []table.Row {
	st := m.stats
	return []table.Row{
		{"Devices", fmt.Sprintf("%d", st.Devices), "Running", fmt.Sprintf("%d", st.Running)},
		{"Sent", fmt.Sprintf("%d", st.Sent), "Failed", fmt.Sprintf("%d", st.Failed)},
		{"Acked", fmt.Sprintf("%d", st.Acked), "Connections", fmt.Sprintf("%d", st.LiveConnections)},
		{"Twin Updates", fmt.Sprintf("%d", st.TwinUpdates), "Method Calls", fmt.Sprintf("%d", st.MethodCalls)},
		{"Paused", fmt.Sprintf("%d", st.Paused), "Dropped Events", fmt.Sprintf("%d", st.EventsDropped)},
	}
}
