// watch is a terminal dashboard over a running coordinator daemon: a
// device table, the in-flight recording session, and a scrolling event
// log fed by the daemon's NDJSON event stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/juanpablocruz/syncrec/pkg/coordinator"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
)

var (
	flControl = flag.String("control", "http://127.0.0.1:9100", "daemon control API base URL")
	flPoll    = flag.Duration("poll", time.Second, "device table poll interval")
	flEvents  = flag.Int("events", 200, "event lines to keep")
)

type sessionsReply struct {
	Current  *coordinator.Manifest  `json:"current"`
	Finished []coordinator.Manifest `json:"finished"`
}

type (
	tickMsg    time.Time
	devicesMsg []coordinator.DeviceInfo
	sessionMsg sessionsReply
	eventMsg   eventbus.Event
)

// pollErr comes from the periodic fetches; streamErr from the event
// stream. Only streamErr re-arms the stream reader.
type pollErr struct{ err error }

type streamErr struct{ err error }

type model struct {
	base   string
	client *http.Client

	devTable table.Model
	events   viewport.Model
	lines    []string
	maxLines int

	current  *coordinator.Manifest
	finished int
	lastErr  string

	width, height int

	eventCh <-chan tea.Msg
}

func newModel(base string, maxLines int) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Device", Width: 14},
			{Title: "State", Width: 13},
			{Title: "Caps", Width: 20},
			{Title: "Offset", Width: 10},
			{Title: "±", Width: 9},
			{Title: "Last HB", Width: 9},
		}),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	st.Selected = st.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(st)

	vp := viewport.New(80, 12)
	return model{
		base:     base,
		client:   &http.Client{Timeout: 5 * time.Second},
		devTable: t,
		events:   vp,
		maxLines: maxLines,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchDevices,
		m.fetchSessions,
		m.waitEvent,
		tea.Tick(*flPoll, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.events.Width = msg.Width - 4
		m.events.Height = max(5, msg.Height-m.devTable.Height()-8)
	case tickMsg:
		return m, tea.Batch(
			m.fetchDevices,
			m.fetchSessions,
			tea.Tick(*flPoll, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)
	case devicesMsg:
		m.setDevices(msg)
	case sessionMsg:
		m.current = msg.Current
		m.finished = len(msg.Finished)
		m.lastErr = ""
	case eventMsg:
		m.appendEvent(eventbus.Event(msg))
		return m, m.waitEvent
	case pollErr:
		m.lastErr = msg.err.Error()
	case streamErr:
		m.lastErr = msg.err.Error()
		return m, m.waitEvent
	}

	var cmd tea.Cmd
	m.devTable, cmd = m.devTable.Update(msg)
	return m, cmd
}

func (m *model) setDevices(devs []coordinator.DeviceInfo) {
	rows := make([]table.Row, 0, len(devs))
	for _, d := range devs {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, string(c))
		}
		offset := "?"
		unc := "?"
		if d.ClockKnown {
			offset = fmt.Sprintf("%.1fms", d.ClockOffsetMS)
			unc = fmt.Sprintf("%.1fms", d.UncertaintyMS)
		}
		hb := "never"
		if !d.LastHeartbeat.IsZero() {
			hb = time.Since(d.LastHeartbeat).Truncate(100 * time.Millisecond).String()
		}
		rows = append(rows, table.Row{d.DeviceID, d.State, strings.Join(caps, ","), offset, unc, hb})
	}
	m.devTable.SetRows(rows)
}

func (m *model) appendEvent(ev eventbus.Event) {
	line := fmt.Sprintf("%s [%s] %s %s %v",
		ev.Time.Format("15:04:05.000"), ev.Kind, ev.Device, ev.Session, ev.Fields)
	m.lines = append(m.lines, line)
	if len(m.lines) > m.maxLines {
		m.lines = m.lines[len(m.lines)-m.maxLines:]
	}
	m.events.SetContent(strings.Join(m.lines, "\n"))
	m.events.GotoBottom()
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("syncrec watch") +
		lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("  "+m.base+"  [q]uit")

	sess := "no active session"
	if m.current != nil {
		sess = fmt.Sprintf("session %s  state=%s  devices=%d", m.current.SessionID, m.current.StateName, len(m.current.Devices))
	}
	statusLine := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Render(sess) +
		lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(fmt.Sprintf("  finished=%d", m.finished))
	if m.lastErr != "" {
		statusLine += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("stream: "+m.lastErr)
	}

	panel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	return header + "\n" + statusLine + "\n\n" +
		lipgloss.NewStyle().Bold(true).Render("Devices:") + "\n" +
		m.devTable.View() + "\n\n" +
		panel.Render(lipgloss.NewStyle().Bold(true).Render("Events")+"\n"+m.events.View())
}

func (m model) fetchDevices() tea.Msg {
	var devs []coordinator.DeviceInfo
	if err := m.getJSON("/devices", &devs); err != nil {
		return pollErr{err}
	}
	return devicesMsg(devs)
}

func (m model) fetchSessions() tea.Msg {
	var reply sessionsReply
	if err := m.getJSON("/sessions", &reply); err != nil {
		return pollErr{err}
	}
	return sessionMsg(reply)
}

func (m model) getJSON(path string, out any) error {
	resp, err := m.client.Get(m.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m model) waitEvent() tea.Msg {
	msg, ok := <-m.eventCh
	if !ok {
		return streamErr{fmt.Errorf("event stream closed")}
	}
	return msg
}

// streamEvents pumps the daemon's NDJSON event stream into ch, redialing
// with backoff when the stream drops.
func streamEvents(ctx context.Context, base string, ch chan<- tea.Msg) {
	for ctx.Err() == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events", nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			select {
			case ch <- streamErr{err}:
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			var ev eventbus.Event
			if json.Unmarshal(sc.Bytes(), &ev) != nil {
				continue
			}
			select {
			case ch <- eventMsg(ev):
			case <-ctx.Done():
				resp.Body.Close()
				return
			}
		}
		resp.Body.Close()
	}
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan tea.Msg, 256)
	go streamEvents(ctx, *flControl, ch)

	m := newModel(*flControl, *flEvents)
	m.eventCh = ch

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
