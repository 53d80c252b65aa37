package display

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/canopysh/canopy/pkg/task"
)

var (
	liveHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	liveBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	liveOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	liveFailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	liveDetailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NodeStatus is one node's place in a run.
type NodeStatus int

const (
	StatusQueued NodeStatus = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusTimeout
)

// StatusMsg updates one node's row in the live table.
type StatusMsg struct {
	Node   string
	Status NodeStatus
	Line   string
	Rc     int
}

// DoneMsg ends the program once the worker has closed.
type DoneMsg struct{}

type tickMsg time.Time

type liveRow struct {
	status   NodeStatus
	line     string
	rc       int
	started  time.Time
	finished time.Time
}

// LiveModel draws one row per node with its status, elapsed time and
// last output line. Feed it through a LiveHandler attached to the
// task; messages arriving for nodes outside the initial set are
// ignored.
type LiveModel struct {
	command  string
	nodes    []string
	rows     map[string]*liveRow
	spinner  int
	quitting bool
}

func NewLiveModel(command string, nodes []string) *LiveModel {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	rows := make(map[string]*liveRow, len(sorted))
	for _, n := range sorted {
		rows[n] = &liveRow{}
	}
	return &LiveModel{command: command, nodes: sorted, rows: rows}
}

func (m *LiveModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *LiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.spinner = (m.spinner + 1) % len(spinnerFrames)
		if !m.quitting {
			return m, tick()
		}

	case StatusMsg:
		m.apply(msg)

	case DoneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *LiveModel) apply(msg StatusMsg) {
	row, ok := m.rows[msg.Node]
	if !ok {
		return
	}
	row.status = msg.Status
	switch msg.Status {
	case StatusRunning:
		if row.started.IsZero() {
			row.started = time.Now()
		}
	case StatusDone, StatusFailed, StatusTimeout:
		if row.finished.IsZero() {
			row.finished = time.Now()
		}
		row.rc = msg.Rc
	}
	if line := strings.TrimSpace(msg.Line); line != "" {
		row.line = line
	}
}

func (m *LiveModel) View() string {
	var b strings.Builder

	b.WriteString(liveHeaderStyle.Render("Command: " + m.command))
	b.WriteString("\n\n")

	const (
		colNode   = 18
		colStatus = 12
		colTime   = 8
		colOutput = 40
	)

	hLine := strings.Repeat("─", colNode+2) + "┬" + strings.Repeat("─", colStatus+2) + "┬" + strings.Repeat("─", colTime+2) + "┬" + strings.Repeat("─", colOutput+2)
	sepLine := strings.Repeat("─", colNode+2) + "┼" + strings.Repeat("─", colStatus+2) + "┼" + strings.Repeat("─", colTime+2) + "┼" + strings.Repeat("─", colOutput+2)
	bLine := strings.Repeat("─", colNode+2) + "┴" + strings.Repeat("─", colStatus+2) + "┴" + strings.Repeat("─", colTime+2) + "┴" + strings.Repeat("─", colOutput+2)

	b.WriteString(liveBorderStyle.Render("┌" + hLine + "┐"))
	b.WriteString("\n")

	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", colNode, "Node"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", colStatus, "Status"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", colTime, "Time"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", colOutput, "Output"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString("\n")

	b.WriteString(liveBorderStyle.Render("├" + sepLine + "┤"))
	b.WriteString("\n")

	for _, n := range m.nodes {
		row := m.rows[n]

		// Status cells stay plain text so the columns line up.
		var status string
		switch row.status {
		case StatusQueued:
			status = "- Queued"
		case StatusRunning:
			status = spinnerFrames[m.spinner] + " Running"
		case StatusDone:
			status = "* Done"
		case StatusFailed:
			status = fmt.Sprintf("x Exit %d", row.rc)
		case StatusTimeout:
			status = "! Timeout"
		}

		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(fmt.Sprintf(" %-*s ", colNode, truncate(n, colNode)))
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(fmt.Sprintf(" %-*s ", colStatus, status))
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(fmt.Sprintf(" %-*s ", colTime, formatDuration(row.elapsed())))
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(fmt.Sprintf(" %-*s ", colOutput, truncate(row.line, colOutput)))
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString("\n")
	}

	b.WriteString(liveBorderStyle.Render("└" + bLine + "┘"))
	b.WriteString("\n")

	b.WriteString(m.footer())

	return b.String()
}

func (r *liveRow) elapsed() time.Duration {
	if r.started.IsZero() {
		return 0
	}
	if !r.finished.IsZero() {
		return r.finished.Sub(r.started)
	}
	return time.Since(r.started)
}

func (m *LiveModel) footer() string {
	var done, failed, timeout int
	for _, row := range m.rows {
		switch row.status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		case StatusTimeout:
			timeout++
		}
	}

	parts := []string{liveOKStyle.Render(fmt.Sprintf("%d done", done))}
	if failed > 0 {
		parts = append(parts, liveFailStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if timeout > 0 {
		parts = append(parts, liveFailStyle.Render(fmt.Sprintf("%d timeout", timeout)))
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(strings.Join(parts, liveDetailStyle.Render(", ")))
	b.WriteString(liveDetailStyle.Render(fmt.Sprintf(" of %d nodes", len(m.nodes))))
	b.WriteString("\n")
	if !m.quitting {
		b.WriteString("\n")
		b.WriteString(liveDetailStyle.Render("Press q to quit"))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// LiveHandler forwards worker events to a running program. Handler
// methods fire on the run loop goroutine; Program.Send delivers them
// to the model safely.
type LiveHandler struct {
	task.BaseHandler
	p *tea.Program
}

func NewLiveHandler(p *tea.Program) *LiveHandler {
	return &LiveHandler{p: p}
}

func (h *LiveHandler) EvPickup(_ task.Worker, key string) {
	h.p.Send(StatusMsg{Node: key, Status: StatusRunning})
}

func (h *LiveHandler) EvRead(_ task.Worker, key string, line []byte) {
	h.p.Send(StatusMsg{Node: key, Status: StatusRunning, Line: string(line)})
}

func (h *LiveHandler) EvError(_ task.Worker, key string, line []byte) {
	h.p.Send(StatusMsg{Node: key, Status: StatusRunning, Line: string(line)})
}

func (h *LiveHandler) EvHup(_ task.Worker, key string, rc int) {
	status := StatusDone
	if rc != 0 {
		status = StatusFailed
	}
	h.p.Send(StatusMsg{Node: key, Status: status, Rc: rc})
}

func (h *LiveHandler) EvClose(w task.Worker) {
	for _, key := range w.TimeoutKeys() {
		h.p.Send(StatusMsg{Node: key, Status: StatusTimeout})
	}
	h.p.Send(DoneMsg{})
}
