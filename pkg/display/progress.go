package display

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/canopysh/canopy/pkg/task"
)

// CopyMsg advances one node's transfer in the copy table.
type CopyMsg struct {
	Node    string
	Written int64
}

type copyRow struct {
	bar     progress.Model
	written int64
	rc      int
	status  NodeStatus
}

// CopyModel draws one progress bar per node while an archive streams
// out. The total is the archive size every node receives; feed the
// model through a CopyHandler attached to the task.
type CopyModel struct {
	label    string
	total    int64
	nodes    []string
	rows     map[string]*copyRow
	quitting bool
}

func NewCopyModel(label string, nodes []string, total int64) *CopyModel {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	rows := make(map[string]*copyRow, len(sorted))
	for _, n := range sorted {
		bar := progress.New(
			progress.WithGradient("#7D56F4", "#04B575"),
			progress.WithoutPercentage(),
		)
		bar.Width = copyColBar
		rows[n] = &copyRow{bar: bar}
	}
	return &CopyModel{label: label, total: total, nodes: sorted, rows: rows}
}

// SetTotal fixes the archive size when it only becomes known after the
// worker is scheduled. Call it before the program starts.
func (m *CopyModel) SetTotal(total int64) { m.total = total }

func (m *CopyModel) Init() tea.Cmd {
	return nil
}

func (m *CopyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case CopyMsg:
		if row, ok := m.rows[msg.Node]; ok {
			row.written = msg.Written
			if row.status == StatusQueued {
				row.status = StatusRunning
			}
		}

	case StatusMsg:
		if row, ok := m.rows[msg.Node]; ok {
			row.status = msg.Status
			if msg.Status == StatusDone || msg.Status == StatusFailed {
				row.rc = msg.Rc
			}
		}

	case DoneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

const (
	copyColNode = 18
	copyColStat = 14
	copyColBar  = 30
	copyColSize = 19
)

func (m *CopyModel) View() string {
	var b strings.Builder

	b.WriteString(liveHeaderStyle.Render("Copying: " + m.label))
	b.WriteString("\n\n")

	hLine := strings.Repeat("─", copyColNode+2) + "┬" + strings.Repeat("─", copyColStat+2) + "┬" + strings.Repeat("─", copyColBar+2) + "┬" + strings.Repeat("─", copyColSize+2)
	sepLine := strings.Repeat("─", copyColNode+2) + "┼" + strings.Repeat("─", copyColStat+2) + "┼" + strings.Repeat("─", copyColBar+2) + "┼" + strings.Repeat("─", copyColSize+2)
	bLine := strings.Repeat("─", copyColNode+2) + "┴" + strings.Repeat("─", copyColStat+2) + "┴" + strings.Repeat("─", copyColBar+2) + "┴" + strings.Repeat("─", copyColSize+2)

	b.WriteString(liveBorderStyle.Render("┌" + hLine + "┐"))
	b.WriteString("\n")

	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", copyColNode, "Node"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", copyColStat, "Status"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", copyColBar, "Progress"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString(fmt.Sprintf(" %-*s ", copyColSize, "Size"))
	b.WriteString(liveBorderStyle.Render("│"))
	b.WriteString("\n")

	b.WriteString(liveBorderStyle.Render("├" + sepLine + "┤"))
	b.WriteString("\n")

	for _, n := range m.nodes {
		row := m.rows[n]

		var status, size string
		switch row.status {
		case StatusQueued:
			status = liveDetailStyle.Render("- Queued")
			size = "-"
		case StatusRunning:
			status = liveDetailStyle.Render("⏳ Sending")
			size = formatBytes(row.written) + "/" + formatBytes(m.total)
		case StatusDone:
			status = liveOKStyle.Render("✓ Done")
			size = formatBytes(m.total)
		case StatusFailed:
			status = liveFailStyle.Render(fmt.Sprintf("✗ Exit %d", row.rc))
			size = formatBytes(row.written)
		case StatusTimeout:
			status = liveFailStyle.Render("✗ Timeout")
			size = formatBytes(row.written)
		}

		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(" " + padRight(truncate(n, copyColNode), copyColNode) + " ")
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(" " + padRight(status, copyColStat) + " ")
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(" " + padRight(row.bar.ViewAs(m.percent(row)), copyColBar) + " ")
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString(" " + padRight(size, copyColSize) + " ")
		b.WriteString(liveBorderStyle.Render("│"))
		b.WriteString("\n")
	}

	b.WriteString(liveBorderStyle.Render("└" + bLine + "┘"))
	b.WriteString("\n")

	if !m.quitting {
		b.WriteString("\n")
		b.WriteString(liveDetailStyle.Render("Press q to quit"))
	}

	return b.String()
}

func (m *CopyModel) percent(row *copyRow) float64 {
	if row.status == StatusDone {
		return 1
	}
	if m.total <= 0 {
		return 0
	}
	p := float64(row.written) / float64(m.total)
	if p > 1 {
		p = 1
	}
	return p
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// padRight pads s to its visible width, skipping the color codes the
// styled cells carry.
func padRight(s string, width int) string {
	visible := runewidth.StringWidth(stripAnsi(s))
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func stripAnsi(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CopyHandler extends LiveHandler with per-node byte accounting so the
// copy table can move its bars. The written map is only touched from
// the run loop goroutine.
type CopyHandler struct {
	*LiveHandler
	written map[string]int64
}

func NewCopyHandler(p *tea.Program) *CopyHandler {
	return &CopyHandler{LiveHandler: NewLiveHandler(p), written: make(map[string]int64)}
}

func (h *CopyHandler) EvWritten(_ task.Worker, key string, n int) {
	h.written[key] += int64(n)
	h.p.Send(CopyMsg{Node: key, Written: h.written[key]})
}
