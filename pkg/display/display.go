// Package display renders run results for people. Printer streams
// prefixed lines as they arrive, Grouped and Summary fold a finished
// task's buffers and exit codes into per-group sections, and the live
// models in this package draw an interactive table on a terminal.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/task"
)

// IsTerminal reports whether w writes to an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Printer streams results line by line, each prefixed with the node it
// came from. Stdout lines go to out, stderr lines and per-node notes
// (nonzero exits, timeouts) to errOut. All events arrive on the run
// loop goroutine, so Printer needs no locking.
type Printer struct {
	task.BaseHandler
	out io.Writer
	err io.Writer
}

func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

func (p *Printer) EvRead(_ task.Worker, key string, line []byte) {
	fmt.Fprintf(p.out, "%s: %s\n", key, line)
}

func (p *Printer) EvError(_ task.Worker, key string, line []byte) {
	fmt.Fprintf(p.err, "%s: %s\n", key, line)
}

func (p *Printer) EvHup(_ task.Worker, key string, rc int) {
	if rc != 0 {
		fmt.Fprintf(p.err, "canopy: %s: exited with exit code %d\n", key, rc)
	}
}

func (p *Printer) EvClose(w task.Worker) {
	for _, key := range w.TimeoutKeys() {
		fmt.Fprintf(p.err, "canopy: %s: command timeout\n", key)
	}
}

const groupRule = "---------------"

// Grouped renders the folded standard output of a finished task: one
// dashed section per distinct output, headed by the folded set of nodes
// that produced it.
func Grouped(t *task.Task) string {
	return grouped(t.IterBuffers)
}

// GroupedErrors renders the folded standard error of a finished task.
func GroupedErrors(t *task.Task) string {
	return grouped(t.IterErrors)
}

func grouped(iter func([]string, func([]byte, []string))) string {
	var b strings.Builder
	iter(nil, func(buf []byte, keys []string) {
		b.WriteString(groupRule)
		b.WriteByte('\n')
		b.WriteString(FoldKeys(keys))
		b.WriteByte('\n')
		b.WriteString(groupRule)
		b.WriteByte('\n')
		b.Write(buf)
		if len(buf) == 0 || buf[len(buf)-1] != '\n' {
			b.WriteByte('\n')
		}
	})
	return b.String()
}

// Summary rolls up a finished task's failures: one line per nonzero
// exit code naming the nodes that returned it, plus one line for the
// nodes that timed out. Empty when everything exited zero in time.
func Summary(t *task.Task) string {
	var b strings.Builder
	t.IterRetcodes(nil, func(rc int, keys []string) {
		if rc == 0 {
			return
		}
		fmt.Fprintf(&b, "canopy: %s: exited with exit code %d\n", FoldKeys(keys), rc)
	})
	if keys := t.KeysTimeout(); len(keys) > 0 {
		fmt.Fprintf(&b, "canopy: %s: command timeout\n", FoldKeys(keys))
	}
	return b.String()
}

// FoldKeys renders keys as a folded node set expression, falling back
// to a comma list for keys that are not node names.
func FoldKeys(keys []string) string {
	ns, err := nodeset.FromNodes(keys)
	if err != nil {
		return strings.Join(keys, ",")
	}
	return ns.String()
}
