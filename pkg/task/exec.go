package task

import (
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/nodeset"
	"github.com/canopysh/canopy/pkg/sshconfig"
)

// LocalKey is the result key used by workers running on the local node
// without an explicit key.
const LocalKey = "LOCAL"

// shellPath runs every command, local and remote, through a shell so
// quoting behaves the same on both sides.
const shellPath = "/bin/sh"

// ExecOptions configures an ExecWorker.
type ExecOptions struct {
	// Nodes are the targets, one SSH client each. Nil runs the command
	// once on the local node.
	Nodes *nodeset.NodeSet
	// Handler receives the worker's events. Optional.
	Handler EventHandler
	// Timeout bounds each command. Zero falls back to the task's
	// command timeout.
	Timeout time.Duration
	// Stderr keeps the error stream separate instead of folding it
	// into stdout.
	Stderr bool
	// Key overrides the result key for local runs.
	Key string
}

// ExecWorker runs one command line over a node set, one client per
// node. The command may reference its target: %h expands to the node,
// %n to the client rank, and %% to a literal percent. A command using
// %H runs once, locally, with the whole folded node set substituted.
type ExecWorker struct {
	workerBase
	command string
	nodes   *nodeset.NodeSet
	opts    ExecOptions

	cls        []*execClient
	pending    [][]byte
	pendingEOF bool
}

// NewExecWorker builds a worker for command. It runs once scheduled on
// a task.
func NewExecWorker(command string, opts ExecOptions) *ExecWorker {
	w := &ExecWorker{command: command, nodes: opts.Nodes, opts: opts}
	w.handler = opts.Handler
	return w
}

// Nodes returns the worker's targets, nil for a local run.
func (w *ExecWorker) Nodes() *nodeset.NodeSet { return w.nodes }

// Command returns the unexpanded command line.
func (w *ExecWorker) Command() string { return w.command }

func (w *ExecWorker) stderrSeparated() bool { return w.opts.Stderr }

func (w *ExecWorker) bind(t *Task) error {
	if w.task != nil {
		return nil
	}
	timeout := w.opts.Timeout
	if timeout == 0 {
		timeout = t.commandTimeout()
	}

	switch {
	case w.nodes == nil || w.nodes.IsEmpty():
		key := w.opts.Key
		if key == "" {
			key = LocalKey
		}
		w.cls = append(w.cls, newLocalClient(w, key, w.command, timeout))
	case hasWholeTargetRef(w.command):
		all := w.nodes.String()
		cmd := expandTarget(w.command, all, 0, all)
		w.cls = append(w.cls, newLocalClient(w, all, cmd, timeout))
	default:
		all := w.nodes.String()
		dialer := t.Dialer()
		for rank, node := range w.nodes.Nodes() {
			cmd := expandTarget(w.command, node, rank, all)
			w.cls = append(w.cls, newRemoteClient(w, node, cmd, timeout, dialer))
		}
	}

	w.bindTask(t, len(w.cls))
	for _, c := range w.cls {
		for _, p := range w.pending {
			c.writer.enqueue(p)
		}
		if w.pendingEOF {
			c.writer.SetEOF()
		}
	}
	w.pending = nil
	return nil
}

func (w *ExecWorker) clients() []engine.Client {
	cls := make([]engine.Client, len(w.cls))
	for i, c := range w.cls {
		cls[i] = c
	}
	return cls
}

// Write queues p for every live command's stdin. Clients whose input
// already reached EOF skip it.
func (w *ExecWorker) Write(p []byte) error {
	if w.task == nil {
		w.pending = append(w.pending, append([]byte(nil), p...))
		return nil
	}
	for _, c := range w.cls {
		if !c.done {
			c.writer.Write(p)
		}
	}
	return nil
}

// SetWriteEOF closes every client's stdin once queued writes flush.
func (w *ExecWorker) SetWriteEOF() error {
	if w.task == nil {
		w.pendingEOF = true
		return nil
	}
	for _, c := range w.cls {
		c.writer.SetEOF()
	}
	return nil
}

// Abort drops the worker's remaining clients without recording exit
// codes.
func (w *ExecWorker) Abort() {
	if w.task == nil {
		return
	}
	for _, c := range w.cls {
		if c.done {
			continue
		}
		c.aborted = true
		w.task.eng.Remove(c, false)
	}
}

// hasWholeTargetRef reports whether an unescaped %H appears in command.
func hasWholeTargetRef(command string) bool {
	for i := 0; i+1 < len(command); i++ {
		if command[i] != '%' {
			continue
		}
		if command[i+1] == 'H' {
			return true
		}
		i++
	}
	return false
}

// expandTarget substitutes the target placeholders into command.
func expandTarget(command, host string, rank int, all string) string {
	if !strings.ContainsRune(command, '%') {
		return command
	}
	var b strings.Builder
	b.Grow(len(command))
	for i := 0; i < len(command); i++ {
		c := command[i]
		if c != '%' || i+1 == len(command) {
			b.WriteByte(c)
			continue
		}
		i++
		switch command[i] {
		case '%':
			b.WriteByte('%')
		case 'h':
			b.WriteString(host)
		case 'n':
			b.WriteString(strconv.Itoa(rank))
		case 'H':
			b.WriteString(all)
		default:
			b.WriteByte('%')
			b.WriteByte(command[i])
		}
	}
	return b.String()
}

type pickupEvent struct{}

// procStreams is the transport view shared by local processes and SSH
// sessions: three standard streams, a wait for the exit code, and a
// kill that also releases the transport.
type procStreams interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Kill()
}

// execClient drives one command for a worker. Remote clients dial from
// a connector goroutine so a slow handshake never stalls the loop; a
// connect failure surfaces like ssh does, an error line on stderr and
// exit code 255.
type execClient struct {
	w       clientWorker
	key     string
	command string
	timeout time.Duration

	dialer *sshconfig.Dialer // nil runs locally

	// stdoutTap consumes the raw stdout stream in the pump goroutine
	// when set, bypassing line handling. Reverse copy untars through
	// it.
	stdoutTap func(r io.Reader) error

	writer *streamWriter
	outBuf lineSplitter
	errBuf lineSplitter

	sink engine.EventSink

	mu     sync.Mutex
	proc   procStreams
	closed bool

	rc       int
	startErr error
	aborted  bool
	done     bool
}

func newRemoteClient(w clientWorker, key, command string, timeout time.Duration, d *sshconfig.Dialer) *execClient {
	return &execClient{
		w:       w,
		key:     key,
		command: command,
		timeout: timeout,
		dialer:  d,
		writer:  newStreamWriter(),
	}
}

func newLocalClient(w clientWorker, key, command string, timeout time.Duration) *execClient {
	return &execClient{
		w:       w,
		key:     key,
		command: command,
		timeout: timeout,
		writer:  newStreamWriter(),
	}
}

func (c *execClient) Key() string            { return c.key }
func (c *execClient) Delayable() bool        { return true }
func (c *execClient) Autoclose() bool        { return false }
func (c *execClient) Timeout() time.Duration { return c.timeout }

func (c *execClient) Start(sink engine.EventSink) error {
	c.sink = sink
	if c.dialer != nil {
		go c.connect()
		return nil
	}

	local, err := startLocalCommand(c.command)
	if err != nil {
		c.startErr = err
		c.rc = -1
		return err
	}
	c.attach(local)
	c.w.evPickup(c.w, c.key)
	return nil
}

// connect dials and starts the remote command off-loop.
func (c *execClient) connect() {
	r, err := c.dialer.Open(sshconfig.HostSpec{Host: c.key}, c.command)
	if err != nil {
		c.mu.Lock()
		c.startErr = err
		c.rc = 255
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.sink.Closed(c, 255)
		}
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.Kill()
		return
	}
	c.proc = r
	c.mu.Unlock()

	c.sink.Msg(c, pickupEvent{})
	c.attach(r)
}

// attach wires the live transport: stdin flusher, stream pumps, and the
// waiter that reports the exit code once both pumps have drained.
func (c *execClient) attach(p procStreams) {
	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()

	c.writer.start(p.Stdin(), func(n int) {
		c.sink.Msg(c, writtenEvent{n: n})
	})

	errStream := engine.StreamStderr
	if !c.w.stderrSeparated() {
		errStream = engine.StreamStdout
	}
	var wg sync.WaitGroup
	wg.Add(2)
	if c.stdoutTap != nil {
		go c.tap(p.Stdout(), &wg)
	} else {
		go c.pump(p.Stdout(), engine.StreamStdout, &wg)
	}
	go c.pump(p.Stderr(), errStream, &wg)
	go func() {
		wg.Wait()
		rc, _ := p.Wait()
		c.mu.Lock()
		c.rc = rc
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.sink.Closed(c, rc)
		}
	}()
}

// tap hands stdout to the consumer and drains any trailing bytes so
// the exit code is not reported before the stream ended.
func (c *execClient) tap(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := c.stdoutTap(r); err != nil {
		c.sink.Data(c, engine.StreamStderr, append([]byte(err.Error()), '\n'))
	}
	io.Copy(io.Discard, r)
}

func (c *execClient) pump(r io.Reader, stream engine.StreamID, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.sink.Data(c, stream, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (c *execClient) Write(p []byte) error {
	_, err := c.writer.Write(p)
	return err
}

func (c *execClient) SetWriteEOF() error {
	c.writer.SetEOF()
	return nil
}

func (c *execClient) HandleData(stream engine.StreamID, p []byte) {
	if stream == engine.StreamStderr {
		c.errBuf.feed(p, func(line []byte) { c.w.evError(c.w, c.key, line) })
		return
	}
	c.outBuf.feed(p, func(line []byte) { c.w.evRead(c.w, c.key, line) })
}

func (c *execClient) HandleMsg(v interface{}) {
	switch m := v.(type) {
	case pickupEvent:
		c.w.evPickup(c.w, c.key)
	case writtenEvent:
		c.w.evWritten(c.w, c.key, m.n)
	}
}

func (c *execClient) Close(force, timedOut bool) {
	c.mu.Lock()
	c.closed = true
	p := c.proc
	rc := c.rc
	startErr := c.startErr
	c.mu.Unlock()
	if p != nil {
		p.Kill()
	}
	c.writer.stop()

	c.outBuf.flush(func(line []byte) { c.w.evRead(c.w, c.key, line) })
	c.errBuf.flush(func(line []byte) { c.w.evError(c.w, c.key, line) })
	if startErr != nil && !force && !timedOut {
		c.w.evError(c.w, c.key, []byte(startErr.Error()))
	}

	c.done = true
	c.w.finish(c.w, c.key, rc, timedOut, force || c.aborted)
}

// localCommand adapts an os/exec process to the transport streams.
type localCommand struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func startLocalCommand(command string) (*localCommand, error) {
	cmd := exec.Command(shellPath, "-c", command)
	lc := &localCommand{cmd: cmd}
	var err error
	if lc.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, err
	}
	if lc.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	if lc.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, err
	}
	if err = cmd.Start(); err != nil {
		return nil, err
	}
	return lc, nil
}

func (l *localCommand) Stdin() io.WriteCloser { return l.stdin }
func (l *localCommand) Stdout() io.Reader     { return l.stdout }
func (l *localCommand) Stderr() io.Reader     { return l.stderr }

func (l *localCommand) Wait() (int, error) {
	err := l.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (l *localCommand) Kill() {
	if l.cmd.Process != nil {
		l.cmd.Process.Kill()
	}
}
