package task

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/canopysh/canopy/pkg/engine"
)

// ErrWriteAfterEOF is returned by Worker.Write once SetWriteEOF was called.
var ErrWriteAfterEOF = errors.New("write after eof")

// Worker runs one command or transfer over a set of targets and reports
// through the task's event handler and result store. Workers are built
// by the task constructors (Shell, Copy, Rcopy) and driven by the engine
// between Schedule and the terminal EvClose.
type Worker interface {
	// Task returns the owning task, nil before scheduling.
	Task() *Task

	// Write queues bytes for the standard input of every live command.
	Write(p []byte) error

	// SetWriteEOF closes standard input once queued writes have
	// flushed.
	SetWriteEOF() error

	// Abort stops the worker's remaining clients. Safe only on the
	// loop goroutine; use Task.Abort from others.
	Abort()

	// TimeoutKeys returns the keys whose commands hit their timeout,
	// in expiry order.
	TimeoutKeys() []string

	bind(t *Task) error
	clients() []engine.Client
}

// clientWorker is the owner surface execClient needs: the worker base
// event sinks plus the stream separation choice.
type clientWorker interface {
	Worker
	evPickup(w Worker, key string)
	evRead(w Worker, key string, line []byte)
	evError(w Worker, key string, line []byte)
	evWritten(w Worker, key string, n int)
	finish(w Worker, key string, rc int, timedOut, force bool)
	stderrSeparated() bool
}

// workerBase carries the bookkeeping shared by all workers: task
// binding, handler dispatch, per-key terminal accounting, and the
// EvTimeout/EvClose ordering on the final event.
type workerBase struct {
	task        *Task
	handler     EventHandler
	started     bool
	timedOut    bool
	closed      bool
	live        int
	timeoutKeys []string
}

func (b *workerBase) Task() *Task { return b.task }

func (b *workerBase) bindTask(t *Task, live int) {
	b.task = t
	b.live = live
}

// ensureStart fires EvStart ahead of the first per-key event.
func (b *workerBase) ensureStart(w Worker) {
	if b.started {
		return
	}
	b.started = true
	if b.handler != nil {
		b.handler.EvStart(w)
	}
}

func (b *workerBase) evPickup(w Worker, key string) {
	b.ensureStart(w)
	if b.handler != nil {
		b.handler.EvPickup(w, key)
	}
}

func (b *workerBase) evRead(w Worker, key string, line []byte) {
	b.ensureStart(w)
	b.task.results.msgAdd(source{w: w, key: key}, line)
	if b.handler != nil {
		b.handler.EvRead(w, key, line)
	}
}

func (b *workerBase) evError(w Worker, key string, line []byte) {
	b.ensureStart(w)
	b.task.results.errAdd(source{w: w, key: key}, line)
	if b.handler != nil {
		b.handler.EvError(w, key, line)
	}
}

func (b *workerBase) evWritten(w Worker, key string, n int) {
	if b.handler != nil {
		b.handler.EvWritten(w, key, n)
	}
}

// finish records one key's terminal outcome and, on the last live key,
// emits EvTimeout (when any key timed out) followed by EvClose. A
// forced teardown releases the key without recording an exit code.
func (b *workerBase) finish(w Worker, key string, rc int, timedOut, force bool) {
	b.ensureStart(w)
	src := source{w: w, key: key}
	switch {
	case timedOut:
		b.timedOut = true
		b.timeoutKeys = append(b.timeoutKeys, key)
		b.task.results.timeoutAdd(src)
	case !force:
		b.task.results.rcSet(src, rc)
		if b.handler != nil {
			b.handler.EvHup(w, key, rc)
		}
	}
	b.live--
	if b.live > 0 || b.closed {
		return
	}
	b.closed = true
	if b.handler != nil {
		if b.timedOut {
			b.handler.EvTimeout(w)
		}
		b.handler.EvClose(w)
	}
	b.task.workerDone(w)
}

// TimeoutKeys returns the keys whose commands hit their timeout, in
// expiry order.
func (b *workerBase) TimeoutKeys() []string {
	return append([]string(nil), b.timeoutKeys...)
}

// addLive grows the terminal accounting, used when a worker spawns
// clients after scheduling.
func (b *workerBase) addLive(n int) { b.live += n }

type writtenEvent struct {
	n int
}

// streamWriter decouples loop-side writes from a blocking transport
// stdin. Write queues and returns immediately; a flush goroutine owns
// the sink and reports progress so the loop can emit EvWritten.
//
// Writes queued before the transport exists are kept until start. A
// sink write error drops the backlog silently: the command decides the
// outcome, not its stdin.
type streamWriter struct {
	mu      sync.Mutex
	queue   [][]byte
	eof     bool
	dead    bool
	kick    chan struct{}
	started bool

	sink    io.WriteCloser
	written func(n int)
}

func newStreamWriter() *streamWriter {
	return &streamWriter{kick: make(chan struct{}, 1)}
}

// Write queues p for the flush goroutine. It never blocks and always
// accepts the full slice, so it can back a wire encoder directly.
func (sw *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	sw.mu.Lock()
	if sw.eof {
		sw.mu.Unlock()
		return 0, ErrWriteAfterEOF
	}
	if !sw.dead {
		sw.queue = append(sw.queue, append([]byte(nil), p...))
	}
	sw.mu.Unlock()
	sw.wake()
	return len(p), nil
}

// enqueue queues p without copying. For payloads the caller never
// mutates, such as shared archive chunks.
func (sw *streamWriter) enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	sw.mu.Lock()
	if !sw.eof && !sw.dead {
		sw.queue = append(sw.queue, p)
	}
	sw.mu.Unlock()
	sw.wake()
}

// SetEOF closes the sink once the backlog has flushed.
func (sw *streamWriter) SetEOF() {
	sw.mu.Lock()
	sw.eof = true
	sw.mu.Unlock()
	sw.wake()
}

func (sw *streamWriter) wake() {
	select {
	case sw.kick <- struct{}{}:
	default:
	}
}

// start hands the transport sink to a new flush goroutine. The written
// callback fires off-loop; clients route it through their event sink.
func (sw *streamWriter) start(sink io.WriteCloser, written func(n int)) {
	sw.mu.Lock()
	if sw.started {
		sw.mu.Unlock()
		return
	}
	sw.started = true
	sw.sink = sink
	sw.written = written
	sw.mu.Unlock()
	sw.wake()
	go sw.flushLoop()
}

func (sw *streamWriter) flushLoop() {
	for range sw.kick {
		for {
			sw.mu.Lock()
			if sw.dead {
				sw.mu.Unlock()
				return
			}
			if len(sw.queue) == 0 {
				eof := sw.eof
				sw.mu.Unlock()
				if eof {
					sw.sink.Close()
					return
				}
				break
			}
			chunk := sw.queue[0]
			sw.queue = sw.queue[1:]
			sw.mu.Unlock()

			if _, err := sw.sink.Write(chunk); err != nil {
				sw.mu.Lock()
				sw.dead = true
				sw.queue = nil
				sw.mu.Unlock()
				sw.sink.Close()
				return
			}
			if sw.written != nil {
				sw.written(len(chunk))
			}
		}
	}
}

// stop abandons the writer when the transport goes away first.
func (sw *streamWriter) stop() {
	sw.mu.Lock()
	sw.dead = true
	sw.queue = nil
	sw.mu.Unlock()
	sw.wake()
}

// lineSplitter reassembles stream chunks into lines. Carriage returns
// ahead of the newline are stripped, and a trailing unterminated line
// is surfaced by flush at stream end.
type lineSplitter struct {
	buf []byte
}

func (ls *lineSplitter) feed(p []byte, emit func(line []byte)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			ls.buf = append(ls.buf, p...)
			return
		}
		line := p[:i]
		if len(ls.buf) > 0 {
			line = append(ls.buf, line...)
			ls.buf = nil
		}
		emit(trimCR(line))
		p = p[i+1:]
	}
}

func (ls *lineSplitter) flush(emit func(line []byte)) {
	if len(ls.buf) == 0 {
		return
	}
	line := ls.buf
	ls.buf = nil
	emit(trimCR(line))
}

func trimCR(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte{'\r'})
}
