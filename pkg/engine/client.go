package engine

import (
	"time"

	"github.com/pkg/errors"
)

// Engine lifecycle and scheduling errors.
var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrAborted        = errors.New("engine run aborted")
	ErrNotSupported   = errors.New("engine backend not supported")

	errInvalidTimer = errors.New("timer has no positive fire delay")
)

// TimeoutError reports that a run exceeded its overall timeout. Clients
// still open at that point are closed with timeout semantics.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "engine run timed out after " + e.After.String()
}

// StreamID names a client output stream.
type StreamID int

const (
	StreamStdout StreamID = iota
	StreamStderr
)

func (s StreamID) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// EventSink receives client events from transport pump goroutines and feeds
// them to the engine loop. Implementations are safe for concurrent use; all
// calls may block briefly when the loop is behind, and return without
// delivering once the run is over.
type EventSink interface {
	// Data delivers a chunk read from one of the client's streams. Chunks
	// from one stream arrive in read order.
	Data(c Client, stream StreamID, p []byte)
	// Msg delivers an opaque message (port traffic).
	Msg(c Client, v interface{})
	// Closed delivers the client's terminal transport event, after every
	// Data call for the client. rc is the exit code, or a negative value
	// when the transport failed without one.
	Closed(c Client, rc int)
}

// Client is the engine-facing unit of one schedulable operation against one
// target. The engine calls Start once, Close exactly once, and the Handle
// callbacks only from its loop goroutine.
//
// Write and SetWriteEOF are called from the loop and must not block on the
// transport; implementations buffer and flush from their own goroutines. A
// write after SetWriteEOF, or to a finished client, is a no-op.
type Client interface {
	// Key identifies the client's target, usually a node name or a folded
	// node set for batched operations.
	Key() string

	// Delayable reports whether fanout admission control applies. Ports
	// return false and are started immediately.
	Delayable() bool

	// Autoclose reports whether the run may end while this client is still
	// open. Remaining autoclose clients are force-closed when only they
	// are left.
	Autoclose() bool

	// Timeout returns the per-client timeout, zero or negative for none.
	Timeout() time.Duration

	// Start spawns the underlying transport and its pump goroutines.
	// Errors are returned synchronously; a failed Start leaves nothing
	// running and no sink calls pending.
	Start(sink EventSink) error

	Write(p []byte) error
	SetWriteEOF() error

	// Close releases the transport exactly once and reports the terminal
	// event to the owning worker: a timeout when timedOut is set, a normal
	// close otherwise. force suppresses the close notification (the owner
	// already knows the run is being torn down) but not a timeout one.
	Close(force, timedOut bool)

	// HandleData consumes a chunk previously passed to EventSink.Data.
	HandleData(stream StreamID, p []byte)

	// HandleMsg consumes a message previously passed to EventSink.Msg.
	HandleMsg(v interface{})
}
