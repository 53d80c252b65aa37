package task

import "github.com/canopysh/canopy/pkg/engine"

// EventHandler receives worker lifecycle notifications on the engine
// loop. Implementations handle only the events they care about and
// embed BaseHandler for the rest.
//
// Handlers run on the loop goroutine, so they may call back into the
// task (schedule more work, query partial results, abort) without
// locking, and must not block.
type EventHandler interface {
	// EvStart fires once when the worker begins, before any client
	// produces output.
	EvStart(w Worker)

	// EvPickup fires when one key's command starts executing.
	EvPickup(w Worker, key string)

	// EvRead fires for each stdout line, already stripped of its
	// newline.
	EvRead(w Worker, key string, line []byte)

	// EvError fires for each stderr line when the worker separates
	// the streams.
	EvError(w Worker, key string, line []byte)

	// EvWritten fires after bytes handed to Worker.Write reach the
	// command's stdin.
	EvWritten(w Worker, key string, n int)

	// EvHup fires when one key's command exits with a code.
	EvHup(w Worker, key string, rc int)

	// EvTimeout fires once per worker, before EvClose, when at least
	// one key was cut short by a timeout.
	EvTimeout(w Worker)

	// EvClose fires once when the worker has no live keys left.
	EvClose(w Worker)

	// EvPortMsg fires for each message delivered through a port bound
	// to this handler.
	EvPortMsg(p *engine.Port, v interface{})
}

// BaseHandler implements EventHandler with no-ops. Embed it and
// override the events of interest.
type BaseHandler struct{}

func (BaseHandler) EvStart(Worker)                      {}
func (BaseHandler) EvPickup(Worker, string)             {}
func (BaseHandler) EvRead(Worker, string, []byte)       {}
func (BaseHandler) EvError(Worker, string, []byte)      {}
func (BaseHandler) EvWritten(Worker, string, int)       {}
func (BaseHandler) EvHup(Worker, string, int)           {}
func (BaseHandler) EvTimeout(Worker)                    {}
func (BaseHandler) EvClose(Worker)                      {}
func (BaseHandler) EvPortMsg(*engine.Port, interface{}) {}
