package task

import (
	"os"
	"time"

	"github.com/tedsuo/ifrit"
)

// Runner adapts a task to the ifrit process model, so a prepared run
// can sit in a process group next to servers and watchers. Ready
// closes as soon as the run is in flight; any signal aborts the task,
// and Run returns what Resume returned.
type Runner struct {
	// Task to resume. Nil selects the default task.
	Task *Task
	// Timeout bounds the whole run. Zero waits for completion.
	Timeout time.Duration
}

var _ ifrit.Runner = (*Runner)(nil)

// Run implements ifrit.Runner.
func (r *Runner) Run(sigCh <-chan os.Signal, ready chan<- struct{}) error {
	t := r.Task
	if t == nil {
		t = Default()
	}
	close(ready)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			t.Abort()
		case <-done:
		}
	}()
	return t.Resume(r.Timeout)
}
