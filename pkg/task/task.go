// Package task is the user-facing façade over the engine: it schedules
// workers, drives runs, and aggregates their output, exit codes, and
// timeouts into queryable result stores.
//
// A task is used from one goroutine at a time. While Resume is in
// flight, event handlers run on the resuming goroutine and may call
// back into the task freely; other goroutines are limited to Abort and
// to ports created before the run.
package task

import (
	"os"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/canopysh/canopy/pkg/engine"
	"github.com/canopysh/canopy/pkg/logger"
	"github.com/canopysh/canopy/pkg/metrics"
	"github.com/canopysh/canopy/pkg/sshconfig"
	"github.com/canopysh/canopy/pkg/topology"
)

// Options configures a new task.
type Options struct {
	// Engine selects the reactor backend by registry name. Empty picks
	// the default.
	Engine string
	// Clock drives every timer of the run. Nil selects the wall clock.
	Clock clock.Clock
	// Dialer overrides the SSH dialer built from the task settings.
	Dialer *sshconfig.Dialer
	// Metrics receives engine instrumentation. Nil disables collection.
	Metrics *metrics.EngineMetrics
	// Log overrides the task's logger.
	Log *zap.SugaredLogger
}

// Config is the typed view over the task's settings map.
type Config struct {
	// Fanout caps concurrent connections per run.
	Fanout int `mapstructure:"fanout"`
	// ConnectTimeout bounds connection establishment, in seconds.
	ConnectTimeout float64 `mapstructure:"connect_timeout"`
	// CommandTimeout bounds each command, in seconds. Zero waits
	// forever.
	CommandTimeout float64 `mapstructure:"command_timeout"`
	// GroomingDelay is the gateway output batching window, in seconds.
	GroomingDelay float64 `mapstructure:"grooming_delay"`
	// Engine names the reactor backend.
	Engine string `mapstructure:"engine"`
	// GatewayCommand launches the gateway executable on remote hops.
	GatewayCommand string `mapstructure:"gateway_command"`
	// Nodename overrides the local node name used as the tree root.
	Nodename string `mapstructure:"nodename"`
	// SSHUser is the login user when neither the target nor the SSH
	// configuration names one.
	SSHUser string `mapstructure:"ssh_user"`
	// SSHKeyPath points at the private key to try first.
	SSHKeyPath string `mapstructure:"ssh_key_path"`
}

func defaultInfo() map[string]interface{} {
	return map[string]interface{}{
		"fanout":          engine.DefaultFanout,
		"connect_timeout": 10.0,
		"command_timeout": 0.0,
		"grooming_delay":  0.25,
		"engine":          "auto",
		"gateway_command": "canopy-gateway",
	}
}

// Task owns one engine and the workers scheduled on it.
type Task struct {
	eng     *engine.Engine
	log     *zap.SugaredLogger
	results *resultStore

	mu     sync.Mutex
	info   map[string]interface{}
	dialer *sshconfig.Dialer
	topo   *topology.Tree

	// Scheduled workers not yet closed, loop-confined.
	workers map[Worker]struct{}
}

// New builds a task. It fails only when Options names an unknown engine
// backend.
func New(opts Options) (*Task, error) {
	log := opts.Log
	if log == nil {
		log = logger.New("task")
	}
	eng, err := engine.New(opts.Engine, engine.Options{
		Clock:   opts.Clock,
		Metrics: opts.Metrics,
		Log:     log.Named("engine"),
	})
	if err != nil {
		return nil, err
	}
	return &Task{
		eng:     eng,
		log:     log,
		results: newResultStore(),
		info:    defaultInfo(),
		dialer:  opts.Dialer,
		workers: make(map[Worker]struct{}),
	}, nil
}

var (
	defaultMu   sync.Mutex
	defaultTask *Task
)

// Default returns the process-wide task, creating it on first use.
func Default() *Task {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultTask == nil {
		defaultTask, _ = New(Options{})
	}
	return defaultTask
}

// Destroy aborts the task and waits it out. Destroying the default
// task resets the singleton so the next Default starts fresh.
func (t *Task) Destroy() {
	t.Abort()
	t.Join()
	defaultMu.Lock()
	if defaultTask == t {
		defaultTask = nil
	}
	defaultMu.Unlock()
}

// Engine exposes the underlying reactor, mainly for ports and timers
// beyond what the task wraps.
func (t *Task) Engine() *engine.Engine { return t.eng }

// Clock returns the clock driving the task's timers.
func (t *Task) Clock() clock.Clock { return t.eng.Clock() }

// SetInfo stores one setting. Well-known keys tune the task (see
// Config); prefix custom keys with "user_" to keep clear of future
// ones.
func (t *Task) SetInfo(key string, v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info[key] = v
}

// Info returns one setting, nil when unset.
func (t *Task) Info(key string) interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info[key]
}

// Config decodes the settings map into its typed view. Unknown and
// user keys are ignored; a malformed value keeps its zero value.
func (t *Task) Config() Config {
	t.mu.Lock()
	snap := make(map[string]interface{}, len(t.info))
	for k, v := range t.info {
		snap[k] = v
	}
	t.mu.Unlock()

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err == nil {
		if err := dec.Decode(snap); err != nil {
			t.log.Debugw("settings decode", "error", err)
		}
	}
	return cfg
}

func (t *Task) commandTimeout() time.Duration {
	return secondsToDuration(t.Config().CommandTimeout)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Dialer returns the task's SSH dialer, building it from the current
// settings on first use.
func (t *Task) Dialer() *sshconfig.Dialer {
	t.mu.Lock()
	d := t.dialer
	t.mu.Unlock()
	if d != nil {
		return d
	}

	cfg := t.Config()
	d, err := sshconfig.NewDialer(sshconfig.Options{
		User:           cfg.SSHUser,
		KeyPath:        cfg.SSHKeyPath,
		ConnectTimeout: secondsToDuration(cfg.ConnectTimeout),
	})
	if err != nil {
		t.log.Warnw("ssh dialer", "error", err)
		d, _ = sshconfig.NewDialer(sshconfig.Options{})
	}
	t.mu.Lock()
	if t.dialer == nil {
		t.dialer = d
	}
	d = t.dialer
	t.mu.Unlock()
	return d
}

// SetTopology installs the propagation tree routed workers follow.
func (t *Task) SetTopology(tree *topology.Tree) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topo = tree
}

// Topology returns the installed propagation tree, nil when flat.
func (t *Task) Topology() *topology.Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topo
}

// LoadTopology reads a routes file and roots it at the local node.
func (t *Task) LoadTopology(path string) error {
	g, err := topology.LoadFile(path)
	if err != nil {
		return err
	}
	tree, err := g.Tree(t.Nodename())
	if err != nil {
		return err
	}
	t.SetTopology(tree)
	return nil
}

// Nodename returns the name this node goes by in topologies: the
// nodename setting when present, otherwise the short hostname.
func (t *Task) Nodename() string {
	if n := t.Config().Nodename; n != "" {
		return n
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host
}

// Shell schedules command over the targets in opts. With a topology
// installed and remote targets the worker routes through gateways,
// otherwise it connects directly, or runs locally for nil targets.
func (t *Task) Shell(command string, opts ExecOptions) (Worker, error) {
	if command == "" {
		return nil, errors.New("empty command")
	}
	var w Worker
	if t.Topology() != nil && opts.Nodes != nil && !opts.Nodes.IsEmpty() {
		w = newTreeWorker(command, opts)
	} else {
		w = NewExecWorker(command, opts)
	}
	if err := t.Schedule(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Run is Shell followed by Resume.
func (t *Task) Run(command string, opts ExecOptions, timeout time.Duration) (Worker, error) {
	w, err := t.Shell(command, opts)
	if err != nil {
		return nil, err
	}
	return w, t.Resume(timeout)
}

// Schedule binds the worker and hands its clients to the engine. Call
// it before Resume or from an event handler during the run.
func (t *Task) Schedule(w Worker) error {
	if prev := w.Task(); prev != nil && prev != t {
		return errors.New("worker is bound to another task")
	}
	if err := w.bind(t); err != nil {
		return err
	}
	t.workers[w] = struct{}{}
	for _, c := range w.clients() {
		t.eng.Add(c)
	}
	return nil
}

func (t *Task) workerDone(w Worker) {
	delete(t.workers, w)
}

// Resume drives the engine until every worker finished or timeout
// expires. Results of the previous run are dropped first. An aborted
// run returns nil with partial results in place; an expired one
// returns the engine's timeout error, with every node still live
// recorded as timed out.
func (t *Task) Resume(timeout time.Duration) error {
	if cfg := t.Config(); cfg.Fanout > 0 {
		t.eng.SetFanout(cfg.Fanout)
	}
	t.results.reset()
	err := t.eng.Run(timeout)
	if errors.Is(err, engine.ErrAborted) {
		return nil
	}
	return err
}

// Abort makes an in-flight Resume unwind promptly. Safe from any
// goroutine and from event handlers.
func (t *Task) Abort() {
	t.eng.Abort()
}

// Join waits for an in-flight Resume to return.
func (t *Task) Join() {
	t.eng.Join()
}

// Port opens a mailbox into the run: messages posted from other
// goroutines surface as EvPortMsg on h, on the loop. A non-positive
// buffer selects a small default.
func (t *Task) Port(h EventHandler, buffer int) *engine.Port {
	var p *engine.Port
	p = engine.NewPort("", func(v interface{}) {
		if h != nil {
			h.EvPortMsg(p, v)
		}
	}, buffer)
	t.eng.Add(p)
	return p
}

// AddTimer arms tm on the task's engine.
func (t *Task) AddTimer(tm *engine.Timer) error {
	return t.eng.AddTimer(tm)
}

// AddClient admits a custom engine client into the run, next to the
// clients scheduled workers bring along. This is the extension point
// for transports the task does not build itself, like the upstream
// link of a gateway process.
func (t *Task) AddClient(c engine.Client) {
	t.eng.Add(c)
}

// SetFanout records a new connection cap and applies it to the engine.
// Safe between runs and from event handlers; a non-positive value is
// ignored.
func (t *Task) SetFanout(n int) {
	if n <= 0 {
		return
	}
	t.SetInfo("fanout", n)
	t.eng.SetFanout(n)
}

// MaxRetcode returns the largest exit code of the run, zero when no
// command reported one.
func (t *Task) MaxRetcode() int { return t.results.maxRetcode() }

// KeyBuffer returns the stdout recorded for key across all workers.
func (t *Task) KeyBuffer(key string) []byte {
	return t.results.keyBuffer(t.results.stdout, key)
}

// KeyError returns the stderr recorded for key across all workers.
func (t *Task) KeyError(key string) []byte {
	return t.results.keyBuffer(t.results.stderr, key)
}

// KeyRetcode returns the exit code for key, the largest one when
// several workers used the key. The bool reports whether any command
// for key completed.
func (t *Task) KeyRetcode(key string) (int, bool) {
	return t.results.keyRetcode(key)
}

// IterBuffers visits each distinct stdout buffer with the sorted keys
// that produced it. A non-nil match restricts the walk to those keys.
func (t *Task) IterBuffers(match []string, fn func(buf []byte, keys []string)) {
	t.results.iterBuffers(t.results.stdout, matchSet(match), fn)
}

// IterErrors is IterBuffers over stderr.
func (t *Task) IterErrors(match []string, fn func(buf []byte, keys []string)) {
	t.results.iterBuffers(t.results.stderr, matchSet(match), fn)
}

// IterRetcodes visits exit codes in ascending order, each with the
// sorted keys that returned it.
func (t *Task) IterRetcodes(match []string, fn func(rc int, keys []string)) {
	t.results.iterRetcodes(matchSet(match), fn)
}

// NumTimeout returns how many keys timed out during the run.
func (t *Task) NumTimeout() int { return t.results.numTimeout() }

// KeysTimeout returns the sorted keys that timed out.
func (t *Task) KeysTimeout() []string { return t.results.keysTimeout() }

func matchSet(keys []string) map[string]struct{} {
	if keys == nil {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
