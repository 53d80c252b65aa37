package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrPortClosed is returned by Send when the port was already closed.
var ErrPortClosed = errors.New("port closed")

// PortHandler consumes one port message on the engine loop.
type PortHandler func(v interface{})

var portSeq atomic.Uint64

// Port is the one sanctioned channel from foreign goroutines into a running
// engine. Messages posted with Send or TrySend are delivered to the handler
// on the loop goroutine, in post order.
//
// Ports are autoclose: they never keep a run alive on their own, and are
// torn down with the run.
type Port struct {
	name    string
	handler PortHandler
	ch      chan interface{}
	closed  chan struct{}
	once    sync.Once
}

// NewPort builds a port with the given mailbox capacity. A non-positive
// buffer selects a small default. The name is only used for identification
// and may be empty.
func NewPort(name string, handler PortHandler, buffer int) *Port {
	if buffer <= 0 {
		buffer = 128
	}
	if name == "" {
		name = fmt.Sprintf("port%d", portSeq.Add(1))
	}
	return &Port{
		name:    name,
		handler: handler,
		ch:      make(chan interface{}, buffer),
		closed:  make(chan struct{}),
	}
}

// Send posts a message, blocking while the mailbox is full. It fails once
// the port is closed.
func (p *Port) Send(v interface{}) error {
	select {
	case p.ch <- v:
		return nil
	case <-p.closed:
		return ErrPortClosed
	}
}

// TrySend posts a message without blocking and reports whether it was
// accepted. A full mailbox and a closed port both report false.
func (p *Port) TrySend(v interface{}) bool {
	select {
	case p.ch <- v:
		return true
	case <-p.closed:
		return false
	default:
		return false
	}
}

func (p *Port) Key() string            { return p.name }
func (p *Port) Delayable() bool        { return false }
func (p *Port) Autoclose() bool        { return true }
func (p *Port) Timeout() time.Duration { return 0 }

// Start spawns the pump forwarding mailbox messages to the loop.
func (p *Port) Start(sink EventSink) error {
	go func() {
		for {
			select {
			case v := <-p.ch:
				sink.Msg(p, v)
			case <-p.closed:
				return
			}
		}
	}()
	return nil
}

func (p *Port) Write([]byte) error { return ErrNotSupported }
func (p *Port) SetWriteEOF() error { return ErrNotSupported }

// Close shuts the mailbox. Messages still queued are discarded and blocked
// senders fail with ErrPortClosed.
func (p *Port) Close(force, timedOut bool) {
	p.once.Do(func() { close(p.closed) })
}

func (p *Port) HandleData(stream StreamID, data []byte) {}

func (p *Port) HandleMsg(v interface{}) {
	if p.handler != nil {
		p.handler(v)
	}
}
