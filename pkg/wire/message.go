// Package wire implements the gateway propagation protocol: XML messages
// inside one channel envelope per session, streamed over the stdin/stdout
// pipes of a remote gateway process. Messages are delimited purely by tag
// boundaries; payloads are base64 so arbitrary bytes survive the XML layer.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Version is the protocol version spoken by this build, carried on the
// channel envelope and checked by both ends.
const Version = 1

// ProtocolError reports traffic violating the protocol: malformed XML, an
// unknown message type, a missing attribute, or payload rules broken. The
// receiving side answers with an Error message and closes the channel.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Kind is the three-letter message type code.
type Kind string

const (
	KindStart   Kind = "HLO"
	KindEnd     Kind = "BYE"
	KindConfig  Kind = "CFG"
	KindControl Kind = "CTL"
	KindAck     Kind = "ACK"
	KindError   Kind = "ERR"
	KindStdOut  Kind = "OUT"
	KindStdErr  Kind = "SER"
	KindRetcode Kind = "RET"
	KindTimeout Kind = "TIM"
)

// Control actions accepted by a gateway.
const (
	ActionShell = "shell"
	ActionWrite = "write"
	ActionEOF   = "eof"
)

var msgSeq atomic.Uint64

func nextMsgID() uint64 { return msgSeq.Add(1) }

// Meta carries what every message has: its process-global id, assigned
// when the message is written.
type Meta struct {
	MsgID uint64
}

func (m *Meta) ID() uint64  { return m.MsgID }
func (m *Meta) meta() *Meta { return m }

// Message is one protocol unit. Start and End are synthesized from the
// channel envelope tags; the rest travel as message elements.
type Message interface {
	Kind() Kind
	ID() uint64
	meta() *Meta
}

// StartMessage opens a session. It is the channel start tag itself; the
// protocol version rides on it.
type StartMessage struct {
	Meta
	Version int
}

func (*StartMessage) Kind() Kind { return KindStart }

// EndMessage closes a session, synthesized from the channel end tag.
type EndMessage struct {
	Meta
}

func (*EndMessage) Kind() Kind { return KindEnd }

// ConfigMessage hands the serialized routing topology to a gateway, which
// re-roots it at its own name.
type ConfigMessage struct {
	Meta
	Gateway  string
	Topology string
}

func (*ConfigMessage) Kind() Kind { return KindConfig }

// ControlMessage drives remote execution: a shell action spawns work on
// target, write and eof feed its standard input. Params is the
// JSON-encoded action parameter block.
type ControlMessage struct {
	Meta
	SrcID  string
	Action string
	Target string
	Params []byte
}

func (*ControlMessage) Kind() Kind { return KindControl }

// AckMessage confirms the message with id Ack was accepted.
type AckMessage struct {
	Meta
	Ack uint64
}

func (*AckMessage) Kind() Kind { return KindAck }

// ErrorMessage reports a protocol violation to the peer.
type ErrorMessage struct {
	Meta
	Reason string
}

func (*ErrorMessage) Kind() Kind { return KindError }

// StdOutMessage relays captured standard output for a batch of nodes
// belonging to the worker identified by SrcID.
type StdOutMessage struct {
	Meta
	SrcID  string
	Nodes  string
	Output []byte
}

func (*StdOutMessage) Kind() Kind { return KindStdOut }

// StdErrMessage is StdOutMessage for the error stream.
type StdErrMessage struct {
	Meta
	SrcID  string
	Nodes  string
	Output []byte
}

func (*StdErrMessage) Kind() Kind { return KindStdErr }

// RetcodeMessage relays the exit code shared by a batch of nodes.
type RetcodeMessage struct {
	Meta
	SrcID   string
	Nodes   string
	Retcode int
}

func (*RetcodeMessage) Kind() Kind { return KindRetcode }

// TimeoutMessage relays that a batch of nodes hit their timeout.
type TimeoutMessage struct {
	Meta
	SrcID string
	Nodes string
}

func (*TimeoutMessage) Kind() Kind { return KindTimeout }

// ShellParams is the parameter block of a shell control action.
type ShellParams struct {
	Command        string  `json:"command"`
	Timeout        float64 `json:"timeout,omitempty"`
	Stderr         bool    `json:"stderr,omitempty"`
	Fanout         int     `json:"fanout,omitempty"`
	GatewayCommand string  `json:"gateway_command,omitempty"`
}

// WriteParams is the parameter block of a write control action.
type WriteParams struct {
	Data []byte `json:"data"`
}

// EncodeParams serializes an action parameter block.
func EncodeParams(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "encode control params")
}

// DecodeParams deserializes an action parameter block into v.
func DecodeParams(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return protocolErrorf("decode control params: %v", err)
	}
	return nil
}

func encodePayload(raw []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out
}

func decodePayload(enc []byte) ([]byte, error) {
	// Character data may arrive in fragments with incidental whitespace.
	compact := make([]byte, 0, len(enc))
	for _, b := range enc {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			compact = append(compact, b)
		}
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
	n, err := base64.StdEncoding.Decode(out, compact)
	if err != nil {
		return nil, protocolErrorf("corrupted payload: %v", err)
	}
	return out[:n], nil
}
