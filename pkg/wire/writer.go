package wire

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

var (
	channelName = xml.Name{Local: "channel"}
	messageName = xml.Name{Local: "message"}
)

// Writer frames messages onto a byte stream: one channel envelope per
// session, one message element per Send. Every write is flushed so the
// peer sees complete messages as soon as they are produced; the transport
// pipe provides the only buffering.
//
// A Writer is used from one goroutine at a time.
type Writer struct {
	enc    *xml.Encoder
	opened bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: xml.NewEncoder(w)}
}

// Open emits the channel start tag carrying the protocol version.
func (w *Writer) Open() error {
	if w.opened {
		return protocolErrorf("channel already open")
	}
	start := xml.StartElement{
		Name: channelName,
		Attr: []xml.Attr{attr("version", strconv.Itoa(Version))},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return errors.Wrap(err, "open channel")
	}
	w.opened = true
	return w.flush()
}

// Send assigns the message its process-global id and writes it. Start and
// End messages are not sendable; they are the envelope itself.
func (w *Writer) Send(m Message) error {
	if !w.opened {
		return protocolErrorf("channel not open")
	}
	attrs, payload, err := describe(m)
	if err != nil {
		return err
	}
	m.meta().MsgID = nextMsgID()
	all := make([]xml.Attr, 0, len(attrs)+2)
	all = append(all,
		attr("type", string(m.Kind())),
		attr("msgid", strconv.FormatUint(m.ID(), 10)))
	all = append(all, attrs...)

	start := xml.StartElement{Name: messageName, Attr: all}
	if err := w.enc.EncodeToken(start); err != nil {
		return errors.Wrap(err, "send message")
	}
	if len(payload) > 0 {
		if err := w.enc.EncodeToken(xml.CharData(encodePayload(payload))); err != nil {
			return errors.Wrap(err, "send payload")
		}
	}
	if err := w.enc.EncodeToken(start.End()); err != nil {
		return errors.Wrap(err, "send message")
	}
	return w.flush()
}

// Close emits the channel end tag. Closing twice is a no-op.
func (w *Writer) Close() error {
	if !w.opened {
		return nil
	}
	w.opened = false
	if err := w.enc.EncodeToken(xml.EndElement{Name: channelName}); err != nil {
		return errors.Wrap(err, "close channel")
	}
	return w.flush()
}

func (w *Writer) flush() error {
	return errors.Wrap(w.enc.Flush(), "flush channel")
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// describe maps a message to its wire attributes and raw payload.
func describe(m Message) ([]xml.Attr, []byte, error) {
	switch msg := m.(type) {
	case *ConfigMessage:
		return []xml.Attr{attr("gateway", msg.Gateway)}, []byte(msg.Topology), nil
	case *ControlMessage:
		return []xml.Attr{
			attr("srcid", msg.SrcID),
			attr("action", msg.Action),
			attr("target", msg.Target),
		}, msg.Params, nil
	case *AckMessage:
		return []xml.Attr{attr("ack", strconv.FormatUint(msg.Ack, 10))}, nil, nil
	case *ErrorMessage:
		return []xml.Attr{attr("reason", msg.Reason)}, nil, nil
	case *StdOutMessage:
		return []xml.Attr{attr("srcid", msg.SrcID), attr("nodes", msg.Nodes)}, msg.Output, nil
	case *StdErrMessage:
		return []xml.Attr{attr("srcid", msg.SrcID), attr("nodes", msg.Nodes)}, msg.Output, nil
	case *RetcodeMessage:
		return []xml.Attr{
			attr("srcid", msg.SrcID),
			attr("nodes", msg.Nodes),
			attr("retcode", strconv.Itoa(msg.Retcode)),
		}, nil, nil
	case *TimeoutMessage:
		return []xml.Attr{attr("srcid", msg.SrcID), attr("nodes", msg.Nodes)}, nil, nil
	default:
		return nil, nil, protocolErrorf("cannot send %s message", m.Kind())
	}
}
