package wire

import (
	"encoding/xml"
	"io"
	"strconv"
)

// Reader decodes the message stream from a byte stream, the counterpart of
// Writer. Next blocks until one whole message is available: a message only
// surfaces once its closing tag was parsed, so callers never see partial
// frames. The channel envelope tags surface as Start and End messages.
type Reader struct {
	dec    *xml.Decoder
	opened bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: xml.NewDecoder(r)}
}

// Next returns the next complete message. It returns io.EOF once the
// stream is exhausted and a ProtocolError for anything malformed.
func (r *Reader) Next() (Message, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, protocolErrorf("malformed stream: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "channel":
				if r.opened {
					return nil, protocolErrorf("unexpected channel start, session already open")
				}
				version, err := channelVersion(t)
				if err != nil {
					return nil, err
				}
				r.opened = true
				return &StartMessage{Version: version}, nil
			case "message":
				if !r.opened {
					return nil, protocolErrorf("message outside channel envelope")
				}
				return r.readMessage(t)
			default:
				return nil, protocolErrorf("unexpected element <%s>", t.Name.Local)
			}
		case xml.EndElement:
			if t.Name.Local == "channel" {
				r.opened = false
				return &EndMessage{}, nil
			}
		default:
			// Whitespace, comments and processing instructions between
			// messages carry nothing.
		}
	}
}

func channelVersion(t xml.StartElement) (int, error) {
	for _, a := range t.Attr {
		if a.Name.Local == "version" {
			v, err := strconv.Atoi(a.Value)
			if err != nil {
				return 0, protocolErrorf("bad channel version %q", a.Value)
			}
			return v, nil
		}
	}
	return 0, protocolErrorf("channel start misses version")
}

// readMessage consumes tokens through the message end tag and validates
// the result into a typed message.
func (r *Reader) readMessage(start xml.StartElement) (Message, error) {
	attrs := make(map[string]string, len(start.Attr))
	for _, a := range start.Attr {
		attrs[a.Name.Local] = a.Value
	}

	var payload []byte
loop:
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, protocolErrorf("truncated message: %v", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			payload = append(payload, t...)
		case xml.EndElement:
			break loop
		case xml.StartElement:
			return nil, protocolErrorf("unexpected element <%s> inside message", t.Name.Local)
		}
	}

	id, err := strconv.ParseUint(attrs["msgid"], 10, 64)
	if err != nil {
		return nil, protocolErrorf("bad or missing msgid %q", attrs["msgid"])
	}
	meta := Meta{MsgID: id}

	kind := Kind(attrs["type"])
	if err := requireAttrs(kind, attrs); err != nil {
		return nil, err
	}
	if !payloadKind(kind) && len(trimmed(payload)) > 0 {
		return nil, protocolErrorf("%s message does not accept payload", kind)
	}

	switch kind {
	case KindConfig:
		raw, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		return &ConfigMessage{Meta: meta, Gateway: attrs["gateway"], Topology: string(raw)}, nil
	case KindControl:
		raw, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		return &ControlMessage{
			Meta:   meta,
			SrcID:  attrs["srcid"],
			Action: attrs["action"],
			Target: attrs["target"],
			Params: raw,
		}, nil
	case KindAck:
		ack, err := strconv.ParseUint(attrs["ack"], 10, 64)
		if err != nil {
			return nil, protocolErrorf("bad ack reference %q", attrs["ack"])
		}
		return &AckMessage{Meta: meta, Ack: ack}, nil
	case KindError:
		return &ErrorMessage{Meta: meta, Reason: attrs["reason"]}, nil
	case KindStdOut:
		raw, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		return &StdOutMessage{Meta: meta, SrcID: attrs["srcid"], Nodes: attrs["nodes"], Output: raw}, nil
	case KindStdErr:
		raw, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		return &StdErrMessage{Meta: meta, SrcID: attrs["srcid"], Nodes: attrs["nodes"], Output: raw}, nil
	case KindRetcode:
		rc, err := strconv.Atoi(attrs["retcode"])
		if err != nil {
			return nil, protocolErrorf("bad retcode %q", attrs["retcode"])
		}
		return &RetcodeMessage{Meta: meta, SrcID: attrs["srcid"], Nodes: attrs["nodes"], Retcode: rc}, nil
	case KindTimeout:
		return &TimeoutMessage{Meta: meta, SrcID: attrs["srcid"], Nodes: attrs["nodes"]}, nil
	default:
		return nil, protocolErrorf("unknown message type %q", attrs["type"])
	}
}

// required lists the attributes each sendable kind must carry beyond type
// and msgid.
var required = map[Kind][]string{
	KindConfig:  {"gateway"},
	KindControl: {"srcid", "action", "target"},
	KindAck:     {"ack"},
	KindError:   {"reason"},
	KindStdOut:  {"srcid", "nodes"},
	KindStdErr:  {"srcid", "nodes"},
	KindRetcode: {"srcid", "nodes", "retcode"},
	KindTimeout: {"srcid", "nodes"},
}

func requireAttrs(kind Kind, attrs map[string]string) error {
	names, ok := required[kind]
	if !ok {
		return protocolErrorf("unknown message type %q", attrs["type"])
	}
	for _, name := range names {
		if _, ok := attrs[name]; !ok {
			return protocolErrorf("%s message misses attribute %q", kind, name)
		}
	}
	return nil
}

func payloadKind(kind Kind) bool {
	switch kind {
	case KindConfig, KindControl, KindStdOut, KindStdErr:
		return true
	}
	return false
}

func trimmed(payload []byte) []byte {
	start, end := 0, len(payload)
	for start < end && isSpace(payload[start]) {
		start++
	}
	for end > start && isSpace(payload[end-1]) {
		end--
	}
	return payload[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
