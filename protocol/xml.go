package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/c360/rtlstream/errors"
)

// Tagged envelope markers. Every message is an <rtls> element, optionally
// preceded by the prologue.
const (
	Prologue  = `<?xml version="1.0" encoding="UTF-8"?>`
	rootOpen  = "<rtls"
	EndMarker = "</rtls>"
)

type xmlParams struct {
	Params []Param `xml:"param"`
}

type xmlGIS struct {
	ID        string  `xml:"id"`
	Kind      string  `xml:"type,omitempty"`
	Timestamp int64   `xml:"ts"`
	X         float64 `xml:"x"`
	Y         float64 `xml:"y"`
	Z         float64 `xml:"z"`
	Battery   int     `xml:"bat"`
	CNF       float64 `xml:"cnf"`
	GatewayID string  `xml:"gwid,omitempty"`
	Sequence  int64   `xml:"seq,omitempty"`
	ZoneID    int     `xml:"zoneid,omitempty"`
}

// xmlEnvelope is the union of every tagged message layout. A message with
// a <gis> block and no <type> is a position report.
type xmlEnvelope struct {
	XMLName xml.Name `xml:"rtls"`
	Type    string   `xml:"type,omitempty"`

	HeartbeatID int64 `xml:"id,omitempty"`
	TS          int64 `xml:"ts,omitempty"`

	Request string     `xml:"request,omitempty"`
	ReqID   string     `xml:"reqid,omitempty"`
	ZoneID  int        `xml:"zoneid,omitempty"`
	Params  *xmlParams `xml:"params,omitempty"`
	Msg     string     `xml:"msg,omitempty"`

	GIS  *xmlGIS `xml:"gis,omitempty"`
	Data string  `xml:"data,omitempty"`

	Port   int           `xml:"port,omitempty"`
	Zone   int           `xml:"zone,omitempty"`
	Event  *TriggerEvent `xml:"event,omitempty"`
	Reason string        `xml:"reason,omitempty"`
}

// XMLCodec encodes one message per tagged envelope.
type XMLCodec struct{}

func (XMLCodec) Name() string { return "XMLCodec" }

// Encode renders m as prologue plus <rtls> element.
func (c XMLCodec) Encode(m Message) ([]byte, error) {
	env := xmlEnvelope{Type: m.Type()}

	switch msg := m.(type) {
	case Heartbeat:
		env.HeartbeatID = msg.ID
		env.TS = msg.SentAt
	case Request:
		env.Request = string(msg.Kind)
		env.ReqID = msg.ReqID
		env.ZoneID = msg.ZoneID
		if len(msg.Params) > 0 {
			env.Params = &xmlParams{Params: msg.Params}
		}
	case Response:
		env.Request = string(msg.Kind)
		env.ReqID = msg.ReqID
		env.Msg = msg.Msg
	case GISData:
		env.Type = ""
		env.GIS = &xmlGIS{
			ID:        msg.ID,
			Kind:      msg.Kind,
			Timestamp: msg.Timestamp,
			X:         msg.X,
			Y:         msg.Y,
			Z:         msg.Z,
			Battery:   msg.Battery,
			CNF:       msg.CNF,
			GatewayID: msg.GatewayID,
			Sequence:  msg.Sequence,
			ZoneID:    msg.ZoneID,
		}
		env.Data = msg.Data
	case PortRedirect:
		env.Port = msg.Port
		env.Zone = msg.Zone
	case TriggerEvent:
		ev := msg
		env.Event = &ev
	case Warning:
		env.Reason = msg.Reason
	case EndStream:
		env.Reason = msg.Reason
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: cannot encode %T", errors.ErrInvalidData, m),
			c.Name(), "Encode", "select message type")
	}

	body, err := xml.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, c.Name(), "Encode", "marshal envelope")
	}
	out := make([]byte, 0, len(Prologue)+len(body))
	out = append(out, Prologue...)
	return append(out, body...), nil
}

// Decode parses exactly one envelope. A frame that does not start with the
// prologue or the root element is a decode miss.
func (c XMLCodec) Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	frame = bytes.TrimSpace(bytes.TrimPrefix(frame, []byte(Prologue)))
	if !bytes.HasPrefix(frame, []byte(rootOpen)) {
		return nil, decodeMiss(c.Name(), "detect envelope")
	}

	var env xmlEnvelope
	if err := xml.Unmarshal(frame, &env); err != nil {
		return nil, malformed(c.Name(), err)
	}
	return env.message(), nil
}

func (env *xmlEnvelope) message() Message {
	switch env.Type {
	case TypeHeartbeat:
		return Heartbeat{ID: env.HeartbeatID, SentAt: env.TS}
	case TypeRequest:
		req := Request{Kind: RequestKind(env.Request), ReqID: env.ReqID, ZoneID: env.ZoneID}
		if env.Params != nil {
			req.Params = env.Params.Params
		}
		return req
	case TypeResponse:
		return Response{Kind: RequestKind(env.Request), ReqID: env.ReqID, Msg: env.Msg}
	case TypePortRedirect:
		return PortRedirect{Port: env.Port, Zone: env.Zone}
	case TypeTriggerEvent:
		if env.Event == nil {
			return TriggerEvent{}
		}
		return *env.Event
	case TypeWarning:
		return Warning{Reason: env.Reason}
	case TypeEndStream:
		return EndStream{Reason: env.Reason}
	case "", TypeGISData:
		if env.GIS != nil {
			g := env.GIS
			return GISData{
				ID:        g.ID,
				Kind:      g.Kind,
				Timestamp: g.Timestamp,
				X:         g.X,
				Y:         g.Y,
				Z:         g.Z,
				Battery:   g.Battery,
				CNF:       g.CNF,
				GatewayID: g.GatewayID,
				Sequence:  g.Sequence,
				ZoneID:    g.ZoneID,
				Data:      env.Data,
			}
		}
	}
	return Unknown{Kind: env.Type}
}
