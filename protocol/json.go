package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/rtlstream/errors"
)

// JSONCodec encodes one message per JSON object with a "type" discriminator.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "JSONCodec" }

// Encode marshals m with its type discriminator.
func (JSONCodec) Encode(m Message) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case Heartbeat:
		v = struct {
			Type string `json:"type"`
			Heartbeat
		}{TypeHeartbeat, msg}
	case Request:
		v = struct {
			Type string `json:"type"`
			Request
		}{TypeRequest, msg}
	case Response:
		v = struct {
			Type string `json:"type"`
			Response
		}{TypeResponse, msg}
	case GISData:
		v = struct {
			Type string `json:"type"`
			GISData
		}{TypeGISData, msg}
	case PortRedirect:
		v = struct {
			Type string `json:"type"`
			PortRedirect
		}{TypePortRedirect, msg}
	case TriggerEvent:
		v = struct {
			Type string `json:"type"`
			TriggerEvent
		}{TypeTriggerEvent, msg}
	case Warning:
		v = struct {
			Type string `json:"type"`
			Warning
		}{TypeWarning, msg}
	case EndStream:
		v = struct {
			Type string `json:"type"`
			EndStream
		}{TypeEndStream, msg}
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: cannot encode %T", errors.ErrInvalidData, m),
			"JSONCodec", "Encode", "select message type")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "Encode", "marshal message")
	}
	return b, nil
}

// Decode parses one JSON object. Anything that is not a JSON object is a
// decode miss; an object with an unrecognized type decodes as Unknown.
func (c JSONCodec) Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return nil, decodeMiss(c.Name(), "detect json object")
	}

	// Keys are matched exactly here: encoding/json folds case, and GISData
	// carries its own "Type" field next to the "type" discriminator.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, errors.Wrap(errors.Join(errors.ErrDecodeMiss, err), c.Name(), "Decode", "parse envelope")
	}
	var msgType string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &msgType); err != nil {
			return nil, errors.Wrap(errors.Join(errors.ErrDecodeMiss, err), c.Name(), "Decode", "parse type")
		}
		delete(fields, "type")
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, malformed(c.Name(), err)
	}
	frame = body

	switch msgType {
	case TypeHeartbeat:
		return decodeJSONAs[Heartbeat](c.Name(), frame)
	case TypeRequest:
		return decodeJSONAs[Request](c.Name(), frame)
	case TypeResponse:
		return decodeJSONAs[Response](c.Name(), frame)
	case TypeGISData:
		return decodeJSONAs[GISData](c.Name(), frame)
	case TypePortRedirect:
		return decodeJSONAs[PortRedirect](c.Name(), frame)
	case TypeTriggerEvent:
		return decodeJSONAs[TriggerEvent](c.Name(), frame)
	case TypeWarning:
		return decodeJSONAs[Warning](c.Name(), frame)
	case TypeEndStream:
		return decodeJSONAs[EndStream](c.Name(), frame)
	default:
		return Unknown{Kind: msgType}, nil
	}
}

func decodeJSONAs[T Message](codec string, frame []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, malformed(codec, err)
	}
	return m, nil
}
