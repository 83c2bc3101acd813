package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/c360/rtlstream/errors"
)

// Decoded is one message together with the format it arrived in.
type Decoded struct {
	Message Message
	Format  Format
}

// Decoder turns transport frames from one peer into messages. JSON is tried
// first; anything that is not JSON goes through the tagged-envelope framer.
// With Stream set, JSON objects may also be concatenated or split across
// frames, as on a raw TCP stream. Not safe for concurrent use.
type Decoder struct {
	json   JSONCodec
	framer *Framer
	stream bool

	jsonPending []byte
	maxPending  int
}

// NewDecoder creates a decoder. stream enables JSON reassembly across frames.
func NewDecoder(stream bool, maxPending int) *Decoder {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Decoder{
		framer:     NewFramer(maxPending),
		stream:     stream,
		maxPending: maxPending,
	}
}

// Decode returns the messages completed by frame and any per-message errors.
// An empty result with no errors means the frame was a partial message.
func (d *Decoder) Decode(frame []byte) ([]Decoded, []error) {
	if d.stream {
		return d.decodeStream(frame)
	}

	m, err := d.json.Decode(frame)
	if err == nil {
		return []Decoded{{Message: m, Format: FormatJSON}}, nil
	}
	if !errors.Is(err, errors.ErrDecodeMiss) {
		return nil, []error{err}
	}
	if t := bytes.TrimSpace(frame); len(t) > 0 && t[0] == '{' {
		// Broken JSON is dropped here so it never lingers in the envelope buffer.
		return nil, []error{errors.WrapInvalid(errors.Join(errors.ErrProtocol, err), "Decoder", "Decode", "parse json frame")}
	}
	return d.feedXML(frame)
}

func (d *Decoder) feedXML(frame []byte) ([]Decoded, []error) {
	msgs, errs := d.framer.Feed(frame)
	out := make([]Decoded, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Decoded{Message: m, Format: FormatXML})
	}
	return out, errs
}

// decodeStream handles concatenated JSON objects. A frame that starts a
// JSON object while no envelope is pending is routed to the JSON side.
func (d *Decoder) decodeStream(frame []byte) ([]Decoded, []error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(d.jsonPending) == 0 && (len(trimmed) == 0 || trimmed[0] != '{' || d.framer.Pending() > 0) {
		return d.feedXML(frame)
	}

	d.jsonPending = append(d.jsonPending, frame...)
	dec := json.NewDecoder(bytes.NewReader(d.jsonPending))

	var out []Decoded
	var errs []error
	consumed := 0
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			consumed = len(d.jsonPending)
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			errs = append(errs, errors.WrapInvalid(errors.Join(errors.ErrProtocol, err),
				"Decoder", "Decode", "parse json stream"))
			consumed = len(d.jsonPending)
			break
		}
		consumed = int(dec.InputOffset())

		m, derr := d.json.Decode(raw)
		if derr != nil {
			errs = append(errs, derr)
			continue
		}
		out = append(out, Decoded{Message: m, Format: FormatJSON})
	}

	rest := bytes.TrimLeft(d.jsonPending[consumed:], " \t\r\n")
	if len(rest) > d.maxPending {
		errs = append(errs, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes of incomplete json", errors.ErrProtocol, len(rest)),
			"Decoder", "Decode", "bound pending buffer"))
		rest = nil
	}
	d.jsonPending = append(d.jsonPending[:0], rest...)
	return out, errs
}
