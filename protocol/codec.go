package protocol

import (
	"github.com/c360/rtlstream/errors"
)

// Format identifies a wire encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatXML
)

func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "json"
}

// Codec converts single messages to and from one wire encoding. Decode
// returns an error wrapping errors.ErrDecodeMiss when the frame is not in
// the codec's format at all, and one wrapping errors.ErrProtocol when it
// is in the format but malformed.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

// CodecFor returns the codec for a format.
func CodecFor(f Format) Codec {
	if f == FormatXML {
		return XMLCodec{}
	}
	return JSONCodec{}
}

func decodeMiss(codec, reason string) error {
	return errors.Wrap(errors.ErrDecodeMiss, codec, "Decode", reason)
}

func malformed(codec string, err error) error {
	return errors.WrapInvalid(errors.Join(errors.ErrProtocol, err), codec, "Decode", "parse message")
}
