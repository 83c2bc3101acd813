package protocol

import (
	"bytes"
	"fmt"

	"github.com/c360/rtlstream/errors"
)

// DefaultMaxPending bounds how many undelimited bytes a Framer holds.
const DefaultMaxPending = 64 * 1024

var (
	prologueBytes  = []byte(Prologue)
	endMarkerBytes = []byte(EndMarker)
)

// Framer splits a tagged-envelope byte stream into messages. Reads may
// split a message or carry several; bytes after the last end marker are
// kept for the next Feed. Not safe for concurrent use.
type Framer struct {
	codec      XMLCodec
	pending    []byte
	maxPending int
}

// NewFramer creates a framer that discards its buffer once more than
// maxPending bytes arrive without an end marker. Zero selects DefaultMaxPending.
func NewFramer(maxPending int) *Framer {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Framer{maxPending: maxPending}
}

// Pending returns the number of buffered bytes awaiting an end marker.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Reset discards buffered bytes.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// Feed appends p and returns every complete message now available, in
// stream order. A malformed envelope yields an error in errs and framing
// continues with the next one.
func (f *Framer) Feed(p []byte) (msgs []Message, errs []error) {
	f.pending = append(f.pending, p...)
	buf := f.pending

	for {
		buf = bytes.TrimLeft(buf, " \t\r\n")
		if len(buf) == 0 {
			break
		}
		if bytes.HasPrefix(buf, prologueBytes) {
			buf = buf[len(prologueBytes):]
			continue
		}
		if buf[0] != '<' {
			i := bytes.IndexByte(buf, '<')
			if i < 0 {
				i = len(buf)
			}
			errs = append(errs, f.garbage(buf[:i]))
			buf = buf[i:]
			continue
		}
		if bytes.HasPrefix(prologueBytes, buf) {
			// partial prologue, wait for the rest
			break
		}

		end := bytes.Index(buf, endMarkerBytes)
		if end < 0 {
			break
		}
		frame := buf[:end+len(endMarkerBytes)]

		// A prologue inside the frame means the bytes before it never
		// completed; report them and restart at the prologue.
		if i := bytes.Index(frame, prologueBytes); i > 0 {
			errs = append(errs, f.garbage(buf[:i]))
			buf = buf[i:]
			continue
		}
		buf = buf[len(frame):]

		m, err := f.codec.Decode(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}

	if len(buf) > f.maxPending {
		errs = append(errs, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes without end marker", errors.ErrProtocol, len(buf)),
			"Framer", "Feed", "bound pending buffer"))
		buf = nil
	}

	// Compact so the backing array does not grow with the stream.
	f.pending = append(f.pending[:0], buf...)
	return msgs, errs
}

func (f *Framer) garbage(b []byte) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %d bytes outside any envelope", errors.ErrProtocol, len(b)),
		"Framer", "Feed", "frame envelope")
}
