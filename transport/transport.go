// Package transport adapts websocket and raw TCP connections to the
// frame-level Conn the session orchestrator drives.
package transport

import (
	"time"
)

// Conn is one peer connection. ReadFrame is called from a single goroutine
// and unblocks with an error when the connection is closed. WriteFrame is
// safe for concurrent use. Close is idempotent.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
	// Stream reports whether frames are arbitrary byte chunks of a stream
	// rather than whole messages.
	Stream() bool
}

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second
