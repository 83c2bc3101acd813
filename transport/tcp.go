package transport

import (
	"net"
	"sync"
	"time"

	"github.com/c360/rtlstream/errors"
)

// DefaultReadBuffer is the TCP read chunk size.
const DefaultReadBuffer = 32 * 1024

// TCP is a Conn over a raw byte stream. Frames are whatever each read
// returns, so messages may be split or concatenated.
type TCP struct {
	conn         net.Conn
	writeTimeout time.Duration
	buf          []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*TCP)(nil)

// NewTCP wraps conn.
func NewTCP(conn net.Conn, writeTimeout time.Duration, readBuffer int) *TCP {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if readBuffer <= 0 {
		readBuffer = DefaultReadBuffer
	}
	return &TCP{conn: conn, writeTimeout: writeTimeout, buf: make([]byte, readBuffer)}
}

// ReadFrame returns the bytes of the next read.
func (t *TCP) ReadFrame() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		frame := make([]byte, n)
		copy(frame, t.buf[:n])
		return frame, nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, errors.WrapTransient(errors.Join(errors.ErrConnectionLost, err), "TCP", "ReadFrame", "read")
}

// WriteFrame writes frame in full.
func (t *TCP) WriteFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := t.conn.Write(frame); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrConnectionLost, err), "TCP", "WriteFrame", "write")
	}
	return nil
}

// Close closes the socket.
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr returns the peer address.
func (t *TCP) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Stream is true: reads are arbitrary chunks.
func (t *TCP) Stream() bool { return true }
