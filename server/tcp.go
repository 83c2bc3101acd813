package server

import (
	"context"
	"net"
	"time"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/session"
	"github.com/c360/rtlstream/transport"
)

// acceptLoop serves gateway sessions on the raw TCP listener until it is
// closed. Accept errors back off briefly rather than spinning.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.WrapFatal(err, "Server", "acceptLoop", "accept tcp")
			}
			s.logger.Warn("tcp accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			continue
		}
		backoff = 5 * time.Millisecond

		s.logger.Debug("tcp gateway connected", "remote_addr", clientAddr(conn))
		go s.Serve(session.KindGateway, transport.NewTCP(conn, s.cfg.WriteTimeout, transport.DefaultReadBuffer))
	}
}

func clientAddr(c net.Conn) string {
	if c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}
