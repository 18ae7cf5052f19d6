// Package transport provides the bidirectional byte stream a session runs
// on: plain TCP or TLS, with transfer accounting and a best-effort
// peer-liveness probe.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"
)

// Stream is one established connection. Reads and writes are counted so
// the owning session can report transfer totals.
type Stream struct {
	conn net.Conn     // what Read/Write go through: *net.TCPConn or *tls.Conn
	tcp  *net.TCPConn // raw socket, kept for the liveness probe

	rxBytes  atomic.Int64
	txBytes  atomic.Int64
	openedAt time.Time
}

// Dial connects to addr within timeout and, when tlsCfg is non-nil,
// completes the client-side TLS handshake before returning.
func Dial(ctx context.Context, addr string, timeout time.Duration, tlsCfg *tls.Config) (*Stream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tcp, _ := conn.(*net.TCPConn)
	if tcp != nil {
		_ = tcp.SetNoDelay(true)
	}
	s := &Stream{conn: conn, tcp: tcp, openedAt: time.Now()}
	if tlsCfg != nil {
		tc := tls.Client(conn, tlsCfg)
		hsCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tc.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, err
		}
		s.conn = tc
	}
	return s, nil
}

// Accept wraps an accepted server-side connection and, when tlsCfg is
// non-nil, completes the server-side TLS handshake within handshakeTimeout.
func Accept(ctx context.Context, conn net.Conn, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Stream, error) {
	tcp, _ := conn.(*net.TCPConn)
	if tcp != nil {
		_ = tcp.SetNoDelay(true)
	}
	s := &Stream{conn: conn, tcp: tcp, openedAt: time.Now()}
	if tlsCfg != nil {
		tc := tls.Server(conn, tlsCfg)
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		if err := tc.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, err
		}
		s.conn = tc
	}
	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.rxBytes.Add(int64(n))
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if n > 0 {
		s.txBytes.Add(int64(n))
	}
	return n, err
}

// Flush is a no-op for TCP and TLS; the framer writes through unbuffered.
func (s *Stream) Flush() error { return nil }

func (s *Stream) Close() error { return s.conn.Close() }

func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }

// BytesRead returns the total payload-layer bytes read from the peer.
func (s *Stream) BytesRead() int64 { return s.rxBytes.Load() }

// BytesWritten returns the total payload-layer bytes written to the peer.
func (s *Stream) BytesWritten() int64 { return s.txBytes.Load() }

// OpenedAt returns when the connection was established.
func (s *Stream) OpenedAt() time.Time { return s.openedAt }

// TLS reports whether the stream carries a TLS session.
func (s *Stream) TLS() bool {
	_, ok := s.conn.(*tls.Conn)
	return ok
}

// Alive is a best-effort liveness probe used before each read attempt:
// a zero-byte write, then a non-blocking single-byte peek of the receive
// buffer. Zero bytes returned on a readable socket means the peer
// half-closed. Non-TCP streams (tests use in-memory pipes) report alive.
func (s *Stream) Alive() bool {
	if _, err := s.conn.Write(nil); err != nil {
		return false
	}
	if s.tcp == nil {
		return true
	}
	return peekAlive(s.tcp)
}
