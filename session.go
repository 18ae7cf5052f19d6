package tcpmsg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"tcpmsg/internal/protocol"
	"tcpmsg/internal/transport"
)

// session is the per-connection state shared by server and client sides:
// one transport, one framer, independent read and write locks, liveness and
// disconnect attribution.
type session struct {
	endpointID string // remote IP:port, the registry key
	sid        string // short unique id for logs and the admin API
	stream     *transport.Stream
	framer     *protocol.Framer

	// readMu protects the framer's multi-step parse and the peer probe;
	// writeMu protects header+payload contiguity. They are never collapsed:
	// a single lock would serialize the bidirectional traffic.
	readMu  sync.Mutex
	writeMu sync.Mutex

	// authRequired is fixed at creation; authenticated flips once the
	// preshared key has been validated.
	authRequired  bool
	authenticated atomic.Bool

	// authLimiter throttles repeated authentication attempts. Nil when no
	// preshared key is configured.
	authLimiter *rate.Limiter

	lastSeen   atomic.Int64 // unix nanos of the last inbound data message
	kickedAt   atomic.Int64 // unix nanos; zero = not kicked
	timedOutAt atomic.Int64 // unix nanos; zero = not timed out

	connectedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(parent context.Context, st *transport.Stream, chunkSize int, authRequired bool) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		endpointID:   st.RemoteAddr().String(),
		sid:          xid.New().String(),
		stream:       st,
		framer:       protocol.NewFramer(st, chunkSize),
		authRequired: authRequired,
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.authenticated.Store(!authRequired)
	if authRequired {
		s.authLimiter = rate.NewLimiter(rate.Every(time.Second), 5)
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// markSeen records inbound activity. Called after a data message has been
// fully received, so the value is non-decreasing for the session lifetime.
func (s *session) markSeen() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *session) lastSeenTime() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// markKicked attributes the upcoming disconnect to an explicit kick, unless
// an idle timeout already claimed it. Kicked and timed-out stay disjoint.
func (s *session) markKicked() {
	if s.timedOutAt.Load() != 0 {
		return
	}
	s.kickedAt.CompareAndSwap(0, time.Now().UnixNano())
}

// markTimedOut attributes the upcoming disconnect to idle eviction.
func (s *session) markTimedOut() {
	if s.kickedAt.Load() != 0 {
		return
	}
	s.timedOutAt.CompareAndSwap(0, time.Now().UnixNano())
}

// reason attributes the disconnect: kicked wins over timed out, everything
// else is a normal close.
func (s *session) reason() DisconnectReason {
	if s.kickedAt.Load() != 0 {
		return DisconnectKicked
	}
	if s.timedOutAt.Load() != 0 {
		return DisconnectTimeout
	}
	return DisconnectNormal
}

// close fires the cancel signal and closes the transport, unblocking any
// in-flight I/O. Safe to call repeatedly from any goroutine.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.stream.Close()
	})
}

func (s *session) closedErr() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (s *session) info() ClientInfo {
	return ClientInfo{
		EndpointID:    s.endpointID,
		SessionID:     s.sid,
		Authenticated: s.authenticated.Load(),
		TLS:           s.stream.TLS(),
		ConnectedAt:   s.connectedAt,
		LastSeen:      s.lastSeenTime(),
		BytesRead:     s.stream.BytesRead(),
		BytesWritten:  s.stream.BytesWritten(),
	}
}
