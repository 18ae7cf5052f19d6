package tcpmsg

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"tcpmsg/internal/protocol"
	"tcpmsg/internal/transport"
)

// Server listens for message-oriented TCP connections, registers one
// session per remote, and exchanges framed messages with each of them.
type Server struct {
	opts    ServerOptions
	log     *slog.Logger
	psk     []byte // trimmed preshared key; nil disables authentication
	tlsCfg  *tls.Config
	reg     *registry
	corr    *syncCorrelator
	metrics *Metrics
	promReg *prometheus.Registry

	ln        net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	connWG    sync.WaitGroup
	started   atomic.Bool
	startedAt time.Time
}

// NewServer validates opts, fills defaults, and returns an unstarted
// server.
func NewServer(opts ServerOptions) (*Server, error) {
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := opts.TLS.serverConfig()
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With("component", "server")
	promReg := prometheus.NewRegistry()
	return &Server{
		opts:    opts,
		log:     log,
		psk:     opts.trimmedPSK(),
		tlsCfg:  tlsCfg,
		reg:     newRegistry(),
		corr:    newSyncCorrelator(log),
		metrics: newMetrics(promReg),
		promReg: promReg,
	}, nil
}

// Start binds the listener and launches the accept loop, the sync reaper,
// and — when configured — the idle reaper, the stats logger and the admin
// API. It does not block; use Run for a blocking variant.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	raw, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.started.Store(false)
		return &TransportError{Op: "listen", Addr: s.opts.Addr, Err: err}
	}
	// The limit listener realises the admission cap: Accept pauses at the
	// cap and resumes as soon as any session closes its connection.
	s.ln = netutil.LimitListener(raw, s.opts.MaxConnections)
	s.startedAt = time.Now()

	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group

	group.Go(func() error { return s.acceptLoop(gctx) })
	group.Go(func() error { runSyncReaper(gctx, s.corr); return nil })
	if s.opts.IdleClientTimeout > 0 {
		group.Go(func() error { s.runIdleReaper(gctx); return nil })
	}
	if s.opts.StatsInterval > 0 {
		group.Go(func() error { s.runStatsLog(gctx, s.opts.StatsInterval); return nil })
	}
	if s.opts.AdminAddr != "" {
		admin := newAdminServer(s)
		group.Go(func() error { return admin.run(gctx, s.opts.AdminAddr) })
	}

	s.log.Info("listening",
		"addr", s.opts.Addr,
		"tls", s.tlsCfg != nil,
		"auth", s.psk != nil,
		"max_connections", s.opts.MaxConnections)
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener, notifies every session with Disconnecting,
// tears all sessions down, and waits for background tasks to exit.
func (s *Server) Stop() error {
	if !s.started.Load() {
		return nil
	}
	s.log.Info("shutting down")
	_ = s.ln.Close()
	// Notify before cancelling: a cancelled session refuses to send.
	for _, sess := range s.reg.list() {
		_ = sendControl(sess, s.log, s.opts.DebugMessages, protocol.StatusDisconnecting)
	}
	s.cancel()
	for _, sess := range s.reg.list() {
		sess.close()
	}
	s.connWG.Wait()
	err := s.group.Wait()
	s.started.Store(false)
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept error", "err", err)
			continue
		}
		if !s.ipPermitted(conn.RemoteAddr()) {
			s.log.Info("connection refused by allow-list", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// ipPermitted applies the allow-list; an empty list admits any remote.
func (s *Server) ipPermitted(addr net.Addr) bool {
	if len(s.opts.PermittedIPs) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	for _, ip := range s.opts.PermittedIPs {
		if ip == host {
			return true
		}
	}
	return false
}

// handleConn performs the TLS handshake, registers the session, demands
// authentication when configured, and drives the receive loop to
// completion.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	st, err := transport.Accept(ctx, conn, s.tlsCfg, tlsHandshakeTimeout)
	if err != nil {
		s.log.Info("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	sess := newSession(s.ctx, st, s.opts.StreamBufferSize, s.psk != nil)
	if stale := s.reg.add(sess); stale != nil {
		// A reconnect from the same endpoint displaced a dead session.
		stale.close()
	}
	s.metrics.ConnectedClients.Inc()
	s.log.Info("client connected", "sid", sess.sid, "endpoint", sess.endpointID, "tls", st.TLS())

	info := sess.info()
	if s.opts.Events.ClientConnected != nil {
		guard(s.log, func(e error) { s.emitException(info, e) }, func() {
			s.opts.Events.ClientConnected(info)
		})
	}

	if sess.authRequired {
		if err := sendControl(sess, s.log, s.opts.DebugMessages, protocol.StatusAuthRequired); err != nil {
			s.teardown(sess, err)
			return
		}
	}

	r := &receiver{
		sess:       sess,
		log:        s.log,
		debug:      s.opts.DebugMessages,
		maxProxied: s.opts.MaxProxiedStreamSize,
		corr:       s.corr,
		srv:        s,
	}
	s.teardown(sess, r.run())
}

// teardown closes the session, removes it from the registry, and reports
// the disconnect with its attributed reason.
func (s *Server) teardown(sess *session, cause error) {
	sess.close()
	s.reg.remove(sess)
	s.metrics.ConnectedClients.Dec()

	reason := sess.reason()
	if cause != nil {
		s.log.Warn("session error", "sid", sess.sid, "endpoint", sess.endpointID, "err", cause)
	}
	s.log.Info("client disconnected", "sid", sess.sid, "endpoint", sess.endpointID, "reason", reason.String())

	info := sess.info()
	if s.opts.Events.ClientDisconnected != nil {
		guard(s.log, func(e error) { s.emitException(info, e) }, func() {
			s.opts.Events.ClientDisconnected(info, reason)
		})
	}
}

func (s *Server) emitException(info ClientInfo, err error) {
	if s.opts.Events.ExceptionEncountered == nil {
		return
	}
	// Raw call: a panic inside the exception handler itself is allowed to
	// surface, otherwise it would recurse forever.
	s.opts.Events.ExceptionEncountered(info, err)
}

// --- operations ------------------------------------------------------------

// Clients snapshots every live session.
func (s *Server) Clients() []ClientInfo { return s.reg.snapshot() }

// ClientCount returns the number of live sessions.
func (s *Server) ClientCount() int { return s.reg.count() }

// IsClientConnected reports whether endpointID has a live session.
func (s *Server) IsClientConnected(endpointID string) bool {
	return s.reg.get(endpointID) != nil
}

// Send delivers msg to the session identified by endpointID.
func (s *Server) Send(endpointID string, msg *Message) error {
	sess := s.reg.get(endpointID)
	if sess == nil {
		return ErrClientNotFound
	}
	if msg == nil {
		msg = &Message{}
	}
	hdr := dataHeader(msg.Metadata, int64(len(msg.Payload)))
	if err := sendPayload(sess, s.log, s.opts.DebugMessages, hdr, msg.Payload); err != nil {
		return err
	}
	s.metrics.MessagesSent.Inc()
	s.metrics.BytesSent.Add(float64(len(msg.Payload)))
	return nil
}

// SendStream delivers contentLength bytes from r to endpointID without
// buffering them in memory.
func (s *Server) SendStream(endpointID string, md map[string]any, contentLength int64, r io.Reader) error {
	if contentLength < 0 {
		return argErr("contentLength", "must be >= 0, got %d", contentLength)
	}
	sess := s.reg.get(endpointID)
	if sess == nil {
		return ErrClientNotFound
	}
	hdr := dataHeader(md, contentLength)
	if err := sendFrame(sess, s.log, s.opts.DebugMessages, hdr, r); err != nil {
		return err
	}
	s.metrics.MessagesSent.Inc()
	s.metrics.BytesSent.Add(float64(contentLength))
	return nil
}

// SendAndWait sends msg as a synchronous request and blocks until the
// matching response arrives or timeout elapses. Timeouts below one second
// are rejected.
func (s *Server) SendAndWait(endpointID string, timeout time.Duration, msg *Message) (*SyncResponse, error) {
	if timeout < MinSyncTimeout {
		return nil, argErr("timeout", "must be >= %s, got %s", MinSyncTimeout, timeout)
	}
	sess := s.reg.get(endpointID)
	if sess == nil {
		return nil, ErrClientNotFound
	}
	if msg == nil {
		msg = &Message{}
	}
	guid := uuid.NewString()
	expiration := time.Now().Add(timeout)
	ch := s.corr.register(guid)
	defer s.corr.unregister(guid)

	hdr := syncRequestHeader(msg.Metadata, int64(len(msg.Payload)), guid, expiration)
	if err := sendPayload(sess, s.log, s.opts.DebugMessages, hdr, msg.Payload); err != nil {
		return nil, &SyncError{ConversationGUID: guid, Err: err}
	}
	s.metrics.MessagesSent.Inc()
	s.metrics.BytesSent.Add(float64(len(msg.Payload)))

	resp, err := s.corr.await(guid, expiration, ch)
	if err != nil {
		s.metrics.SyncTimeouts.Inc()
		return nil, err
	}
	return resp, nil
}

// DisconnectClient sends Removed to the session, attributes the disconnect
// as a kick, and tears the session down.
func (s *Server) DisconnectClient(endpointID string) error {
	sess := s.reg.get(endpointID)
	if sess == nil {
		return ErrClientNotFound
	}
	s.kick(sess)
	return nil
}

func (s *Server) kick(sess *session) {
	sess.markKicked()
	s.metrics.KickedClients.Inc()
	s.log.Info("kicking client", "sid", sess.sid, "endpoint", sess.endpointID)
	_ = sendControl(sess, s.log, s.opts.DebugMessages, protocol.StatusRemoved)
	sess.close()
}

// runIdleReaper evicts sessions whose last inbound activity predates the
// configured idle timeout. Runs every five seconds.
func (s *Server) runIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(idleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.IdleClientTimeout)
			for _, sess := range s.reg.list() {
				if sess.lastSeenTime().Before(cutoff) {
					sess.markTimedOut()
					s.metrics.IdleEvictions.Inc()
					s.log.Info("evicting idle client",
						"sid", sess.sid,
						"endpoint", sess.endpointID,
						"last_seen", sess.lastSeenTime())
					_ = sendControl(sess, s.log, s.opts.DebugMessages, protocol.StatusRemoved)
					sess.close()
				}
			}
		}
	}
}
