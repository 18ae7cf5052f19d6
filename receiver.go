package tcpmsg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"tcpmsg/internal/protocol"
)

// receiver drives one session's inbound loop: liveness check, framer read,
// status dispatch, auth gate, sync routing, and buffered-vs-streamed
// delivery. Exactly one of srv/cli is set and selects the side-specific
// handling.
type receiver struct {
	sess       *session
	log        *slog.Logger
	debug      bool
	maxProxied int64
	corr       *syncCorrelator

	srv *Server
	cli *Client
}

// run loops until the peer disconnects, the cancel signal fires, or an
// error tears the session down. The returned error is the teardown cause;
// nil means a clean close (peer EOF, Disconnecting/Removed frame, or
// cancellation).
func (r *receiver) run() error {
	for {
		if r.sess.ctx.Err() != nil {
			return nil
		}
		if !r.sess.stream.Alive() {
			return &TransportError{Op: "probe", Addr: r.sess.endpointID, Err: errors.New("peer is gone")}
		}
		if !r.lockRead() {
			return nil
		}
		h, err := r.sess.framer.ReadHeader()
		if err != nil {
			r.sess.readMu.Unlock()
			return r.classifyReadError(err)
		}
		if r.debug {
			r.log.Debug("frame in",
				"sid", r.sess.sid,
				"status", h.Status.String(),
				"len", h.ContentLength,
				"sync_req", h.SyncRequest,
				"sync_resp", h.SyncResponse,
				"guid", h.ConversationGuid)
		}
		stop, err := r.dispatch(h)
		r.sess.readMu.Unlock()
		if err != nil {
			return r.classifyReadError(err)
		}
		if stop {
			return nil
		}
	}
}

// lockRead acquires the session read lock with a short retry so the loop
// stays responsive to cancellation. Returns false when the session is
// cancelled before the lock is won.
func (r *receiver) lockRead() bool {
	for {
		if r.sess.readMu.TryLock() {
			return true
		}
		select {
		case <-r.sess.ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// classifyReadError converts read-path failures to teardown causes. A
// cancelled session and a clean peer EOF are not errors.
func (r *receiver) classifyReadError(err error) error {
	var te *TransportError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &te):
		return err
	case r.sess.ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, ErrMalformedHeader),
		errors.Is(err, ErrTruncatedPayload),
		errors.Is(err, ErrOversizedHeader):
		return err
	default:
		return &TransportError{Op: "read", Addr: r.sess.endpointID, Err: err}
	}
}

// discard consumes and drops the frame's payload so the stream stays
// aligned on the next header.
func (r *receiver) discard(h *protocol.Header) error {
	if h.ContentLength == 0 {
		return nil
	}
	_, err := io.Copy(io.Discard, r.sess.framer.PayloadReader(h.ContentLength))
	return err
}

func (r *receiver) dispatch(h *protocol.Header) (stop bool, err error) {
	switch h.Status {
	case protocol.StatusRemoved, protocol.StatusDisconnecting:
		_ = r.discard(h)
		return true, nil
	}
	if r.srv != nil {
		return r.dispatchServer(h)
	}
	return r.dispatchClient(h)
}

// --- server side -----------------------------------------------------------

func (r *receiver) dispatchServer(h *protocol.Header) (bool, error) {
	s := r.srv
	sess := r.sess

	if h.Status == protocol.StatusAuthRequested {
		if err := r.discard(h); err != nil {
			return false, err
		}
		if !sess.authRequired {
			return false, nil
		}
		return false, r.handleAuthAttempt(h)
	}

	// Auth gate: until authenticated, nothing else makes progress. The
	// frame is consumed, the application is told auth is still pending,
	// and the demand is repeated.
	if !sess.authenticated.Load() {
		if err := r.discard(h); err != nil {
			return false, err
		}
		info := sess.info()
		if s.opts.Events.AuthenticationRequested != nil {
			guard(r.log, func(e error) { s.emitException(info, e) }, func() {
				s.opts.Events.AuthenticationRequested(info)
			})
		}
		return false, sendControl(sess, r.log, r.debug, protocol.StatusAuthRequired)
	}

	if h.Status != protocol.StatusNormal {
		// Client-directed control frames have no meaning here.
		return false, r.discard(h)
	}
	return false, r.routeNormal(h)
}

// handleAuthAttempt validates the presented key against the configured one.
// Attempts are rate limited; throttled ones are declined without firing the
// application event. The connection stays open either way so the client may
// retry.
func (r *receiver) handleAuthAttempt(h *protocol.Header) error {
	s := r.srv
	sess := r.sess
	info := sess.info()

	if sess.authLimiter != nil && !sess.authLimiter.Allow() {
		r.log.Debug("auth attempt throttled", "sid", sess.sid)
		return sendControl(sess, r.log, r.debug, protocol.StatusAuthFailure)
	}

	if h.PresharedKey != nil && bytes.Equal(h.PresharedKey, s.psk) {
		sess.authenticated.Store(true)
		r.log.Info("client authenticated", "sid", sess.sid, "endpoint", sess.endpointID)
		if err := sendControl(sess, r.log, r.debug, protocol.StatusAuthSuccess); err != nil {
			return err
		}
		info.Authenticated = true
		if s.opts.Events.AuthenticationSucceeded != nil {
			guard(r.log, func(e error) { s.emitException(info, e) }, func() {
				s.opts.Events.AuthenticationSucceeded(info)
			})
		}
		return nil
	}

	s.metrics.AuthFailures.Inc()
	r.log.Info("authentication declined", "sid", sess.sid, "endpoint", sess.endpointID)
	if err := sendControl(sess, r.log, r.debug, protocol.StatusAuthFailure); err != nil {
		return err
	}
	if s.opts.Events.AuthenticationFailed != nil {
		guard(r.log, func(e error) { s.emitException(info, e) }, func() {
			s.opts.Events.AuthenticationFailed(info)
		})
	}
	return nil
}

// --- client side -----------------------------------------------------------

func (r *receiver) dispatchClient(h *protocol.Header) (bool, error) {
	c := r.cli

	switch h.Status {
	case protocol.StatusAuthRequired:
		if err := r.discard(h); err != nil {
			return false, err
		}
		return false, c.respondToAuthDemand(r)
	case protocol.StatusAuthSuccess:
		if err := r.discard(h); err != nil {
			return false, err
		}
		r.sess.authenticated.Store(true)
		r.log.Info("authenticated", "sid", r.sess.sid)
		if c.opts.Events.AuthenticationSucceeded != nil {
			guard(r.log, c.emitException, c.opts.Events.AuthenticationSucceeded)
		}
		return false, nil
	case protocol.StatusAuthFailure:
		if err := r.discard(h); err != nil {
			return false, err
		}
		r.log.Info("authentication declined by server", "sid", r.sess.sid)
		if c.opts.Events.AuthenticationFailed != nil {
			guard(r.log, c.emitException, c.opts.Events.AuthenticationFailed)
		}
		return false, nil
	case protocol.StatusNormal:
		return false, r.routeNormal(h)
	default:
		// Server-directed control frames have no meaning here.
		return false, r.discard(h)
	}
}

// --- shared routing --------------------------------------------------------

func (r *receiver) routeNormal(h *protocol.Header) error {
	switch {
	case h.SyncRequest:
		return r.handleSyncRequest(h)
	case h.SyncResponse:
		return r.handleSyncResponse(h)
	case h.ContentLength >= r.maxProxied:
		return r.deliverStream(h)
	default:
		return r.deliverBuffered(h)
	}
}

func (r *receiver) handleSyncRequest(h *protocol.Header) error {
	payload, err := r.sess.framer.ReadPayload(h.ContentLength)
	if err != nil {
		return err
	}
	r.sess.markSeen()
	r.countReceived(h.ContentLength)

	now := time.Now()
	var senderTS time.Time
	if h.SenderTimestamp != nil {
		senderTS = h.SenderTimestamp.Time
	}
	eff := effectiveExpiration(h.Expiration.Time, senderTS, now)
	if now.After(eff) {
		r.log.Debug("dropping expired sync request", "sid", r.sess.sid, "guid", h.ConversationGuid)
		return nil
	}

	req := &SyncRequest{
		ConversationGUID: h.ConversationGuid,
		Expiration:       eff,
		Metadata:         h.Metadata,
		Payload:          payload,
	}

	var resp *Message
	var handlerErr error
	call := func(fn func()) { guard(r.log, r.exceptionSink(), fn) }

	if r.srv != nil {
		if r.srv.opts.Events.SyncRequest == nil {
			return nil
		}
		info := r.sess.info()
		call(func() { resp, handlerErr = r.srv.opts.Events.SyncRequest(info, req) })
	} else {
		if r.cli.opts.Events.SyncRequest == nil {
			return nil
		}
		call(func() { resp, handlerErr = r.cli.opts.Events.SyncRequest(req) })
	}
	if handlerErr != nil {
		r.log.Warn("sync handler error", "sid", r.sess.sid, "guid", h.ConversationGuid, "err", handlerErr)
		return nil
	}
	if resp == nil {
		return nil
	}
	hdr := syncResponseHeader(resp.Metadata, int64(len(resp.Payload)), h.ConversationGuid, h.Expiration.Time)
	return sendPayload(r.sess, r.log, r.debug, hdr, resp.Payload)
}

func (r *receiver) handleSyncResponse(h *protocol.Header) error {
	payload, err := r.sess.framer.ReadPayload(h.ContentLength)
	if err != nil {
		return err
	}
	r.sess.markSeen()
	r.countReceived(h.ContentLength)
	r.corr.deliver(&SyncResponse{
		ConversationGUID: h.ConversationGuid,
		Expiration:       h.Expiration.Time,
		Metadata:         h.Metadata,
		Payload:          payload,
	})
	return nil
}

// deliverStream hands a large payload to the application as a bounded
// reader, synchronously: the next frame cannot be read until the
// application finishes draining. Whatever it leaves unread is discarded.
func (r *receiver) deliverStream(h *protocol.Header) error {
	sr := r.sess.framer.PayloadReader(h.ContentLength)

	if r.srv != nil && r.srv.opts.Events.StreamReceived != nil {
		info := r.sess.info()
		guard(r.log, r.exceptionSink(), func() {
			r.srv.opts.Events.StreamReceived(info, h.Metadata, h.ContentLength, sr)
		})
	} else if r.cli != nil && r.cli.opts.Events.StreamReceived != nil {
		guard(r.log, r.exceptionSink(), func() {
			r.cli.opts.Events.StreamReceived(h.Metadata, h.ContentLength, sr)
		})
	}

	if err := r.sess.framer.DrainPayload(sr); err != nil {
		return err
	}
	r.sess.markSeen()
	r.countReceived(h.ContentLength)
	return nil
}

// deliverBuffered copies a small payload into memory and dispatches the
// callback on its own goroutine so the receiver can continue.
func (r *receiver) deliverBuffered(h *protocol.Header) error {
	payload, err := r.sess.framer.ReadPayload(h.ContentLength)
	if err != nil {
		return err
	}
	r.sess.markSeen()
	r.countReceived(h.ContentLength)

	msg := &Message{Metadata: h.Metadata, Payload: payload}
	if r.srv != nil && r.srv.opts.Events.MessageReceived != nil {
		info := r.sess.info()
		go guard(r.log, r.exceptionSink(), func() {
			r.srv.opts.Events.MessageReceived(info, msg)
		})
	} else if r.cli != nil && r.cli.opts.Events.MessageReceived != nil {
		go guard(r.log, r.exceptionSink(), func() {
			r.cli.opts.Events.MessageReceived(msg)
		})
	}
	return nil
}

// exceptionSink adapts the side-specific exception event to a plain error
// callback.
func (r *receiver) exceptionSink() func(error) {
	if r.srv != nil {
		info := r.sess.info()
		return func(err error) { r.srv.emitException(info, err) }
	}
	return r.cli.emitException
}

func (r *receiver) countReceived(n int64) {
	if r.srv != nil {
		r.srv.metrics.MessagesReceived.Inc()
		r.srv.metrics.BytesReceived.Add(float64(n))
	}
}

// runSyncReaper periodically sweeps expired parked responses. Shared by
// server and client drivers.
func runSyncReaper(ctx context.Context, corr *syncCorrelator) {
	ticker := time.NewTicker(syncReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			corr.reap(time.Now())
		}
	}
}
