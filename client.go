package tcpmsg

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tcpmsg/internal/protocol"
	"tcpmsg/internal/transport"
)

// Client maintains a single long-lived session to a server. Reconnection
// after a disconnect is the application's concern: construct or Connect
// again.
type Client struct {
	opts   ClientOptions
	log    *slog.Logger
	tlsCfg *tls.Config
	corr   *syncCorrelator

	mu   sync.Mutex
	sess *session
	done chan struct{} // closed when the receiver for the current session exits
}

// NewClient validates opts, fills defaults, and returns an unconnected
// client.
func NewClient(opts ClientOptions) (*Client, error) {
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	tlsOpts := opts.TLS
	if tlsOpts.Enabled && tlsOpts.ServerName == "" && tlsOpts.Config == nil {
		if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
			tlsOpts.ServerName = host
		}
	}
	tlsCfg, err := tlsOpts.clientConfig()
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With("component", "client")
	return &Client{
		opts:   opts,
		log:    log,
		tlsCfg: tlsCfg,
		corr:   newSyncCorrelator(log),
	}, nil
}

// Connect dials the server within the configured connect timeout, performs
// the TLS handshake when enabled, and starts the receive loop and the sync
// reaper. If the server demands authentication, the receive loop answers
// it with the configured key or the AuthenticationRequested callback.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess.ctx.Err() == nil {
		return argErr("Connect", "already connected to %s", c.opts.Addr)
	}

	st, err := transport.Dial(ctx, c.opts.Addr, c.opts.ConnectTimeout, c.tlsCfg)
	if err != nil {
		return &TransportError{Op: "dial", Addr: c.opts.Addr, Err: err}
	}

	sess := newSession(context.Background(), st, c.opts.StreamBufferSize, false)
	c.sess = sess
	done := make(chan struct{})
	c.done = done

	c.log.Info("connected", "addr", c.opts.Addr, "sid", sess.sid, "tls", st.TLS())
	if c.opts.Events.ServerConnected != nil {
		guard(c.log, c.emitException, c.opts.Events.ServerConnected)
	}

	go runSyncReaper(sess.ctx, c.corr)
	go func() {
		defer close(done)
		r := &receiver{
			sess:       sess,
			log:        c.log,
			debug:      c.opts.DebugMessages,
			maxProxied: c.opts.MaxProxiedStreamSize,
			corr:       c.corr,
			cli:        c,
		}
		c.finish(sess, r.run())
	}()
	return nil
}

// finish runs once per session when its receiver exits: tears the session
// down and reports the disconnect.
func (c *Client) finish(sess *session, cause error) {
	sess.close()
	if cause != nil {
		c.log.Warn("session error", "sid", sess.sid, "err", cause)
	}
	c.log.Info("disconnected", "addr", c.opts.Addr, "sid", sess.sid)
	if c.opts.Events.ServerDisconnected != nil {
		guard(c.log, c.emitException, func() {
			c.opts.Events.ServerDisconnected(cause)
		})
	}
}

// Close notifies the server with a Disconnecting frame, tears the session
// down, and waits for the receive loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.sess
	done := c.done
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	_ = sendControl(sess, c.log, c.opts.DebugMessages, protocol.StatusDisconnecting)
	sess.close()
	if done != nil {
		<-done
	}
	return nil
}

// Connected reports whether a live session exists.
func (c *Client) Connected() bool {
	sess := c.current()
	return sess != nil && sess.ctx.Err() == nil
}

// Authenticated reports whether the server has accepted this client's
// preshared key (always true when the server never demanded one).
func (c *Client) Authenticated() bool {
	sess := c.current()
	return sess != nil && sess.authenticated.Load()
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) live() (*session, error) {
	sess := c.current()
	if sess == nil || sess.ctx.Err() != nil {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// Send delivers msg to the server.
func (c *Client) Send(msg *Message) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	if msg == nil {
		msg = &Message{}
	}
	hdr := dataHeader(msg.Metadata, int64(len(msg.Payload)))
	return sendPayload(sess, c.log, c.opts.DebugMessages, hdr, msg.Payload)
}

// SendStream delivers contentLength bytes from r without buffering them.
func (c *Client) SendStream(md map[string]any, contentLength int64, r io.Reader) error {
	if contentLength < 0 {
		return argErr("contentLength", "must be >= 0, got %d", contentLength)
	}
	sess, err := c.live()
	if err != nil {
		return err
	}
	hdr := dataHeader(md, contentLength)
	return sendFrame(sess, c.log, c.opts.DebugMessages, hdr, r)
}

// SendAndWait sends msg as a synchronous request and blocks until the
// matching response arrives or timeout elapses. Timeouts below one second
// are rejected.
func (c *Client) SendAndWait(timeout time.Duration, msg *Message) (*SyncResponse, error) {
	if timeout < MinSyncTimeout {
		return nil, argErr("timeout", "must be >= %s, got %s", MinSyncTimeout, timeout)
	}
	sess, err := c.live()
	if err != nil {
		return nil, err
	}
	if msg == nil {
		msg = &Message{}
	}
	guid := uuid.NewString()
	expiration := time.Now().Add(timeout)
	ch := c.corr.register(guid)
	defer c.corr.unregister(guid)

	hdr := syncRequestHeader(msg.Metadata, int64(len(msg.Payload)), guid, expiration)
	if err := sendPayload(sess, c.log, c.opts.DebugMessages, hdr, msg.Payload); err != nil {
		return nil, &SyncError{ConversationGUID: guid, Err: err}
	}
	return c.corr.await(guid, expiration, ch)
}

// respondToAuthDemand answers an AuthRequired frame with the configured
// key, or the one supplied by the AuthenticationRequested callback.
// Without key material the demand is logged and the session stays
// unauthenticated; the server will repeat it.
func (c *Client) respondToAuthDemand(r *receiver) error {
	r.sess.authenticated.Store(false)
	key := c.opts.PresharedKey
	if key == "" && c.opts.Events.AuthenticationRequested != nil {
		guard(c.log, c.emitException, func() {
			key = c.opts.Events.AuthenticationRequested()
		})
	}
	if key == "" {
		c.log.Warn("server demands authentication but no preshared key is available")
		return nil
	}
	trimmed := strings.TrimSpace(key)
	if len(trimmed) != protocol.PresharedKeyLength {
		err := argErr("PresharedKey", "must be exactly %d bytes after trimming, got %d", protocol.PresharedKeyLength, len(trimmed))
		c.emitException(err)
		return nil
	}
	hdr := controlHeader(protocol.StatusAuthRequested)
	hdr.PresharedKey = []byte(trimmed)
	return sendFrame(r.sess, c.log, c.opts.DebugMessages, hdr, nil)
}

// Authenticate sends the preshared key immediately, for applications that
// retry after an AuthenticationFailed event instead of waiting for the
// server to demand credentials again.
func (c *Client) Authenticate(key string) error {
	sess, err := c.live()
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(key)
	if len(trimmed) != protocol.PresharedKeyLength {
		return argErr("key", "must be exactly %d bytes after trimming, got %d", protocol.PresharedKeyLength, len(trimmed))
	}
	hdr := controlHeader(protocol.StatusAuthRequested)
	hdr.PresharedKey = []byte(trimmed)
	return sendFrame(sess, c.log, c.opts.DebugMessages, hdr, nil)
}

func (c *Client) emitException(err error) {
	if c.opts.Events.ExceptionEncountered == nil {
		return
	}
	c.opts.Events.ExceptionEncountered(err)
}

// NewConversationGUID returns a fresh 36-character conversation id, for
// applications correlating their own request/response pairs.
func NewConversationGUID() string { return uuid.NewString() }
