package tcpmsg

import (
	"log/slog"
	"strings"
	"time"

	"tcpmsg/internal/protocol"
)

// Defaults and floors for recognised options.
const (
	DefaultStreamBufferSize     = 64 * 1024
	DefaultMaxProxiedStreamSize = 64 * 1024 * 1024
	DefaultConnectTimeout       = 5 * time.Second
	MinConnectTimeout           = 1 * time.Second
	DefaultMaxConnections       = 4096

	// MinSyncTimeout is the smallest accepted SendAndWait timeout.
	MinSyncTimeout = 1000 * time.Millisecond

	idleReapInterval = 5 * time.Second
	syncReapInterval = 1 * time.Second

	tlsHandshakeTimeout = 10 * time.Second
)

// ServerOptions configures a Server. The zero value plus an Addr is a
// working plaintext server; NewServer fills defaults and validates.
type ServerOptions struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:9000".
	Addr string

	// PresharedKey, when non-empty, makes every session start
	// unauthenticated and gates application delivery behind a matching
	// 16-byte key. Leading and trailing whitespace is trimmed before the
	// byte-exact comparison.
	PresharedKey string

	// PermittedIPs is a remote-IP allow-list. Empty admits any address.
	PermittedIPs []string

	// MaxConnections caps concurrent sessions; admission pauses at the
	// cap and resumes when a session closes.
	MaxConnections int

	// IdleClientTimeout evicts sessions with no inbound activity for this
	// long. Zero disables the idle reaper.
	IdleClientTimeout time.Duration

	// StreamBufferSize is the chunk size for payload I/O.
	StreamBufferSize int

	// MaxProxiedStreamSize is the threshold at which payloads are
	// delivered as a stream instead of a buffer.
	MaxProxiedStreamSize int64

	// TLS enables and configures TLS on the listener.
	TLS TLSOptions

	// AdminAddr, when non-empty, serves the ops HTTP API (health, client
	// list, kick, stats, Prometheus metrics) on a separate port.
	AdminAddr string

	// StatsInterval, when non-zero, logs aggregate transfer stats
	// periodically.
	StatsInterval time.Duration

	// DebugMessages raises frame-level traces at debug level.
	DebugMessages bool

	// Logger receives structured logs; nil selects slog.Default().
	Logger *slog.Logger

	Events ServerEvents
}

func (o *ServerOptions) withDefaults() {
	if o.MaxConnections == 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.StreamBufferSize == 0 {
		o.StreamBufferSize = DefaultStreamBufferSize
	}
	if o.MaxProxiedStreamSize == 0 {
		o.MaxProxiedStreamSize = DefaultMaxProxiedStreamSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *ServerOptions) validate() error {
	if o.Addr == "" {
		return argErr("Addr", "listen address required")
	}
	if o.MaxConnections < 1 {
		return argErr("MaxConnections", "must be >= 1, got %d", o.MaxConnections)
	}
	if o.StreamBufferSize < 1 {
		return argErr("StreamBufferSize", "must be > 0, got %d", o.StreamBufferSize)
	}
	if o.MaxProxiedStreamSize < 1 {
		return argErr("MaxProxiedStreamSize", "must be > 0, got %d", o.MaxProxiedStreamSize)
	}
	if o.IdleClientTimeout < 0 {
		return argErr("IdleClientTimeout", "must be >= 0")
	}
	if o.PresharedKey != "" {
		if k := strings.TrimSpace(o.PresharedKey); len(k) != protocol.PresharedKeyLength {
			return argErr("PresharedKey", "must be exactly %d bytes after trimming, got %d", protocol.PresharedKeyLength, len(k))
		}
	}
	return nil
}

// trimmedPSK returns the key bytes used for comparison, or nil when
// authentication is disabled.
func (o *ServerOptions) trimmedPSK() []byte {
	if o.PresharedKey == "" {
		return nil
	}
	return []byte(strings.TrimSpace(o.PresharedKey))
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Addr is the server address, e.g. "127.0.0.1:9000".
	Addr string

	// ConnectTimeout bounds the TCP (and TLS) handshake. Defaults to 5s;
	// values below one second are rejected.
	ConnectTimeout time.Duration

	// PresharedKey is sent automatically when the server demands
	// authentication. When empty, Events.AuthenticationRequested is
	// consulted instead.
	PresharedKey string

	StreamBufferSize     int
	MaxProxiedStreamSize int64

	TLS TLSOptions

	DebugMessages bool

	// Logger receives structured logs; nil selects slog.Default().
	Logger *slog.Logger

	Events ClientEvents
}

func (o *ClientOptions) withDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StreamBufferSize == 0 {
		o.StreamBufferSize = DefaultStreamBufferSize
	}
	if o.MaxProxiedStreamSize == 0 {
		o.MaxProxiedStreamSize = DefaultMaxProxiedStreamSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *ClientOptions) validate() error {
	if o.Addr == "" {
		return argErr("Addr", "server address required")
	}
	if o.ConnectTimeout < MinConnectTimeout {
		return argErr("ConnectTimeout", "must be >= %s, got %s", MinConnectTimeout, o.ConnectTimeout)
	}
	if o.StreamBufferSize < 1 {
		return argErr("StreamBufferSize", "must be > 0, got %d", o.StreamBufferSize)
	}
	if o.MaxProxiedStreamSize < 1 {
		return argErr("MaxProxiedStreamSize", "must be > 0, got %d", o.MaxProxiedStreamSize)
	}
	if o.PresharedKey != "" {
		if k := strings.TrimSpace(o.PresharedKey); len(k) != protocol.PresharedKeyLength {
			return argErr("PresharedKey", "must be exactly %d bytes after trimming, got %d", protocol.PresharedKeyLength, len(k))
		}
	}
	return nil
}
