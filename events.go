package tcpmsg

import (
	"fmt"
	"io"
	"log/slog"
)

// ServerEvents wires application callbacks into a server. All fields are
// optional. Callbacks marked async run on their own goroutine; the rest run
// on the session's receiver and block it until they return. Panics inside
// any callback are recovered, logged, and reported through
// ExceptionEncountered rather than killing the receiver.
type ServerEvents struct {
	// ClientConnected fires after handshake and registration.
	ClientConnected func(ClientInfo)

	// ClientDisconnected fires after teardown with the attributed reason.
	ClientDisconnected func(ClientInfo, DisconnectReason)

	// MessageReceived delivers a fully buffered message (async).
	MessageReceived func(ClientInfo, *Message)

	// StreamReceived delivers a large payload as a bounded reader. It runs
	// on the receiver: the next frame cannot be parsed until the reader is
	// drained, and any unread remainder is discarded on return.
	StreamReceived func(ClientInfo, map[string]any, int64, io.Reader)

	// SyncRequest answers an inbound synchronous request. A non-nil
	// message is sent back under the request's conversation id.
	SyncRequest func(ClientInfo, *SyncRequest) (*Message, error)

	// AuthenticationSucceeded fires when a session presents the correct
	// preshared key.
	AuthenticationSucceeded func(ClientInfo)

	// AuthenticationRequested fires when an unauthenticated session sends
	// anything other than credentials; the server re-demands auth.
	AuthenticationRequested func(ClientInfo)

	// AuthenticationFailed fires on a wrong preshared key.
	AuthenticationFailed func(ClientInfo)

	// ExceptionEncountered reports callback panics and unexpected
	// session-level failures.
	ExceptionEncountered func(ClientInfo, error)
}

// ClientEvents wires application callbacks into a client.
type ClientEvents struct {
	// ServerConnected fires once the connection (and TLS handshake, if
	// configured) is up.
	ServerConnected func()

	// ServerDisconnected fires once on teardown, whatever the cause; err
	// is nil for a clean close.
	ServerDisconnected func(err error)

	// MessageReceived delivers a fully buffered message (async).
	MessageReceived func(*Message)

	// StreamReceived delivers a large payload as a bounded reader,
	// synchronously on the receiver.
	StreamReceived func(map[string]any, int64, io.Reader)

	// SyncRequest answers an inbound synchronous request from the server.
	SyncRequest func(*SyncRequest) (*Message, error)

	// AuthenticationRequested supplies the preshared key when the server
	// demands one and ClientOptions.PresharedKey is empty. Returning ""
	// leaves the session unauthenticated.
	AuthenticationRequested func() string

	AuthenticationSucceeded func()
	AuthenticationFailed    func()

	// ExceptionEncountered reports callback panics and unexpected
	// session-level failures.
	ExceptionEncountered func(err error)
}

// guard runs fn and converts a panic into an error handed to onErr, so one
// buggy handler cannot kill the process or the receiver loop.
func guard(log *slog.Logger, onErr func(error), fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("callback panic: %v", rec)
			log.Error("callback panic recovered", "err", rec)
			if onErr != nil {
				onErr(err)
			}
		}
	}()
	fn()
}
