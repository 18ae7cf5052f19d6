package tcpmsg

import (
	"time"

	"tcpmsg/internal/protocol"
)

// Message is one application-level message: user metadata plus a buffered
// payload. It is the unit handed to MessageReceived callbacks and accepted
// by Send.
type Message struct {
	Metadata map[string]any
	Payload  []byte
}

// SyncRequest is an inbound synchronous request handed to the application's
// sync handler. Expiration is the effective deadline after clock-skew
// compensation; the handler should return promptly relative to it.
type SyncRequest struct {
	ConversationGUID string
	Expiration       time.Time
	Metadata         map[string]any
	Payload          []byte
}

// SyncResponse is the result of a SendAndWait round-trip.
type SyncResponse struct {
	ConversationGUID string
	Expiration       time.Time
	Metadata         map[string]any
	Payload          []byte
}

// ClientInfo is a point-in-time snapshot of one server-side session,
// reported by events, Clients() and the admin API.
type ClientInfo struct {
	EndpointID    string    `json:"endpoint_id"`
	SessionID     string    `json:"session_id"`
	Authenticated bool      `json:"authenticated"`
	TLS           bool      `json:"tls"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
	BytesRead     int64     `json:"bytes_read"`
	BytesWritten  int64     `json:"bytes_written"`
}

// DisconnectReason attributes why a session ended.
type DisconnectReason int

const (
	DisconnectNormal DisconnectReason = iota
	DisconnectKicked
	DisconnectTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectKicked:
		return "Kicked"
	case DisconnectTimeout:
		return "Timeout"
	default:
		return "Normal"
	}
}

// dataHeader builds the wire header for an ordinary data message.
func dataHeader(md map[string]any, contentLength int64) *protocol.Header {
	return &protocol.Header{
		ContentLength:   contentLength,
		Status:          protocol.StatusNormal,
		Metadata:        md,
		SenderTimestamp: protocol.NewTimestamp(time.Now()),
	}
}

// controlHeader builds an empty-payload control frame.
func controlHeader(st protocol.Status) *protocol.Header {
	return &protocol.Header{
		Status:          st,
		SenderTimestamp: protocol.NewTimestamp(time.Now()),
	}
}

// syncRequestHeader builds the header for an outbound synchronous request.
func syncRequestHeader(md map[string]any, contentLength int64, guid string, expiration time.Time) *protocol.Header {
	return &protocol.Header{
		ContentLength:    contentLength,
		Status:           protocol.StatusNormal,
		Metadata:         md,
		SyncRequest:      true,
		ConversationGuid: guid,
		Expiration:       protocol.NewTimestamp(expiration),
		SenderTimestamp:  protocol.NewTimestamp(time.Now()),
	}
}

// syncResponseHeader echoes the conversation guid and the stated expiration
// of the request it answers.
func syncResponseHeader(md map[string]any, contentLength int64, guid string, expiration time.Time) *protocol.Header {
	return &protocol.Header{
		ContentLength:    contentLength,
		Status:           protocol.StatusNormal,
		Metadata:         md,
		SyncResponse:     true,
		ConversationGuid: guid,
		Expiration:       protocol.NewTimestamp(expiration),
		SenderTimestamp:  protocol.NewTimestamp(time.Now()),
	}
}
