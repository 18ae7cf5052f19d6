package protocol

import (
	"errors"
	"fmt"
)

const (
	// PresharedKeyLength is the exact byte length of authentication material.
	PresharedKeyLength = 16

	// GUIDLength is the textual length of a conversation identifier.
	GUIDLength = 36
)

// Header is the wire header of one frame. Field names and shapes are fixed
// for interoperability: UTF-8 JSON, PascalCase keys, preshared key base64
// encoded, timestamps in the 32-character offset layout.
type Header struct {
	ContentLength    int64          `json:"ContentLength"`
	PresharedKey     []byte         `json:"PresharedKey,omitempty"`
	Status           Status         `json:"Status"`
	Metadata         map[string]any `json:"Metadata,omitempty"`
	SyncRequest      bool           `json:"SyncRequest,omitempty"`
	SyncResponse     bool           `json:"SyncResponse,omitempty"`
	Expiration       *Timestamp     `json:"Expiration,omitempty"`
	ConversationGuid string         `json:"ConversationGuid,omitempty"`
	SenderTimestamp  *Timestamp     `json:"SenderTimestamp,omitempty"`
}

// Validate enforces the header invariants. A header that fails validation
// is treated as malformed and terminates the session.
func (h *Header) Validate() error {
	if h.ContentLength < 0 {
		return fmt.Errorf("negative content length %d", h.ContentLength)
	}
	if h.PresharedKey != nil && len(h.PresharedKey) != PresharedKeyLength {
		return fmt.Errorf("preshared key is %d bytes, want %d", len(h.PresharedKey), PresharedKeyLength)
	}
	if h.SyncRequest && h.SyncResponse {
		return errors.New("sync request and sync response are mutually exclusive")
	}
	sync := h.SyncRequest || h.SyncResponse
	hasExp := h.Expiration != nil && !h.Expiration.IsZero()
	hasGuid := h.ConversationGuid != ""
	if sync {
		if !hasExp {
			return errors.New("sync frame without expiration")
		}
		if !hasGuid {
			return errors.New("sync frame without conversation guid")
		}
	}
	if hasExp != hasGuid {
		return errors.New("expiration and conversation guid must be set together")
	}
	if hasGuid && len(h.ConversationGuid) != GUIDLength {
		return fmt.Errorf("conversation guid is %d chars, want %d", len(h.ConversationGuid), GUIDLength)
	}
	return nil
}

// IsControl reports whether the frame is a connection-control frame rather
// than application data.
func (h *Header) IsControl() bool {
	return h.Status != StatusNormal
}
