package tcpmsg

import (
	"bytes"
	"io"
	"log/slog"

	"tcpmsg/internal/protocol"
)

// sendFrame serialises one frame onto the session's transport under the
// write lock, keeping the header and its entire payload contiguous on the
// wire. Any transport failure marks the session for disconnect and is
// returned as a TransportError.
func sendFrame(s *session, log *slog.Logger, debug bool, h *protocol.Header, payload io.Reader) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		return argErr("message", "%v", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if debug {
		log.Debug("frame out",
			"sid", s.sid,
			"status", h.Status.String(),
			"len", h.ContentLength,
			"sync_req", h.SyncRequest,
			"sync_resp", h.SyncResponse,
			"guid", h.ConversationGuid)
	}

	if err := s.framer.WriteFrame(h, payload); err != nil {
		s.close()
		return &TransportError{Op: "write", Addr: s.endpointID, Err: err}
	}
	return nil
}

// sendPayload wraps a byte slice for sendFrame. Nil payloads send an empty
// frame.
func sendPayload(s *session, log *slog.Logger, debug bool, h *protocol.Header, payload []byte) error {
	var src io.Reader
	if len(payload) > 0 {
		src = bytes.NewReader(payload)
	}
	return sendFrame(s, log, debug, h, src)
}

// sendControl emits an empty-payload control frame.
func sendControl(s *session, log *slog.Logger, debug bool, st protocol.Status) error {
	return sendFrame(s, log, debug, controlHeader(st), nil)
}
