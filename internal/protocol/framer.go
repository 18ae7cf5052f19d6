package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHeaderBytes caps header growth while scanning for the delimiter.
	MaxHeaderBytes = 1 << 20

	// DefaultChunkSize is the payload I/O chunk size.
	DefaultChunkSize = 64 * 1024
)

// Framing failures. All of them are fatal to the session that produced them.
var (
	ErrMalformedHeader  = errors.New("malformed header")
	ErrTruncatedPayload = errors.New("truncated payload")
	ErrOversizedHeader  = errors.New("oversized header")
)

var (
	delimLF   = []byte("\n\n")
	delimCRLF = []byte("\r\n\r\n")
)

// A Flusher pushes buffered bytes to the peer. Transport streams that
// buffer writes implement it; the framer flushes after each frame.
type Flusher interface {
	Flush() error
}

// Framer reads and writes single frames on a byte stream. Read state
// (the buffered reader) and write state are independent so a session can
// hold its read and write locks separately.
type Framer struct {
	br    *bufio.Reader
	w     io.Writer
	chunk int
}

// NewFramer wraps rw. chunkSize <= 0 selects DefaultChunkSize.
func NewFramer(rw io.ReadWriter, chunkSize int) *Framer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Framer{
		br:    bufio.NewReaderSize(rw, chunkSize),
		w:     rw,
		chunk: chunkSize,
	}
}

// ReadHeader consumes bytes up to and including the header delimiter and
// returns the parsed, validated header. A clean end-of-stream before any
// byte of the next header returns io.EOF; end-of-stream mid-header is
// malformed. The payload is NOT consumed; the caller drains it with
// ReadPayload or PayloadReader before the next ReadHeader.
func (f *Framer) ReadHeader() (*Header, error) {
	raw, err := f.readUntilDelimiter()
	if err != nil {
		return nil, err
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return &h, nil
}

// readUntilDelimiter accumulates header bytes one at a time until the
// buffer ends in two consecutive line terminators, in either the LF-only
// or the CRLF convention, and returns the bytes with the delimiter
// stripped.
func (f *Framer) readUntilDelimiter() ([]byte, error) {
	buf := make([]byte, 0, 256)
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: stream ended mid-header", ErrMalformedHeader)
			}
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > MaxHeaderBytes {
			return nil, fmt.Errorf("%w: no delimiter within %d bytes", ErrOversizedHeader, MaxHeaderBytes)
		}
		if bytes.HasSuffix(buf, delimCRLF) {
			return buf[:len(buf)-len(delimCRLF)], nil
		}
		if bytes.HasSuffix(buf, delimLF) {
			return buf[:len(buf)-len(delimLF)], nil
		}
	}
}

// ReadPayload reads exactly n bytes into memory.
func (f *Framer) ReadPayload(n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.br, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedPayload, err)
	}
	return buf, nil
}

// PayloadReader returns a bounded reader over the next n payload bytes.
// The caller owns draining it; DrainPayload disposes of any remainder.
func (f *Framer) PayloadReader(n int64) io.Reader {
	return &payloadReader{r: io.LimitReader(f.br, n)}
}

// DrainPayload discards whatever the caller left unread of a streamed
// payload so the framer stays aligned on the next header.
func (f *Framer) DrainPayload(r io.Reader) error {
	pr, ok := r.(*payloadReader)
	if !ok {
		return nil
	}
	if _, err := io.Copy(io.Discard, pr.r); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedPayload, err)
	}
	return nil
}

// payloadReader surfaces short reads at end-of-stream as truncation.
type payloadReader struct {
	r io.Reader
}

func (p *payloadReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err == io.EOF {
		if lr, ok := p.r.(*io.LimitedReader); ok && lr.N > 0 {
			return n, fmt.Errorf("%w: %d bytes missing", ErrTruncatedPayload, lr.N)
		}
	}
	return n, err
}

// WriteFrame serialises the header, appends the LF LF delimiter, writes
// both in a single call, then streams exactly h.ContentLength bytes from
// src in chunk-sized writes, flushing once at the end. Callers hold the
// session write lock so header and payload are contiguous on the wire.
func (f *Framer) WriteFrame(h *Header, src io.Reader) error {
	if err := h.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	raw = append(raw, delimLF...)
	if _, err := f.w.Write(raw); err != nil {
		return err
	}
	if h.ContentLength > 0 {
		if src == nil {
			return fmt.Errorf("content length %d with no payload source", h.ContentLength)
		}
		buf := make([]byte, f.chunk)
		n, err := io.CopyBuffer(f.w, io.LimitReader(src, h.ContentLength), buf)
		if err != nil {
			return err
		}
		if n != h.ContentLength {
			return fmt.Errorf("%w: wrote %d of %d payload bytes", ErrTruncatedPayload, n, h.ContentLength)
		}
	}
	if fl, ok := f.w.(Flusher); ok {
		return fl.Flush()
	}
	return nil
}
