package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)

	in := &Header{
		ContentLength: 5,
		Status:        StatusNormal,
		Metadata:      map[string]any{"role": "greeter", "n": float64(3)},
	}
	require.NoError(t, f.WriteFrame(in, strings.NewReader("hello")))

	out, err := f.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.ContentLength)
	assert.Equal(t, StatusNormal, out.Status)
	assert.Equal(t, in.Metadata, out.Metadata)

	payload, err := f.ReadPayload(out.ContentLength)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestReadAcceptsCRLFDelimiter(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"ContentLength":2,"Status":"Normal"}`)
	buf.WriteString("\r\n\r\n")
	buf.WriteString("ok")

	f := NewFramer(&buf, 0)
	h, err := f.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.ContentLength)

	payload, err := f.ReadPayload(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), payload)
}

func TestWriteEmitsLFDelimiter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)
	require.NoError(t, f.WriteFrame(&Header{Status: StatusNormal}, nil))
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n\n")))
	assert.False(t, bytes.Contains(buf.Bytes(), []byte("\r\n")))
}

func TestEmptyPayloadIsLegal(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)
	require.NoError(t, f.WriteFrame(&Header{ContentLength: 0, Status: StatusNormal}, nil))

	h, err := f.ReadHeader()
	require.NoError(t, err)
	payload, err := f.ReadPayload(h.ContentLength)
	require.NoError(t, err)
	assert.Len(t, payload, 0)
	assert.NotNil(t, payload)
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"ContentLength":10,"Status":"Normal"}` + "\n\n" + "abc")

	f := NewFramer(&buf, 0)
	h, err := f.ReadHeader()
	require.NoError(t, err)
	_, err = f.ReadPayload(h.ContentLength)
	require.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestTruncatedStreamedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"ContentLength":10,"Status":"Normal"}` + "\n\n" + "abc")

	f := NewFramer(&buf, 0)
	h, err := f.ReadHeader()
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, f.PayloadReader(h.ContentLength))
	require.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestMalformedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("this is not json\n\n")

	f := NewFramer(&buf, 0)
	_, err := f.ReadHeader()
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderEndingMidStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"ContentLength":0`)

	f := NewFramer(&buf, 0)
	_, err := f.ReadHeader()
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestCleanEOFBeforeHeader(t *testing.T) {
	f := NewFramer(&bytes.Buffer{}, 0)
	_, err := f.ReadHeader()
	require.ErrorIs(t, err, io.EOF)
}

func TestOversizedHeader(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader(`{"Metadata":{"x":"`),
		strings.NewReader(strings.Repeat("a", MaxHeaderBytes+10)),
	)
	f := NewFramer(struct {
		io.Reader
		io.Writer
	}{r, io.Discard}, 0)
	_, err := f.ReadHeader()
	require.ErrorIs(t, err, ErrOversizedHeader)
}

func TestUnknownStatusRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"ContentLength":0,"Status":"Bogus"}` + "\n\n")

	f := NewFramer(&buf, 0)
	_, err := f.ReadHeader()
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDrainPayloadRealigns(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)
	require.NoError(t, f.WriteFrame(&Header{ContentLength: 6, Status: StatusNormal}, strings.NewReader("first!")))
	require.NoError(t, f.WriteFrame(&Header{ContentLength: 6, Status: StatusNormal}, strings.NewReader("second")))

	h, err := f.ReadHeader()
	require.NoError(t, err)
	sr := f.PayloadReader(h.ContentLength)
	// Read only half, then drain; the next header must still parse.
	half := make([]byte, 3)
	_, err = io.ReadFull(sr, half)
	require.NoError(t, err)
	require.NoError(t, f.DrainPayload(sr))

	h2, err := f.ReadHeader()
	require.NoError(t, err)
	payload, err := f.ReadPayload(h2.ContentLength)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), payload)
}

func TestSyncHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)

	exp := time.Date(2026, 8, 1, 12, 0, 0, 500_000_000, time.UTC)
	in := &Header{
		ContentLength:    4,
		Status:           StatusNormal,
		SyncRequest:      true,
		ConversationGuid: "8a2cbf29-94f5-4f4e-9d3a-1c2d3e4f5a6b",
		Expiration:       NewTimestamp(exp),
		SenderTimestamp:  NewTimestamp(exp.Add(-time.Minute)),
	}
	require.NoError(t, f.WriteFrame(in, strings.NewReader("ping")))

	out, err := f.ReadHeader()
	require.NoError(t, err)
	assert.True(t, out.SyncRequest)
	assert.False(t, out.SyncResponse)
	assert.Equal(t, in.ConversationGuid, out.ConversationGuid)
	assert.True(t, out.Expiration.Equal(exp))
	assert.True(t, out.SenderTimestamp.Equal(exp.Add(-time.Minute)))
}

func TestTimestampWireFormat(t *testing.T) {
	ts := NewTimestamp(time.Date(2026, 8, 1, 9, 30, 15, 123_456_000, time.UTC))
	b, err := ts.MarshalJSON()
	require.NoError(t, err)
	// Quoted string: 32 characters plus the two quotes.
	assert.Len(t, b, 34)
	assert.Equal(t, `"2026-08-01 09:30:15.123456+00:00"`, string(b))
}

func TestTimestampAcceptsMillisecondFraction(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"2026-08-01 09:30:15.123+00:00"`)))
	assert.Equal(t, 123_000_000, ts.Nanosecond())
}

func TestHeaderValidate(t *testing.T) {
	guid := "8a2cbf29-94f5-4f4e-9d3a-1c2d3e4f5a6b"
	exp := NewTimestamp(time.Now().Add(time.Minute))
	cases := []struct {
		name string
		h    Header
		ok   bool
	}{
		{"plain", Header{Status: StatusNormal}, true},
		{"negative length", Header{ContentLength: -1}, false},
		{"short psk", Header{PresharedKey: []byte("short")}, false},
		{"exact psk", Header{PresharedKey: []byte("0123456789ABCDEF")}, true},
		{"both sync flags", Header{SyncRequest: true, SyncResponse: true, ConversationGuid: guid, Expiration: exp}, false},
		{"sync without expiration", Header{SyncRequest: true, ConversationGuid: guid}, false},
		{"sync without guid", Header{SyncRequest: true, Expiration: exp}, false},
		{"sync complete", Header{SyncRequest: true, ConversationGuid: guid, Expiration: exp}, true},
		{"guid without expiration", Header{ConversationGuid: guid}, false},
		{"expiration without guid", Header{Expiration: exp}, false},
		{"short guid", Header{SyncRequest: true, ConversationGuid: "abc", Expiration: exp}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.h.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWriteFrameChunksLargePayload(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 1024)

	payload := bytes.Repeat([]byte{0xAB}, 10_000)
	h := &Header{ContentLength: int64(len(payload)), Status: StatusNormal}
	require.NoError(t, f.WriteFrame(h, bytes.NewReader(payload)))

	out, err := f.ReadHeader()
	require.NoError(t, err)
	got, err := f.ReadPayload(out.ContentLength)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameShortSource(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, 0)
	h := &Header{ContentLength: 10, Status: StatusNormal}
	err := f.WriteFrame(h, strings.NewReader("abc"))
	require.ErrorIs(t, err, ErrTruncatedPayload)
}
