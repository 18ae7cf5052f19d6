package tcpmsg

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"
)

// dialRaw opens a plain TCP connection to the server so tests can speak
// the wire format byte by byte.
func dialRaw(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWireFormatCRLFPeer(t *testing.T) {
	got := make(chan *Message, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.MessageReceived = func(_ ClientInfo, msg *Message) { got <- msg }
	})
	conn := dialRaw(t, srv)

	// A peer whose serializer emits CRLF newlines.
	frame := `{"ContentLength":5,"Status":"Normal","Metadata":{"role":"greeter"}}` + "\r\n\r\n" + "hello"
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatal(err)
	}

	msg := recv(t, got, 3*time.Second, "MessageReceived from CRLF peer")
	if string(msg.Payload) != "hello" {
		t.Errorf("payload = %q", msg.Payload)
	}
	if msg.Metadata["role"] != "greeter" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestWireFormatLFPeer(t *testing.T) {
	got := make(chan *Message, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.MessageReceived = func(_ ClientInfo, msg *Message) { got <- msg }
	})
	conn := dialRaw(t, srv)

	frame := `{"ContentLength":2,"Status":"Normal"}` + "\n\n" + "ok"
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatal(err)
	}

	msg := recv(t, got, 3*time.Second, "MessageReceived from LF peer")
	if string(msg.Payload) != "ok" {
		t.Errorf("payload = %q", msg.Payload)
	}
}

func TestOutboundFrameShape(t *testing.T) {
	connected := make(chan ClientInfo, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.ClientConnected = func(ci ClientInfo) { connected <- ci }
	})
	conn := dialRaw(t, srv)
	ci := recv(t, connected, 3*time.Second, "ClientConnected")

	if err := srv.Send(ci.EndpointID, &Message{
		Metadata: map[string]any{"k": "v"},
		Payload:  []byte("payload!"),
	}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)

	// Header runs to the first double-LF delimiter.
	var raw []byte
	for !bytes.HasSuffix(raw, []byte("\n\n")) {
		b, err := br.ReadByte()
		if err != nil {
			t.Fatalf("reading header: %v", err)
		}
		raw = append(raw, b)
	}
	raw = raw[:len(raw)-2]

	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		t.Fatalf("header is not valid JSON: %v\n%s", err, raw)
	}
	// Field names are PascalCase on the wire.
	if header["ContentLength"] != float64(8) {
		t.Errorf("ContentLength = %v, want 8", header["ContentLength"])
	}
	if header["Status"] != "Normal" {
		t.Errorf("Status = %v, want Normal", header["Status"])
	}
	md, ok := header["Metadata"].(map[string]any)
	if !ok || md["k"] != "v" {
		t.Errorf("Metadata = %v", header["Metadata"])
	}
	ts, ok := header["SenderTimestamp"].(string)
	if !ok || len(ts) != 32 {
		t.Errorf("SenderTimestamp = %v, want a 32-char timestamp", header["SenderTimestamp"])
	}

	payload := make([]byte, 8)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(payload) != "payload!" {
		t.Errorf("payload = %q", payload)
	}
}

func TestGarbageHeaderTearsDownSession(t *testing.T) {
	gone := make(chan DisconnectReason, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.ClientDisconnected = func(_ ClientInfo, r DisconnectReason) { gone <- r }
	})
	conn := dialRaw(t, srv)

	if _, err := conn.Write([]byte("definitely not json\n\n")); err != nil {
		t.Fatal(err)
	}
	if r := recv(t, gone, 3*time.Second, "ClientDisconnected"); r != DisconnectNormal {
		t.Errorf("reason = %s, want Normal", r)
	}
	if srv.ClientCount() != 0 {
		t.Errorf("session survived a malformed header")
	}
}

func TestNegativeContentLengthRejected(t *testing.T) {
	gone := make(chan DisconnectReason, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.ClientDisconnected = func(_ ClientInfo, r DisconnectReason) { gone <- r }
	})
	conn := dialRaw(t, srv)

	if _, err := conn.Write([]byte(`{"ContentLength":-1,"Status":"Normal"}` + "\n\n")); err != nil {
		t.Fatal(err)
	}
	recv(t, gone, 3*time.Second, "ClientDisconnected after invalid header")
}

func TestPeerInitiatedDisconnectFrame(t *testing.T) {
	gone := make(chan DisconnectReason, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.Events.ClientDisconnected = func(_ ClientInfo, r DisconnectReason) { gone <- r }
	})
	conn := dialRaw(t, srv)

	if _, err := conn.Write([]byte(`{"ContentLength":0,"Status":"Disconnecting"}` + "\n\n")); err != nil {
		t.Fatal(err)
	}
	if r := recv(t, gone, 3*time.Second, "ClientDisconnected"); r != DisconnectNormal {
		t.Errorf("reason = %s, want Normal", r)
	}
}
