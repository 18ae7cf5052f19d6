package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPair returns two connected TCP streams over 127.0.0.1.
func loopbackPair(t *testing.T) (client, server *Stream) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err = Dial(context.Background(), ln.Addr().String(), 2*time.Second, nil)
	require.NoError(t, err)

	select {
	case conn := <-accepted:
		server, err = Accept(context.Background(), conn, nil, time.Second)
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestByteAccounting(t *testing.T) {
	client, server := loopbackPair(t)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	assert.Equal(t, int64(5), client.BytesWritten())
	assert.Equal(t, int64(0), client.BytesRead())
	assert.Equal(t, int64(5), server.BytesRead())
	assert.Equal(t, int64(0), server.BytesWritten())
}

func TestAliveOnOpenConnection(t *testing.T) {
	client, server := loopbackPair(t)
	assert.True(t, client.Alive())
	assert.True(t, server.Alive())
}

func TestAliveAfterPeerClose(t *testing.T) {
	client, server := loopbackPair(t)
	require.NoError(t, server.Close())

	// The FIN needs a moment to land in the client's receive queue.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !client.Alive() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("client still reports peer alive after close")
}

func TestDialRefused(t *testing.T) {
	// Bind a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, time.Second, nil)
	require.Error(t, err)
}

func TestOpenedAtAndTLSFlag(t *testing.T) {
	client, _ := loopbackPair(t)
	assert.False(t, client.TLS())
	assert.WithinDuration(t, time.Now(), client.OpenedAt(), 5*time.Second)
}
