package tcpmsg

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// freePort reserves a loopback port and releases it for the admin server.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// waitHealthy polls the admin health endpoint until it answers.
func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("admin API never became healthy")
}

func TestAdminAPI(t *testing.T) {
	adminAddr := freePort(t)
	connected := make(chan ClientInfo, 1)
	gone := make(chan DisconnectReason, 1)
	srv := startTestServer(t, func(o *ServerOptions) {
		o.AdminAddr = adminAddr
		o.Events.ClientConnected = func(ci ClientInfo) { connected <- ci }
		o.Events.ClientDisconnected = func(_ ClientInfo, r DisconnectReason) { gone <- r }
	})
	base := "http://" + adminAddr
	waitHealthy(t, base)

	connectTestClient(t, srv, nil)
	ci := recv(t, connected, 3*time.Second, "ClientConnected")

	// Health reflects the connected session.
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if health.Status != "ok" || health.Clients != 1 {
		t.Errorf("health = %+v", health)
	}

	// Client listing carries the session.
	resp, err = http.Get(base + "/api/clients")
	if err != nil {
		t.Fatal(err)
	}
	var clients []ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(clients) != 1 || clients[0].EndpointID != ci.EndpointID {
		t.Fatalf("clients = %+v", clients)
	}
	if clients[0].SessionID == "" {
		t.Error("session id missing from listing")
	}

	// Stats endpoint answers.
	resp, err = http.Get(base + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if stats.Clients != 1 {
		t.Errorf("stats.Clients = %d", stats.Clients)
	}

	// Prometheus metrics expose the gauge.
	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body := new(strings.Builder)
	if _, err := fmt.Fprint(body, readBody(t, resp)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.String(), "tcpmsg_connected_clients 1") {
		t.Errorf("metrics missing connected_clients gauge:\n%s", body.String())
	}

	// Kick through the admin API, by session id.
	req, err := http.NewRequest(http.MethodDelete, base+"/api/clients/"+clients[0].SessionID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("kick status = %d", resp.StatusCode)
	}
	if r := recv(t, gone, 3*time.Second, "ClientDisconnected"); r != DisconnectKicked {
		t.Errorf("reason = %s, want Kicked", r)
	}

	// Kicking a vanished session is a 404.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second kick status = %d, want 404", resp.StatusCode)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}
