package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wharf/api/model"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	t.Cleanup(srv.Close)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) model.ServerStatusUpdate {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var update model.ServerStatusUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	return update
}

func sampleUpdate(healthy int) model.ServerStatusUpdate {
	servers := []model.ServerStatus{
		{ServerDescriptor: model.ServerDescriptor{Name: "ftp-test-1", Protocol: model.ProtocolFTP}, IsHealthy: healthy > 0},
	}
	return model.NewStatusUpdate(servers)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h, url := startHub(t)

	a := dial(t, url)
	b := dial(t, url)
	waitForClients(t, h, 2)

	h.BroadcastStatus(sampleUpdate(1))

	for _, conn := range []*websocket.Conn{a, b} {
		update := readUpdate(t, conn)
		assert.Equal(t, 1, update.TotalServers)
		assert.Equal(t, 1, update.HealthyServers)
	}
}

func TestLateSubscriberGetsLatestImmediately(t *testing.T) {
	h, url := startHub(t)

	// Broadcast with nobody connected, then connect.
	h.BroadcastStatus(sampleUpdate(1))
	waitForLatest(t, h)

	conn := dial(t, url)
	update := readUpdate(t, conn)
	assert.Equal(t, "ftp-test-1", update.Servers[0].Name)
}

// A subscriber that stops reading must be cut loose once its send
// buffer fills, while everyone else keeps receiving every envelope.
func TestSlowSubscriberIsDropped(t *testing.T) {
	h, url := startHub(t)

	healthy := dial(t, url)
	dial(t, url) // the stalled subscriber never reads
	waitForClients(t, h, 2)

	// Envelopes large enough that the stalled connection's socket
	// buffers fill long before the broadcasts run out, so its send
	// channel backs up past sendBuffer.
	padding := strings.Repeat("x", 1<<20)
	const rounds = sendBuffer + 24
	for i := 0; i < rounds; i++ {
		h.BroadcastStatus(model.NewStatusUpdate([]model.ServerStatus{{
			ServerDescriptor: model.ServerDescriptor{Name: "ftp-test-1", Protocol: model.ProtocolFTP},
			HealthMessage:    padding,
		}}))
		update := readUpdate(t, healthy)
		require.Equal(t, 1, update.TotalServers)
	}

	deadline := time.Now().Add(4 * time.Second)
	for h.ClientCount() > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stalled client never dropped, %d clients connected", h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The healthy subscriber is unaffected by the drop.
	h.BroadcastStatus(sampleUpdate(1))
	update := readUpdate(t, healthy)
	assert.Equal(t, 1, update.HealthyServers)
}

// Shutdown must unblock producers and connection goroutines instead of
// leaving them parked on the hub's channels.
func TestShutdownUnblocksProducers(t *testing.T) {
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(runDone)
	}()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url)
	waitForClients(t, h, 1)

	cancel()
	<-runDone

	// Well past the broadcast channel's buffer; without the shutdown
	// guard this parks forever.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			h.BroadcastStatus(sampleUpdate(0))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("BroadcastStatus blocked after shutdown")
	}

	// The existing connection was closed by shutdown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// A connection arriving after shutdown is turned away, not parked
	// on the register channel.
	late, _, dialErr := websocket.DefaultDialer.Dial(url, nil)
	if dialErr == nil {
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := late.ReadMessage()
		assert.Error(t, readErr)
		late.Close()
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("never reached %d clients", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForLatest(t *testing.T, h *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.RLock()
		ok := h.latest != nil
		h.mu.RUnlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("latest never set")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
