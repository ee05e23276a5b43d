package observer

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelrogue.dev/internal/observerproto"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("testworld", observerproto.WorldParams{
		TickRateHz:       60,
		RenderDistance:   8,
		ChunkVoxelLength: 64,
		VoxelsPerMeter:   8,
	}, log.New(os.Stderr, "", 0))

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/debug/v1/stream", s.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/debug/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, every int, chunks bool) {
	t.Helper()
	err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: observerproto.Version,
		EveryTicks:      every,
		Chunks:          chunks,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBootstrap(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/debug/v1/bootstrap")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.WorldName != "testworld" || b.WorldParams.ChunkVoxelLength != 64 {
		t.Fatalf("bootstrap %+v", b)
	}
}

func TestStreamDeliversTicks(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialStream(t, ts)
	subscribe(t, conn, 0, true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}
	if s.Subscribers() != 1 {
		t.Fatal("subscribe never registered")
	}

	windowCalls := 0
	s.Publish(observerproto.TickMsg{Tick: 7, PendingIO: 3}, func() observerproto.WindowMsg {
		windowCalls++
		return observerproto.WindowMsg{SideLength: 4, Cells: []string{"air", "null"}}
	})
	if windowCalls != 1 {
		t.Fatalf("window built %d times", windowCalls)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var tick observerproto.TickMsg
	if err := conn.ReadJSON(&tick); err != nil {
		t.Fatal(err)
	}
	if tick.Type != "TICK" || tick.Tick != 7 || tick.PendingIO != 3 {
		t.Fatalf("tick %+v", tick)
	}

	var window observerproto.WindowMsg
	if err := conn.ReadJSON(&window); err != nil {
		t.Fatal(err)
	}
	if window.Type != "WINDOW" || window.Tick != 7 || len(window.Cells) != 2 {
		t.Fatalf("window %+v", window)
	}
}

func TestStreamThinsByEveryTicks(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialStream(t, ts)
	subscribe(t, conn, 10, false)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}

	for tick := uint64(1); tick <= 20; tick++ {
		s.Publish(observerproto.TickMsg{Tick: tick}, nil)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second observerproto.TickMsg
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatal(err)
	}
	if first.Tick != 10 || second.Tick != 20 {
		t.Fatalf("ticks %d, %d", first.Tick, second.Tick)
	}
}

func TestStreamRejectsBadHandshake(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialStream(t, ts)

	err := conn.WriteJSON(observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version})
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection survived bad handshake")
	}
}
