package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"gopro-go-home/internal/camera"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func hubCount(hub *WSHub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := hubCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := hubCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(camera.Event{Type: camera.EventShutter, Data: map[string]any{"on": true}})
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var ev struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("c%d: %v", i+1, err)
			}
			if ev.Type != camera.EventShutter || ev.Data["on"] != true {
				t.Errorf("c%d received %s", i+1, msg)
			}
		default:
			t.Errorf("c%d did not receive broadcast", i+1)
		}
	}
}

func TestWSHubTypeFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	shutterOnly := &wsClient{send: make(chan []byte, 16), types: parseTypes("shutter")}
	hub.register <- all
	hub.register <- shutterOnly
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(camera.Event{Type: camera.EventCommand})
	hub.Broadcast(camera.Event{Type: camera.EventShutter})
	time.Sleep(20 * time.Millisecond)

	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d events, want 2", n)
	}
	if n := len(shutterOnly.send); n != 1 {
		t.Fatalf("filtered client got %d events, want 1", n)
	}
	if msg := <-shutterOnly.send; !strings.Contains(string(msg), `"shutter"`) {
		t.Errorf("filtered client got %s", msg)
	}
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{",, ,", nil},
		{"shutter", []string{"shutter"}},
		{"shutter, command ,", []string{"shutter", "command"}},
	}
	for _, tt := range tests {
		got := parseTypes(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("parseTypes(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for _, w := range tt.want {
			if !got[w] {
				t.Errorf("parseTypes(%q) missing %q", tt.raw, w)
			}
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(camera.Event{Type: "a"})
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(camera.Event{Type: "b"})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// Hub loop not running, so the channel fills up.
	for i := 0; i < 256; i++ {
		hub.Broadcast(camera.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(camera.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSEndToEnd(t *testing.T) {
	srv, cams := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?types=camera_connected"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		t.Helper()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var ev map[string]any
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	if ev := read(); ev["type"] != "status" {
		t.Fatalf("first message = %v, want status", ev)
	}

	// Registration is asynchronous; wait until the hub knows the client.
	deadline := time.Now().Add(2 * time.Second)
	for hubCount(srv.wsHub) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	attachStub(t, cams)
	ev := read()
	if ev["type"] != camera.EventCameraConnected {
		t.Fatalf("event = %v, want camera_connected", ev)
	}
	data, _ := ev["data"].(map[string]any)
	if data["serial"] != testSerial {
		t.Errorf("data = %v", data)
	}
}
