//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"gopro-go-home/internal/camera"
	"gopro-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient records publishes and subscriptions. Methods the bridge does
// not call panic through the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	mu   sync.Mutex
	pubs []published
	subs map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, published{topic: topic, payload: payload.([]byte), retained: retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]pahomqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

// last returns the newest payload published on topic.
func (c *fakeClient) last(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pubs) - 1; i >= 0; i-- {
		if c.pubs[i].topic == topic {
			return c.pubs[i].payload
		}
	}
	return nil
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pubs {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type fakeCamera struct {
	events *camera.EventBus

	mu      sync.Mutex
	status  camera.Status
	calls   []string
	sources []string
	err     error
}

func (f *fakeCamera) record(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.sources = append(f.sources, camera.SourceOf(ctx))
	return f.err
}

func (f *fakeCamera) SetShutter(ctx context.Context, on bool) error {
	if on {
		return f.record(ctx, "shutter_on")
	}
	return f.record(ctx, "shutter_off")
}
func (f *fakeCamera) KeepAlive(ctx context.Context) error { return f.record(ctx, "keep_alive") }
func (f *fakeCamera) Sleep(ctx context.Context) error { return f.record(ctx, "sleep") }
func (f *fakeCamera) HilightMoment(ctx context.Context) error { return f.record(ctx, "hilight") }
func (f *fakeCamera) Events() *camera.EventBus { return f.events }

func (f *fakeCamera) Status() camera.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func newTestBridge(t *testing.T, st camera.Status) (*Bridge, *fakeCamera, *fakeClient) {
	t.Helper()
	cam := &fakeCamera{events: camera.NewEventBus(testLogger()), status: st}
	client := &fakeClient{}
	b := newBridge(cam, "gopro", testLogger())
	b.client = client
	b.Start()
	t.Cleanup(b.Stop)
	return b, cam, client
}

var connected = camera.Status{
	Connected: true,
	Serial:    "C3501324500711",
	Name:      "C3501324500711",
	ModelName: "HERO12 Black",
	Firmware:  "H23.01.01.10.00",
	Transport: camera.TransportBLE,
}

func decodeState(t *testing.T, payload []byte) cameraState {
	t.Helper()
	if payload == nil {
		t.Fatal("no state published")
	}
	var st cameraState
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestDiscovery(t *testing.T) {
	msgs := buildDiscovery(connected, "gopro")
	byTopic := make(map[string]haDiscovery)
	for _, m := range msgs {
		var d haDiscovery
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			t.Fatalf("%s: %v", m.Topic, err)
		}
		byTopic[m.Topic] = d
	}

	sw, ok := byTopic["homeassistant/switch/gopro_C3501324500711/recording/config"]
	if !ok {
		t.Fatal("recording switch missing")
	}
	if sw.CommandTopic != "gopro/C3501324500711/set" || sw.StateTopic != "gopro/C3501324500711" {
		t.Errorf("switch topics = %q, %q", sw.StateTopic, sw.CommandTopic)
	}
	if sw.PayloadOn != `{"shutter":"ON"}` || sw.StateOn != "ON" {
		t.Errorf("switch payloads = %+v", sw)
	}
	if sw.AvailabilityTopic != "gopro/bridge/state" {
		t.Errorf("availability = %q", sw.AvailabilityTopic)
	}
	if sw.Device.Model != "HERO12 Black" || sw.Device.SWVersion != "H23.01.01.10.00" {
		t.Errorf("device = %+v", sw.Device)
	}

	if d := byTopic["homeassistant/binary_sensor/gopro_C3501324500711/connected/config"]; d.DeviceClass != "connectivity" {
		t.Errorf("connected sensor = %+v", d)
	}
	btn, ok := byTopic["homeassistant/button/gopro_C3501324500711/hilight/config"]
	if !ok || btn.PayloadPress != `{"action":"hilight"}` {
		t.Errorf("hilight button = %+v", btn)
	}
	for _, action := range []string{"sleep", "keep_alive"} {
		if _, ok := byTopic["homeassistant/button/gopro_C3501324500711/"+action+"/config"]; !ok {
			t.Errorf("%s button missing", action)
		}
	}
}

func TestDiscoveryWithoutSerial(t *testing.T) {
	if msgs := buildDiscovery(camera.Status{}, "gopro"); msgs != nil {
		t.Errorf("got %d messages for unknown camera", len(msgs))
	}
}

func TestCameraTopicName(t *testing.T) {
	tests := []struct {
		st   camera.Status
		want string
	}{
		{camera.Status{Serial: "C1"}, "C1"},
		{camera.Status{Serial: "C1", Name: "C1"}, "C1"},
		{camera.Status{Serial: "C1", Name: "Helmet Cam"}, "helmet_cam"},
		{camera.Status{Serial: "C1", Name: "bike/front#1"}, "bike_front_1"},
	}
	for _, tt := range tests {
		if got := cameraTopicName(tt.st); got != tt.want {
			t.Errorf("cameraTopicName(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestBridgeConnect(t *testing.T) {
	b, _, client := newTestBridge(t, connected)
	b.onConnect()

	if got := string(client.last("gopro/bridge/state")); got != "online" {
		t.Errorf("bridge state = %q", got)
	}
	if client.last("homeassistant/switch/gopro_C3501324500711/recording/config") == nil {
		t.Error("discovery not published")
	}
	st := decodeState(t, client.last("gopro/C3501324500711"))
	if !st.Connected || st.Recording != "OFF" || st.Model != "HERO12 Black" {
		t.Errorf("state = %+v", st)
	}
	if _, ok := client.subs["gopro/+/set"]; !ok {
		t.Errorf("subscriptions = %v", client.subs)
	}
}

func TestBridgeEvents(t *testing.T) {
	_, cam, client := newTestBridge(t, camera.Status{})

	cam.mu.Lock()
	cam.status = connected
	cam.mu.Unlock()
	cam.events.Emit(camera.Event{Type: camera.EventCameraConnected, Data: connected})

	const stateTopic = "gopro/C3501324500711"
	if st := decodeState(t, client.last(stateTopic)); !st.Connected {
		t.Errorf("after connect: %+v", st)
	}
	const discTopic = "homeassistant/switch/gopro_C3501324500711/recording/config"
	if n := client.count(discTopic); n != 1 {
		t.Errorf("discovery published %d times", n)
	}

	cam.events.Emit(camera.Event{Type: camera.EventShutter, Data: map[string]any{"serial": connected.Serial, "on": true}})
	if st := decodeState(t, client.last(stateTopic)); st.Recording != "ON" {
		t.Errorf("after shutter: %+v", st)
	}

	cam.events.Emit(camera.Event{Type: camera.EventKeepAliveFailed, Data: map[string]any{"serial": connected.Serial, "failures": 3, "error": "timeout"}})
	if st := decodeState(t, client.last(stateTopic)); st.KeepAliveFailures != 3 {
		t.Errorf("after keep-alive failure: %+v", st)
	}

	cam.events.Emit(camera.Event{Type: camera.EventCommand, Data: &store.CommandRecord{Command: "hilight_moment", OK: true, At: time.Now()}})
	if st := decodeState(t, client.last(stateTopic)); st.LastCommand != "hilight_moment" || !st.LastCommandOK {
		t.Errorf("after command: %+v", st)
	}

	// Status is cleared on detach; the state must still land on the same topic.
	cam.mu.Lock()
	cam.status = camera.Status{}
	cam.mu.Unlock()
	cam.events.Emit(camera.Event{Type: camera.EventCameraDisconnected, Data: map[string]any{"serial": connected.Serial, "reason": "link lost"}})
	if st := decodeState(t, client.last(stateTopic)); st.Connected || st.Recording != "OFF" {
		t.Errorf("after disconnect: %+v", st)
	}

	cam.events.Emit(camera.Event{Type: camera.EventCameraConnected, Data: connected})
	if n := client.count(discTopic); n != 1 {
		t.Errorf("discovery republished on reconnect: %d", n)
	}
}

func TestBridgeCommands(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    []string
	}{
		{"shutter on", "gopro/C3501324500711/set", `{"shutter":"ON"}`, []string{"shutter_on"}},
		{"shutter off lowercase", "gopro/C3501324500711/set", `{"shutter":"off"}`, []string{"shutter_off"}},
		{"toggle", "gopro/C3501324500711/set", `{"shutter":"TOGGLE"}`, []string{"shutter_on"}},
		{"hilight", "gopro/C3501324500711/set", `{"action":"hilight"}`, []string{"hilight"}},
		{"sleep", "gopro/C3501324500711/set", `{"action":"sleep"}`, []string{"sleep"}},
		{"keep alive", "gopro/C3501324500711/set", `{"action":"keep_alive"}`, []string{"keep_alive"}},
		{"serial case", "gopro/c3501324500711/set", `{"action":"hilight"}`, []string{"hilight"}},
		{"unknown action", "gopro/C3501324500711/set", `{"action":"dance"}`, nil},
		{"bad shutter", "gopro/C3501324500711/set", `{"shutter":"maybe"}`, nil},
		{"bad json", "gopro/C3501324500711/set", `not json`, nil},
		{"other camera", "gopro/C999/set", `{"action":"hilight"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, cam, _ := newTestBridge(t, connected)
			b.handleMessage(tt.topic, []byte(tt.payload))

			cam.mu.Lock()
			defer cam.mu.Unlock()
			if len(cam.calls) != len(tt.want) {
				t.Fatalf("calls = %v, want %v", cam.calls, tt.want)
			}
			for i := range tt.want {
				if cam.calls[i] != tt.want[i] {
					t.Errorf("calls = %v, want %v", cam.calls, tt.want)
				}
				if cam.sources[i] != "mqtt" {
					t.Errorf("source = %q", cam.sources[i])
				}
			}
		})
	}
}

func TestBridgeCommandByFriendlyName(t *testing.T) {
	st := connected
	st.Name = "Helmet Cam"
	b, cam, _ := newTestBridge(t, st)
	b.handleMessage("gopro/helmet_cam/set", []byte(`{"action":"hilight"}`))
	if len(cam.calls) != 1 {
		t.Errorf("calls = %v", cam.calls)
	}
}

func TestBridgeCommandErrorLogged(t *testing.T) {
	b, cam, _ := newTestBridge(t, connected)
	cam.err = errors.New("busy")
	b.handleMessage("gopro/C3501324500711/set", []byte(`{"shutter":"ON","action":"hilight"}`))
	if len(cam.calls) != 2 {
		t.Errorf("calls = %v, want both attempted", cam.calls)
	}
}

func TestBridgeStopPublishesOffline(t *testing.T) {
	cam := &fakeCamera{events: camera.NewEventBus(testLogger())}
	client := &fakeClient{}
	b := newBridge(cam, "gopro", testLogger())
	b.client = client
	b.Start()
	b.Stop()
	if got := string(client.last("gopro/bridge/state")); got != "offline" {
		t.Errorf("bridge state = %q", got)
	}
}
