//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"gopro-go-home/internal/camera"
	"gopro-go-home/internal/store"
)

const commandTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Camera is the camera surface the bridge drives. *camera.Manager
// implements it.
type Camera interface {
	SetShutter(ctx context.Context, on bool) error
	KeepAlive(ctx context.Context) error
	Sleep(ctx context.Context) error
	HilightMoment(ctx context.Context) error
	Status() camera.Status
	Events() *camera.EventBus
}

// Bridge mirrors camera state to MQTT with HA autodiscovery and accepts
// commands on <prefix>/<camera>/set.
type Bridge struct {
	client pahomqtt.Client
	cam    Camera
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state cameraState
	topic string
	// announced holds serials whose discovery config was published.
	announced map[string]bool
}

// cameraState is the retained JSON document on <prefix>/<camera>.
type cameraState struct {
	Serial            string `json:"serial,omitempty"`
	Connected         bool   `json:"connected"`
	Recording         string `json:"recording"`
	Model             string `json:"model,omitempty"`
	Firmware          string `json:"firmware,omitempty"`
	Transport         string `json:"transport,omitempty"`
	KeepAliveFailures int    `json:"keep_alive_failures"`
	LastCommand       string `json:"last_command,omitempty"`
	LastCommandOK     bool   `json:"last_command_ok"`
	LastSeen          string `json:"last_seen,omitempty"`
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cam Camera, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(cam, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "gopro-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(cam Camera, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cam:       cam,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		announced: make(map[string]bool),
	}
	st := cam.Status()
	b.state = stateFromStatus(st)
	b.topic = cameraTopicName(st)
	return b
}

// Start subscribes to camera events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.cam.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	st := b.cam.Status()
	if st.Serial != "" {
		b.mu.Lock()
		delete(b.announced, st.Serial)
		b.topic = cameraTopicName(st)
		b.mu.Unlock()
		b.announce(st)
		b.publishState()
	}
	b.subscribeCommands()
}

func stateFromStatus(st camera.Status) cameraState {
	return cameraState{
		Serial:            st.Serial,
		Connected:         st.Connected,
		Recording:         onOff(st.Recording),
		Model:             st.ModelName,
		Firmware:          st.Firmware,
		Transport:         st.Transport,
		KeepAliveFailures: st.KeepAliveFailures,
	}
}

func (b *Bridge) handleEvent(event camera.Event) {
	switch event.Type {
	case camera.EventCameraConnected:
		st, ok := event.Data.(camera.Status)
		if !ok {
			st = b.cam.Status()
		}
		b.mu.Lock()
		b.state = stateFromStatus(st)
		b.topic = cameraTopicName(st)
		b.state.LastSeen = time.Now().Format(time.RFC3339)
		b.mu.Unlock()
		b.announce(st)
		b.publishState()

	case camera.EventCameraDisconnected:
		b.mu.Lock()
		b.state.Connected = false
		b.state.Recording = onOff(false)
		b.mu.Unlock()
		b.publishState()

	case camera.EventShutter:
		data, _ := event.Data.(map[string]any)
		on, _ := data["on"].(bool)
		b.mu.Lock()
		b.state.Recording = onOff(on)
		b.mu.Unlock()
		b.publishState()

	case camera.EventKeepAliveFailed:
		data, _ := event.Data.(map[string]any)
		n, _ := data["failures"].(int)
		b.mu.Lock()
		b.state.KeepAliveFailures = n
		b.mu.Unlock()
		b.publishState()

	case camera.EventCommand:
		rec, ok := event.Data.(*store.CommandRecord)
		if !ok {
			return
		}
		b.mu.Lock()
		b.state.LastCommand = rec.Command
		b.state.LastCommandOK = rec.OK
		if rec.OK {
			b.state.LastSeen = rec.At.Format(time.RFC3339)
		}
		b.mu.Unlock()
		b.publishState()
	}
}

// topicName returns the topic segment of the last connected camera.
func (b *Bridge) topicName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topic
}

func (b *Bridge) publishState() {
	b.mu.Lock()
	payload := mustJSON(b.state)
	b.mu.Unlock()
	name := b.topicName()
	if name == "" {
		return
	}
	b.publish(b.prefix+"/"+name, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// announce publishes HA discovery once per camera and connection.
func (b *Bridge) announce(st camera.Status) {
	if st.Serial == "" {
		return
	}
	b.mu.Lock()
	if b.announced[st.Serial] {
		b.mu.Unlock()
		return
	}
	b.announced[st.Serial] = true
	b.mu.Unlock()

	for _, msg := range buildDiscovery(st, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "serial", st.Serial, "name", st.Name)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
}

// handleMessage routes a /set message to the active camera when the topic
// names it by topic name or serial.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")
	b.mu.Lock()
	known := name != "" && (name == b.topic || (b.state.Serial != "" && strings.EqualFold(name, b.state.Serial)))
	b.mu.Unlock()
	if !known {
		b.logger.Warn("command for unknown camera", "topic", topic)
		return
	}
	b.handleCommand(payload)
}

// commandMsg is the payload accepted on the /set topic.
type commandMsg struct {
	Shutter string `json:"shutter"`
	Action  string `json:"action"`
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd commandMsg
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(camera.WithSource(b.ctx, "mqtt"), commandTimeout)
	defer cancel()

	if cmd.Shutter != "" {
		var on bool
		switch strings.ToUpper(cmd.Shutter) {
		case "ON":
			on = true
		case "OFF":
			on = false
		case "TOGGLE":
			on = !b.cam.Status().Recording
		default:
			b.logger.Warn("unknown shutter value", "value", cmd.Shutter)
			return
		}
		if err := b.cam.SetShutter(ctx, on); err != nil {
			b.logger.Warn("shutter command failed", "on", on, "err", err)
		}
	}

	if cmd.Action != "" {
		var err error
		switch cmd.Action {
		case "hilight":
			err = b.cam.HilightMoment(ctx)
		case "sleep":
			err = b.cam.Sleep(ctx)
		case "keep_alive":
			err = b.cam.KeepAlive(ctx)
		default:
			b.logger.Warn("unknown action", "action", cmd.Action)
			return
		}
		if err != nil {
			b.logger.Warn("action failed", "action", cmd.Action, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
