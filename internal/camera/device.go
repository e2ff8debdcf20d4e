package camera

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"gopro-go-home/internal/ble"
	"gopro-go-home/internal/httpcam"
)

// Transport names recorded in status and history.
const (
	TransportBLE  = "ble"
	TransportHTTP = "http"
)

// Control is the minimal surface every camera link offers.
type Control interface {
	SetShutter(ctx context.Context, on bool) error
	KeepAlive(ctx context.Context) error
}

// Identity is what an interview learns about a camera.
type Identity struct {
	Serial      string `json:"serial"`
	ModelNumber uint32 `json:"model_number"`
	ModelName   string `json:"model_name"`
	Firmware    string `json:"firmware"`
	APIVersion  string `json:"api_version,omitempty"`
	APSSID      string `json:"ap_ssid,omitempty"`
	APMAC       string `json:"ap_mac,omitempty"`
}

// Device is a connected camera, independent of the link it uses.
type Device interface {
	Control
	HilightMoment(ctx context.Context) error
	SetDateTime(ctx context.Context, t time.Time) error
	Identify(ctx context.Context) (Identity, error)
	Transport() string
	Address() string
	// Done is closed when the link is gone.
	Done() <-chan struct{}
	Close() error
}

// Sleeper is implemented by devices that can power the camera down.
type Sleeper interface {
	Sleep(ctx context.Context) error
}

// Notification is an unsolicited message pushed by the camera.
type Notification struct {
	Endpoint string `json:"endpoint"`
	Data     string `json:"data"`
}

// Notifier is implemented by devices that forward unsolicited messages.
type Notifier interface {
	OnNotification(func(Notification))
}

// BLEDevice adapts a ble.Client to Device.
type BLEDevice struct {
	client  *ble.Client
	address string
}

// NewBLEDevice wraps an already subscribed client. Closing the device
// closes the client and its transport. The transport is also closed as soon
// as the link drops, so the serial port is free for the next dial.
func NewBLEDevice(client *ble.Client, address string) *BLEDevice {
	client.OnDisconnect(func() { client.Close() })
	return &BLEDevice{client: client, address: address}
}

func (d *BLEDevice) SetShutter(ctx context.Context, on bool) error { return d.client.SetShutter(ctx, on) }
func (d *BLEDevice) KeepAlive(ctx context.Context) error { return d.client.KeepAlive(ctx) }
func (d *BLEDevice) HilightMoment(ctx context.Context) error { return d.client.HilightMoment(ctx) }
func (d *BLEDevice) Sleep(ctx context.Context) error { return d.client.Sleep(ctx) }

func (d *BLEDevice) SetDateTime(ctx context.Context, t time.Time) error {
	return d.client.SetDateTime(ctx, t)
}

// Identify reads hardware info and, when the camera supports it, the
// Open GoPro API version.
func (d *BLEDevice) Identify(ctx context.Context) (Identity, error) {
	hw, err := d.client.GetHardwareInfo(ctx)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Serial:      hw.Serial,
		ModelNumber: hw.ModelNumber,
		ModelName:   hw.ModelName,
		Firmware:    hw.Firmware,
		APSSID:      hw.APSSID,
		APMAC:       hw.APMAC,
	}
	if v, err := d.client.GetOpenGoProVersion(ctx); err == nil {
		id.APIVersion = v
	} else if !errors.Is(err, ble.ErrDeviceRejected) {
		return id, err
	}
	return id, nil
}

func (d *BLEDevice) OnNotification(fn func(Notification)) {
	d.client.OnUnsolicited(func(n ble.Notification) {
		fn(Notification{Endpoint: string(n.Endpoint), Data: hex.EncodeToString(n.Data)})
	})
}

func (d *BLEDevice) Transport() string { return TransportBLE }
func (d *BLEDevice) Address() string { return d.address }
func (d *BLEDevice) Done() <-chan struct{} { return d.client.Done() }
func (d *BLEDevice) Close() error { return d.client.Close() }

// HTTPDevice adapts an httpcam.Client to Device. HTTP has no persistent
// link, so Done only fires on Close.
type HTTPDevice struct {
	client    *httpcam.Client
	done      chan struct{}
	closeOnce sync.Once
}

// NewHTTPDevice wraps client.
func NewHTTPDevice(client *httpcam.Client) *HTTPDevice {
	return &HTTPDevice{client: client, done: make(chan struct{})}
}

func (d *HTTPDevice) SetShutter(ctx context.Context, on bool) error { return d.client.SetShutter(ctx, on) }
func (d *HTTPDevice) KeepAlive(ctx context.Context) error { return d.client.KeepAlive(ctx) }
func (d *HTTPDevice) HilightMoment(ctx context.Context) error { return d.client.HilightMoment(ctx) }

// SetDateTime sends local wall-clock time along with its UTC offset.
func (d *HTTPDevice) SetDateTime(ctx context.Context, t time.Time) error {
	return d.client.SetLocalDateTime(ctx, t, t.IsDST())
}

func (d *HTTPDevice) Identify(ctx context.Context) (Identity, error) {
	info, err := d.client.HardwareInfo(ctx)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Serial:      info.SerialNumber,
		ModelNumber: info.ModelNumber,
		ModelName:   info.ModelName,
		Firmware:    info.Firmware,
		APSSID:      info.APSSID,
		APMAC:       info.APMAC,
	}
	if v, err := d.client.Version(ctx); err == nil {
		id.APIVersion = v
	}
	return id, nil
}

// Client exposes the HTTP-only operations (presets, zoom, webcam, media).
func (d *HTTPDevice) Client() *httpcam.Client { return d.client }

func (d *HTTPDevice) Transport() string { return TransportHTTP }
func (d *HTTPDevice) Address() string { return d.client.BaseURL() }
func (d *HTTPDevice) Done() <-chan struct{} { return d.done }

func (d *HTTPDevice) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}
