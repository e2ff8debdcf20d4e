// Package ble implements the camera's wireless command channel.
// Commands are written to the command characteristic and responses arrive
// asynchronously on a shared notification stream, matched back to the
// waiting caller by opcode.
package ble

import "context"

// Endpoint identifies a GATT characteristic by its 128-bit UUID string.
type Endpoint string

// GoPro GATT characteristics.
const (
	EndpointCommand         Endpoint = "b5f90072-aa8d-11e3-9046-0002a5d5c51b"
	EndpointCommandResponse Endpoint = "b5f90073-aa8d-11e3-9046-0002a5d5c51b"
	EndpointSettings        Endpoint = "b5f90074-aa8d-11e3-9046-0002a5d5c51b"
	EndpointSettingsResp    Endpoint = "b5f90075-aa8d-11e3-9046-0002a5d5c51b"
	EndpointQuery           Endpoint = "b5f90076-aa8d-11e3-9046-0002a5d5c51b"
	EndpointQueryResp       Endpoint = "b5f90077-aa8d-11e3-9046-0002a5d5c51b"
)

// Services used for scanning.
const (
	ServiceControlQuery Endpoint = "0000fea6-0000-1000-8000-00805f9b34fb"
	ServiceWiFiAP       Endpoint = "b5f90001-aa8d-11e3-9046-0002a5d5c51b"
)

// MaxPacketSize is the largest single write the camera accepts.
const MaxPacketSize = 20

// WriteMode selects whether a GATT write waits for a link-layer ack.
type WriteMode uint8

const (
	WriteWithoutResponse WriteMode = iota
	WriteWithResponse
)

// Notification is one raw notification frame tagged by its source characteristic.
type Notification struct {
	Endpoint Endpoint
	Data     []byte
}

// Transport is the wireless link the client runs on. Connection setup and
// service discovery happen before the transport is handed to NewClient.
type Transport interface {
	Write(ctx context.Context, ep Endpoint, data []byte, mode WriteMode) error
	Subscribe(ctx context.Context, ep Endpoint) error

	// Notifications returns the stream of incoming frames. The channel is
	// closed when the link goes down.
	Notifications() <-chan Notification

	Close() error
}

// HardwareInfo is the decoded GetHardwareInfo response.
type HardwareInfo struct {
	ModelNumber uint32 `json:"model_number"`
	ModelName   string `json:"model_name"`
	Firmware    string `json:"firmware"`
	Serial      string `json:"serial"`
	APSSID      string `json:"ap_ssid"`
	APMAC       string `json:"ap_mac"`
}
