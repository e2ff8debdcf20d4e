package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const keepAliveValue = 0x42

func boolByte(v bool) byte {
	if v {
		return 0x01
	}
	return 0x00
}

// SetShutter starts (on=true) or stops capture.
func (c *Client) SetShutter(ctx context.Context, on bool) error {
	_, err := c.Invoke(ctx, CmdSetShutter, []byte{boolByte(on)})
	return err
}

// Sleep puts the camera to sleep. The link usually drops right after.
func (c *Client) Sleep(ctx context.Context) error {
	_, err := c.Invoke(ctx, CmdSleep, nil)
	return err
}

// KeepAlive resets the camera's idle power-down timer. It is a setting
// write, not a command.
func (c *Client) KeepAlive(ctx context.Context) error {
	return c.SetSetting(ctx, SettingKeepAlive, []byte{keepAliveValue})
}

// HilightMoment tags the current moment of an ongoing recording.
func (c *Client) HilightMoment(ctx context.Context) error {
	_, err := c.Invoke(ctx, CmdHilightMoment, nil)
	return err
}

// APControl enables or disables the camera's Wi-Fi access point.
func (c *Client) APControl(ctx context.Context, on bool) error {
	_, err := c.Invoke(ctx, CmdAPControl, []byte{boolByte(on)})
	return err
}

// SetAnalytics claims third-party client status for analytics.
func (c *Client) SetAnalytics(ctx context.Context) error {
	_, err := c.Invoke(ctx, CmdSetAnalytics, nil)
	return err
}

// LoadPresetGroup switches to the given preset group (video, photo, timelapse).
func (c *Client) LoadPresetGroup(ctx context.Context, id uint16) error {
	_, err := c.Invoke(ctx, CmdLoadPresetGroup, binary.BigEndian.AppendUint16(nil, id))
	return err
}

// LoadPreset loads a single preset by ID.
func (c *Client) LoadPreset(ctx context.Context, id uint32) error {
	_, err := c.Invoke(ctx, CmdLoadPreset, binary.BigEndian.AppendUint32(nil, id))
	return err
}

func encodeDateTime(t time.Time) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(t.Year()))
	return append(b, byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second()))
}

// SetDateTime sets the camera clock. The camera has no notion of time
// zone here; t is sent as wall-clock fields.
func (c *Client) SetDateTime(ctx context.Context, t time.Time) error {
	_, err := c.Invoke(ctx, CmdSetDateTime, encodeDateTime(t))
	return err
}

// SetLocalDateTime sets the camera clock along with its UTC offset and DST flag.
func (c *Client) SetLocalDateTime(ctx context.Context, t time.Time, dst bool) error {
	_, offset := t.Zone()
	params := encodeDateTime(t)
	params = binary.BigEndian.AppendUint16(params, uint16(int16(offset/60)))
	params = append(params, boolByte(dst))
	_, err := c.Invoke(ctx, CmdSetLocalDateTime, params)
	return err
}

// GetDateTime reads the camera clock. The result is in UTC since the
// camera reports bare wall-clock fields.
func (c *Client) GetDateTime(ctx context.Context) (time.Time, error) {
	payload, err := c.Invoke(ctx, CmdGetDateTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	return parseDateTime(payload)
}

func parseDateTime(payload []byte) (time.Time, error) {
	// [len=7, year hi, year lo, month, day, hour, minute, second]
	if len(payload) < 8 || payload[0] < 7 {
		return time.Time{}, fmt.Errorf("%w: datetime payload %X", ErrMalformedFrame, payload)
	}
	p := payload[1:]
	year := int(binary.BigEndian.Uint16(p[0:2]))
	return time.Date(year, time.Month(p[2]), int(p[3]), int(p[4]), int(p[5]), int(p[6]), 0, time.UTC), nil
}

// GetHardwareInfo reads model, firmware and network identity.
func (c *Client) GetHardwareInfo(ctx context.Context) (HardwareInfo, error) {
	payload, err := c.Invoke(ctx, CmdGetHardwareInfo, nil)
	if err != nil {
		return HardwareInfo{}, err
	}
	return parseHardwareInfo(payload)
}

// splitLV splits a sequence of length-prefixed fields.
func splitLV(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		n := int(b[0])
		if 1+n > len(b) {
			return nil, fmt.Errorf("%w: field of %d bytes, %d remain", ErrMalformedFrame, n, len(b)-1)
		}
		out = append(out, b[1:1+n])
		b = b[1+n:]
	}
	return out, nil
}

func parseHardwareInfo(payload []byte) (HardwareInfo, error) {
	fields, err := splitLV(payload)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("hardware info: %w", err)
	}
	// model number, model name, board type (deprecated), firmware, serial, AP SSID, AP MAC
	if len(fields) < 5 {
		return HardwareInfo{}, fmt.Errorf("%w: hardware info has %d fields", ErrMalformedFrame, len(fields))
	}
	var info HardwareInfo
	for _, b := range fields[0] {
		info.ModelNumber = info.ModelNumber<<8 | uint32(b)
	}
	info.ModelName = string(fields[1])
	info.Firmware = string(fields[3])
	info.Serial = string(fields[4])
	if len(fields) > 5 {
		info.APSSID = string(fields[5])
	}
	if len(fields) > 6 {
		info.APMAC = string(fields[6])
	}
	return info, nil
}

// GetOpenGoProVersion returns the API version as "major.minor".
func (c *Client) GetOpenGoProVersion(ctx context.Context) (string, error) {
	payload, err := c.Invoke(ctx, CmdGetOpenGoProVersion, nil)
	if err != nil {
		return "", err
	}
	fields, err := splitLV(payload)
	if err != nil || len(fields) < 2 || len(fields[0]) != 1 || len(fields[1]) != 1 {
		return "", fmt.Errorf("%w: version payload %X", ErrMalformedFrame, payload)
	}
	return fmt.Sprintf("%d.%d", fields[0][0], fields[1][0]), nil
}
