package ble

import (
	"errors"
	"fmt"
)

var (
	ErrFrameTooLarge          = errors.New("frame too large")
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrCommandAlreadyInFlight = errors.New("command already in flight")
	ErrTimeout                = errors.New("command timed out")
	ErrConnectionClosed       = errors.New("connection closed")
	ErrTransport              = errors.New("transport error")
	ErrDeviceRejected         = errors.New("device rejected command")
)

// ErrAlreadyPending is returned by Registry.Register; the invoker surfaces it
// unchanged as ErrCommandAlreadyInFlight.
var ErrAlreadyPending = ErrCommandAlreadyInFlight

// CommandID is the one-byte opcode of a command.
type CommandID uint8

const (
	CmdSetShutter          CommandID = 0x01
	CmdSleep               CommandID = 0x05
	CmdSetDateTime         CommandID = 0x0D
	CmdGetDateTime         CommandID = 0x0E
	CmdSetLocalDateTime    CommandID = 0x0F
	CmdAPControl           CommandID = 0x17
	CmdHilightMoment       CommandID = 0x18
	CmdGetHardwareInfo     CommandID = 0x3C
	CmdLoadPresetGroup     CommandID = 0x3E
	CmdLoadPreset          CommandID = 0x40
	CmdSetAnalytics        CommandID = 0x50
	CmdGetOpenGoProVersion CommandID = 0x51
)

var commandNames = map[CommandID]string{
	CmdSetShutter:          "SetShutter",
	CmdSleep:               "Sleep",
	CmdSetDateTime:         "SetDateTime",
	CmdGetDateTime:         "GetDateTime",
	CmdSetLocalDateTime:    "SetLocalDateTime",
	CmdAPControl:           "APControl",
	CmdHilightMoment:       "HilightMoment",
	CmdGetHardwareInfo:     "GetHardwareInfo",
	CmdLoadPresetGroup:     "LoadPresetGroup",
	CmdLoadPreset:          "LoadPreset",
	CmdSetAnalytics:        "SetAnalytics",
	CmdGetOpenGoProVersion: "GetOpenGoProVersion",
}

// Known reports whether the opcode is one this client can issue.
func (c CommandID) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unrecognized(0x%02X)", uint8(c))
}

// KnownCommands returns every supported opcode in ascending order.
func KnownCommands() []CommandID {
	out := make([]CommandID, 0, len(commandNames))
	for i := 0; i < 256; i++ {
		if c := CommandID(i); c.Known() {
			out = append(out, c)
		}
	}
	return out
}

// SettingID identifies a camera setting. Settings are written to the
// settings characteristic and answered on the settings response
// characteristic, with the setting ID echoed where a command's opcode sits.
type SettingID uint8

// SettingKeepAlive resets the idle power-down timer when written with
// keepAliveValue.
const SettingKeepAlive SettingID = 0x5B

var settingNames = map[SettingID]string{
	SettingKeepAlive: "KeepAlive",
}

func (s SettingID) String() string {
	if name, ok := settingNames[s]; ok {
		return "Setting" + name
	}
	return fmt.Sprintf("Setting(0x%02X)", uint8(s))
}

// Status is the response status byte.
type Status uint8

const (
	StatusSuccess          Status = 0x00
	StatusError            Status = 0x01
	StatusInvalidParameter Status = 0x02
)

// Known reports whether the status is one of the documented values.
func (s Status) Known() bool {
	return s <= StatusInvalidParameter
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusError:
		return "Error"
	case StatusInvalidParameter:
		return "InvalidParameter"
	default:
		return fmt.Sprintf("Unrecognized(0x%02X)", uint8(s))
	}
}

// Frame is a decoded command response.
type Frame struct {
	Command CommandID
	Status  Status
	Payload []byte
}

// DeviceRejectedError carries the non-success status the camera answered with.
// Setting is set instead of Command when a setting write was rejected.
type DeviceRejectedError struct {
	Command CommandID
	Setting SettingID
	Status  Status
}

func (e *DeviceRejectedError) Error() string {
	if e.Setting != 0 {
		return fmt.Sprintf("%s: %v", e.Setting, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Status)
}

func (e *DeviceRejectedError) Is(target error) bool {
	return target == ErrDeviceRejected
}

const minResponseLen = 3 // length + opcode + status

// Encode builds a single-packet command frame.
// Without parameters: [1, opcode]. With parameters: [2+n, opcode, n, params...].
func Encode(cmd CommandID, params []byte) ([]byte, error) {
	return encodeFrame(byte(cmd), cmd, params)
}

// EncodeSetting builds a setting write: [2+n, setting, n, value...].
func EncodeSetting(id SettingID, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: %s without a value", ErrMalformedFrame, id)
	}
	return encodeFrame(byte(id), id, value)
}

func encodeFrame(id byte, name fmt.Stringer, params []byte) ([]byte, error) {
	if len(params) == 0 {
		return []byte{0x01, id}, nil
	}
	total := 3 + len(params)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes, max %d", ErrFrameTooLarge, name, total, MaxPacketSize)
	}
	buf := make([]byte, total)
	buf[0] = byte(total - 1)
	buf[1] = id
	buf[2] = byte(len(params))
	copy(buf[3:], params)
	return buf, nil
}

// Decode parses a single-packet response: [length, opcode, status, payload...].
// Bytes past the declared length are ignored.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < minResponseLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(raw), minResponseLen)
	}
	n := int(raw[0])
	if n < minResponseLen-1 {
		return Frame{}, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, n)
	}
	if 1+n > len(raw) {
		return Frame{}, fmt.Errorf("%w: truncated: need %d, have %d", ErrMalformedFrame, 1+n, len(raw))
	}
	return decodeBody(raw[1 : 1+n])
}

// decodeBody parses a reassembled message without its packet header.
func decodeBody(body []byte) (Frame, error) {
	if len(body) < minResponseLen-1 {
		return Frame{}, fmt.Errorf("%w: body of %d bytes", ErrMalformedFrame, len(body))
	}
	f := Frame{
		Command: CommandID(body[0]),
		Status:  Status(body[1]),
	}
	if len(body) > 2 {
		f.Payload = make([]byte, len(body)-2)
		copy(f.Payload, body[2:])
	}
	return f, nil
}

// --- Multi-packet reassembly ---

// Packet header bits.
const (
	hdrContinuation = 0x80
	hdrTypeMask     = 0x60
	hdrGeneral      = 0x00
	hdrExt13        = 0x20
	hdrExt16        = 0x40
	hdrCounterMask  = 0x0F
)

// assembler accumulates continuation packets into a complete message.
// Only the dispatcher goroutine uses it.
type assembler struct {
	buf     []byte
	want    int
	counter uint8
	active  bool
}

// push consumes one notification. It returns the message body once all of
// its bytes have arrived.
func (a *assembler) push(pkt []byte) ([]byte, bool, error) {
	if len(pkt) == 0 {
		return nil, false, fmt.Errorf("%w: empty packet", ErrMalformedFrame)
	}
	hdr := pkt[0]

	if hdr&hdrContinuation != 0 {
		if !a.active {
			return nil, false, fmt.Errorf("%w: continuation without start", ErrMalformedFrame)
		}
		if hdr&hdrCounterMask != a.counter&hdrCounterMask {
			a.reset()
			return nil, false, fmt.Errorf("%w: continuation counter %d, want %d", ErrMalformedFrame, hdr&hdrCounterMask, a.counter&hdrCounterMask)
		}
		a.counter++
		a.buf = append(a.buf, pkt[1:]...)
		return a.complete()
	}

	// A new start packet discards any half-built message.
	a.reset()
	var start int
	switch hdr & hdrTypeMask {
	case hdrGeneral:
		a.want = int(hdr & 0x1F)
		start = 1
	case hdrExt13:
		if len(pkt) < 2 {
			return nil, false, fmt.Errorf("%w: short extended header", ErrMalformedFrame)
		}
		a.want = int(hdr&0x1F)<<8 | int(pkt[1])
		start = 2
	case hdrExt16:
		if len(pkt) < 3 {
			return nil, false, fmt.Errorf("%w: short extended header", ErrMalformedFrame)
		}
		a.want = int(pkt[1])<<8 | int(pkt[2])
		start = 3
	default:
		return nil, false, fmt.Errorf("%w: reserved header 0x%02X", ErrMalformedFrame, hdr)
	}
	a.active = true
	a.buf = append(a.buf, pkt[start:]...)
	return a.complete()
}

func (a *assembler) complete() ([]byte, bool, error) {
	if len(a.buf) < a.want {
		return nil, false, nil
	}
	msg := a.buf[:a.want]
	a.buf = nil
	a.active = false
	a.counter = 0
	return msg, true, nil
}

func (a *assembler) reset() {
	a.buf = nil
	a.want = 0
	a.counter = 0
	a.active = false
}
