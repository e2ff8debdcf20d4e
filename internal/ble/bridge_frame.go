package ble

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Serial bridge frame layout:
//
//	sig(2) | size(2, LE) | type(1) | seq(1) | crc8(1) | [crc16(2, LE) | data]
//
// size counts itself plus type, seq, crc8 and the body. crc8 covers
// size+type+seq; crc16 covers data only and is omitted with it.
const (
	bridgeSig0       = 0xDE
	bridgeSig1       = 0xAD
	bridgeHeaderSize = 7
	bridgeBodyCRC    = 2
	bridgeMaxFrame   = 512
)

// Host to bridge.
const (
	bridgeConnect    uint8 = 0x01
	bridgeDiscover   uint8 = 0x02
	bridgeWrite      uint8 = 0x03
	bridgeWriteNoRsp uint8 = 0x04
	bridgeSubscribe  uint8 = 0x05
	bridgeDisconnect uint8 = 0x06
)

// Bridge to host.
const (
	bridgeAck          uint8 = 0x81
	bridgeNotify       uint8 = 0x82
	bridgeDisconnected uint8 = 0x83
)

func bridgeTypeName(t uint8) string {
	switch t {
	case bridgeConnect:
		return "CONNECT"
	case bridgeDiscover:
		return "DISCOVER"
	case bridgeWrite:
		return "WRITE"
	case bridgeWriteNoRsp:
		return "WRITE_NO_RSP"
	case bridgeSubscribe:
		return "SUBSCRIBE"
	case bridgeDisconnect:
		return "DISCONNECT"
	case bridgeAck:
		return "ACK"
	case bridgeNotify:
		return "NOTIFY"
	case bridgeDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

var errBadBridgeFrame = errors.New("bad bridge frame")

type bridgeFrame struct {
	Type uint8
	Seq  uint8
	Data []byte
}

// --- CRC-8 (reflected poly 0xB2, init 0xFF, xorout 0xFF) ---

var crc8Table [256]uint8

// --- CRC-16/KERMIT (reflected poly 0x8408, init 0) ---

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func bridgeCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func bridgeCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

func encodeBridgeFrame(f bridgeFrame) []byte {
	bodyLen := 0
	if len(f.Data) > 0 {
		bodyLen = bridgeBodyCRC + len(f.Data)
	}
	size := uint16(5 + bodyLen)

	buf := make([]byte, 2+int(size))
	buf[0] = bridgeSig0
	buf[1] = bridgeSig1
	binary.LittleEndian.PutUint16(buf[2:4], size)
	buf[4] = f.Type
	buf[5] = f.Seq
	buf[6] = bridgeCRC8(buf[2:6])
	if len(f.Data) > 0 {
		binary.LittleEndian.PutUint16(buf[7:9], bridgeCRC16(f.Data))
		copy(buf[9:], f.Data)
	}
	return buf
}

func decodeBridgeFrame(raw []byte) (bridgeFrame, error) {
	if len(raw) < bridgeHeaderSize {
		return bridgeFrame{}, fmt.Errorf("%w: %d bytes", errBadBridgeFrame, len(raw))
	}
	if raw[0] != bridgeSig0 || raw[1] != bridgeSig1 {
		return bridgeFrame{}, fmt.Errorf("%w: signature 0x%02X%02X", errBadBridgeFrame, raw[0], raw[1])
	}
	size := int(binary.LittleEndian.Uint16(raw[2:4]))
	if size < 5 || 2+size != len(raw) {
		return bridgeFrame{}, fmt.Errorf("%w: size %d for %d bytes", errBadBridgeFrame, size, len(raw))
	}
	if crc := bridgeCRC8(raw[2:6]); crc != raw[6] {
		return bridgeFrame{}, fmt.Errorf("%w: header crc 0x%02X, want 0x%02X", errBadBridgeFrame, raw[6], crc)
	}
	f := bridgeFrame{Type: raw[4], Seq: raw[5]}
	body := raw[bridgeHeaderSize:]
	switch {
	case len(body) == 0:
	case len(body) <= bridgeBodyCRC:
		return bridgeFrame{}, fmt.Errorf("%w: body of %d bytes", errBadBridgeFrame, len(body))
	default:
		data := body[bridgeBodyCRC:]
		want := binary.LittleEndian.Uint16(body[:bridgeBodyCRC])
		if crc := bridgeCRC16(data); crc != want {
			return bridgeFrame{}, fmt.Errorf("%w: body crc 0x%04X, want 0x%04X", errBadBridgeFrame, want, crc)
		}
		f.Data = make([]byte, len(data))
		copy(f.Data, data)
	}
	return f, nil
}

// readBridgeFrame reads one raw frame, skipping any bytes before the signature.
func readBridgeFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != bridgeSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == bridgeSig1 {
			break
		}
	}
	if _, err := r.ReadByte(); err != nil {
		return nil, err
	}

	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
	if size < 5 || size > bridgeMaxFrame {
		return nil, fmt.Errorf("%w: size %d", errBadBridgeFrame, size)
	}
	raw := make([]byte, 2+size)
	raw[0], raw[1] = bridgeSig0, bridgeSig1
	copy(raw[2:4], sizeBuf[:])
	if _, err := io.ReadFull(r, raw[4:]); err != nil {
		return nil, err
	}
	return raw, nil
}

// uuidBytes converts a characteristic UUID to its 16-byte big-endian form.
func (e Endpoint) uuidBytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(string(e), "-", ""))
	if err != nil || len(b) != 16 {
		return nil, fmt.Errorf("invalid characteristic uuid %q", e)
	}
	return b, nil
}

func endpointFromBytes(b []byte) Endpoint {
	h := hex.EncodeToString(b)
	return Endpoint(h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32])
}
