package ble

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialBridge is a Transport backed by a USB BLE-central dongle speaking
// the framed serial protocol in bridge_frame.go.
type SerialBridge struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	seq     atomic.Uint32
	pending map[uint8]chan bridgeFrame
	down    bool // read loop has exited
	mu      sync.Mutex
	writeMu sync.Mutex

	notes chan Notification

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*SerialBridge)(nil)

// OpenSerialBridge opens the dongle's serial port and starts reading frames.
func OpenSerialBridge(portName string, baudRate int, logger *slog.Logger) (*SerialBridge, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ble bridge: open %s: %w", portName, err)
	}

	// USB CDC ACM: the firmware waits for DTR before talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerialBridge(port, logger), nil
}

func newSerialBridge(rw io.ReadWriteCloser, logger *slog.Logger) *SerialBridge {
	b := &SerialBridge{
		port:    rw,
		reader:  bufio.NewReader(rw),
		logger:  logger.With("component", "ble-bridge"),
		pending: make(map[uint8]chan bridgeFrame),
		notes:   make(chan Notification, 32),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b
}

func (b *SerialBridge) nextSeq() uint8 {
	return uint8(b.seq.Add(1))
}

// request sends a host frame and waits for the bridge's ack with the same seq.
func (b *SerialBridge) request(ctx context.Context, typ uint8, data []byte) error {
	seq := b.nextSeq()

	ch := make(chan bridgeFrame, 1)
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ErrConnectionClosed
	}
	b.pending[seq] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, seq)
		b.mu.Unlock()
	}()

	raw := encodeBridgeFrame(bridgeFrame{Type: typ, Seq: seq, Data: data})
	b.writeMu.Lock()
	_, err := b.port.Write(raw)
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	b.logger.Debug("bridge TX", "type", bridgeTypeName(typ), "seq", seq, "data", fmt.Sprintf("%X", data))

	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if len(ack.Data) > 0 && ack.Data[0] != 0 {
			return fmt.Errorf("bridge %s: status 0x%02X %s", bridgeTypeName(typ), ack.Data[0], ack.Data[1:])
		}
		return nil
	case <-ctx.Done():
		b.logger.Warn("bridge timeout", "type", bridgeTypeName(typ), "seq", seq, "err", ctx.Err())
		return ctx.Err()
	case <-b.done:
		return ErrConnectionClosed
	}
}

// Connect asks the bridge to connect to the camera with the given BLE address.
func (b *SerialBridge) Connect(ctx context.Context, address string) error {
	if err := b.request(ctx, bridgeConnect, []byte(address)); err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	b.logger.Info("camera connected", "address", address)
	return nil
}

// Discover runs GATT service discovery on the connected camera.
func (b *SerialBridge) Discover(ctx context.Context) error {
	if err := b.request(ctx, bridgeDiscover, nil); err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	return nil
}

// Write sends data to a characteristic.
func (b *SerialBridge) Write(ctx context.Context, ep Endpoint, data []byte, mode WriteMode) error {
	uuid, err := ep.uuidBytes()
	if err != nil {
		return err
	}
	typ := bridgeWrite
	if mode == WriteWithoutResponse {
		typ = bridgeWriteNoRsp
	}
	return b.request(ctx, typ, append(uuid, data...))
}

// Subscribe enables notifications on a characteristic.
func (b *SerialBridge) Subscribe(ctx context.Context, ep Endpoint) error {
	uuid, err := ep.uuidBytes()
	if err != nil {
		return err
	}
	if err := b.request(ctx, bridgeSubscribe, uuid); err != nil {
		return fmt.Errorf("subscribe %s: %w", ep, err)
	}
	return nil
}

// Notifications returns the incoming notification stream. It is closed when
// the serial link ends, the camera disconnects, or Close is called.
func (b *SerialBridge) Notifications() <-chan Notification {
	return b.notes
}

// linkClosed reports whether a read error means the serial link is gone.
func linkClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}

func (b *SerialBridge) readLoop() {
	defer b.wg.Done()
	defer b.failPending()
	defer close(b.notes)

	backoff := 10 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		raw, err := readBridgeFrame(b.reader)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			if linkClosed(err) {
				b.logger.Warn("bridge link ended", "err", err)
				return
			}
			if !errors.Is(err, errBadBridgeFrame) {
				b.logger.Error("bridge read error", "err", err)
				select {
				case <-time.After(backoff):
				case <-b.done:
					return
				}
				backoff = min(backoff*2, maxBackoff)
			} else {
				b.logger.Warn("bridge frame error", "err", err)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		f, err := decodeBridgeFrame(raw)
		if err != nil {
			b.logger.Warn("bridge decode error", "err", err)
			continue
		}
		b.logger.Debug("bridge RX", "type", bridgeTypeName(f.Type), "seq", f.Seq, "data", fmt.Sprintf("%X", f.Data))

		switch f.Type {
		case bridgeAck:
			b.mu.Lock()
			ch, ok := b.pending[f.Seq]
			b.mu.Unlock()
			if !ok {
				b.logger.Warn("bridge orphaned ack", "seq", f.Seq)
				continue
			}
			select {
			case ch <- f:
			default:
			}

		case bridgeNotify:
			if len(f.Data) < 16 {
				b.logger.Warn("bridge short notify", "len", len(f.Data))
				continue
			}
			n := Notification{Endpoint: endpointFromBytes(f.Data[:16]), Data: f.Data[16:]}
			select {
			case b.notes <- n:
			case <-b.done:
				return
			}

		case bridgeDisconnected:
			b.logger.Warn("camera disconnected", "reason", fmt.Sprintf("%X", f.Data))
			return

		default:
			b.logger.Warn("bridge unknown frame type", "type", bridgeTypeName(f.Type))
		}
	}
}

func (b *SerialBridge) failPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	for seq, ch := range b.pending {
		close(ch)
		delete(b.pending, seq)
	}
}

// Close disconnects from the camera, closes the port and waits for the
// read loop to exit.
func (b *SerialBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		raw := encodeBridgeFrame(bridgeFrame{Type: bridgeDisconnect, Seq: b.nextSeq()})
		b.writeMu.Lock()
		_, _ = b.port.Write(raw)
		b.writeMu.Unlock()
		err = b.port.Close()
	})
	b.wg.Wait()
	return err
}
