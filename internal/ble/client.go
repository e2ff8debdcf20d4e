package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds how long Invoke waits for a response.
const DefaultTimeout = 5 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-command response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client issues commands over a Transport and matches responses to callers.
type Client struct {
	transport Transport
	registry  *Registry // command responses, keyed by opcode
	settings  *Registry // setting responses, keyed by setting ID
	logger    *slog.Logger
	timeout   time.Duration

	handlerMu     sync.RWMutex
	onUnsolicited func(Notification)
	onDisconnect  func()

	done      chan struct{} // closed by Close
	exited    chan struct{} // closed when the dispatcher returns
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient subscribes to the response characteristics and starts the
// notification dispatcher. The dispatcher runs until the transport's
// notification stream ends or Close is called.
func NewClient(ctx context.Context, t Transport, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		transport: t,
		registry:  NewRegistry(),
		settings:  NewRegistry(),
		logger:    logger.With("component", "ble"),
		timeout:   DefaultTimeout,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, ep := range []Endpoint{EndpointCommandResponse, EndpointSettingsResp, EndpointQueryResp} {
		if err := t.Subscribe(ctx, ep); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w: %w", ep, ErrTransport, err)
		}
	}

	c.wg.Add(1)
	go c.dispatchLoop()
	return c, nil
}

// Invoke sends cmd with params and waits for the camera's response payload.
// A second Invoke for the same command fails with ErrCommandAlreadyInFlight
// until the first one resolves.
func (c *Client) Invoke(ctx context.Context, cmd CommandID, params []byte) ([]byte, error) {
	raw, err := Encode(cmd, params)
	if err != nil {
		return nil, err
	}
	f, err := c.call(ctx, EndpointCommand, c.registry, cmd, cmd, raw)
	if err != nil {
		return nil, err
	}
	if f.Status != StatusSuccess {
		return f.Payload, &DeviceRejectedError{Command: cmd, Status: f.Status}
	}
	return f.Payload, nil
}

// SetSetting writes value to a setting and waits for the camera to confirm.
// Settings have their own in-flight slots, so a setting write never
// collides with a command that shares its byte value.
func (c *Client) SetSetting(ctx context.Context, id SettingID, value []byte) error {
	raw, err := EncodeSetting(id, value)
	if err != nil {
		return err
	}
	f, err := c.call(ctx, EndpointSettings, c.settings, CommandID(id), id, raw)
	if err != nil {
		return err
	}
	if f.Status != StatusSuccess {
		return &DeviceRejectedError{Setting: id, Status: f.Status}
	}
	return nil
}

// call registers key in reg, writes raw to ep and waits for the reply.
func (c *Client) call(ctx context.Context, ep Endpoint, reg *Registry, key CommandID, name fmt.Stringer, raw []byte) (Frame, error) {
	ch, err := reg.Register(key)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Write(ctx, ep, raw, WriteWithoutResponse); err != nil {
		reg.Cancel(key, ch)
		if ctx.Err() != nil {
			return Frame{}, c.ctxError(name, ctx)
		}
		return Frame{}, fmt.Errorf("write %s: %w: %w", name, ErrTransport, err)
	}
	c.logger.Info("ble TX", "cmd", name, "frame", fmt.Sprintf("%X", raw))

	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, fmt.Errorf("%s: %w", name, ErrConnectionClosed)
		}
		c.logResult(name, f)
		return f, nil
	case <-ctx.Done():
		reg.Cancel(key, ch)
		// After Cancel, ch is either closed or already holds a response that
		// won the race with the deadline.
		if f, ok := <-ch; ok {
			c.logResult(name, f)
			return f, nil
		}
		c.logger.Warn("ble timeout", "cmd", name, "err", ctx.Err())
		return Frame{}, c.ctxError(name, ctx)
	}
}

func (c *Client) logResult(name fmt.Stringer, f Frame) {
	level := slog.LevelInfo
	if f.Status != StatusSuccess {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "ble RX", "cmd", name, "status", f.Status, "payload", fmt.Sprintf("%X", f.Payload))
}

func (c *Client) ctxError(name fmt.Stringer, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", name, ctx.Err())
}

// Pending reports whether a call for cmd is waiting on a response.
func (c *Client) Pending(cmd CommandID) bool {
	return c.registry.Pending(cmd)
}

// SettingPending reports whether a write to id is waiting on a response.
func (c *Client) SettingPending(id SettingID) bool {
	return c.settings.Pending(CommandID(id))
}

// OnUnsolicited registers a callback for notifications no caller was waiting
// for, including every frame from the query characteristic.
// The callback runs on the dispatcher goroutine and must not call Invoke.
func (c *Client) OnUnsolicited(handler func(Notification)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onUnsolicited = handler
}

// OnDisconnect registers a callback run once after the dispatcher has
// stopped. The callback may call Close.
func (c *Client) OnDisconnect(handler func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnect = handler
}

// Done is closed once the link is down and every pending call has been released.
func (c *Client) Done() <-chan struct{} {
	return c.exited
}

// Close tears down the transport and waits for the dispatcher to exit.
// Outstanding calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	c.wg.Wait()
	return err
}
