// Package camera owns the active camera link: it interviews a newly
// attached camera, keeps it awake, records every command it sends and
// publishes what happens on an EventBus.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopro-go-home/internal/store"
)

var (
	ErrNoCamera    = errors.New("no camera connected")
	ErrUnsupported = errors.New("operation not supported over this transport")
)

const (
	DefaultKeepAliveInterval = 3 * time.Second
	DefaultCommandTimeout    = 5 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	maxReconnectDelay        = time.Minute
)

// Config holds manager tuning.
type Config struct {
	// Name is shown for cameras without a stored friendly name.
	Name              string
	KeepAliveInterval time.Duration
	CommandTimeout    time.Duration
	ReconnectDelay    time.Duration
}

// DialFunc opens a link to a camera.
type DialFunc func(ctx context.Context) (Device, error)

// Status is a snapshot of the active camera.
type Status struct {
	Connected         bool      `json:"connected"`
	Serial            string    `json:"serial,omitempty"`
	Name              string    `json:"name,omitempty"`
	ModelName         string    `json:"model_name,omitempty"`
	Firmware          string    `json:"firmware,omitempty"`
	APIVersion        string    `json:"api_version,omitempty"`
	Transport         string    `json:"transport,omitempty"`
	Address           string    `json:"address,omitempty"`
	Recording         bool      `json:"recording"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	KeepAliveFailures int       `json:"keep_alive_failures"`
}

type sourceKey struct{}

// WithSource tags ctx with the caller that issued a command ("web",
// "mqtt", "script", ...). The tag ends up in the command history.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceOf returns the tag set by WithSource, or "".
func SourceOf(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// Manager tracks the active camera.
type Manager struct {
	store  store.Store
	events *EventBus
	logger *slog.Logger
	cfg    Config

	mu        sync.RWMutex
	dev       Device
	devCancel context.CancelFunc
	status    Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with no camera attached.
func NewManager(st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  st,
		events: events,
		logger: logger.With("component", "camera"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the manager's event bus.
func (m *Manager) Events() *EventBus { return m.events }

// Store returns the backing store.
func (m *Manager) Store() store.Store { return m.store }

// Status returns a snapshot of the active camera.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Device returns the active device.
func (m *Manager) Device() (Device, error) {
	dev, _, err := m.current()
	return dev, err
}

func (m *Manager) current() (Device, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dev == nil {
		return nil, "", ErrNoCamera
	}
	return m.dev, m.status.Serial, nil
}

// Attach interviews dev, persists its record and makes it the active
// camera, replacing any previous one. If the interview fails while the
// link is still up, the camera is keyed by its address.
func (m *Manager) Attach(ctx context.Context, dev Device) error {
	ictx, cancel := context.WithTimeout(ctx, 2*m.cfg.CommandTimeout)
	id, err := dev.Identify(ictx)
	cancel()
	if err != nil {
		select {
		case <-dev.Done():
			return fmt.Errorf("interview: %w", err)
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("interview: %w", err)
		}
		m.logger.Warn("camera interview failed", "transport", dev.Transport(), "address", dev.Address(), "err", err)
	}
	if id.Serial == "" {
		id.Serial = dev.Address()
	}

	cam := m.persist(id, dev)

	m.mu.Lock()
	old, oldCancel := m.dev, m.devCancel
	devCtx, devCancel := context.WithCancel(m.ctx)
	m.dev = dev
	m.devCancel = devCancel
	m.status = Status{
		Connected:   true,
		Serial:      cam.Serial,
		Name:        m.displayName(cam),
		ModelName:   cam.ModelName,
		Firmware:    cam.Firmware,
		APIVersion:  cam.APIVersion,
		Transport:   dev.Transport(),
		Address:     dev.Address(),
		ConnectedAt: time.Now(),
	}
	st := m.status
	m.mu.Unlock()

	if old != nil {
		oldCancel()
		old.Close()
	}

	if n, ok := dev.(Notifier); ok {
		serial := cam.Serial
		n.OnNotification(func(note Notification) {
			m.logger.Debug("camera notification", "endpoint", note.Endpoint, "data", note.Data)
			m.events.Emit(Event{Type: EventNotification, Data: map[string]any{
				"serial":   serial,
				"endpoint": note.Endpoint,
				"data":     note.Data,
			}})
		})
	}

	m.logger.Info("camera connected", "serial", st.Serial, "model", st.ModelName, "firmware", st.Firmware, "transport", st.Transport)
	m.events.Emit(Event{Type: EventCameraConnected, Data: st})

	m.wg.Add(2)
	go m.keepAliveLoop(devCtx, dev)
	go m.watch(devCtx, dev)
	return nil
}

func (m *Manager) displayName(cam *store.Camera) string {
	if cam.FriendlyName == "" && m.cfg.Name != "" {
		return m.cfg.Name
	}
	return cam.DisplayName()
}

func (m *Manager) persist(id Identity, dev Device) *store.Camera {
	now := time.Now()
	cam := &store.Camera{
		Serial:      id.Serial,
		ModelNumber: id.ModelNumber,
		ModelName:   id.ModelName,
		Firmware:    id.Firmware,
		APIVersion:  id.APIVersion,
		APSSID:      id.APSSID,
		APMAC:       id.APMAC,
		Transport:   dev.Transport(),
		Address:     dev.Address(),
		FirstSeen:   now,
		LastSeen:    now,
	}
	err := m.store.UpdateCamera(id.Serial, func(c *store.Camera) error {
		if id.ModelName != "" {
			c.ModelNumber = id.ModelNumber
			c.ModelName = id.ModelName
			c.Firmware = id.Firmware
			c.APSSID = id.APSSID
			c.APMAC = id.APMAC
		}
		if id.APIVersion != "" {
			c.APIVersion = id.APIVersion
		}
		c.Transport = dev.Transport()
		c.Address = dev.Address()
		c.LastSeen = now
		*cam = *c
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("new camera", "serial", id.Serial, "model", id.ModelName)
		err = m.store.SaveCamera(cam)
	}
	if err != nil {
		m.logger.Error("save camera", "serial", id.Serial, "err", err)
	}
	return cam
}

func (m *Manager) watch(ctx context.Context, dev Device) {
	defer m.wg.Done()
	select {
	case <-dev.Done():
		m.detach(dev, "link lost")
	case <-ctx.Done():
	}
}

// Detach closes the active camera link.
func (m *Manager) Detach() {
	m.mu.RLock()
	dev := m.dev
	m.mu.RUnlock()
	if dev != nil {
		m.detach(dev, "detached")
	}
}

func (m *Manager) detach(dev Device, reason string) {
	m.mu.Lock()
	if m.dev != dev {
		m.mu.Unlock()
		return
	}
	m.devCancel()
	serial := m.status.Serial
	m.dev = nil
	m.devCancel = nil
	m.status = Status{}
	m.mu.Unlock()

	dev.Close()
	if err := m.store.UpdateCamera(serial, func(c *store.Camera) error {
		c.LastSeen = time.Now()
		return nil
	}); err != nil {
		m.logger.Warn("update last seen", "serial", serial, "err", err)
	}
	m.logger.Info("camera disconnected", "serial", serial, "reason", reason)
	m.events.Emit(Event{Type: EventCameraDisconnected, Data: map[string]any{
		"serial": serial,
		"reason": reason,
	}})
}

// Run dials and attaches a camera, and dials again whenever the link is
// lost, backing off between failed attempts. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context, dial DialFunc) error {
	delay := m.cfg.ReconnectDelay
	for {
		dev, err := dial(ctx)
		if err == nil {
			if err = m.Attach(ctx, dev); err != nil {
				dev.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("camera connect failed", "err", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = m.cfg.ReconnectDelay

		select {
		case <-dev.Done():
			m.detach(dev, "link lost")
			m.logger.Info("reconnecting to camera")
		case <-ctx.Done():
			m.detach(dev, "stopped")
			return ctx.Err()
		}
	}
}

// Stop detaches the camera and waits for background loops.
func (m *Manager) Stop() {
	m.Detach()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) keepAliveLoop(ctx context.Context, dev Device) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dev.Done():
			return
		case <-ticker.C:
		}

		kctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
		err := dev.KeepAlive(kctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if m.dev == dev {
			if err != nil {
				m.status.KeepAliveFailures++
			} else {
				m.status.KeepAliveFailures = 0
			}
		}
		failures, serial := m.status.KeepAliveFailures, m.status.Serial
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("keep alive failed", "serial", serial, "failures", failures, "err", err)
			m.events.Emit(Event{Type: EventKeepAliveFailed, Data: map[string]any{
				"serial":   serial,
				"failures": failures,
				"error":    err.Error(),
			}})
		}
	}
}

func (m *Manager) exec(ctx context.Context, name, params string, fn func(context.Context, Device) error) error {
	dev, serial, err := m.current()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	err = fn(cctx, dev)
	rec := &store.CommandRecord{
		Camera:    serial,
		Command:   name,
		Params:    params,
		Transport: dev.Transport(),
		Source:    SourceOf(ctx),
		OK:        err == nil,
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
		m.logger.Warn("camera command failed", "cmd", name, "params", params, "err", err)
	} else {
		m.logger.Debug("camera command", "cmd", name, "params", params, "elapsed", rec.Duration)
	}
	if serr := m.store.RecordCommand(rec); serr != nil {
		m.logger.Error("record command", "err", serr)
	}
	m.events.Emit(Event{Type: EventCommand, Data: rec})
	return err
}

// Do runs fn against the active device under the command timeout and
// records it in the history as name.
func (m *Manager) Do(ctx context.Context, name, params string, fn func(context.Context, Device) error) error {
	return m.exec(ctx, name, params, fn)
}

// SetShutter starts or stops capture.
func (m *Manager) SetShutter(ctx context.Context, on bool) error {
	err := m.exec(ctx, "set_shutter", fmt.Sprintf("on=%t", on), func(ctx context.Context, d Device) error {
		return d.SetShutter(ctx, on)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.status.Recording = on
	serial := m.status.Serial
	m.mu.Unlock()
	m.events.Emit(Event{Type: EventShutter, Data: map[string]any{"serial": serial, "on": on}})
	return nil
}

// KeepAlive sends a single keep-alive outside the periodic loop.
func (m *Manager) KeepAlive(ctx context.Context) error {
	return m.exec(ctx, "keep_alive", "", func(ctx context.Context, d Device) error {
		return d.KeepAlive(ctx)
	})
}

// HilightMoment tags the current moment of a recording.
func (m *Manager) HilightMoment(ctx context.Context) error {
	return m.exec(ctx, "hilight_moment", "", func(ctx context.Context, d Device) error {
		return d.HilightMoment(ctx)
	})
}

// Sleep powers the camera down. Only links implementing Sleeper can.
func (m *Manager) Sleep(ctx context.Context) error {
	return m.exec(ctx, "sleep", "", func(ctx context.Context, d Device) error {
		s, ok := d.(Sleeper)
		if !ok {
			return fmt.Errorf("sleep over %s: %w", d.Transport(), ErrUnsupported)
		}
		return s.Sleep(ctx)
	})
}

// SetDateTime sets the camera clock.
func (m *Manager) SetDateTime(ctx context.Context, t time.Time) error {
	return m.exec(ctx, "set_date_time", t.Format(time.RFC3339), func(ctx context.Context, d Device) error {
		return d.SetDateTime(ctx, t)
	})
}

// HardwareInfo interviews the active camera again.
func (m *Manager) HardwareInfo(ctx context.Context) (Identity, error) {
	var id Identity
	err := m.exec(ctx, "hardware_info", "", func(ctx context.Context, d Device) error {
		var err error
		id, err = d.Identify(ctx)
		return err
	})
	return id, err
}

// Rename sets a camera's friendly name.
func (m *Manager) Rename(serial, name string) error {
	var cam store.Camera
	if err := m.store.UpdateCamera(serial, func(c *store.Camera) error {
		c.FriendlyName = name
		cam = *c
		return nil
	}); err != nil {
		return err
	}
	m.mu.Lock()
	if m.status.Serial == serial {
		m.status.Name = m.displayName(&cam)
	}
	m.mu.Unlock()
	return nil
}

// History returns the most recent commands, newest first.
func (m *Manager) History(limit int) ([]*store.CommandRecord, error) {
	return m.store.RecentCommands(limit)
}
