// Package trigger turns a physical push button on a GPIO input into camera
// commands.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopro-go-home/internal/camera"
)

// Actions a button press can run.
const (
	ActionToggle  = "toggle"
	ActionStart   = "start"
	ActionHilight = "hilight"
)

const (
	defaultPoll     = 10 * time.Millisecond
	defaultDebounce = 50 * time.Millisecond
	pressTimeout    = 10 * time.Second
)

// Camera is what a button drives. *camera.Manager implements it.
type Camera interface {
	SetShutter(ctx context.Context, on bool) error
	HilightMoment(ctx context.Context) error
	Status() camera.Status
}

// Config describes one button.
type Config struct {
	Pin int
	// ActiveLow means pressed pulls the pin to ground; the input gets a
	// pull-up. Otherwise it gets a pull-down and pressed reads High.
	ActiveLow    bool
	Action       string
	Debounce     time.Duration
	PollInterval time.Duration
}

// Button polls a GPIO input and runs its action on each debounced press.
type Button struct {
	drv    Driver
	cam    Camera
	cfg    Config
	logger *slog.Logger
}

// NewButton configures the input pin.
func NewButton(drv Driver, cam Camera, cfg Config, logger *slog.Logger) (*Button, error) {
	switch cfg.Action {
	case "":
		cfg.Action = ActionToggle
	case ActionToggle, ActionStart, ActionHilight:
	default:
		return nil, fmt.Errorf("unknown trigger action %q", cfg.Action)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}

	pull := PullDown
	if cfg.ActiveLow {
		pull = PullUp
	}
	if err := drv.SetupInput(cfg.Pin, pull); err != nil {
		return nil, fmt.Errorf("setup pin %d: %w", cfg.Pin, err)
	}
	return &Button{
		drv:    drv,
		cam:    cam,
		cfg:    cfg,
		logger: logger.With("component", "trigger", "pin", cfg.Pin),
	}, nil
}

func (b *Button) pressed(l Level) bool {
	return bool(l) != b.cfg.ActiveLow
}

// Run polls until ctx is done. A press fires once when the input has been
// active for the debounce time; the input must go inactive before the next
// press counts.
func (b *Button) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	var (
		activeSince time.Time
		fired       bool
	)
	b.logger.Info("trigger armed", "action", b.cfg.Action)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l, err := b.drv.ReadPin(b.cfg.Pin)
			if err != nil {
				return fmt.Errorf("read pin %d: %w", b.cfg.Pin, err)
			}
			if !b.pressed(l) {
				activeSince = time.Time{}
				fired = false
				continue
			}
			if activeSince.IsZero() {
				activeSince = now
			}
			if !fired && now.Sub(activeSince) >= b.cfg.Debounce {
				fired = true
				b.fire(ctx)
			}
		}
	}
}

func (b *Button) fire(ctx context.Context) {
	ctx, cancel := context.WithTimeout(camera.WithSource(ctx, "button"), pressTimeout)
	defer cancel()

	var err error
	switch b.cfg.Action {
	case ActionToggle:
		err = b.cam.SetShutter(ctx, !b.cam.Status().Recording)
	case ActionStart:
		err = b.cam.SetShutter(ctx, true)
	case ActionHilight:
		err = b.cam.HilightMoment(ctx)
	}
	if err != nil {
		b.logger.Warn("button action failed", "action", b.cfg.Action, "err", err)
		return
	}
	b.logger.Debug("button pressed", "action", b.cfg.Action)
}
