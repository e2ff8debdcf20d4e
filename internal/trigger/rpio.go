package trigger

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver reads Raspberry Pi GPIOs through go-rpio. It needs
// /dev/gpiomem or root.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

func NewRPiDriver() (*RPiDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w (is this a Raspberry Pi?)", err)
	}
	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupInput(pin int, pull Pull) error {
	p := rpio.Pin(pin)
	p.Input()
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	case PullOff:
		p.PullOff()
	default:
		return fmt.Errorf("unknown pull mode: %d", pull)
	}
	r.mu.Lock()
	r.pins[pin] = p
	r.mu.Unlock()
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()
	if !ok {
		return Low, fmt.Errorf("pin %d not configured", pin)
	}
	return p.Read() == rpio.High, nil
}

// Close releases pulls and unmaps GPIO memory.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	for _, p := range r.pins {
		p.PullOff()
	}
	r.mu.Unlock()
	return rpio.Close()
}
