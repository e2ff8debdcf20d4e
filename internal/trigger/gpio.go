package trigger

import (
	"fmt"
	"sync"
)

// Level is the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull selects the input's internal resistor.
type Pull int

const (
	PullOff Pull = iota
	PullUp
	PullDown
)

// Driver reads GPIO inputs. RPiDriver talks to a Raspberry Pi; MockDriver
// is for development on a PC and for tests.
type Driver interface {
	SetupInput(pin int, pull Pull) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver when mock is set, otherwise an RPiDriver.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		return NewMockDriver(), nil
	}
	return NewRPiDriver()
}

// MockDriver keeps pin levels in memory. Inputs configured with PullUp
// idle High.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupInput(pin int, pull Pull) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = Level(pull == PullUp)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.levels[pin]
	if !ok {
		return Low, fmt.Errorf("pin %d not configured", pin)
	}
	return l, nil
}

// Set drives a simulated input.
func (m *MockDriver) Set(pin int, l Level) {
	m.mu.Lock()
	m.levels[pin] = l
	m.mu.Unlock()
}

func (m *MockDriver) Close() error { return nil }
