package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"gopro-go-home/internal/camera"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCamera struct {
	mu        sync.Mutex
	recording bool
	calls     []string
	sources   []string
}

func (f *fakeCamera) SetShutter(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = on
	if on {
		f.calls = append(f.calls, "start")
	} else {
		f.calls = append(f.calls, "stop")
	}
	f.sources = append(f.sources, camera.SourceOf(ctx))
	return nil
}

func (f *fakeCamera) HilightMoment(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "hilight")
	f.sources = append(f.sources, camera.SourceOf(ctx))
	return nil
}

func (f *fakeCamera) Status() camera.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return camera.Status{Connected: true, Recording: f.recording}
}

func (f *fakeCamera) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func waitCalls(t *testing.T, cam *fakeCamera, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := cam.snapshot(); len(c) >= n {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, got %v", n, cam.snapshot())
	return nil
}

func startButton(t *testing.T, cfg Config) (*MockDriver, *fakeCamera, *Button) {
	t.Helper()
	drv := NewMockDriver()
	cam := &fakeCamera{}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Millisecond
	}
	btn, err := NewButton(drv, cam, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- btn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return drv, cam, btn
}

func press(drv *MockDriver, pin int, activeLow bool, hold time.Duration) {
	drv.Set(pin, Level(!activeLow))
	time.Sleep(hold)
	drv.Set(pin, Level(activeLow))
}

func TestMockDriverPullUp(t *testing.T) {
	drv := NewMockDriver()
	if _, err := drv.ReadPin(4); err == nil {
		t.Error("read of unconfigured pin succeeded")
	}
	drv.SetupInput(4, PullUp)
	if l, _ := drv.ReadPin(4); l != High {
		t.Error("pull-up input idles low")
	}
	drv.SetupInput(5, PullDown)
	if l, _ := drv.ReadPin(5); l != Low {
		t.Error("pull-down input idles high")
	}
}

func TestNewButtonValidation(t *testing.T) {
	if _, err := NewButton(NewMockDriver(), &fakeCamera{}, Config{Pin: 17, Action: "explode"}, testLogger()); err == nil {
		t.Error("unknown action accepted")
	}
	btn, err := NewButton(NewMockDriver(), &fakeCamera{}, Config{Pin: 17}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if btn.cfg.Action != ActionToggle || btn.cfg.Debounce != defaultDebounce {
		t.Errorf("defaults = %+v", btn.cfg)
	}
}

func TestButtonToggle(t *testing.T) {
	drv, cam, _ := startButton(t, Config{Pin: 17, ActiveLow: true})

	press(drv, 17, true, 30*time.Millisecond)
	waitCalls(t, cam, 1)
	press(drv, 17, true, 30*time.Millisecond)
	calls := waitCalls(t, cam, 2)

	if calls[0] != "start" || calls[1] != "stop" {
		t.Errorf("calls = %v", calls)
	}
	cam.mu.Lock()
	defer cam.mu.Unlock()
	for _, s := range cam.sources {
		if s != "button" {
			t.Errorf("source = %q", s)
		}
	}
}

func TestButtonHoldFiresOnce(t *testing.T) {
	drv, cam, _ := startButton(t, Config{Pin: 22, Action: ActionStart})

	press(drv, 22, false, 80*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if calls := cam.snapshot(); len(calls) != 1 || calls[0] != "start" {
		t.Errorf("calls = %v", calls)
	}
}

func TestButtonDebounce(t *testing.T) {
	drv, cam, _ := startButton(t, Config{Pin: 5, ActiveLow: true, Action: ActionHilight, Debounce: 40 * time.Millisecond})

	// Bounces shorter than the debounce window are ignored.
	for i := 0; i < 3; i++ {
		press(drv, 5, true, 3*time.Millisecond)
		time.Sleep(3 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if calls := cam.snapshot(); len(calls) != 0 {
		t.Fatalf("bounce fired: %v", calls)
	}

	press(drv, 5, true, 80*time.Millisecond)
	if calls := waitCalls(t, cam, 1); calls[0] != "hilight" {
		t.Errorf("calls = %v", calls)
	}
}

type brokenDriver struct{ *MockDriver }

func (*brokenDriver) ReadPin(int) (Level, error) { return Low, errors.New("gpio gone") }

func TestButtonReadError(t *testing.T) {
	drv := &brokenDriver{MockDriver: NewMockDriver()}
	btn, err := NewButton(drv, &fakeCamera{}, Config{Pin: 1, PollInterval: time.Millisecond}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := btn.Run(context.Background()); err == nil {
		t.Error("Run returned nil on read error")
	}
}
