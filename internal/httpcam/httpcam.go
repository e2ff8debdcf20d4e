// Package httpcam controls a camera over its local HTTP API, reachable on
// the camera's own Wi-Fi access point or over a wired USB network link.
package httpcam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// WiFiBaseURL is the camera's address when joined to its access point.
const WiFiBaseURL = "http://10.5.5.9:8080"

const (
	defaultPort    = "8080"
	defaultTimeout = 10 * time.Second
	maxBodySize    = 4 << 20
)

var ErrBadBaseURL = errors.New("base url must look like http://host[:port]")

// StatusError is returned when the camera answers with a non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: %d %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("GET %s: %d %s: %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client talks to one camera's HTTP API.
type Client struct {
	http   *http.Client
	base   *url.URL
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewWiFi returns a client for a camera reached over its Wi-Fi access point.
func NewWiFi(logger *slog.Logger, opts ...Option) (*Client, error) {
	return NewCustomAddress(WiFiBaseURL, logger, opts...)
}

// NewCustomAddress returns a client for the camera at base. Port 8080 is
// assumed when base has none.
func NewCustomAddress(base string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadBaseURL, base, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: got %q", ErrBadBaseURL, base)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	u.Path = ""
	u.RawQuery = ""

	c := &Client{
		http:   &http.Client{Timeout: defaultTimeout},
		base:   u,
		logger: logger.With("component", "httpcam"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", path, err)
	}
	c.logger.Debug("http call", "path", u.RequestURI(), "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func onOff(on bool) url.Values {
	p := "0"
	if on {
		p = "1"
	}
	return url.Values{"p": {p}}
}

// SetShutter starts (on=true) or stops capture.
func (c *Client) SetShutter(ctx context.Context, on bool) error {
	path := "/gopro/camera/shutter/stop"
	if on {
		path = "/gopro/camera/shutter/start"
	}
	_, err := c.get(ctx, path, nil)
	return err
}

// KeepAlive resets the camera's idle power-down timer. Send it about
// every 3 seconds to keep the camera awake.
func (c *Client) KeepAlive(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/camera/keep_alive", nil)
	return err
}

// HilightMoment tags the current moment of an ongoing recording.
func (c *Client) HilightMoment(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/media/hilight/moment", nil)
	return err
}

// State is the camera's full status and settings snapshot, keyed by the
// numeric IDs the camera uses.
type State struct {
	Status   map[string]any `json:"status"`
	Settings map[string]any `json:"settings"`
}

// State returns the current camera state.
func (c *Client) State(ctx context.Context) (State, error) {
	var s State
	err := c.getJSON(ctx, "/gopro/camera/state", nil, &s)
	return s, err
}

// Version returns the Open GoPro API version the camera implements.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/gopro/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Preset group IDs.
const (
	PresetGroupVideo     = 1000
	PresetGroupPhoto     = 1001
	PresetGroupTimelapse = 1002
)

// LoadPresetGroup switches to a preset group.
func (c *Client) LoadPresetGroup(ctx context.Context, id int) error {
	_, err := c.get(ctx, "/gopro/camera/presets/set_group", url.Values{"id": {strconv.Itoa(id)}})
	return err
}

// LoadPreset loads a single preset by ID.
func (c *Client) LoadPreset(ctx context.Context, id int) error {
	_, err := c.get(ctx, "/gopro/camera/presets/load", url.Values{"id": {strconv.Itoa(id)}})
	return err
}

// DigitalZoom sets the zoom level in percent.
func (c *Client) DigitalZoom(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("digital zoom: percent %d out of range 0-100", percent)
	}
	_, err := c.get(ctx, "/gopro/camera/digital_zoom", url.Values{"percent": {strconv.Itoa(percent)}})
	return err
}

func dateTimeQuery(t time.Time) url.Values {
	return url.Values{
		"date": {fmt.Sprintf("%d_%d_%d", t.Year(), t.Month(), t.Day())},
		"time": {fmt.Sprintf("%d_%d_%d", t.Hour(), t.Minute(), t.Second())},
	}
}

// SetDateTime sets the camera clock from t's wall-clock fields.
func (c *Client) SetDateTime(ctx context.Context, t time.Time) error {
	_, err := c.get(ctx, "/gopro/camera/set_date_time", dateTimeQuery(t))
	return err
}

// SetLocalDateTime sets the camera clock along with t's UTC offset and a DST flag.
func (c *Client) SetLocalDateTime(ctx context.Context, t time.Time, dst bool) error {
	_, offset := t.Zone()
	q := dateTimeQuery(t)
	q.Set("tzone", strconv.Itoa(offset/60))
	q.Set("dst", "0")
	if dst {
		q.Set("dst", "1")
	}
	_, err := c.get(ctx, "/gopro/camera/set_date_time", q)
	return err
}

// Info is the camera's hardware identity.
type Info struct {
	ModelNumber  uint32 `json:"model_number"`
	ModelName    string `json:"model_name"`
	Firmware     string `json:"firmware_version"`
	SerialNumber string `json:"serial_number"`
	APMAC        string `json:"ap_mac"`
	APSSID       string `json:"ap_ssid"`
}

// HardwareInfo returns model, firmware and network identity.
func (c *Client) HardwareInfo(ctx context.Context) (Info, error) {
	var v struct {
		Info Info `json:"info"`
	}
	if err := c.getJSON(ctx, "/gopro/camera/info", nil, &v); err != nil {
		return Info{}, err
	}
	return v.Info, nil
}

// StreamStart starts the preview stream.
func (c *Client) StreamStart(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/camera/stream/start", nil)
	return err
}

// StreamStop stops the preview stream.
func (c *Client) StreamStop(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/camera/stream/stop", nil)
	return err
}

// WiredUSBControl enables or disables control over the USB link.
func (c *Client) WiredUSBControl(ctx context.Context, on bool) error {
	_, err := c.get(ctx, "/gopro/camera/control/wired_usb", onOff(on))
	return err
}

// TurboTransfer toggles faster media offload.
func (c *Client) TurboTransfer(ctx context.Context, on bool) error {
	_, err := c.get(ctx, "/gopro/media/turbo_transfer", onOff(on))
	return err
}

// SetUIController claims (external=true) or releases the camera UI.
func (c *Client) SetUIController(ctx context.Context, external bool) error {
	p := "0"
	if external {
		p = "2"
	}
	_, err := c.get(ctx, "/gopro/camera/control/set_ui_controller", url.Values{"p": {p}})
	return err
}
