package httpcam

import (
	"context"
	"net/url"
	"strconv"
)

// WebcamOptions are optional webcam start parameters. Zero values are left
// to the camera's defaults.
type WebcamOptions struct {
	Resolution int `json:"res,omitempty"`
	FOV        int `json:"fov,omitempty"`
	Port       int `json:"port,omitempty"`
}

func (o WebcamOptions) query() url.Values {
	q := url.Values{}
	if o.Resolution > 0 {
		q.Set("res", strconv.Itoa(o.Resolution))
	}
	if o.FOV > 0 {
		q.Set("fov", strconv.Itoa(o.FOV))
	}
	if o.Port > 0 {
		q.Set("port", strconv.Itoa(o.Port))
	}
	return q
}

// WebcamStatus is the webcam state machine as reported by the camera.
type WebcamStatus struct {
	Status int `json:"status"`
	Error  int `json:"error"`
}

// WebcamStart starts webcam streaming.
func (c *Client) WebcamStart(ctx context.Context, opts WebcamOptions) error {
	_, err := c.get(ctx, "/gopro/webcam/start", opts.query())
	return err
}

// WebcamPreview starts a low-latency preview without entering webcam mode.
func (c *Client) WebcamPreview(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/webcam/preview", nil)
	return err
}

// WebcamStop stops streaming but stays in webcam mode.
func (c *Client) WebcamStop(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/webcam/stop", nil)
	return err
}

// WebcamExit leaves webcam mode.
func (c *Client) WebcamExit(ctx context.Context) error {
	_, err := c.get(ctx, "/gopro/webcam/exit", nil)
	return err
}

// WebcamState returns the webcam status.
func (c *Client) WebcamState(ctx context.Context) (WebcamStatus, error) {
	var s WebcamStatus
	err := c.getJSON(ctx, "/gopro/webcam/status", nil, &s)
	return s, err
}

// MediaFile is one file entry in the media list.
type MediaFile struct {
	Name     string `json:"n"`
	Created  string `json:"cre"`
	Modified string `json:"mod"`
	Size     string `json:"s"`
}

// MediaDir is one directory of the media list.
type MediaDir struct {
	Directory string      `json:"d"`
	Files     []MediaFile `json:"fs"`
}

// MediaList is the camera's media listing.
type MediaList struct {
	ID    string     `json:"id"`
	Media []MediaDir `json:"media"`
}

// Media lists every file on the SD card.
func (c *Client) Media(ctx context.Context) (MediaList, error) {
	var m MediaList
	err := c.getJSON(ctx, "/gopro/media/list", nil, &m)
	return m, err
}
