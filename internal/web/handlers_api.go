package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"gopro-go-home/internal/automation"
	"gopro-go-home/internal/ble"
	"gopro-go-home/internal/camera"
	"gopro-go-home/internal/httpcam"
	"gopro-go-home/internal/store"
)

const maxBodySize = 1 << 20

// errorStatus maps a command error to the HTTP status reported to clients.
func errorStatus(err error) int {
	var se *httpcam.StatusError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, automation.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, ble.ErrCommandAlreadyInFlight):
		return http.StatusConflict
	case errors.Is(err, ble.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ble.ErrDeviceRejected), errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, ble.ErrConnectionClosed), errors.Is(err, camera.ErrNoCamera):
		return http.StatusServiceUnavailable
	case errors.Is(err, camera.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ble.ErrFrameTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api error", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func webCtx(r *http.Request) context.Context {
	return camera.WithSource(r.Context(), "web")
}

func (s *Server) handleAPICameraStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cameras.Status())
}

type shutterRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleAPIShutter(w http.ResponseWriter, r *http.Request) {
	var req shutterRequest
	if err := decodeBody(w, r, &req); err != nil || req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"on": true|false}`})
		return
	}
	if err := s.cameras.SetShutter(webCtx(r), *req.On); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "on": *req.On})
}

func (s *Server) handleAPIKeepAlive(w http.ResponseWriter, r *http.Request) {
	s.simpleCommand(w, s.cameras.KeepAlive(webCtx(r)))
}

func (s *Server) handleAPISleep(w http.ResponseWriter, r *http.Request) {
	s.simpleCommand(w, s.cameras.Sleep(webCtx(r)))
}

func (s *Server) handleAPIHilight(w http.ResponseWriter, r *http.Request) {
	s.simpleCommand(w, s.cameras.HilightMoment(webCtx(r)))
}

func (s *Server) simpleCommand(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dateTimeRequest struct {
	// Time is RFC 3339; the server clock is used when empty.
	Time string `json:"time"`
}

func (s *Server) handleAPIDateTime(w http.ResponseWriter, r *http.Request) {
	var req dateTimeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	t := time.Now()
	if req.Time != "" {
		var err error
		if t, err = time.Parse(time.RFC3339, req.Time); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "time must be RFC 3339"})
			return
		}
	}
	if err := s.cameras.SetDateTime(webCtx(r), t); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": t.Format(time.RFC3339)})
}

func (s *Server) handleAPIHardware(w http.ResponseWriter, r *http.Request) {
	id, err := s.cameras.HardwareInfo(webCtx(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, id)
}

// httpOnly runs fn against the active camera's HTTP client.
func (s *Server) httpOnly(r *http.Request, name, params string, fn func(context.Context, *httpcam.Client) error) error {
	return s.cameras.Do(webCtx(r), name, params, func(ctx context.Context, d camera.Device) error {
		hd, ok := d.(*camera.HTTPDevice)
		if !ok {
			return fmt.Errorf("%s over %s: %w", name, d.Transport(), camera.ErrUnsupported)
		}
		return fn(ctx, hd.Client())
	})
}

func (s *Server) handleAPICameraState(w http.ResponseWriter, r *http.Request) {
	var st httpcam.State
	err := s.httpOnly(r, "state", "", func(ctx context.Context, c *httpcam.Client) error {
		var err error
		st, err = c.State(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIMedia(w http.ResponseWriter, r *http.Request) {
	var list httpcam.MediaList
	err := s.httpOnly(r, "media_list", "", func(ctx context.Context, c *httpcam.Client) error {
		var err error
		list, err = c.Media(ctx)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

type idRequest struct {
	ID int `json:"id"`
}

func (s *Server) handleAPIPresetGroup(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decodeBody(w, r, &req); err != nil || req.ID == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"id": <group>}`})
		return
	}
	s.simpleCommand(w, s.httpOnly(r, "load_preset_group", strconv.Itoa(req.ID), func(ctx context.Context, c *httpcam.Client) error {
		return c.LoadPresetGroup(ctx, req.ID)
	}))
}

type zoomRequest struct {
	Percent int `json:"percent"`
}

func (s *Server) handleAPIZoom(w http.ResponseWriter, r *http.Request) {
	var req zoomRequest
	if err := decodeBody(w, r, &req); err != nil || req.Percent < 0 || req.Percent > 100 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "percent must be 0-100"})
		return
	}
	s.simpleCommand(w, s.httpOnly(r, "digital_zoom", strconv.Itoa(req.Percent), func(ctx context.Context, c *httpcam.Client) error {
		return c.DigitalZoom(ctx, req.Percent)
	}))
}

func (s *Server) handleAPIWebcam(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	var run func(context.Context, *httpcam.Client) error
	switch action {
	case "start":
		var opts httpcam.WebcamOptions
		if err := decodeBody(w, r, &opts); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		run = func(ctx context.Context, c *httpcam.Client) error { return c.WebcamStart(ctx, opts) }
	case "stop":
		run = func(ctx context.Context, c *httpcam.Client) error { return c.WebcamStop(ctx) }
	case "preview":
		run = func(ctx context.Context, c *httpcam.Client) error { return c.WebcamPreview(ctx) }
	case "exit":
		run = func(ctx context.Context, c *httpcam.Client) error { return c.WebcamExit(ctx) }
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown webcam action"})
		return
	}
	s.simpleCommand(w, s.httpOnly(r, "webcam_"+action, "", run))
}

func (s *Server) handleAPIListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.cameras.Store().ListCameras()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cams == nil {
		cams = []*store.Camera{}
	}
	s.writeJSON(w, http.StatusOK, cams)
}

func (s *Server) handleAPIGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameras.Store().GetCamera(r.PathValue("serial"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cam)
}

type renameCameraRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameCamera(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	var req renameCameraRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.cameras.Rename(serial, req.FriendlyName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteCamera(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if s.cameras.Status().Serial == serial {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "camera is connected"})
		return
	}
	if err := s.cameras.Store().DeleteCamera(serial); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPICommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}
	recs, err := s.cameras.History(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*store.CommandRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}
