// Package web serves the JSON control API and a WebSocket event stream.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"gopro-go-home/internal/automation"
	"gopro-go-home/internal/camera"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables X-API-Key authentication on /api/.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithJWTSecret enables HS256 bearer token authentication on /api/.
func WithJWTSecret(secret string) ServerOption {
	return func(s *Server) {
		s.jwtSecret = []byte(secret)
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API server.
type Server struct {
	cameras        *camera.Manager
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	jwtSecret      []byte
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a server and starts forwarding camera events to
// WebSocket clients.
func NewServer(cameras *camera.Manager, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cameras: cameras,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = cameras.Events().OnAll(func(event camera.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Active camera
	s.mux.HandleFunc("GET /api/camera", s.handleAPICameraStatus)
	s.mux.HandleFunc("POST /api/camera/shutter", s.handleAPIShutter)
	s.mux.HandleFunc("POST /api/camera/keep-alive", s.handleAPIKeepAlive)
	s.mux.HandleFunc("POST /api/camera/sleep", s.handleAPISleep)
	s.mux.HandleFunc("POST /api/camera/hilight", s.handleAPIHilight)
	s.mux.HandleFunc("POST /api/camera/datetime", s.handleAPIDateTime)
	s.mux.HandleFunc("GET /api/camera/hardware", s.handleAPIHardware)

	// HTTP-link only
	s.mux.HandleFunc("GET /api/camera/state", s.handleAPICameraState)
	s.mux.HandleFunc("GET /api/camera/media", s.handleAPIMedia)
	s.mux.HandleFunc("POST /api/camera/preset-group", s.handleAPIPresetGroup)
	s.mux.HandleFunc("POST /api/camera/zoom", s.handleAPIZoom)
	s.mux.HandleFunc("POST /api/camera/webcam/{action}", s.handleAPIWebcam)

	// Known cameras
	s.mux.HandleFunc("GET /api/cameras", s.handleAPIListCameras)
	s.mux.HandleFunc("GET /api/cameras/{serial}", s.handleAPIGetCamera)
	s.mux.HandleFunc("PATCH /api/cameras/{serial}", s.handleAPIRenameCamera)
	s.mux.HandleFunc("DELETE /api/cameras/{serial}", s.handleAPIDeleteCamera)

	s.mux.HandleFunc("GET /api/commands", s.handleAPICommands)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS and auth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is protected.
	if strings.HasPrefix(r.URL.Path, "/api/") && s.authRequired() {
		status := s.authorize(r)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authRequired() bool {
	return s.apiKey != "" || len(s.jwtSecret) > 0
}

// authorize returns http.StatusOK when r carries a valid API key or bearer
// token, and the status to reply with otherwise.
func (s *Server) authorize(r *http.Request) int {
	if s.apiKey != "" {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1 {
				return http.StatusOK
			}
			return http.StatusUnauthorized
		}
	}
	if len(s.jwtSecret) > 0 {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			claims, err := s.verifyToken(token)
			if err != nil {
				s.logger.Debug("rejected bearer token", "err", err)
				return http.StatusUnauthorized
			}
			if r.Method != http.MethodGet && claims.ReadOnly() {
				return http.StatusForbidden
			}
			return http.StatusOK
		}
	}
	return http.StatusUnauthorized
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
