// Package api exposes the scan pipeline over HTTP: run control, result
// snapshots, exports, stored settings, and a WebSocket event feed.
package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldscan/fieldscan/internal/auth"
	"github.com/fieldscan/fieldscan/internal/config"
	"github.com/fieldscan/fieldscan/internal/db"
	"github.com/fieldscan/fieldscan/internal/models"
	"github.com/fieldscan/fieldscan/internal/pipeline"
	"github.com/fieldscan/fieldscan/internal/repository"
	"github.com/fieldscan/fieldscan/internal/version"
)

type Server struct {
	config       *config.Config
	configMu     sync.Mutex
	db           *db.DB
	authmw       *auth.Middleware
	users        *repository.UserRepository
	runs         *repository.RunRepository
	dets         *repository.DetectionRepository
	settingsRepo *repository.SettingsRepository
	orch         *pipeline.Orchestrator
	hub          *WSHub
	ver          version.Info
	sessionTTL   time.Duration
	loginLimiter *ipLimiter
	router       *http.ServeMux
}

func NewServer(cfg *config.Config, database *db.DB, orch *pipeline.Orchestrator, hub *WSHub, ver version.Info) *Server {
	s := &Server{
		config:       cfg,
		db:           database,
		authmw:       auth.NewMiddleware(database.DB),
		users:        repository.NewUserRepository(database.DB),
		runs:         repository.NewRunRepository(database.DB),
		dets:         repository.NewDetectionRepository(database.DB),
		settingsRepo: repository.NewSettingsRepository(database.DB),
		orch:         orch,
		hub:          hub,
		ver:          ver,
		sessionTTL:   cfg.SessionTTL,
		loginLimiter: newIPLimiter(rate.Every(2*time.Second), 5),
		router:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Persisted frames and thumbnails straight off the output root.
	frameFS := http.StripPrefix("/frames/", http.FileServer(http.Dir(s.config.OutputRoot)))
	s.router.Handle("GET /frames/", s.authmw.RequireAuth(frameFS))

	// Public
	s.router.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.router.HandleFunc("GET /api/v1/version", s.handleVersion)
	s.router.HandleFunc("POST /api/v1/auth/login", s.rlAuth(s.handleLogin))

	// Session
	s.router.Handle("POST /api/v1/auth/logout", s.authmw.RequireAuth(http.HandlerFunc(s.handleLogout)))
	s.router.Handle("GET /api/v1/auth/me", s.authmw.RequireAuth(http.HandlerFunc(s.handleMe)))

	// Scans
	s.router.Handle("POST /api/v1/scans", s.authmw.RequireAuth(http.HandlerFunc(s.handleStartScan)))
	s.router.Handle("GET /api/v1/scans", s.authmw.RequireAuth(http.HandlerFunc(s.handleListScans)))
	s.router.Handle("GET /api/v1/scans/active", s.authmw.RequireAuth(http.HandlerFunc(s.handleActiveScan)))
	s.router.Handle("GET /api/v1/scans/{id}", s.authmw.RequireAuth(http.HandlerFunc(s.handleGetScan)))
	s.router.Handle("POST /api/v1/scans/active/cancel", s.authmw.RequireAuth(http.HandlerFunc(s.handleCancelScan)))
	s.router.Handle("POST /api/v1/reset", s.authmw.RequireAdmin(http.HandlerFunc(s.handleReset)))

	// Detections and exports
	s.router.Handle("GET /api/v1/scans/{id}/detections", s.authmw.RequireAuth(http.HandlerFunc(s.handleListDetections)))
	s.router.Handle("GET /api/v1/scans/{id}/export.csv", s.authmw.RequireAuth(http.HandlerFunc(s.handleExportCSV)))
	s.router.Handle("GET /api/v1/scans/{id}/export.geojson", s.authmw.RequireAuth(http.HandlerFunc(s.handleExportGeoJSON)))

	// Settings
	s.router.Handle("GET /api/v1/settings", s.authmw.RequireAuth(http.HandlerFunc(s.handleGetSettings)))
	s.router.Handle("PUT /api/v1/settings", s.authmw.RequireAdmin(http.HandlerFunc(s.handleUpdateSettings)))

	// WebSocket event feed (authenticates inline, see websocket.go)
	s.router.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// Handler returns the router wrapped in the global middleware chain:
// security headers → CORS → routes.
func (s *Server) Handler() http.Handler {
	return s.securityHeadersMiddleware(s.corsMiddleware(s.router))
}

func (s *Server) Hub() *WSHub {
	return s.hub
}

// RunDefaults returns the current effective run configuration, safe
// against concurrent settings updates. The inbox watcher uses this when
// starting scans outside the HTTP path.
func (s *Server) RunDefaults() models.RunConfig {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	return s.config.RunDefaults()
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS preflight and response headers globally.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
