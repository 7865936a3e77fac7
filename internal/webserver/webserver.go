package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/setupwatch/internal/events"
	"github.com/zsprackett/setupwatch/internal/hub"
	"github.com/zsprackett/setupwatch/internal/ingest"
	"github.com/zsprackett/setupwatch/internal/security"
	"github.com/zsprackett/setupwatch/internal/stats"
)

const (
	// DefaultMaxBodyBytes is also the ceiling; larger configured caps are
	// lowered to it.
	DefaultMaxBodyBytes = 8 * 1024

	eventsDefaultLimit = 100
	statsDefaultLimit  = 1000
	queryMaxLimit      = 1000
)

type TLSConfig struct {
	Mode     string
	CertFile string
	KeyFile  string
	CacheDir string
}

type Config struct {
	Port           int
	Host           string
	MaxBodyBytes   int64
	AllowedOrigins []string
	TLS            TLSConfig
}

// Ingester stores and broadcasts one submitted event.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (events.StoredEvent, error)
}

// Room is the slice of the broadcast hub the HTTP surface needs.
type Room interface {
	Serve(ctx context.Context, t hub.Transport) error
	History(ctx context.Context, limit int) ([]events.StoredEvent, error)
	ConnectionCount() int
	Running() bool
	Room() string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ingester Ingester
	Hub      Room
	Store    Pinger
	// Secret guards ingestion when enabled.
	Secret *security.SecretMatcher
	// Access gates viewer routes. Nil disables the gate.
	Access *security.Verifier
	Logger *slog.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 || cfg.MaxBodyBytes > DefaultMaxBodyBytes {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		started: time.Now(),
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", s.handleIngest)
	mux.Handle("GET /api/events", s.requireAccess(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /api/stats", s.requireAccess(http.HandlerFunc(s.handleStats)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /ws", s.requireAccess(http.HandlerFunc(s.handleWebsocket)))
	return s.withRequestID(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	tlsCfg, err := serverTLS(s.cfg.TLS)
	if err != nil {
		return err
	}
	srv.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webserver: listening", "addr", addr, "tls", s.cfg.TLS.Mode != "")
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

type ingestResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId"`
}

// handleIngest checks size, media type and credential before reading the
// body, so rejected submissions cost no parsing.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxBodyBytes
	if r.ContentLength > limit {
		s.logger.Info("webserver: ingest body too large", "bytes", r.ContentLength)
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	if s.deps.Secret.Enabled() {
		tok, ok := security.BearerToken(r.Header.Get("Authorization"))
		if !ok || !s.deps.Secret.Match(tok) {
			s.logger.Info("webserver: ingest credential rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := s.deps.Ingester.Ingest(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ingestResponse{Success: true, EventID: ev.ID})
	case errors.Is(err, ingest.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed json")
	case errors.Is(err, ingest.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid event")
	default:
		writeError(w, http.StatusInternalServerError, "failed to store event")
	}
}

// queryLimit reads ?limit, falling back to def when absent or unparseable,
// and clamps to [1, hi].
func queryLimit(r *http.Request, def, hi int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return hub.ClampLimit(n, 1, hi)
}

type eventsResponse struct {
	Success bool                 `json:"success"`
	Events  []events.StoredEvent `json:"events"`
	Count   int                  `json:"count"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.deps.Hub.History(r.Context(), queryLimit(r, eventsDefaultLimit, queryMaxLimit))
	if err != nil {
		s.logger.Error("webserver: list events", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Success: true, Events: evs, Count: len(evs)})
}

type statsResponse struct {
	Success bool          `json:"success"`
	Stats   stats.Summary `json:"stats"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	evs, err := s.deps.Hub.History(r.Context(), queryLimit(r, statsDefaultLimit, queryMaxLimit))
	if err != nil {
		s.logger.Error("webserver: stats", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Success: true, Stats: stats.Compute(evs)})
}

type healthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	Hub           string `json:"hub"`
	Connections   int    `json:"connections"`
	Room          string `json:"room"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Timestamp     int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := s.now()
	resp := healthResponse{
		Status:        "ok",
		Store:         "ok",
		Hub:           "ok",
		Connections:   s.deps.Hub.ConnectionCount(),
		Room:          s.deps.Hub.Room(),
		Uptime:        strings.TrimSpace(humanize.RelTime(s.started, now, "", "")),
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Timestamp:     now.UnixMilli(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("webserver: store health check failed", "err", err)
		resp.Store = "unreachable"
		resp.Status = "degraded"
	}
	if !s.deps.Hub.Running() {
		resp.Hub = "stopped"
		resp.Status = "degraded"
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("webserver: upgrade failed", "err", err)
		return
	}
	s.logger.Debug("webserver: viewer connected", "remote", r.RemoteAddr, "subject", Subject(r.Context()))
	if err := s.deps.Hub.Serve(r.Context(), hub.NewWebsocketTransport(conn)); err != nil {
		s.logger.Warn("webserver: viewer session", "err", err)
	}
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("webserver: request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}
