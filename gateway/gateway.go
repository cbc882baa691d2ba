// Package gateway exposes the HTTP surface of the screening service:
// message ingest with quota enforcement, result lookup, live alert streams
// over SSE and WebSocket, and operator endpoints.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WOULDU-pres/sauron-backend-sub002/broadcast"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/health"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
	"github.com/WOULDU-pres/sauron-backend-sub002/queue"
	"github.com/WOULDU-pres/sauron-backend-sub002/ratelimit"
	"github.com/WOULDU-pres/sauron-backend-sub002/store"
	"github.com/WOULDU-pres/sauron-backend-sub002/worker"
)

// Config configures the gateway server
type Config struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`

	// Process-wide ingest throughput guard, independent of per-sender
	// quotas. Protects the counter store and queue from request floods.
	IngestRPS   float64 `json:"ingestRps"`
	IngestBurst int     `json:"ingestBurst"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Port:        8080,
		ReadTimeout: 10 * time.Second,
		// Streaming responses never finish; no write timeout
		WriteTimeout: 0,
		IngestRPS:    500,
		IngestBurst:  100,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"Config", "Validate", "check port")
	}
	if c.IngestRPS <= 0 || c.IngestBurst <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: ingest guard must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check ingest guard")
	}
	return nil
}

// Server is the HTTP gateway
type Server struct {
	cfg      Config
	logger   *slog.Logger
	queue    queue.Queue
	limiter  *ratelimit.Limiter
	results  store.ResultStore
	registry *broadcast.Registry
	pool     *worker.Pool
	monitor  *health.Monitor

	ingestGuard *rate.Limiter

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer wires the gateway over its collaborators
func NewServer(cfg Config, q queue.Queue, limiter *ratelimit.Limiter, results store.ResultStore, registry *broadcast.Registry, pool *worker.Pool, monitor *health.Monitor, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || limiter == nil || results == nil || registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: queue, limiter, results and registry are required", errors.ErrInvalidConfig),
			"Server", "NewServer", "check dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		queue:       q,
		limiter:     limiter,
		results:     results,
		registry:    registry,
		pool:        pool,
		monitor:     monitor,
		ingestGuard: rate.NewLimiter(rate.Limit(cfg.IngestRPS), cfg.IngestBurst),
	}, nil
}

// Routes builds the request mux. Exposed separately so tests can drive the
// handlers without binding a socket.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/messages", s.handleIngest)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleResult)
	mux.Handle("GET /api/v1/alerts/stream", s.registry.SSEHandler())
	mux.Handle("GET /api/v1/alerts/ws", s.registry.WebSocketHandler())
	mux.HandleFunc("POST /api/v1/alerts/test", s.handleTestAlert)
	mux.HandleFunc("DELETE /api/v1/alerts/clients/{id}", s.handleCloseClient)
	mux.HandleFunc("GET /api/v1/limits/{userId}", s.handleRemaining)
	mux.HandleFunc("DELETE /api/v1/limits/{userId}", s.handleResetLimit)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	if s.monitor != nil {
		mux.Handle("GET /health", s.monitor.Handler())
	}

	return mux
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.ErrAlreadyStarted
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.running = true

	go func() {
		s.logger.Info("gateway listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.ErrNotStarted
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	s.logger.Info("gateway stopped")
	return nil
}

// ingestRequest is the POST /messages body. ID is optional; one is
// assigned when absent so clients may supply their own for idempotency.
type ingestRequest struct {
	ID       string `json:"id,omitempty"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
	Content  string `json:"content"`
}

type ingestResponse struct {
	ID        string `json:"id"`
	Accepted  bool   `json:"accepted"`
	Remaining int    `json:"remaining"`
}

func (s *Server) handleIngest(w http.ResponseWriter, req *http.Request) {
	if !s.ingestGuard.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "ingest throughput exceeded")
		return
	}

	var body ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg := message.NewChatMessage(body.RoomID, body.UserID, body.Content)
	if body.ID != "" {
		msg.ID = body.ID
	}
	msg.DeviceID = body.DeviceID

	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := s.limiter.AdmitUser(req.Context(), msg.UserID)
	if decision.Allowed && msg.DeviceID != "" {
		decision = s.limiter.AdmitDevice(req.Context(), msg.DeviceID)
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		w.Header().Set("X-RateLimit-Remaining", "0")
		writeJSON(w, http.StatusTooManyRequests, ingestResponse{
			ID:       msg.ID,
			Accepted: false,
		})
		return
	}

	payload, err := msg.Marshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "serialization failed")
		return
	}

	if err := s.queue.Enqueue(req.Context(), msg.ID, payload); err != nil {
		s.logger.Error("enqueue failed", "messageId", msg.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	if decision.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{
		ID:        msg.ID,
		Accepted:  true,
		Remaining: decision.Remaining,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	entry, err := s.results.Get(req.Context(), id)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "unknown message")
			return
		}
		s.logger.Warn("result lookup failed", "messageId", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleTestAlert(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Summary string `json:"summary"`
	}
	// Body is optional
	_ = json.NewDecoder(req.Body).Decode(&body)

	reached := s.registry.SendTest(body.Summary)
	writeJSON(w, http.StatusOK, map[string]int{"reached": reached})
}

func (s *Server) handleCloseClient(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	if err := s.registry.CloseClient(id); err != nil {
		if stderrors.Is(err, errors.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "unknown client")
			return
		}
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemaining(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("userId")

	remaining := s.limiter.RemainingUser(req.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

func (s *Server) handleResetLimit(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("userId")

	if err := s.limiter.ResetUser(req.Context(), userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Worker    *worker.Stats      `json:"worker,omitempty"`
	Broadcast broadcast.Status   `json:"broadcast"`
	Limiter   ratelimit.Counters `json:"limiter"`
	Queue     *queue.Stats       `json:"queue,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		Broadcast: s.registry.Snapshot(),
		Limiter:   s.limiter.Snapshot(),
	}

	if s.pool != nil {
		stats := s.pool.Snapshot()
		resp.Worker = &stats
	}
	if qs, err := s.queue.Stats(req.Context()); err == nil {
		resp.Queue = &qs
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
