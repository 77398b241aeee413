package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/helixchat/offsync/internal/offsync"
)

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every /v1 route.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SyncTimeout bounds a POST /v1/sync/now pass.
	SyncTimeout time.Duration
}

// Server exposes the sync engine over HTTP: queue inspection and mutation,
// manual drain, connectivity signals, and a websocket event feed.
type Server struct {
	engine      *offsync.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	events      *eventHub
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *offsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *offsync.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		events:      newEventHub(engine),
	}
}

// Close stops the websocket event hub. The engine is closed by its owner.
func (s *Server) Close() {
	s.events.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case matchRoute(parts, r, http.MethodGet, "v1", "sync", "status"):
		s.handleStatus(w, r)
	case matchRoute(parts, r, http.MethodPost, "v1", "sync", "now"):
		s.handleSyncNow(w, r)
	case matchRoute(parts, r, http.MethodGet, "v1", "sync", "dead-letters"):
		s.handleDeadLetters(w, r)
	case matchRoute(parts, r, http.MethodGet, "v1", "sync", "events"):
		s.events.handleSocket(w, r)
	case matchRoute(parts, r, http.MethodGet, "v1", "ops"):
		s.handleOpsList(w, r)
	case matchRoute(parts, r, http.MethodPost, "v1", "ops"):
		s.handleEnqueue(w, r)
	case matchRoute(parts, r, http.MethodDelete, "v1", "ops", "*"):
		s.handleDismiss(w, r, parts[2])
	case matchRoute(parts, r, http.MethodPost, "v1", "ops", "*", "retry"):
		s.handleRetry(w, r, parts[2])
	case matchRoute(parts, r, http.MethodPut, "v1", "connectivity"):
		s.handleConnectivity(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// matchRoute compares path segments against a pattern where "*" matches any
// non-empty segment.
func matchRoute(parts []string, r *http.Request, method string, pattern ...string) bool {
	if r.Method != method || len(parts) != len(pattern) {
		return false
	}
	for i, want := range pattern {
		if want == "*" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if parts[i] != want {
			return false
		}
	}
	return true
}

type apiError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *apiError {
	if s.cfg.AuthToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &apiError{http.StatusUnauthorized, "unauthorized", "missing bearer token"}
	}
	token := strings.TrimSpace(header[len(prefix):])
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &apiError{http.StatusUnauthorized, "unauthorized", "invalid bearer token"}
	}
	return nil
}

func clientKey(r *http.Request) string {
	if addr := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); addr != "" {
		if i := strings.IndexByte(addr, ','); i >= 0 {
			addr = addr[:i]
		}
		return strings.TrimSpace(addr)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if !s.engine.IsOnline() {
		writeError(w, http.StatusConflict, "offline", "cannot sync while offline")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	result, err := s.engine.ProcessQueue(ctx, nil)
	if err != nil {
		switch {
		case errors.Is(err, offsync.ErrSyncInProgress):
			writeError(w, http.StatusConflict, "sync_in_progress", "a drain pass is already running")
		case errors.Is(err, offsync.ErrInvalidInput):
			writeError(w, http.StatusServiceUnavailable, "no_delivery", "no remote delivery configured")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"aborted":   result.Aborted,
		"status":    s.engine.Status(),
	})
}

func (s *Server) handleOpsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.engine.Operations()})
}

type enqueueRequest struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	opType := offsync.OperationType(strings.TrimSpace(req.Type))
	var (
		id  string
		err error
	)
	if req.IdempotencyKey != "" {
		id, err = s.engine.EnqueueWithKey(opType, req.Data, req.IdempotencyKey)
	} else {
		id, err = s.engine.Enqueue(opType, req.Data)
	}
	if err != nil {
		switch {
		case errors.Is(err, offsync.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, offsync.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "engine is closed")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": s.engine.Status(),
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, id string) {
	s.engine.RemoveOperation(id)
	writeJSON(w, http.StatusOK, map[string]any{"status": s.engine.Status()})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.engine.RetryOperation(id); err != nil {
		switch {
		case errors.Is(err, offsync.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no such operation")
		case errors.Is(err, offsync.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "operation has not failed")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": s.engine.Status()})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": s.engine.DeadLetters()})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// handleConnectivity takes a host-platform connectivity signal. The engine
// debounces it, so the reported state may not commit immediately.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online field is required")
		return
	}
	s.engine.SetOnline(*req.Online)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"reported":  *req.Online,
		"committed": s.engine.IsOnline(),
	})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
