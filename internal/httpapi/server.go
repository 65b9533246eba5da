package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

type ServerConfig struct {
	SignatureToken string
	SkipSignature  bool
	JWTSecret      string
	PublicBaseURL  string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	StreamTimeout  time.Duration
	StreamInterval time.Duration
	// StreamAnyOrigin disables the websocket origin check for local development.
	StreamAnyOrigin bool
	Replies         CannedReplies
	Logger          *slog.Logger
}

type Server struct {
	relay    *chatrelay.Relay
	cfg      ServerConfig
	logger   *slog.Logger
	limiters *limiterPool
	replies  atomic.Pointer[CannedReplies]
	router   *mux.Router
	now      func() time.Time
}

type limiterPool struct {
	mu    sync.Mutex
	rps   float64
	burst int
	m     map[string]*rate.Limiter
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func NewServer(relay *chatrelay.Relay) *Server {
	return NewServerWithConfig(relay, ServerConfig{})
}

func NewServerWithConfig(relay *chatrelay.Relay, cfg ServerConfig) *Server {
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:8080"
	}
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = time.Minute
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiters *limiterPool
	if cfg.RateLimitRPS > 0 {
		limiters = &limiterPool{rps: cfg.RateLimitRPS, burst: cfg.RateLimitBurst, m: map[string]*rate.Limiter{}}
	}
	s := &Server{
		relay:    relay,
		cfg:      cfg,
		logger:   logger,
		limiters: limiters,
		now:      time.Now,
	}
	s.SetReplies(cfg.Replies)
	s.router = s.routes()
	if cfg.JWTSecret == "" {
		logger.Warn("admin routes disabled: no jwt secret configured")
	}
	return s
}

// SetReplies swaps the canned texts; safe while serving.
func (s *Server) SetReplies(replies CannedReplies) {
	normalized := replies.withDefaults()
	s.replies.Store(&normalized)
}

func (s *Server) Replies() CannedReplies {
	return *s.replies.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.withRequestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleWebhook).Methods(http.MethodPost)

	chat := r.PathPrefix("/chat").Subrouter()
	chat.Use(s.rateLimit)
	chat.HandleFunc("/messages/{id}", s.handleFetch).Methods(http.MethodGet)
	chat.HandleFunc("/messages/{id}/stream", s.handleStream).Methods(http.MethodGet)
	chat.HandleFunc("/replies/{id}", s.handleReplyPage).Methods(http.MethodGet)

	if s.cfg.JWTSecret != "" {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.Use(s.rateLimit)
		admin.Handle("/messages/{id}", s.requireScope(scopeChatRead, s.handleAdminMessage)).Methods(http.MethodGet)
		admin.Handle("/messages/{id}/retry", s.requireScope(scopeChatRetry, s.handleAdminRetry)).Methods(http.MethodPost)
		admin.Handle("/threads/{id}", s.requireScope(scopeChatRead, s.handleAdminThread)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", r.Header.Get(requestIDHeader))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", r.Header.Get(requestIDHeader))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "success")
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.requestLogger(r).Error("handler panic", "panic", rec, "path", r.URL.Path)
				writeText(w, http.StatusInternalServerError, "server fail")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters != nil && !s.limiters.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireScope(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
			return
		}
		s.requestLogger(r).Debug("admin request authorized", "subject", claims.Subject, "scope", scope)
		next(w, r)
	})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", requestID(r))
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return r.Header.Get(requestIDHeader)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeText(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		writeText(w, http.StatusBadRequest, "bad arg")
		return nil, false
	}
	return body, true
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) allow(key string) bool {
	return p.get(key).Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
