package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"margins/internal/logging"
	"margins/internal/store"
)

const (
	headerMemberID   = "X-Member-ID"
	headerMemberName = "X-Member-Name"

	// pgForeignKeyViolation is raised when a row points at a parent that
	// is gone, e.g. a reply to a deleted thread.
	pgForeignKeyViolation = "23503"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *limiterPool
	router     *mux.Router
}

type HTTPOption func(*HTTPServer)

// WithRateLimit limits each member to rps requests per second with the
// given burst.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPServer) {
		s.limiter = newLimiterPool(rps, burst)
	}
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.Use(s.instrument)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Use(s.rateLimit)
	r.HandleFunc("/api/docs/{docID}/threads", s.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docID}/threads", s.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{docID}/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{threadID}", s.handleGetThread).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{threadID}", s.handleDeleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/api/threads/{threadID}/status", s.handleSetThreadStatus).Methods(http.MethodPut)
	r.HandleFunc("/api/threads/{threadID}/comments", s.handleListComments).Methods(http.MethodGet)
	r.HandleFunc("/api/threads/{threadID}/comments", s.handleCreateComment).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{commentID}", s.handleUpdateComment).Methods(http.MethodPatch)
	r.HandleFunc("/api/comments/{commentID}", s.handleDeleteComment).Methods(http.MethodDelete)
	r.HandleFunc("/api/comments/{commentID}/reactions", s.handleAddReaction).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{commentID}/reactions/{reactionID}", s.handleRemoveReaction).Methods(http.MethodDelete)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.service.ListThreads(r.Context(), mux.Vars(r)["docID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	var input CreateThreadInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), member, mux.Vars(r)["docID"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.service.GetThread(r.Context(), mux.Vars(r)["threadID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleSetThreadStatus(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	var input SetStatusInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.SetThreadStatus(r.Context(), member, mux.Vars(r)["threadID"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireMember(w, r); !ok {
		return
	}
	if err := s.service.DeleteThread(r.Context(), mux.Vars(r)["threadID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.service.ListComments(r.Context(), mux.Vars(r)["threadID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	var input MessageInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.CreateComment(r.Context(), member, mux.Vars(r)["threadID"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	var input MessageInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.UpdateComment(r.Context(), member, mux.Vars(r)["commentID"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteComment(r.Context(), member, mux.Vars(r)["commentID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	var input ReactionInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.AddReaction(r.Context(), member, mux.Vars(r)["commentID"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	member, ok := requireMember(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	comment, err := s.service.RemoveReaction(r.Context(), member, vars["commentID"], vars["reactionID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 0 || limit > 100 {
		limit = 0
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), mux.Vars(r)["docID"], query, limit))
}

// fail maps err to a response. Unexpected errors are logged.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func memberFrom(r *http.Request) store.Member {
	return store.Member{
		ID:   strings.TrimSpace(r.Header.Get(headerMemberID)),
		Name: strings.TrimSpace(r.Header.Get(headerMemberName)),
	}
}

func requireMember(w http.ResponseWriter, r *http.Request) (store.Member, bool) {
	member := memberFrom(r)
	if member.ID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Member identity required", nil)
		return store.Member{}, false
	}
	return member, true
}

// rateLimit applies the per-member limiter. Anonymous reads share one
// bucket per remote address.
func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || !rateLimited(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := memberFrom(r).ID
		if key == "" {
			key = "addr:" + remoteHost(r.RemoteAddr)
		}
		if !s.limiter.Allow(key) {
			httpRateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited reports whether path is a comment API route. Probes and
// metrics are never limited.
func rateLimited(path string) bool {
	switch path {
	case "/api/health", "/api/ready":
		return false
	}
	return strings.HasPrefix(path, "/api/")
}

func remoteHost(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		logging.FromContext(r.Context()).InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Member-ID, X-Member-Name")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

var errInvalidJSON = errors.New("invalid JSON body")

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return errInvalidJSON
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrInvalidThread) || errors.Is(err, store.ErrInvalidComment) {
		return http.StatusUnprocessableEntity, codeValidation, err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
