// Package api serves the client-facing HTTP and WebSocket interface.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"island/internal/paging"
	"island/internal/remote"
	"island/internal/settings"
	"island/internal/storage"
)

const (
	requestIDHeader = "X-Request-ID"
	maxLimit        = 100
	maxUploadBytes  = 10 << 20
)

// Poster sends new threads and replies to the board.
type Poster interface {
	PostThread(ctx context.Context, section string, d remote.Draft) error
	Reply(ctx context.Context, threadID int64, d remote.Draft) error
}

// Server routes API requests to the feed manager, storage and settings.
type Server struct {
	store    storage.Storage
	feeds    *paging.Manager
	settings *settings.Service
	poster   Poster
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New creates a Server and registers its routes.
func New(store storage.Storage, feeds *paging.Manager, prefs *settings.Service, poster Poster, log *slog.Logger) *Server {
	s := &Server{
		store:    store,
		feeds:    feeds,
		settings: prefs,
		poster:   poster,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sections", s.handleSections).Methods(http.MethodGet)

	r.HandleFunc("/feeds/{kind}/{id}", s.handleFeedWindow).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{kind}/{id}/refresh", s.handleFeedRefresh).Methods(http.MethodPost)
	r.HandleFunc("/feeds/{kind}/{id}/retry", s.handleFeedRetry).Methods(http.MethodPost)
	r.HandleFunc("/feeds/{kind}/{id}/states", s.handleFeedStates).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{kind}/{id}/stream", s.handleFeedStream).Methods(http.MethodGet)

	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{index:[0-9]+}", s.handleGetRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{index:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{index:[0-9]+}", s.handleDeleteRule).Methods(http.MethodDelete)

	r.HandleFunc("/cookies", s.handleListCookies).Methods(http.MethodGet)
	r.HandleFunc("/cookies", s.handleAddCookie).Methods(http.MethodPost)
	r.HandleFunc("/cookies/qr", s.handleImportQR).Methods(http.MethodPost)
	r.HandleFunc("/cookies/{value}", s.handleDeleteCookie).Methods(http.MethodDelete)
	r.HandleFunc("/cookies/{value}/use", s.handleUseCookie).Methods(http.MethodPut)

	r.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)

	r.HandleFunc("/threads/{id:[0-9]+}/star", s.handleStarThread).Methods(http.MethodPost)
	r.HandleFunc("/saved", s.handleListSaved).Methods(http.MethodGet)
	r.HandleFunc("/saved/{id:[0-9]+}", s.handleGetSaved).Methods(http.MethodGet)
	r.HandleFunc("/saved/{id:[0-9]+}", s.handleDeleteSaved).Methods(http.MethodDelete)

	r.HandleFunc("/sections/{id}/threads", s.handlePostThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id:[0-9]+}/replies", s.handleReply).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the root handler with request ids and access logging.
func (s *Server) Handler() http.Handler {
	return withRequestID(withLogging(s.log, s.router))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// logFor returns the server logger tagged with the request id.
func (s *Server) logFor(r *http.Request) *slog.Logger {
	return s.log.With("request_id", requestID(r.Context()))
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps err to a status code and writes it. Server-side failures are
// logged; their details are not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logFor(r).Error("request failed", "path", r.URL.Path, "error", err)
	}
	switch status {
	case http.StatusInternalServerError:
		writeError(w, status, "internal error")
	case http.StatusBadGateway:
		writeError(w, status, "board unavailable: "+err.Error())
	default:
		writeError(w, status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settings.ErrCookieExists):
		return http.StatusConflict
	case errors.Is(err, settings.ErrInvalidQR),
		errors.Is(err, settings.ErrEmptyCookie),
		errors.Is(err, settings.ErrInvalidPreferences),
		errors.Is(err, remote.ErrEmptyDraft):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrNetwork), errors.Is(err, remote.ErrParse):
		return http.StatusBadGateway
	case errors.Is(err, paging.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
