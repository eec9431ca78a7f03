// Package httpapi is the control plane: a JSON HTTP surface for the
// dashboard, the admin tooling and the operator bot. Caller identity arrives
// in X-AFX-User-Id (verified upstream); admin routes additionally require
// X-AFX-Admin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/queue"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/supervisor"
)

// Server serves the control plane API.
type Server struct {
	cfg  *config.Config
	st   store.Store
	pool platform.Client
	sup  *supervisor.Supervisor
	ab   *antiban.Controller
	disp *queue.Dispatcher
	pipe *filters.Pipeline
	rec  *activity.Recorder
	hub  *bus.Hub

	upgrader websocket.Upgrader
	idem     *idemCache

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the control plane against the engine components.
func NewServer(cfg *config.Config, st store.Store, pool platform.Client,
	sup *supervisor.Supervisor, ab *antiban.Controller, disp *queue.Dispatcher,
	pipe *filters.Pipeline, rec *activity.Recorder, hub *bus.Hub) *Server {
	s := &Server{
		cfg:  cfg,
		st:   st,
		pool: pool,
		sup:  sup,
		ab:   ab,
		disp: disp,
		pipe: pipe,
		rec:  rec,
		hub:  hub,
		idem: newIdemCache(idemTTL),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", s.auth(s.handleEvents))

	mux.HandleFunc("GET /v1/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("POST /v1/sessions/otp/send", s.auth(s.idempotent(s.handleOTPSend)))
	mux.HandleFunc("POST /v1/sessions/otp/verify", s.auth(s.idempotent(s.handleOTPVerify)))
	mux.HandleFunc("GET /v1/sessions/{id}/dialogs", s.auth(s.handleListDialogs))
	mux.HandleFunc("POST /v1/sessions/{id}/health", s.auth(s.handleTriggerHealth))
	mux.HandleFunc("POST /v1/sessions/{id}/disconnect", s.auth(s.idempotent(s.handleDisconnectSession)))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth(s.idempotent(s.handleDeleteSession)))

	mux.HandleFunc("GET /v1/pairs", s.auth(s.handleListPairs))
	mux.HandleFunc("POST /v1/pairs", s.auth(s.idempotent(s.handleCreatePair)))
	mux.HandleFunc("GET /v1/pairs/{id}", s.auth(s.handleGetPair))
	mux.HandleFunc("PUT /v1/pairs/{id}", s.auth(s.idempotent(s.handleUpdatePair)))
	mux.HandleFunc("DELETE /v1/pairs/{id}", s.auth(s.idempotent(s.handleDeletePair)))
	mux.HandleFunc("POST /v1/pairs/{id}/pause", s.auth(s.idempotent(s.handlePausePair)))
	mux.HandleFunc("POST /v1/pairs/{id}/resume", s.auth(s.idempotent(s.handleResumePair)))
	mux.HandleFunc("POST /v1/pairs/{id}/stop", s.auth(s.idempotent(s.handleStopPair)))
	mux.HandleFunc("GET /v1/pairs/{id}/queue", s.auth(s.handleListQueue))
	mux.HandleFunc("POST /v1/pairs/bulk/pause", s.auth(s.idempotent(s.handleBulkPause)))
	mux.HandleFunc("POST /v1/pairs/bulk/resume", s.auth(s.idempotent(s.handleBulkResume)))
	mux.HandleFunc("POST /v1/pairs/bulk/update", s.auth(s.idempotent(s.handleBulkUpdate)))

	mux.HandleFunc("GET /v1/filters/phrases", s.auth(s.handleListPhrases))
	mux.HandleFunc("POST /v1/filters/phrases", s.auth(s.idempotent(s.handleCreatePhrase)))
	mux.HandleFunc("DELETE /v1/filters/phrases/{id}", s.auth(s.idempotent(s.handleDeletePhrase)))
	mux.HandleFunc("GET /v1/filters/images", s.auth(s.handleListImages))
	mux.HandleFunc("POST /v1/filters/images", s.auth(s.idempotent(s.handleCreateImage)))
	mux.HandleFunc("DELETE /v1/filters/images/{id}", s.auth(s.idempotent(s.handleDeleteImage)))

	mux.HandleFunc("GET /v1/stats/dashboard", s.auth(s.handleDashboardStats))
	mux.HandleFunc("GET /v1/activity", s.auth(s.handleListActivity))

	mux.HandleFunc("GET /v1/admin/stats", s.admin(s.handleAdminStats))
	mux.HandleFunc("GET /v1/admin/rates", s.admin(s.handleAdminRates))
	mux.HandleFunc("POST /v1/admin/queue/pause", s.admin(s.handleAdminQueuePause))
	mux.HandleFunc("POST /v1/admin/queue/resume", s.admin(s.handleAdminQueueResume))
	mux.HandleFunc("POST /v1/admin/queue/clear-failed", s.admin(s.handleAdminClearFailed))
	mux.HandleFunc("POST /v1/admin/sessions/{id}/clear-ban", s.admin(s.handleAdminClearBan))
	mux.HandleFunc("POST /v1/admin/users", s.admin(s.handleAdminCreateUser))
	mux.HandleFunc("DELETE /v1/admin/users/{id}", s.admin(s.handleAdminDeleteUser))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("control plane starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("control plane server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const userIDKey ctxKey = 0

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// auth checks the shared bearer token and injects the caller's user id.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.API.Token; token != "" && extractBearerToken(r) != token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		uid := r.Header.Get("X-AFX-User-Id")
		if uid == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "X-AFX-User-Id header required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	}
}

// admin additionally requires the X-AFX-Admin header.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-AFX-Admin") != "true" {
			writeError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeStoreError maps store and platform failures onto typed API errors.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource conflict")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "storage backend unavailable")
	default:
		var pe *platform.Error
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadGateway, "platform_error", pe.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON: "+err.Error())
		return false
	}
	return true
}
