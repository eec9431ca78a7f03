package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.DashboardStats(r.Context(), userID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.st.ListActivity(r.Context(), userID(r), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.AdminStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAdminRates reports per-session throttle state for every active session.
func (s *Server) handleAdminRates(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListActiveSessions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rates := make(map[string]antiban.RateState, len(sessions))
	for _, sess := range sessions {
		rates[sess.ID] = s.ab.Snapshot(sess.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": rates, "queue_paused": s.disp.Paused()})
}

func (s *Server) handleAdminQueuePause(w http.ResponseWriter, r *http.Request) {
	s.disp.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleAdminQueueResume(w http.ResponseWriter, r *http.Request) {
	s.disp.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleAdminClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.st.ClearFailed(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.rec.Record(r.Context(), &store.ActivityEntry{
		UserID:   userID(r),
		Kind:     store.ActQueueCleared,
		Message:  "failed queue items cleared",
		Metadata: map[string]string{"count": strconv.Itoa(n)},
	})
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleAdminClearBan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.st.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.ab.ClearBan(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type createUserRequest struct {
	ID         string            `json:"id"`
	Plan       store.Plan        `json:"plan"`
	PlanExpiry *time.Time        `json:"plan_expiry,omitempty"`
	Limits     *store.PlanLimits `json:"limits,omitempty"`
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "id is required")
		return
	}
	if req.Plan == "" {
		req.Plan = store.PlanFree
	}
	user := &store.User{
		ID:         req.ID,
		Plan:       req.Plan,
		PlanExpiry: req.PlanExpiry,
		Limits:     req.Limits,
		CreatedAt:  time.Now(),
	}
	if err := s.st.CreateUser(r.Context(), user); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
