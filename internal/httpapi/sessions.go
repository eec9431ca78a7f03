package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/supervisor"
)

type sessionView struct {
	*store.Session
	Health *supervisor.Health `json:"health,omitempty"`
}

// ownedSession loads the session and enforces tenant ownership.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, uid, id string) (*store.Session, bool) {
	sess, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if sess.UserID != uid {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions(r.Context(), userID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		view := sessionView{Session: sess}
		if h, ok := s.sup.HealthOf(sess.ID); ok {
			view.Health = &h
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type otpSendRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleOTPSend(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req otpSendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "phone is required")
		return
	}

	user, err := s.st.GetUser(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limits := user.EffectiveLimits()
	count, err := s.st.CountSessions(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if count >= limits.MaxSessions {
		writeError(w, http.StatusForbidden, "plan_limit_exceeded",
			fmt.Sprintf("plan allows at most %d sessions", limits.MaxSessions))
		return
	}

	codeHash, err := s.pool.SendOTP(r.Context(), req.Phone)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code_hash": codeHash})
}

type otpVerifyRequest struct {
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	CodeHash string `json:"code_hash"`
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req otpVerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Code == "" || req.CodeHash == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "phone, code and code_hash are required")
		return
	}

	blob, displayName, err := s.pool.VerifyOTP(r.Context(), req.Phone, req.Code, req.CodeHash)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sess := &store.Session{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserID:      uid,
		Phone:       req.Phone,
		Credentials: blob,
		Active:      true,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	if err := s.st.CreateSession(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.sup.Rebuild(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	dialogs, err := s.pool.ListDialogs(r.Context(), sess.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dialogs": dialogs})
}

func (s *Server) handleTriggerHealth(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.sup.TriggerHealth(r.Context(), sess.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	h, _ := s.sup.HealthOf(sess.ID)
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.sup.Disconnect(r.Context(), sess.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.sup.Disconnect(r.Context(), sess.ID); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	if err := s.st.DeleteSession(r.Context(), sess.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
