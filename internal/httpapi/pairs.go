package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

// pairOpts is the writable configuration of a pair. Pointer fields
// distinguish "absent" from zero for partial (bulk) updates.
type pairOpts struct {
	SessionID        string               `json:"session_id,omitempty"`
	SourceRef        string               `json:"source_ref,omitempty"`
	DestinationRef   string               `json:"destination_ref,omitempty"`
	DelayMinS        *int                 `json:"delay_min_s,omitempty"`
	DelayMaxS        *int                 `json:"delay_max_s,omitempty"`
	CopyMode         *bool                `json:"copy_mode,omitempty"`
	Silent           *bool                `json:"silent,omitempty"`
	ForwardEdits     *bool                `json:"forward_edits,omitempty"`
	ForwardDeletions *bool                `json:"forward_deletions,omitempty"`
	TypeFilter       *string              `json:"message_type_filter,omitempty"`
	Chain            *bool                `json:"chain,omitempty"`
	Serialized       *bool                `json:"serialized,omitempty"`
	KeywordRules     *[]store.KeywordRule `json:"keyword_rules,omitempty"`
	Watermark        *string              `json:"watermark,omitempty"`
}

// apply copies the provided fields onto the pair.
func (o *pairOpts) apply(p *store.Pair) {
	if o.SourceRef != "" {
		p.SourceRef = o.SourceRef
	}
	if o.DestinationRef != "" {
		p.DestinationRef = o.DestinationRef
	}
	if o.DelayMinS != nil {
		p.DelayMinS = *o.DelayMinS
	}
	if o.DelayMaxS != nil {
		p.DelayMaxS = *o.DelayMaxS
	}
	if o.CopyMode != nil {
		p.CopyMode = *o.CopyMode
	}
	if o.Silent != nil {
		p.Silent = *o.Silent
	}
	if o.ForwardEdits != nil {
		p.ForwardEdits = *o.ForwardEdits
	}
	if o.ForwardDeletions != nil {
		p.ForwardDeletions = *o.ForwardDeletions
	}
	if o.TypeFilter != nil {
		p.TypeFilter = store.MessageTypeFilter(*o.TypeFilter)
	}
	if o.Chain != nil {
		p.Chain = *o.Chain
	}
	if o.Serialized != nil {
		p.Serialized = *o.Serialized
	}
	if o.KeywordRules != nil {
		p.KeywordRules = *o.KeywordRules
	}
	if o.Watermark != nil {
		p.Watermark = *o.Watermark
	}
}

func validatePair(p *store.Pair, limits store.PlanLimits) error {
	if p.SourceRef == "" || p.DestinationRef == "" {
		return errors.New("source_ref and destination_ref are required")
	}
	if p.SourceRef == p.DestinationRef {
		return errors.New("source and destination must differ")
	}
	if p.DelayMinS < 0 || p.DelayMaxS < 0 ||
		p.DelayMinS > store.MaxDelaySeconds || p.DelayMaxS > store.MaxDelaySeconds {
		return fmt.Errorf("delays must be within [0, %d] seconds", store.MaxDelaySeconds)
	}
	if p.DelayMaxS < p.DelayMinS {
		return errors.New("delay_max_s must be >= delay_min_s")
	}
	switch p.TypeFilter {
	case store.TypeAll, store.TypeMedia, store.TypeText:
	default:
		return fmt.Errorf("unknown message_type_filter %q", p.TypeFilter)
	}
	if (len(p.KeywordRules) > 0 || p.Watermark != "") && !limits.AdvancedFiltering {
		return errors.New("keyword rules and watermarks require a plan with advanced filtering")
	}
	return nil
}

// ownedPair loads the pair and enforces tenant ownership.
func (s *Server) ownedPair(ctx context.Context, w http.ResponseWriter, uid, pairID string) (*store.Pair, bool) {
	pair, err := s.st.GetPair(ctx, pairID)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if pair.UserID != uid {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return nil, false
	}
	return pair, true
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.st.ListPairs(r.Context(), userID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (s *Server) handleCreatePair(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var opts pairOpts
	if !decodeBody(w, r, &opts) {
		return
	}
	if opts.SessionID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "session_id is required")
		return
	}

	user, err := s.st.GetUser(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limits := user.EffectiveLimits()

	count, err := s.st.CountPairs(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if count >= limits.MaxPairs {
		writeError(w, http.StatusForbidden, "plan_limit_exceeded",
			fmt.Sprintf("plan allows at most %d pairs", limits.MaxPairs))
		return
	}

	sess, err := s.st.GetSession(r.Context(), opts.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
		writeStoreError(w, err)
		return
	}
	if sess.UserID != uid {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if !sess.Active {
		writeError(w, http.StatusConflict, "session_inactive",
			"session must be active to create an active pair")
		return
	}

	now := time.Now()
	pair := &store.Pair{
		ID:         uuid.Must(uuid.NewV7()).String(),
		UserID:     uid,
		SessionID:  sess.ID,
		State:      store.PairActive,
		TypeFilter: store.TypeAll,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	opts.apply(pair)
	if err := validatePair(pair, limits); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.st.CreatePair(r.Context(), pair); err != nil {
		writeStoreError(w, err)
		return
	}

	s.rec.Record(r.Context(), &store.ActivityEntry{
		UserID:    uid,
		PairID:    &pair.ID,
		SessionID: &pair.SessionID,
		Kind:      store.ActPairCreated,
		Message:   fmt.Sprintf("pair created %s -> %s", pair.SourceRef, pair.DestinationRef),
	})
	writeJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.ownedPair(r.Context(), w, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleUpdatePair(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	pair, ok := s.ownedPair(r.Context(), w, uid, r.PathValue("id"))
	if !ok {
		return
	}
	var opts pairOpts
	if !decodeBody(w, r, &opts) {
		return
	}
	user, err := s.st.GetUser(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	opts.apply(pair)
	if err := validatePair(pair, user.EffectiveLimits()); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	pair.UpdatedAt = time.Now()
	if err := s.st.UpdatePair(r.Context(), pair); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleDeletePair(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	pair, ok := s.ownedPair(r.Context(), w, uid, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.st.DeletePair(r.Context(), pair.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.rec.Record(r.Context(), &store.ActivityEntry{
		UserID:  uid,
		PairID:  &pair.ID,
		Kind:    store.ActPairDeleted,
		Message: fmt.Sprintf("pair deleted %s -> %s", pair.SourceRef, pair.DestinationRef),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// transition applies one state-machine edge and records the change.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, from []store.PairState, to store.PairState) {
	uid := userID(r)
	pair, ok := s.ownedPair(r.Context(), w, uid, r.PathValue("id"))
	if !ok {
		return
	}
	allowed := false
	for _, f := range from {
		if pair.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		writeError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("cannot transition pair from %s to %s", pair.State, to))
		return
	}
	// Activation re-validates the session: a pair may only run on an
	// active session.
	if to == store.PairActive {
		sess, err := s.st.GetSession(r.Context(), pair.SessionID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !sess.Active {
			writeError(w, http.StatusConflict, "session_inactive",
				"session must be active to resume the pair")
			return
		}
	}
	if err := s.st.SetPairState(r.Context(), pair.ID, to); err != nil {
		writeStoreError(w, err)
		return
	}
	pair.State = to
	s.rec.Record(r.Context(), &store.ActivityEntry{
		UserID:   uid,
		PairID:   &pair.ID,
		Kind:     store.ActPairStateChanged,
		Message:  fmt.Sprintf("pair state changed to %s", to),
		Metadata: map[string]string{"state": string(to)},
	})
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handlePausePair(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, []store.PairState{store.PairActive}, store.PairPaused)
}

func (s *Server) handleResumePair(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, []store.PairState{store.PairPaused, store.PairError}, store.PairActive)
}

func (s *Server) handleStopPair(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r,
		[]store.PairState{store.PairActive, store.PairPaused, store.PairError},
		store.PairStopped)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	pair, ok := s.ownedPair(r.Context(), w, userID(r), r.PathValue("id"))
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.st.ListQueueItems(r.Context(), pair.ID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type bulkRequest struct {
	PairIDs []string  `json:"pair_ids"`
	Opts    *pairOpts `json:"opts,omitempty"`
}

// bulk runs op over each pair the caller owns, collecting per-pair results.
func (s *Server) bulk(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, pair *store.Pair) error) {
	uid := userID(r)
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.PairIDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "pair_ids is required")
		return
	}
	results := make(map[string]string, len(req.PairIDs))
	for _, id := range req.PairIDs {
		pair, err := s.st.GetPair(r.Context(), id)
		if err != nil || pair.UserID != uid {
			results[id] = "not_found"
			continue
		}
		if err := op(r.Context(), pair); err != nil {
			results[id] = err.Error()
			continue
		}
		results[id] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleBulkPause(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, func(ctx context.Context, pair *store.Pair) error {
		if pair.State != store.PairActive {
			return fmt.Errorf("not active")
		}
		return s.st.SetPairState(ctx, pair.ID, store.PairPaused)
	})
}

func (s *Server) handleBulkResume(w http.ResponseWriter, r *http.Request) {
	s.bulk(w, r, func(ctx context.Context, pair *store.Pair) error {
		if pair.State != store.PairPaused && pair.State != store.PairError {
			return fmt.Errorf("not paused")
		}
		sess, err := s.st.GetSession(ctx, pair.SessionID)
		if err != nil {
			return err
		}
		if !sess.Active {
			return fmt.Errorf("session_inactive")
		}
		return s.st.SetPairState(ctx, pair.ID, store.PairActive)
	})
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	user, err := s.st.GetUser(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limits := user.EffectiveLimits()
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Opts == nil || len(req.PairIDs) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "pair_ids and opts are required")
		return
	}
	results := make(map[string]string, len(req.PairIDs))
	for _, id := range req.PairIDs {
		pair, err := s.st.GetPair(r.Context(), id)
		if err != nil || pair.UserID != uid {
			results[id] = "not_found"
			continue
		}
		req.Opts.apply(pair)
		if err := validatePair(pair, limits); err != nil {
			results[id] = err.Error()
			continue
		}
		pair.UpdatedAt = time.Now()
		if err := s.st.UpdatePair(r.Context(), pair); err != nil {
			results[id] = err.Error()
			continue
		}
		results[id] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
