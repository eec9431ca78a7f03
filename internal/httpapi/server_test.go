package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/platform/platformtest"
	"github.com/autoforwardx/autoforwardx/internal/queue"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/store/memstore"
	"github.com/autoforwardx/autoforwardx/internal/supervisor"
)

type apiEnv struct {
	st   *memstore.Mem
	fake *platformtest.Fake
	srv  *Server
	mux  *http.ServeMux
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	st := memstore.New()
	fake := platformtest.New()
	cfg := config.Default()
	cfg.API.Token = "test-token"
	ab := antiban.New(func() antiban.Limits {
		l := cfg.SnapshotLimits()
		return antiban.Limits{PerMinute: l.RatePerMinute, PerHour: l.RatePerHour,
			WarningThreshold: l.WarningThreshold, CriticalThreshold: l.CriticalThreshold}
	})
	hub := bus.New()
	rec := activity.New(st, hub)
	pipe := filters.New(st)
	sup := supervisor.New(supervisor.Config{HealthInterval: time.Minute, MaxFailures: 3}, st, fake, rec, ab)
	disp := queue.New(queue.Config{Workers: 1, ClaimBatch: 8, MaxAttempts: 3}, st, fake, ab, rec, sup)

	srv := NewServer(cfg, st, fake, sup, ab, disp, pipe, rec, hub)
	return &apiEnv{st: st, fake: fake, srv: srv, mux: srv.BuildMux()}
}

func (e *apiEnv) seedUser(t *testing.T, id string, plan store.Plan) {
	t.Helper()
	if err := e.st.CreateUser(context.Background(), &store.User{ID: id, Plan: plan, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func (e *apiEnv) seedSession(t *testing.T, id, userID string) {
	t.Helper()
	sess := &store.Session{
		ID: id, UserID: userID, Phone: "+1",
		Credentials: []byte("blob"), Active: true, CreatedAt: time.Now(),
	}
	if err := e.st.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
}

// do performs an authenticated request as the given user.
func (e *apiEnv) do(t *testing.T, method, path, user string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer test-token")
	if user != "" {
		req.Header.Set("X-AFX-User-Id", user)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decodeResp(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestAuth(t *testing.T) {
	e := newAPIEnv(t)

	req := httptest.NewRequest("GET", "/v1/pairs", nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/v1/pairs", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w = httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no user header: code = %d, want 400", w.Code)
	}

	if w := e.do(t, "GET", "/v1/admin/stats", "u1", nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin on admin route: code = %d, want 403", w.Code)
	}
	adm := map[string]string{"X-AFX-Admin": "true"}
	if w := e.do(t, "GET", "/v1/admin/stats", "u1", nil, adm); w.Code != http.StatusOK {
		t.Errorf("admin stats: code = %d, want 200", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health: code = %d, want 200 (no auth required)", w.Code)
	}
}

func TestCreatePair(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	body := map[string]any{
		"session_id":      "s1",
		"source_ref":      "channel:100",
		"destination_ref": "channel:200",
	}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("code = %d, body %s", w.Code, w.Body.String())
	}
	var pair store.Pair
	decodeResp(t, w, &pair)
	if pair.State != store.PairActive {
		t.Errorf("state = %q, want active", pair.State)
	}
	if pair.TypeFilter != store.TypeAll {
		t.Errorf("type filter = %q, want all", pair.TypeFilter)
	}
}

func TestCreatePair_Validation(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing refs", map[string]any{"session_id": "s1"}},
		{"same refs", map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:1"}},
		{"bad delays", map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2", "delay_min_s": 10, "delay_max_s": 5}},
		{"bad type filter", map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2", "message_type_filter": "video"}},
		{"keyword rules on free plan", map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2", "keyword_rules": []map[string]string{{"from": "a", "to": "b"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, "POST", "/v1/pairs", "u1", tt.body, nil); w.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreatePair_PlanLimit(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	for i := 0; i < 3; i++ {
		body := map[string]any{
			"session_id":      "s1",
			"source_ref":      fmt.Sprintf("channel:%d", i),
			"destination_ref": fmt.Sprintf("channel:%d", 100+i),
		}
		if w := e.do(t, "POST", "/v1/pairs", "u1", body, nil); w.Code != http.StatusCreated {
			t.Fatalf("pair %d: code = %d, body %s", i, w.Code, w.Body.String())
		}
	}

	body := map[string]any{"session_id": "s1", "source_ref": "channel:9", "destination_ref": "channel:10"}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", w.Code)
	}
	var resp map[string]string
	decodeResp(t, w, &resp)
	if resp["code"] != "plan_limit_exceeded" {
		t.Errorf("error code = %q, want plan_limit_exceeded", resp["code"])
	}
}

func TestCreatePair_ForeignSession(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedUser(t, "u2", store.PlanFree)
	e.seedSession(t, "s2", "u2")

	body := map[string]any{"session_id": "s2", "source_ref": "channel:1", "destination_ref": "channel:2"}
	if w := e.do(t, "POST", "/v1/pairs", "u1", body, nil); w.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404 for another tenant's session", w.Code)
	}
}

func TestPairOwnership(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedUser(t, "u2", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	body := map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2"}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	var pair store.Pair
	decodeResp(t, w, &pair)

	if w := e.do(t, "GET", "/v1/pairs/"+pair.ID, "u2", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign pair read: code = %d, want 404", w.Code)
	}
	if w := e.do(t, "DELETE", "/v1/pairs/"+pair.ID, "u2", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign pair delete: code = %d, want 404", w.Code)
	}
}

func TestCreatePair_InactiveSession(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")
	if err := e.st.SetSessionActive(context.Background(), "s1", false); err != nil {
		t.Fatal(err)
	}

	body := map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2"}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409 for inactive session", w.Code)
	}
	var resp map[string]string
	decodeResp(t, w, &resp)
	if resp["code"] != "session_inactive" {
		t.Errorf("error code = %q, want session_inactive", resp["code"])
	}
	pairs, _ := e.st.ListPairs(context.Background(), "u1")
	if len(pairs) != 0 {
		t.Errorf("got %d pairs, want none", len(pairs))
	}
}

func TestResumePair_InactiveSession(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	body := map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2"}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	var pair store.Pair
	decodeResp(t, w, &pair)
	if w := e.do(t, "POST", "/v1/pairs/"+pair.ID+"/pause", "u1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("pause: code = %d", w.Code)
	}
	if err := e.st.SetSessionActive(context.Background(), "s1", false); err != nil {
		t.Fatal(err)
	}

	w = e.do(t, "POST", "/v1/pairs/"+pair.ID+"/resume", "u1", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("resume: code = %d, want 409 for inactive session", w.Code)
	}
	got, _ := e.st.GetPair(context.Background(), pair.ID)
	if got.State != store.PairPaused {
		t.Errorf("pair state = %q, want still paused", got.State)
	}

	// Bulk resume refuses the same pair per-id.
	req := map[string]any{"pair_ids": []string{pair.ID}}
	w = e.do(t, "POST", "/v1/pairs/bulk/resume", "u1", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk resume: code = %d", w.Code)
	}
	var resp struct {
		Results map[string]string `json:"results"`
	}
	decodeResp(t, w, &resp)
	if resp.Results[pair.ID] != "session_inactive" {
		t.Errorf("bulk result = %q, want session_inactive", resp.Results[pair.ID])
	}
}

func TestPairTransitions(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	body := map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2"}
	w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
	var pair store.Pair
	decodeResp(t, w, &pair)
	base := "/v1/pairs/" + pair.ID

	// resume an active pair is a conflict
	if w := e.do(t, "POST", base+"/resume", "u1", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("resume active: code = %d, want 409", w.Code)
	}
	if w := e.do(t, "POST", base+"/pause", "u1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("pause: code = %d", w.Code)
	}
	if w := e.do(t, "POST", base+"/pause", "u1", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("pause paused: code = %d, want 409", w.Code)
	}
	if w := e.do(t, "POST", base+"/resume", "u1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("resume: code = %d", w.Code)
	}
	if w := e.do(t, "POST", base+"/stop", "u1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("stop: code = %d", w.Code)
	}
	// stopped is terminal
	if w := e.do(t, "POST", base+"/resume", "u1", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("resume stopped: code = %d, want 409", w.Code)
	}
}

func TestBulkPause(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanPro)
	e.seedSession(t, "s1", "u1")

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		body := map[string]any{
			"session_id":      "s1",
			"source_ref":      fmt.Sprintf("channel:%d", i),
			"destination_ref": fmt.Sprintf("channel:%d", 100+i),
		}
		w := e.do(t, "POST", "/v1/pairs", "u1", body, nil)
		var pair store.Pair
		decodeResp(t, w, &pair)
		ids = append(ids, pair.ID)
	}

	req := map[string]any{"pair_ids": append(ids, "missing")}
	w := e.do(t, "POST", "/v1/pairs/bulk/pause", "u1", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp struct {
		Results map[string]string `json:"results"`
	}
	decodeResp(t, w, &resp)
	for _, id := range ids {
		if resp.Results[id] != "ok" {
			t.Errorf("result[%s] = %q, want ok", id, resp.Results[id])
		}
	}
	if resp.Results["missing"] != "not_found" {
		t.Errorf("result[missing] = %q, want not_found", resp.Results["missing"])
	}
}

func TestOTPFlow(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)

	w := e.do(t, "POST", "/v1/sessions/otp/send", "u1", map[string]string{"phone": "+15550100"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("otp send: code = %d, body %s", w.Code, w.Body.String())
	}
	var sent map[string]string
	decodeResp(t, w, &sent)
	if sent["code_hash"] == "" {
		t.Fatal("no code_hash returned")
	}

	verify := map[string]string{"phone": "+15550100", "code": "12345", "code_hash": sent["code_hash"]}
	w = e.do(t, "POST", "/v1/sessions/otp/verify", "u1", verify, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("otp verify: code = %d, body %s", w.Code, w.Body.String())
	}
	var sess store.Session
	decodeResp(t, w, &sess)
	if !sess.Active || sess.Phone != "+15550100" {
		t.Errorf("session = %+v", sess)
	}

	// Free plan allows a single session.
	w = e.do(t, "POST", "/v1/sessions/otp/send", "u1", map[string]string{"phone": "+15550101"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("second session on free plan: code = %d, want 403", w.Code)
	}
}

func TestIdempotentReplay(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")

	body := map[string]any{"session_id": "s1", "source_ref": "channel:1", "destination_ref": "channel:2"}
	hdr := map[string]string{"X-Request-Id": "req-1"}

	w1 := e.do(t, "POST", "/v1/pairs", "u1", body, hdr)
	if w1.Code != http.StatusCreated {
		t.Fatalf("first: code = %d", w1.Code)
	}
	w2 := e.do(t, "POST", "/v1/pairs", "u1", body, hdr)
	if w2.Code != http.StatusCreated {
		t.Fatalf("replay: code = %d", w2.Code)
	}
	if w2.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay not marked")
	}
	if !bytes.Equal(w1.Body.Bytes(), w2.Body.Bytes()) {
		t.Error("replayed body differs from original")
	}

	pairs, _ := e.st.ListPairs(context.Background(), "u1")
	if len(pairs) != 1 {
		t.Errorf("got %d pairs, want 1 (duplicate create suppressed)", len(pairs))
	}

	// Same request id from another tenant is a fresh request.
	e.seedUser(t, "u2", store.PlanFree)
	e.seedSession(t, "s2", "u2")
	body2 := map[string]any{"session_id": "s2", "source_ref": "channel:1", "destination_ref": "channel:2"}
	w3 := e.do(t, "POST", "/v1/pairs", "u2", body2, hdr)
	if w3.Code != http.StatusCreated || w3.Header().Get("X-Idempotent-Replay") == "true" {
		t.Errorf("cross-tenant request id reused: code = %d, replay = %q", w3.Code, w3.Header().Get("X-Idempotent-Replay"))
	}
}

func TestPhraseFilters(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)

	w := e.do(t, "POST", "/v1/filters/phrases", "u1", map[string]any{"text": "spam"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create phrase: code = %d, body %s", w.Code, w.Body.String())
	}
	var ph store.BlockedPhrase
	decodeResp(t, w, &ph)

	w = e.do(t, "GET", "/v1/filters/phrases", "u1", nil, nil)
	var list struct {
		Phrases []*store.BlockedPhrase `json:"phrases"`
	}
	decodeResp(t, w, &list)
	if len(list.Phrases) != 1 || list.Phrases[0].Text != "spam" {
		t.Errorf("phrases = %+v", list.Phrases)
	}

	if w := e.do(t, "DELETE", "/v1/filters/phrases/"+ph.ID, "u1", nil, nil); w.Code != http.StatusOK {
		t.Errorf("delete phrase: code = %d", w.Code)
	}
	w = e.do(t, "GET", "/v1/filters/phrases", "u1", nil, nil)
	decodeResp(t, w, &list)
	if len(list.Phrases) != 0 {
		t.Errorf("phrases after delete = %+v", list.Phrases)
	}
}

func TestAdminClearFailed(t *testing.T) {
	e := newAPIEnv(t)
	e.seedUser(t, "u1", store.PlanFree)
	e.seedSession(t, "s1", "u1")
	ctx := context.Background()
	pair := &store.Pair{
		ID: "p1", UserID: "u1", SessionID: "s1",
		SourceRef: "channel:1", DestinationRef: "channel:2",
		State: store.PairActive, TypeFilter: store.TypeAll, CreatedAt: time.Now(),
	}
	if err := e.st.CreatePair(ctx, pair); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	item := &store.QueueItem{
		ID: "q1", PairID: "p1", SourceMessageID: 1,
		SourceRef: "channel:1", DestinationRef: "channel:2",
		ScheduledAt: now, Status: store.StatusPending, CreatedAt: now,
	}
	if err := e.st.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	if _, err := e.st.ClaimDue(ctx, now.Add(time.Second), 1); err != nil {
		t.Fatal(err)
	}
	if err := e.st.FailItem(ctx, "q1", "boom", nil); err != nil {
		t.Fatal(err)
	}

	adm := map[string]string{"X-AFX-Admin": "true"}
	w := e.do(t, "POST", "/v1/admin/queue/clear-failed", "admin", nil, adm)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp map[string]int
	decodeResp(t, w, &resp)
	if resp["cleared"] != 1 {
		t.Errorf("cleared = %d, want 1", resp["cleared"])
	}
}

func TestAdminQueuePauseResume(t *testing.T) {
	e := newAPIEnv(t)
	adm := map[string]string{"X-AFX-Admin": "true"}

	if w := e.do(t, "POST", "/v1/admin/queue/pause", "admin", nil, adm); w.Code != http.StatusOK {
		t.Fatalf("pause: code = %d", w.Code)
	}
	if !e.srv.disp.Paused() {
		t.Error("dispatcher not paused")
	}
	if w := e.do(t, "POST", "/v1/admin/queue/resume", "admin", nil, adm); w.Code != http.StatusOK {
		t.Fatalf("resume: code = %d", w.Code)
	}
	if e.srv.disp.Paused() {
		t.Error("dispatcher still paused")
	}
}
