package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/reqcontext"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/store"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

type fakePersister struct {
	upserted []string
	deleted  []string
}

func (f *fakePersister) UpsertRule(ctx context.Context, r *ruleengine.Rule) error {
	f.upserted = append(f.upserted, r.ID)
	return nil
}
func (f *fakePersister) DeleteRule(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakePersister) AddBypass(ctx context.Context, kind, value string) error    { return nil }
func (f *fakePersister) RemoveBypass(ctx context.Context, kind, value string) error { return nil }

func newTestHandler(t *testing.T, persist Persister) (*Handler, *chi.Mux) {
	t.Helper()
	engine, err := ruleengine.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	tiers := tiertable.New([]*tiertable.Tier{{Name: "free", Priority: 1}})
	core := limiter.New(limiter.Config{Store: store.NewMemoryStore(), Engine: engine})
	h := New(engine, tiers, core, persist)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestCreateListGetDeleteRule(t *testing.T) {
	persist := &fakePersister{}
	_, r := newTestHandler(t, persist)

	body := ruleDTO{
		ID: "r1", Enabled: true, Priority: 1, Scope: []string{"ip"},
		Algorithm: "fixed_window", Limit: 10, Window: "1m",
		Match:  matchDTO{Paths: []string{"/*"}},
		Action: actionDTO{Type: ruleengine.ActionReject, Status: 429},
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/admin/rate-limits/rules", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(persist.upserted) != 1 || persist.upserted[0] != "r1" {
		t.Fatalf("expected persisted rule r1, got %+v", persist.upserted)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rate-limits/rules", nil))
	var list []ruleDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("expected one rule listed, got %v err=%v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rate-limits/rules/r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for get, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/rate-limits/rules/r1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d", rec.Code)
	}
	if len(persist.deleted) != 1 || persist.deleted[0] != "r1" {
		t.Fatalf("expected persisted delete of r1, got %+v", persist.deleted)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rate-limits/rules/r1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCreateRuleRejectsInvalidWindow(t *testing.T) {
	_, r := newTestHandler(t, nil)
	body := ruleDTO{ID: "bad", Window: "not-a-duration"}
	b, _ := json.Marshal(body)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/rate-limits/rules", bytes.NewReader(b)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid window, got %d", rec.Code)
	}
}

func TestBypassIPRoundTrip(t *testing.T) {
	h, r := newTestHandler(t, nil)

	body, _ := json.Marshal(bypassValueRequest{IP: "203.0.113.1"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/rate-limits/bypass/ip", bytes.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := h.core.BypassSnapshot().IPs["203.0.113.1"]; !ok {
		t.Fatal("expected IP to be in the bypass set")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/rate-limits/bypass/ip/203.0.113.1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := h.core.BypassSnapshot().IPs["203.0.113.1"]; ok {
		t.Fatal("expected IP to be removed from the bypass set")
	}
}

func TestListTiersAndStats(t *testing.T) {
	_, r := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rate-limits/tiers", nil))
	var tiers []*tiertable.Tier
	if err := json.Unmarshal(rec.Body.Bytes(), &tiers); err != nil || len(tiers) != 1 {
		t.Fatalf("expected one tier, got %v err=%v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/rate-limits/stats", nil))
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unexpected stats body: %v", err)
	}
	if stats.TiersCount != 1 {
		t.Fatalf("expected tiersCount 1, got %d", stats.TiersCount)
	}
}

func TestResetKeyRequiresKey(t *testing.T) {
	_, r := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/rate-limits/reset", bytes.NewReader([]byte(`{}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", rec.Code)
	}
}

func TestResetKeyClearsCounter(t *testing.T) {
	h, r := newTestHandler(t, nil)
	ctx := context.Background()
	if err := h.core.Reset(ctx, "anything"); err != nil {
		t.Fatalf("reset via core should not error on a missing key: %v", err)
	}

	if err := h.engine.Add(&ruleengine.Rule{
		ID: "r1", Enabled: true, Priority: 1, Scope: []string{"ip"},
		Algorithm: "fixed_window", Limit: 1, Window: time.Hour,
		Action: ruleengine.Action{Type: ruleengine.ActionReject, Status: 429},
	}); err != nil {
		t.Fatal(err)
	}
	rc := &reqcontext.Context{IP: "203.0.113.7", Method: http.MethodGet, Path: "/x"}
	if res, _ := h.core.Consume(ctx, rc); !res.Allowed {
		t.Fatal("first call should be admitted")
	}
	if res, _ := h.core.Consume(ctx, rc); res.Allowed {
		t.Fatal("second call should be denied before the reset")
	}

	body, _ := json.Marshal(resetRequest{Key: "rule=r1:scope=203.0.113.7"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/rate-limits/reset", bytes.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if res, _ := h.core.Consume(ctx, rc); !res.Allowed {
		t.Fatal("call after the reset should be admitted again")
	}
}
