package gatewaymw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/store"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

func newCore(t *testing.T, rules ...*ruleengine.Rule) *limiter.Core {
	t.Helper()
	e, err := ruleengine.New(rules)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	return limiter.New(limiter.Config{Store: st, Engine: e})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitAllowsAndSetsHeaders(t *testing.T) {
	core := newCore(t, &ruleengine.Rule{
		ID: "r1", Enabled: true, Priority: 1, Scope: []string{"ip"},
		Algorithm: algorithms.FixedWindow, Limit: 5, Window: time.Minute,
		Match:  ruleengine.Match{Paths: []string{"/*"}},
		Action: ruleengine.Action{Type: ruleengine.ActionReject, Status: 429},
	})

	mw := RateLimit(core, nil)
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("expected limit header, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitRejectsWithRuleDeniedBody(t *testing.T) {
	core := newCore(t, &ruleengine.Rule{
		ID: "r1", Enabled: true, Priority: 1, Scope: []string{"ip"},
		Algorithm: algorithms.FixedWindow, Limit: 1, Window: time.Minute,
		Match:  ruleengine.Match{Paths: []string{"/*"}},
		Action: ruleengine.Action{Type: ruleengine.ActionReject, Status: 429},
	})

	mw := RateLimit(core, nil)
	handler := mw(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.RemoteAddr = "10.0.0.5:1111"
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "10.0.0.5:1112"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req2)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body rejectBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if body.StatusCode != 429 || body.Limit != 1 || body.Policy != "r1" {
		t.Fatalf("unexpected reject body: %+v", body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on denial")
	}
}

func TestRateLimitBypassesInternalRequest(t *testing.T) {
	core := newCore(t, &ruleengine.Rule{
		ID: "r1", Enabled: true, Priority: 1, Scope: []string{"ip"},
		Algorithm: algorithms.FixedWindow, Limit: 1, Window: time.Minute,
		Match:  ruleengine.Match{Paths: []string{"/*"}},
		Action: ruleengine.Action{Type: ruleengine.ActionReject},
	})

	mw := RateLimit(core, nil)
	handler := mw(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Internal-Request", "true")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("internal request %d should always be admitted, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("bypassed requests must not carry rate limit headers")
		}
		if rec.Header().Get("X-RateLimit-Bypass") != "true" {
			t.Fatal("bypassed requests must carry the sentinel bypass header")
		}
	}
}

func TestRateLimitRejectsWithConcurrencyDeniedBody(t *testing.T) {
	e, err := ruleengine.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	tiers := tiertable.New([]*tiertable.Tier{{Name: "gold", ConcurrentRequests: 1}})
	core := limiter.New(limiter.Config{Store: st, Engine: e, Tiers: tiers})

	release := make(chan struct{})
	blocking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	mw := RateLimit(core, func(r *http.Request) Identity {
		return Identity{UserID: "u1", Tier: "gold"}
	})
	handler := mw(blocking)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
		close(done)
	}()
	// Give the first request time to acquire its concurrency slot before
	// the second one is issued.
	time.Sleep(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	close(release)
	<-done

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while the tier's single concurrency slot is held, got %d", rec.Code)
	}
	var body rejectBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if body.StatusCode != 429 {
		t.Fatalf("unexpected reject body: %+v", body)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := clientIP(req); ip != "203.0.113.9" {
		t.Fatalf("expected forwarded IP, got %q", ip)
	}
}
