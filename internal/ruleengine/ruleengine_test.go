package ruleengine

import (
	"testing"
	"time"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/reqcontext"
)

func TestHighestPriorityRuleWins(t *testing.T) {
	ruleA := &Rule{
		ID: "a", Enabled: true, Priority: 100,
		Scope: []string{"user"}, Algorithm: algorithms.FixedWindow,
		Limit: 1, Window: time.Second,
	}
	ruleB := &Rule{
		ID: "b", Enabled: true, Priority: 50,
		Scope: []string{"global"}, Algorithm: algorithms.FixedWindow,
		Limit: 10, Window: time.Second,
	}
	e, err := New([]*Rule{ruleB, ruleA})
	if err != nil {
		t.Fatal(err)
	}

	ctx := &reqcontext.Context{UserID: "u1", Method: "GET", Path: "/v1/x"}
	matched, ok := e.Match(ctx)
	if !ok || len(matched) != 1 {
		t.Fatalf("expected single match, got %+v", matched)
	}
	if matched[0].Rule.ID != "a" {
		t.Fatalf("expected rule a (higher priority) to win, got %s", matched[0].Rule.ID)
	}
	if matched[0].Key != "rule=a:scope=u1" {
		t.Fatalf("unexpected key: %s", matched[0].Key)
	}
}

func TestMissingScopeAtomSkipsRule(t *testing.T) {
	rule := &Rule{
		ID: "user-only", Enabled: true, Priority: 10,
		Scope: []string{"user"}, Algorithm: algorithms.FixedWindow,
		Limit: 1, Window: time.Second,
	}
	e, err := New([]*Rule{rule})
	if err != nil {
		t.Fatal(err)
	}
	ctx := &reqcontext.Context{Method: "GET", Path: "/v1/x"} // no UserID
	_, ok := e.Match(ctx)
	if ok {
		t.Fatal("rule requiring user scope should be skipped without a user id")
	}
}

func TestPathGlobMatching(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/v1/*/generate", "/v1/ai/generate", true},
		{"/v1/*/generate", "/v1/ai/x/generate", false},
		{"/v1/**", "/v1/ai/x/generate", true},
		{"/v1/**", "/v2/ai", false},
		{"/v1/*", "/v1/ai/x", false},
	}
	for _, c := range cases {
		if got := pathMatch(c.pattern, c.path); got != c.want {
			t.Errorf("pathMatch(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestTieBreakByLexicographicID(t *testing.T) {
	ruleZ := &Rule{ID: "z", Enabled: true, Priority: 5, Scope: []string{"global"}, Limit: 1, Window: time.Second}
	ruleA := &Rule{ID: "a", Enabled: true, Priority: 5, Scope: []string{"global"}, Limit: 1, Window: time.Second}
	e, err := New([]*Rule{ruleZ, ruleA})
	if err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot()
	if snap[0].ID != "a" {
		t.Fatalf("expected lexicographically smaller id first, got %s", snap[0].ID)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	r := &Rule{ID: "r1", Enabled: true, Priority: 1, Scope: []string{"global"}, Limit: 5, Window: time.Second}
	if err := e.Upsert(r); err != nil {
		t.Fatal(err)
	}
	if err := e.Upsert(r); err != nil {
		t.Fatal(err)
	}
	if len(e.Snapshot()) != 1 {
		t.Fatalf("expected exactly one rule after repeated upsert, got %d", len(e.Snapshot()))
	}
}

func TestChainAccumulatesMultipleRules(t *testing.T) {
	ruleA := &Rule{ID: "a", Enabled: true, Priority: 100, Scope: []string{"global"}, Limit: 1, Window: time.Second, Chain: true}
	ruleB := &Rule{ID: "b", Enabled: true, Priority: 50, Scope: []string{"global"}, Limit: 10, Window: time.Second}
	e, err := New([]*Rule{ruleA, ruleB})
	if err != nil {
		t.Fatal(err)
	}
	ctx := &reqcontext.Context{Method: "GET", Path: "/v1/x"}
	matched, ok := e.Match(ctx)
	if !ok || len(matched) != 2 {
		t.Fatalf("expected both rules to be consulted via chain, got %+v", matched)
	}
}
