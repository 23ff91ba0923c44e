package tiertable

import (
	"context"
	"testing"
	"time"

	"github.com/rajasatyajit/ratewall/internal/store"
)

func TestDeriveRulesTightestWindowWinsPriority(t *testing.T) {
	tier := &Tier{Name: "pro", RequestsPerSecond: 10, RequestsPerMinute: 300, RequestsPerDay: 100000}
	rules := DeriveRules(tier)
	if len(rules) != 3 {
		t.Fatalf("expected 3 derived rules (no hour limit configured), got %d", len(rules))
	}
	var secondPriority, minutePriority, dayPriority int
	for _, r := range rules {
		switch r.Window {
		case time.Second:
			secondPriority = r.Priority
		case time.Minute:
			minutePriority = r.Priority
		case 24 * time.Hour:
			dayPriority = r.Priority
		}
	}
	if !(secondPriority > minutePriority && minutePriority > dayPriority) {
		t.Fatalf("expected second > minute > day priority, got %d, %d, %d", secondPriority, minutePriority, dayPriority)
	}
}

func TestConcurrencyGuardEnforcesCap(t *testing.T) {
	st := store.NewMemoryStore()
	tier := &Tier{Name: "lite", ConcurrentRequests: 2}
	guard := NewConcurrencyGuard(st, time.Minute)
	ctx := context.Background()

	ok1, leave1, err := guard.Enter(ctx, tier, "u1", false)
	if err != nil || !ok1 {
		t.Fatalf("first enter: ok=%v err=%v", ok1, err)
	}
	ok2, leave2, err := guard.Enter(ctx, tier, "u1", false)
	if err != nil || !ok2 {
		t.Fatalf("second enter: ok=%v err=%v", ok2, err)
	}
	ok3, _, err := guard.Enter(ctx, tier, "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if ok3 {
		t.Fatal("third concurrent request should be rejected at cap=2")
	}

	leave1()
	ok4, leave4, err := guard.Enter(ctx, tier, "u1", false)
	if err != nil || !ok4 {
		t.Fatalf("enter after release: ok=%v err=%v", ok4, err)
	}
	leave2()
	leave4()
}

func TestConcurrencyGuardNoOpWhenUnconfigured(t *testing.T) {
	st := store.NewMemoryStore()
	tier := &Tier{Name: "free"}
	guard := NewConcurrencyGuard(st, time.Minute)
	ok, _, err := guard.Enter(context.Background(), tier, "u1", false)
	if err != nil || !ok {
		t.Fatalf("expected unconfigured tier to always admit, got ok=%v err=%v", ok, err)
	}
}
