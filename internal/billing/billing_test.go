package billing

import (
	"context"
	"testing"

	"github.com/rajasatyajit/ratewall/config"
)

func TestReportOverageNoOpsWithoutMeteredItem(t *testing.T) {
	r := NewStripeReporter(config.BillingConfig{}, StaticLookup(nil))
	err := r.ReportOverage(context.Background(), "tenant:acme", "ai-requests", "daily", 5)
	if err != nil {
		t.Fatalf("expected no-op (nil error) when no metered item is configured, got %v", err)
	}
}

func TestStaticLookupResolvesConfiguredSubject(t *testing.T) {
	lookup := StaticLookup(map[string]string{"tenant:acme": "si_123"})
	id, ok, err := lookup(context.Background(), "tenant:acme")
	if err != nil || !ok || id != "si_123" {
		t.Fatalf("expected si_123/true, got %q %v %v", id, ok, err)
	}

	_, ok, err = lookup(context.Background(), "tenant:other")
	if err != nil || ok {
		t.Fatalf("expected unconfigured subject to resolve ok=false, got ok=%v err=%v", ok, err)
	}
}
