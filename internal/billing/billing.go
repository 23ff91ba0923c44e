// Package billing implements quota.OverageReporter against Stripe's
// metered usage-record API. Reporting an overage here is what lets the
// quota manager admit a request past its cap instead of denying it and
// bill for the excess instead.
package billing

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"

	"github.com/rajasatyajit/ratewall/config"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/metrics"
)

// SubscriptionItemLookup resolves the Stripe subscription item id that
// meters overage for subject (a quota.Manager subject key such as
// "tenant:acme"). ok is false when the subject has no metered item
// configured, in which case the overage is logged but not reported.
type SubscriptionItemLookup func(ctx context.Context, subject string) (itemID string, ok bool, err error)

// StripeReporter implements quota.OverageReporter by recording a metered
// usage increment against the subject's Stripe subscription item.
type StripeReporter struct {
	cfg    config.BillingConfig
	lookup SubscriptionItemLookup
}

// NewStripeReporter configures stripe-go's package-level API key from cfg
// and returns a reporter that resolves subscription items via lookup.
func NewStripeReporter(cfg config.BillingConfig, lookup SubscriptionItemLookup) *StripeReporter {
	stripe.Key = cfg.StripeSecretKey
	return &StripeReporter{cfg: cfg, lookup: lookup}
}

// ReportOverage satisfies quota.OverageReporter. A subject with no
// metered subscription item configured is treated as "overage billing not
// set up yet" rather than an error: the quota manager still admits the
// request (the caller only invokes this once it has already decided to
// admit past the cap), so failing here must not retroactively deny it.
func (r *StripeReporter) ReportOverage(ctx context.Context, subject, quotaName, period string, overBy int64) error {
	itemID, ok, err := r.lookup(ctx, subject)
	if err != nil {
		metrics.RecordStoreError("billing_lookup")
		return err
	}
	if !ok {
		logger.Warn("overage incurred with no metered subscription item configured",
			"subject", subject, "quota", quotaName, "period", period, "over_by", overBy)
		return nil
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(itemID),
		Quantity:         stripe.Int64(overBy),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	rec, err := usagerecord.New(params)
	if err != nil {
		return fmt.Errorf("report stripe usage record: %w", err)
	}
	logger.Info("reported quota overage to stripe",
		"subject", subject, "quota", quotaName, "period", period, "over_by", overBy,
		"usage_record_id", rec.ID, "estimated_usd", float64(overBy)*r.cfg.OveragePricePerRequestUSD)
	return nil
}

// StaticLookup builds a SubscriptionItemLookup backed by a fixed
// subject->item map, useful for tests and for deployments that configure
// metered items out of band rather than via configstore.
func StaticLookup(items map[string]string) SubscriptionItemLookup {
	return func(ctx context.Context, subject string) (string, bool, error) {
		id, ok := items[subject]
		return id, ok, nil
	}
}
