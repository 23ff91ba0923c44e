// Package quota implements long-horizon (daily/weekly/monthly) usage
// accounting distinct from the short-window rate limits in algorithms.
// Reset boundaries are calendar-aligned in UTC and
// computed on read; the persisted period label ("2025-03-17", "2025-W12",
// "2025-03") makes the reset idempotent without a global scheduler.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rajasatyajit/ratewall/internal/store"
)

// PeriodConfig is one granularity's cap; Enabled false means the
// granularity is not enforced for this quota name.
type PeriodConfig struct {
	Enabled bool
	Limit   int64
}

// Config is the full set of granularities for a named quota, e.g. the
// "ai-requests" quota's daily=100/monthly=2000 defaults.
type Config struct {
	Daily   PeriodConfig
	Weekly  PeriodConfig
	Monthly PeriodConfig
}

// PeriodResult is one granularity's outcome from a Check call.
type PeriodResult struct {
	Period      string
	Used        int64
	Limit       int64
	Remaining   int64
	ResetUnixMs int64
}

// Result is the outcome of a Check call across every enabled granularity.
type Result struct {
	Allowed         bool
	QuotaName       string
	OffendingPeriod string
	Periods         []PeriodResult
}

// OverageReporter is consulted when a subject exceeds a quota with
// overage billing enabled; the quota manager then admits the request
// instead of denying it and meters the overage for billing.
type OverageReporter interface {
	ReportOverage(ctx context.Context, subject, quotaName, period string, overBy int64) error
}

// Manager accounts usage against named quotas for arbitrary subjects
// (typically a tenant or user id).
type Manager struct {
	st      store.Store
	configs map[string]Config
	overage OverageReporter
}

// NewManager builds a Manager. overage may be nil if overage billing is
// not wired.
func NewManager(st store.Store, configs map[string]Config, overage OverageReporter) *Manager {
	return &Manager{st: st, configs: configs, overage: overage}
}

type period struct {
	name  string
	label string
	limit int64
	ttl   time.Duration
}

func buildPeriods(cfg Config, now time.Time) []period {
	var out []period
	if cfg.Daily.Enabled {
		out = append(out, period{name: "daily", label: now.Format("2006-01-02"), limit: cfg.Daily.Limit, ttl: time.Until(nextUTCMidnight(now))})
	}
	if cfg.Weekly.Enabled {
		out = append(out, period{name: "weekly", label: isoWeekLabel(now), limit: cfg.Weekly.Limit, ttl: time.Until(nextUTCMonday(now))})
	}
	if cfg.Monthly.Enabled {
		out = append(out, period{name: "monthly", label: now.Format("2006-01"), limit: cfg.Monthly.Limit, ttl: time.Until(nextUTCMonthStart(now))})
	}
	return out
}

func quotaKey(subject, quotaName string, p period) string {
	return fmt.Sprintf("q:%s:%s:%s:%s", subject, quotaName, p.name, p.label)
}

// Check accounts cost against every enabled granularity of quotaName for
// subject, in a fixed order: (1) the calendar-aligned
// period label already makes each period's lazy reset implicit, (2) peek
// every enabled period's current usage and deny if any would exceed its
// cap, without mutating anything, (3) only once every period is known to
// admit cost, increment them all. This keeps a denied call from ever
// consuming a period (e.g. monthly) that never should have been touched
// just because a tighter period (e.g. daily) was already exhausted.
func (m *Manager) Check(ctx context.Context, subject, quotaName string, cost int64, overageEnabled bool) (Result, error) {
	cfg, ok := m.configs[quotaName]
	if !ok {
		return Result{Allowed: true, QuotaName: quotaName}, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := time.Now().UTC()
	periods := buildPeriods(cfg, now)

	type peeked struct {
		p    period
		used int64
		ttl  time.Duration
	}
	peeks := make([]peeked, 0, len(periods))
	offending := ""
	var overBy int64
	for _, p := range periods {
		used, ttl, exists, err := m.st.PeekCounter(ctx, quotaKey(subject, quotaName, p))
		if err != nil {
			return Result{}, err
		}
		if !exists {
			ttl = p.ttl
		}
		if projected := used + cost; projected > p.limit && offending == "" {
			offending = p.name
			overBy = projected - p.limit
		}
		peeks = append(peeks, peeked{p: p, used: used, ttl: ttl})
	}

	allowed := offending == ""
	if !allowed && overageEnabled && m.overage != nil {
		if err := m.overage.ReportOverage(ctx, subject, quotaName, offending, overBy); err == nil {
			allowed = true
			offending = ""
		}
	}

	results := make([]PeriodResult, 0, len(peeks))
	for _, pk := range peeks {
		if !allowed {
			remaining := pk.p.limit - pk.used
			if remaining < 0 {
				remaining = 0
			}
			results = append(results, PeriodResult{
				Period: pk.p.name, Used: pk.used, Limit: pk.p.limit,
				Remaining: remaining, ResetUnixMs: now.Add(pk.ttl).UnixMilli(),
			})
			continue
		}
		used, ttl, err := m.st.IncrementWithExpiry(ctx, quotaKey(subject, quotaName, pk.p), cost, pk.p.ttl)
		if err != nil {
			return Result{}, err
		}
		remaining := pk.p.limit - used
		if remaining < 0 {
			remaining = 0
		}
		results = append(results, PeriodResult{
			Period: pk.p.name, Used: used, Limit: pk.p.limit,
			Remaining: remaining, ResetUnixMs: now.Add(ttl).UnixMilli(),
		})
	}

	return Result{Allowed: allowed, QuotaName: quotaName, OffendingPeriod: offending, Periods: results}, nil
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextUTCMonthStart(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// nextUTCMonday returns the next Monday 00:00 UTC strictly after now.
func nextUTCMonday(now time.Time) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	daysUntilMonday := (8 - int(now.Weekday())) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	return midnight.AddDate(0, 0, daysUntilMonday)
}

func isoWeekLabel(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
