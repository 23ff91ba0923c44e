// Package tiertable holds named bundles of rate/quota limits applied when
// a request context's tier matches. Each tier is expanded into one
// synthetic ruleengine.Rule per configured window granularity, with the
// tightest (shortest) window given the highest priority so it is evaluated
// first. Expansion does not consult explicit rules: a tier's synthetic
// rules are derived even when explicit rules also match that tier.
package tiertable

import (
	"context"
	"time"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/store"
)

// Tier is a named bundle of limits associated with a subscription level.
type Tier struct {
	Name               string   `json:"name"`
	RequestsPerSecond  int64    `json:"requestsPerSecond,omitempty"`
	RequestsPerMinute  int64    `json:"requestsPerMinute,omitempty"`
	RequestsPerHour    int64    `json:"requestsPerHour,omitempty"`
	RequestsPerDay     int64    `json:"requestsPerDay,omitempty"`
	BurstLimit         int64    `json:"burstLimit,omitempty"`
	ConcurrentRequests int64    `json:"concurrentRequests,omitempty"`
	DailyQuotaCap      int64    `json:"dailyQuotaCap,omitempty"` // 0 means no cap enforced here (handled by quota.Manager)
	MonthlyQuotaCap    int64    `json:"monthlyQuotaCap,omitempty"`
	Features           []string `json:"features,omitempty"`
	Priority           int      `json:"priority,omitempty"`
}

// Table is a read-mostly map of tier name to Tier, rebuilt wholesale on
// admin mutation (tiers are immutable at runtime unless
// an explicit API is added).
type Table struct {
	tiers map[string]*Tier
}

// New builds a Table from a slice of tiers.
func New(tiers []*Tier) *Table {
	t := &Table{tiers: make(map[string]*Tier, len(tiers))}
	for _, tier := range tiers {
		t.tiers[tier.Name] = tier
	}
	return t
}

// Get returns the tier with the given name, if any.
func (t *Table) Get(name string) (*Tier, bool) {
	tier, ok := t.tiers[name]
	return tier, ok
}

// List returns every configured tier.
func (t *Table) List() []*Tier {
	out := make([]*Tier, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tier)
	}
	return out
}

type granularity struct {
	suffix   string
	window   time.Duration
	limit    int64
	priority int
}

// DeriveRules expands tier into one synthetic rule per configured window
// granularity. Priorities are assigned so the tightest (shortest) window
// wins when more than one would be exceeded: seconds
// outrank minutes outrank hours outrank days.
func DeriveRules(tier *Tier) []*ruleengine.Rule {
	granularities := []granularity{
		{"second", time.Second, tier.RequestsPerSecond, 4000},
		{"minute", time.Minute, tier.RequestsPerMinute, 3000},
		{"hour", time.Hour, tier.RequestsPerHour, 2000},
		{"day", 24 * time.Hour, tier.RequestsPerDay, 1000},
	}

	var rules []*ruleengine.Rule
	for _, g := range granularities {
		if g.limit <= 0 {
			continue
		}
		rules = append(rules, &ruleengine.Rule{
			ID:         "tier:" + tier.Name + ":" + g.suffix,
			Name:       tier.Name + " " + g.suffix + " limit",
			Enabled:    true,
			Priority:   g.priority,
			Scope:      []string{"tenant", "user"},
			Algorithm:  algorithms.TokenBucket,
			Limit:      g.limit,
			Window:     g.window,
			Burst:      maxInt64(tier.BurstLimit, g.limit),
			RefillRate: float64(g.limit) / g.window.Seconds(),
			Match:      ruleengine.Match{Tiers: []string{tier.Name}},
			Action:     ruleengine.Action{Type: ruleengine.ActionReject, Status: 429},
		})
	}
	return rules
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ConcurrencyGuard enforces a tier's ConcurrentRequests cap using the
// Store as an in-flight counter: Enter increments on admission, the
// returned Leave decrements on completion. Leave is best-effort: if the
// caller never invokes it (process crash), the counter's TTL reclaims the
// slot.
type ConcurrencyGuard struct {
	st  store.Store
	ttl time.Duration
}

// NewConcurrencyGuard builds a guard whose in-flight counters expire after
// ttl if never explicitly released.
func NewConcurrencyGuard(st store.Store, ttl time.Duration) *ConcurrencyGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ConcurrencyGuard{st: st, ttl: ttl}
}

// Enter attempts to admit one more concurrent request for (tier, ctx-key).
// failOpen controls behavior when the store errors.
func (g *ConcurrencyGuard) Enter(ctx context.Context, tier *Tier, subjectKey string, failOpen bool) (admitted bool, leave func(), err error) {
	if tier.ConcurrentRequests <= 0 {
		return true, func() {}, nil
	}
	key := "conc:" + tier.Name + ":" + subjectKey
	count, _, err := g.st.IncrementWithExpiry(ctx, key, 1, g.ttl)
	if err != nil {
		return failOpen, func() {}, err
	}
	if count > tier.ConcurrentRequests {
		g.release(key)
		return false, func() {}, nil
	}
	return true, func() { g.release(key) }, nil
}

func (g *ConcurrencyGuard) release(key string) {
	_, _, _ = g.st.IncrementWithExpiry(context.Background(), key, -1, g.ttl)
}
