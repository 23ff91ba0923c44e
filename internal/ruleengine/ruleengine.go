// Package ruleengine maintains the priority-ordered list of rate-limit
// rules and resolves which one, if any, governs a given request context.
// Readers take a lock-free snapshot (copy-on-write via atomic.Pointer);
// writers (admin mutation) build a new sorted slice and swap the pointer,
// keeping global mutexes off the hot path.
package ruleengine

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	rlerrors "github.com/rajasatyajit/ratewall/internal/errors"
	"github.com/rajasatyajit/ratewall/internal/reqcontext"
)

// ActionType is the closed set of outcomes a rule may specify for a
// denied request.
type ActionType string

const (
	ActionReject   ActionType = "reject"
	ActionThrottle ActionType = "throttle"
	ActionQueue    ActionType = "queue"
	ActionDegrade  ActionType = "degrade"
)

// Action describes what happens when a rule's algorithm denies a request.
type Action struct {
	Type         ActionType
	Status       int
	Message      string
	QueueTimeout time.Duration
}

// HeaderMatch matches a header either by exact (case-sensitive) value or
// by regular expression; at most one should be set.
type HeaderMatch struct {
	Exact string
	Regex *regexp.Regexp
}

// Match is the AND of every non-nil sub-condition
type Match struct {
	Paths   []string // globs: "*" matches one segment, "**" matches the remainder
	Methods []string // case-insensitive
	Headers map[string]HeaderMatch
	Roles   []string
	Tiers   []string
	Tenants []string
	// Custom is evaluated last and may encode arbitrary logic (including
	// calls out to another service); predicates needing async
	// resolution should resolve before calling Engine.Match
	// and fold the result into a closure here.
	Custom func(*reqcontext.Context) bool
}

// Rule is a single admission policy.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Priority    int

	// Scope is the ordered list of key-derivation atoms, e.g.
	// {"tenant", "user"}. "custom" requires CustomKey to be set.
	Scope []string

	Algorithm  algorithms.Type
	Limit      int64
	Window     time.Duration
	Burst      int64
	RefillRate float64

	Match Match
	// Skip, if non-nil and returning true, bypasses this rule (the next
	// rule in priority order is considered instead).
	Skip func(*reqcontext.Context) bool

	// Cost resolves the request's weight; CostFn takes precedence over
	// Cost when set. Defaults to 1.
	Cost   int64
	CostFn func(*reqcontext.Context) int64

	// CustomKey supplies the key fragment for a "custom" scope atom.
	CustomKey func(*reqcontext.Context) (string, bool)

	Action Action

	// BreakerName, when non-empty, names a circuit breaker the limiter
	// core consults after this rule's algorithm admits the request.
	BreakerName string

	// QuotaName, when non-empty, names a long-horizon quota (internal/quota)
	// the limiter core accounts against after this rule's algorithm admits
	// the request. OverageEligible allows the quota manager's configured
	// OverageReporter to admit past the cap instead of denying.
	QuotaName       string
	OverageEligible bool

	// Chain, when true, causes the engine to keep evaluating lower
	// priority rules after this one matches (AND semantics). False (the
	// default) stops at the first match.
	Chain bool
}

// MatchedRule is one entry in the ordered result of Engine.Match.
type MatchedRule struct {
	Rule *Rule
	Key  string
	Cost int64
}

// Engine holds the priority-sorted rule list behind a copy-on-write
// snapshot pointer.
type Engine struct {
	mu       sync.Mutex // serializes writers only; readers never block
	snapshot atomic.Pointer[[]*Rule]
}

// New builds an Engine from an initial rule set, validating and
// priority-sorting it.
func New(rules []*Rule) (*Engine, error) {
	e := &Engine{}
	sorted, err := validateAndSort(rules)
	if err != nil {
		return nil, err
	}
	e.snapshot.Store(&sorted)
	return e, nil
}

func validateAndSort(rules []*Rule) ([]*Rule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, rlerrors.ValidationError{Field: "id", Message: "rule id is required"}
		}
		if seen[r.ID] {
			return nil, rlerrors.ValidationError{Field: "id", Message: "duplicate rule id " + r.ID}
		}
		if r.Limit <= 0 {
			return nil, rlerrors.ValidationError{Field: "limit", Message: "rule " + r.ID + " limit must be positive"}
		}
		if r.Window <= 0 {
			return nil, rlerrors.ValidationError{Field: "window", Message: "rule " + r.ID + " window must be positive"}
		}
		if len(r.Scope) == 0 {
			return nil, rlerrors.ValidationError{Field: "scope", Message: "rule " + r.ID + " scope must not be empty"}
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

// sortRules orders by descending priority, ties broken by ascending id.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Snapshot returns the current rule list. Callers must not mutate it.
func (e *Engine) Snapshot() []*Rule {
	p := e.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Get returns the rule with the given id, if present.
func (e *Engine) Get(id string) (*Rule, bool) {
	for _, r := range e.Snapshot() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Add inserts a new rule in priority order. Returns an
// rlerrors.ValidationError if id is empty or duplicate, or validation fails.
func (e *Engine) Add(r *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.Snapshot()
	for _, existing := range current {
		if existing.ID == r.ID {
			return rlerrors.ValidationError{Field: "id", Message: "rule id already exists: " + r.ID}
		}
	}
	next := append(append([]*Rule{}, current...), r)
	sorted, err := validateAndSort(next)
	if err != nil {
		return err
	}
	e.snapshot.Store(&sorted)
	return nil
}

// Update replaces the rule matching r.ID, reinserting in priority order.
// Idempotent: calling Update with the same rule twice leaves the engine in
// the same state (last write wins).
func (e *Engine) Update(r *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.Snapshot()
	found := false
	next := make([]*Rule, 0, len(current))
	for _, existing := range current {
		if existing.ID == r.ID {
			next = append(next, r)
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		return rlerrors.ErrRuleNotFound
	}
	sorted, err := validateAndSort(next)
	if err != nil {
		return err
	}
	e.snapshot.Store(&sorted)
	return nil
}

// Upsert adds r if absent, or updates it in place if present. This is the
// idempotent admin-facing entry point.
func (e *Engine) Upsert(r *Rule) error {
	if _, ok := e.Get(r.ID); ok {
		return e.Update(r)
	}
	return e.Add(r)
}

// Delete removes the rule with the given id.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.Snapshot()
	next := make([]*Rule, 0, len(current))
	found := false
	for _, existing := range current {
		if existing.ID == id {
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		return rlerrors.ErrRuleNotFound
	}
	e.snapshot.Store(&next)
	return nil
}

// Match evaluates ctx against the rule list in descending priority order
// and returns the matched rule(s). Normally exactly one rule is returned;
// more than one is returned only when a matched rule has Chain set, in
// which case evaluation continues and every subsequent matching rule is
// appended (AND semantics).
func (e *Engine) Match(ctx *reqcontext.Context) ([]MatchedRule, bool) {
	var out []MatchedRule
	for _, r := range e.Snapshot() {
		if !r.Enabled {
			continue
		}
		if !matches(r, ctx) {
			continue
		}
		if r.Skip != nil && r.Skip(ctx) {
			continue
		}
		key, ok := deriveKey(r, ctx)
		if !ok {
			continue
		}
		out = append(out, MatchedRule{Rule: r, Key: key, Cost: resolveCost(r, ctx)})
		if !r.Chain {
			break
		}
	}
	return out, len(out) > 0
}

func resolveCost(r *Rule, ctx *reqcontext.Context) int64 {
	if r.CostFn != nil {
		return r.CostFn(ctx)
	}
	if r.Cost > 0 {
		return r.Cost
	}
	return 1
}

func matches(r *Rule, ctx *reqcontext.Context) bool {
	m := r.Match
	if len(m.Methods) > 0 && !methodMatches(m.Methods, ctx.Method) {
		return false
	}
	if len(m.Paths) > 0 && !anyPathMatches(m.Paths, ctx.Path) {
		return false
	}
	if len(m.Roles) > 0 && !contains(m.Roles, ctx.Role) {
		return false
	}
	if len(m.Tiers) > 0 && !contains(m.Tiers, ctx.Tier) {
		return false
	}
	if len(m.Tenants) > 0 && !contains(m.Tenants, ctx.TenantID) {
		return false
	}
	for name, cond := range m.Headers {
		v, ok := ctx.Header(strings.ToLower(name))
		if !ok {
			return false
		}
		if cond.Regex != nil {
			if !cond.Regex.MatchString(v) {
				return false
			}
		} else if cond.Exact != v {
			return false
		}
	}
	if m.Custom != nil && !m.Custom(ctx) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func methodMatches(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func anyPathMatches(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if pathMatch(pattern, p) {
			return true
		}
	}
	return false
}

// pathMatch implements the path glob semantics: "*" matches a
// single path segment, "**" matches any remainder.
func pathMatch(pattern, p string) bool {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(p, "/"), "/")

	i, j := 0, 0
	for i < len(patSegs) {
		seg := patSegs[i]
		if seg == "**" {
			if i == len(patSegs)-1 {
				return true
			}
			// Try every possible split point for the remainder.
			for k := j; k <= len(pathSegs); k++ {
				if pathMatch(strings.Join(patSegs[i+1:], "/"), strings.Join(pathSegs[k:], "/")) {
					return true
				}
			}
			return false
		}
		if j >= len(pathSegs) {
			return false
		}
		if seg != "*" && seg != pathSegs[j] {
			if matched, err := path.Match(seg, pathSegs[j]); err != nil || !matched {
				return false
			}
		}
		i++
		j++
	}
	return j == len(pathSegs)
}

// deriveKey concatenates scope tokens: "rule=<id>",
// then "scope=<value>" for each atom, "ep=<path>" for endpoint, and
// "scope=global" for global. A missing atom causes the rule to be
// skipped entirely (ok=false), not matched with a degenerate key.
func deriveKey(r *Rule, ctx *reqcontext.Context) (string, bool) {
	parts := []string{"rule=" + r.ID}
	for _, atom := range r.Scope {
		switch atom {
		case "global":
			parts = append(parts, "scope=global")
		case "ip":
			if ctx.IP == "" {
				return "", false
			}
			parts = append(parts, "scope="+ctx.IP)
		case "user":
			if ctx.UserID == "" {
				return "", false
			}
			parts = append(parts, "scope="+ctx.UserID)
		case "api_key":
			if ctx.APIKey == "" {
				return "", false
			}
			parts = append(parts, "scope="+ctx.APIKey)
		case "tenant":
			if ctx.TenantID == "" {
				return "", false
			}
			parts = append(parts, "scope="+ctx.TenantID)
		case "endpoint":
			parts = append(parts, "ep="+ctx.Path)
		case "custom":
			if r.CustomKey == nil {
				return "", false
			}
			frag, ok := r.CustomKey(ctx)
			if !ok {
				return "", false
			}
			parts = append(parts, "scope="+frag)
		default:
			return "", false
		}
	}
	return strings.Join(parts, ":"), true
}
