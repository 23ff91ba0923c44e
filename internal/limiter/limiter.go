// Package limiter is the gateway's admission decision core: given a
// request context it consults the bypass lists, rule engine, algorithms,
// circuit breaker, and quota manager in turn and produces a single Result
// carrying the X-RateLimit-* headers and the action (reject, throttle,
// queue, degrade) to take on denial.
package limiter

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/breaker"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/metrics"
	"github.com/rajasatyajit/ratewall/internal/queue"
	"github.com/rajasatyajit/ratewall/internal/quota"
	"github.com/rajasatyajit/ratewall/internal/reqcontext"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/store"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

// Result is the outcome of a Consume or Peek call.
type Result struct {
	Allowed  bool
	Degraded bool

	// Unlimited is true for requests matching no rule; no X-RateLimit-*
	// headers are emitted then.
	Unlimited bool

	// Bypassed is true for internal requests and requests on a bypass
	// list. These carry a sentinel header marking the exemption, distinct
	// from the bare no-match case.
	Bypassed bool

	Limit       int64
	Remaining   int64
	ResetUnixMs int64
	RetryAfter  time.Duration

	RuleID string
	Action ruleengine.ActionType
	// Status is the HTTP status the matched rule's Action specifies for a
	// denial (default 429; a rule may configure e.g. 503).
	Status int

	// QuotaDenied/QuotaName are set when a long-horizon quota, not the
	// short-window algorithm, is the reason for denial.
	QuotaDenied bool
	QuotaName   string

	// BreakerOpen is set when a circuit breaker, not the rate limit rule,
	// rejected the request.
	BreakerOpen bool
	BreakerName string

	// BreakerDone, if non-nil, MUST be invoked exactly once by the caller
	// with the downstream call's success/failure once it completes, so
	// the breaker can track it. Nil when no breaker is configured on the
	// matched rule.
	BreakerDone func(success bool)

	// ConcurrencyDenied is set when the request's tier concurrent-request
	// cap, not the matched rule, rejected the request.
	ConcurrencyDenied bool
	TierName          string

	// ConcurrencyDone, if non-nil, MUST be invoked exactly once by the
	// caller once the request has finished processing, releasing the
	// in-flight slot tiertable.ConcurrencyGuard.Enter reserved. Nil when
	// no tier concurrency cap applies.
	ConcurrencyDone func()
}

// Headers renders the response headers for Result. Bypassed results carry
// only the sentinel bypass marker; Unlimited (no rule matched) results
// return nil and the header set is omitted entirely.
func (r Result) Headers() map[string]string {
	if r.Bypassed {
		return map[string]string{"X-RateLimit-Bypass": "true"}
	}
	if r.Unlimited {
		return nil
	}
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(r.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(r.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetUnixMs/1000, 10),
	}
	if r.RuleID != "" {
		h["X-RateLimit-Policy"] = r.RuleID
	}
	if !r.Allowed && r.RetryAfter > 0 {
		h["Retry-After"] = strconv.FormatInt(int64(math.Ceil(r.RetryAfter.Seconds())), 10)
	}
	return h
}

// BypassSet is a copy-on-write snapshot of IPs/API keys exempt from all
// rate limiting, mirroring the rule engine's snapshot-pointer pattern so
// admin updates never block the hot path.
type BypassSet struct {
	IPs     map[string]struct{}
	APIKeys map[string]struct{}
}

// Config wires together the components a Core orchestrates. Breakers,
// Quotas, Queues, and Tiers/ConcurrencyTTL may be left unset if those
// optional checks are not in use.
type Config struct {
	Store    store.Store
	Engine   *ruleengine.Engine
	Breakers *breaker.Manager
	Quotas   *quota.Manager
	// Queues maps a ruleengine.Rule.ID (whose Action.Type is
	// ruleengine.ActionQueue) to the priority queue deferred admissions
	// for that rule are submitted to.
	Queues           map[string]*queue.Queue
	FailOpen         bool
	MaxThrottleSleep time.Duration
	Bypass           BypassSet

	// Tiers, when set, lets Consume enforce each matched tier's
	// ConcurrentRequests cap via a tiertable.ConcurrencyGuard.
	// ConcurrencyTTL bounds how long a reserved in-flight
	// slot survives if its Leave is never called (process crash);
	// defaults to the guard's own default when zero.
	Tiers          *tiertable.Table
	ConcurrencyTTL time.Duration
}

// Core orchestrates the full admission decision for a request.
type Core struct {
	st               store.Store
	engine           *ruleengine.Engine
	breakers         *breaker.Manager
	quotas           *quota.Manager
	queues           map[string]*queue.Queue
	failOpen         bool
	maxThrottleSleep time.Duration

	tiers       *tiertable.Table
	concurrency *tiertable.ConcurrencyGuard

	bypass atomic.Pointer[BypassSet]
}

// New builds a Core from cfg.
func New(cfg Config) *Core {
	c := &Core{
		st:               cfg.Store,
		engine:           cfg.Engine,
		breakers:         cfg.Breakers,
		quotas:           cfg.Quotas,
		queues:           cfg.Queues,
		failOpen:         cfg.FailOpen,
		maxThrottleSleep: cfg.MaxThrottleSleep,
		tiers:            cfg.Tiers,
	}
	if c.maxThrottleSleep <= 0 {
		c.maxThrottleSleep = 2 * time.Second
	}
	if c.tiers != nil {
		c.concurrency = tiertable.NewConcurrencyGuard(cfg.Store, cfg.ConcurrencyTTL)
	}
	bypass := cfg.Bypass
	if bypass.IPs == nil {
		bypass.IPs = map[string]struct{}{}
	}
	if bypass.APIKeys == nil {
		bypass.APIKeys = map[string]struct{}{}
	}
	c.bypass.Store(&bypass)
	return c
}

// BypassSnapshot returns the currently active bypass lists, for admin
// read-modify-write mutation (internal/adminapi). Callers must not mutate
// the returned maps.
func (c *Core) BypassSnapshot() BypassSet {
	b := c.bypass.Load()
	if b == nil {
		return BypassSet{IPs: map[string]struct{}{}, APIKeys: map[string]struct{}{}}
	}
	return *b
}

// SetBypass atomically replaces the bypass lists, for admin mutation.
func (c *Core) SetBypass(b BypassSet) {
	if b.IPs == nil {
		b.IPs = map[string]struct{}{}
	}
	if b.APIKeys == nil {
		b.APIKeys = map[string]struct{}{}
	}
	c.bypass.Store(&b)
}

func (c *Core) isBypassed(rc *reqcontext.Context) bool {
	b := c.bypass.Load()
	if b == nil {
		return false
	}
	if rc.IP != "" {
		if _, ok := b.IPs[rc.IP]; ok {
			return true
		}
	}
	if rc.APIKey != "" {
		if _, ok := b.APIKeys[rc.APIKey]; ok {
			return true
		}
	}
	return false
}

// Consume evaluates rc against the rule engine and returns the admission
// decision, mutating whatever counters the matched algorithm uses. It is
// the hot-path entry point invoked once per inbound request.
func (c *Core) Consume(ctx context.Context, rc *reqcontext.Context) (Result, error) {
	if rc.Internal || c.isBypassed(rc) {
		return Result{Allowed: true, Bypassed: true}, nil
	}

	matches, ok := c.engine.Match(rc)
	if !ok {
		return c.gateConcurrency(ctx, rc, Result{Allowed: true, Unlimited: true}), nil
	}

	result, decisive, err := c.evaluate(ctx, matches)
	if err != nil {
		logger.Error("rate limit algorithm check failed", "error", err, "rule", decisive.Rule.ID)
	}

	if result.Allowed {
		result = c.applyPostChecks(ctx, rc, decisive, result)
	}

	decision := "allow"
	if !result.Allowed {
		decision = string(result.Action)
	}
	metrics.RecordLimiterDecision(decisive.Rule.ID, decision)

	if !result.Allowed {
		result = c.applyAction(ctx, decisive, result)
	}

	if result.Allowed {
		result = c.gateConcurrency(ctx, rc, result)
	}

	return result, nil
}

// Peek runs the matched rules' algorithms like Consume but never mutates
// any counter, so callers can predict admission (e.g. for client-side
// pre-flight checks) without spending quota. It does not apply the
// breaker, quota, or tier-concurrency checks, nor the rule's denial action.
func (c *Core) Peek(ctx context.Context, rc *reqcontext.Context) (Result, error) {
	if rc.Internal || c.isBypassed(rc) {
		return Result{Allowed: true, Bypassed: true}, nil
	}
	matches, ok := c.engine.Match(rc)
	if !ok {
		return Result{Allowed: true, Unlimited: true}, nil
	}

	now := time.Now()
	var result Result
	allowed := true
	for i := range matches {
		mr := &matches[i]
		algoOpts := algorithms.Options{Burst: mr.Rule.Burst, RefillRate: mr.Rule.RefillRate, FailOpen: c.failOpen}
		res, err := algorithms.Peek(ctx, c.st, mr.Rule.Algorithm, mr.Key, mr.Rule.Limit, mr.Rule.Window, mr.Cost, algoOpts, now)
		if err != nil {
			logger.Error("rate limit peek failed", "error", err, "rule", mr.Rule.ID)
		}
		result = toResult(res, mr.Rule)
		if !res.Allowed {
			allowed = false
			break
		}
	}
	result.Allowed = allowed
	return result, nil
}

// Reset clears every counter associated with key, the raw scope-derived
// key a rule produces (see ruleengine.MatchedRule.Key). Backs the admin
// reset operation.
func (c *Core) Reset(ctx context.Context, key string) error {
	return c.st.Delete(ctx, key)
}

func toResult(res algorithms.Result, rule *ruleengine.Rule) Result {
	return Result{
		Allowed:     res.Allowed,
		Limit:       res.Limit,
		Remaining:   res.Remaining,
		ResetUnixMs: res.ResetUnixMs,
		RetryAfter:  res.RetryAfter,
		RuleID:      rule.ID,
		Action:      rule.Action.Type,
		Status:      actionStatus(rule.Action),
	}
}

// actionStatus resolves the rule's configured denial status, defaulting
// to 429.
func actionStatus(a ruleengine.Action) int {
	if a.Status > 0 {
		return a.Status
	}
	return 429
}

// evaluate runs every matched rule's algorithm in priority order. With
// Chain unset (the common case) there is exactly one match. With Chain
// set, AND semantics apply: evaluation stops at the first denial, but if
// every rule admits, the last rule's result carries the headers (it was
// the final gate to clear).
func (c *Core) evaluate(ctx context.Context, matches []ruleengine.MatchedRule) (Result, *ruleengine.MatchedRule, error) {
	now := time.Now()
	var result Result
	var decisive *ruleengine.MatchedRule
	var firstErr error

	for i := range matches {
		mr := &matches[i]
		decisive = mr
		algoOpts := algorithms.Options{Burst: mr.Rule.Burst, RefillRate: mr.Rule.RefillRate, FailOpen: c.failOpen}
		res, err := algorithms.Check(ctx, c.st, mr.Rule.Algorithm, mr.Key, mr.Rule.Limit, mr.Rule.Window, mr.Cost, algoOpts, now)
		if err != nil {
			metrics.RecordStoreError("algorithm_check")
			if firstErr == nil {
				firstErr = err
			}
		}
		result = toResult(res, mr.Rule)
		if !res.Allowed {
			return result, mr, firstErr
		}
	}
	return result, decisive, firstErr
}

// applyPostChecks runs the optional circuit breaker and quota checks that
// follow a successful algorithm admission.
func (c *Core) applyPostChecks(ctx context.Context, rc *reqcontext.Context, decisive *ruleengine.MatchedRule, result Result) Result {
	rule := decisive.Rule

	if rule.BreakerName != "" && c.breakers != nil {
		b := c.breakers.Get(rule.BreakerName)
		admitted, done, err := b.Allow(ctx)
		if !admitted {
			retryAfter := time.Second
			var openErr *breaker.CircuitOpenError
			if cast, ok := err.(*breaker.CircuitOpenError); ok {
				openErr = cast
				retryAfter = openErr.RetryAfter
			}
			result.Allowed = false
			result.BreakerOpen = true
			result.BreakerName = rule.BreakerName
			result.RetryAfter = retryAfter
			result.Action = ruleengine.ActionReject
			result.Status = 503
			return result
		}
		result.BreakerDone = done
	}

	if rule.QuotaName != "" && c.quotas != nil {
		subject := quotaSubject(rc)
		qres, err := c.quotas.Check(ctx, subject, rule.QuotaName, decisive.Cost, rule.OverageEligible)
		if err == nil {
			metrics.RecordQuotaCheck(rule.QuotaName, quotaStatus(qres.Allowed))
			if !qres.Allowed {
				result.Allowed = false
				result.QuotaDenied = true
				result.QuotaName = rule.QuotaName
				result.Action = ruleengine.ActionReject
				result.Status = 429
				for _, p := range qres.Periods {
					if p.Period == qres.OffendingPeriod {
						result.RetryAfter = time.Until(time.UnixMilli(p.ResetUnixMs))
						result.ResetUnixMs = p.ResetUnixMs
						result.Remaining = 0
						result.Limit = p.Limit
					}
				}
			}
		} else {
			metrics.RecordStoreError("quota_check")
		}
	}

	return result
}

func quotaStatus(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// quotaSubject picks the most specific identity available on rc to
// account long-horizon usage against: tenant, then user, then API key,
// then IP as a last resort for unauthenticated traffic.
func quotaSubject(rc *reqcontext.Context) string {
	switch {
	case rc.TenantID != "":
		return "tenant:" + rc.TenantID
	case rc.UserID != "":
		return "user:" + rc.UserID
	case rc.APIKey != "":
		return "apikey:" + rc.APIKey
	default:
		return "ip:" + rc.IP
	}
}

// gateConcurrency enforces the matched tier's ConcurrentRequests cap as a
// final admission gate on an otherwise-allowed result, using a separate
// in-flight counter. A request the rule/breaker/quota checks
// already denied never reaches here, so a denied request never reserves
// (or has to release) a concurrency slot.
func (c *Core) gateConcurrency(ctx context.Context, rc *reqcontext.Context, result Result) Result {
	if c.tiers == nil || c.concurrency == nil || rc.Tier == "" {
		return result
	}
	tier, ok := c.tiers.Get(rc.Tier)
	if !ok || tier.ConcurrentRequests <= 0 {
		return result
	}

	admitted, leave, err := c.concurrency.Enter(ctx, tier, quotaSubject(rc), c.failOpen)
	if err != nil {
		metrics.RecordStoreError("concurrency_guard")
	}
	if !admitted {
		return Result{
			Allowed:           false,
			ConcurrencyDenied: true,
			TierName:          tier.Name,
			Action:            ruleengine.ActionReject,
			Status:            429,
			RetryAfter:        time.Second,
		}
	}
	result.ConcurrencyDone = leave
	return result
}

// applyAction handles a denied result per the matched rule's configured
// Action: reject leaves it denied, throttle
// sleeps up to maxThrottleSleep then admits, queue defers admission to the
// priority queue, and degrade admits but flags the response as degraded.
func (c *Core) applyAction(ctx context.Context, decisive *ruleengine.MatchedRule, result Result) Result {
	if result.BreakerOpen || result.QuotaDenied {
		return result
	}

	switch decisive.Rule.Action.Type {
	case ruleengine.ActionDegrade:
		result.Allowed = true
		result.Degraded = true
		return result

	case ruleengine.ActionThrottle:
		sleepFor := result.RetryAfter
		if sleepFor <= 0 || sleepFor > c.maxThrottleSleep {
			sleepFor = c.maxThrottleSleep
		}
		timer := time.NewTimer(sleepFor)
		defer timer.Stop()
		select {
		case <-timer.C:
			result.Allowed = true
			return result
		case <-ctx.Done():
			return result
		}

	case ruleengine.ActionQueue:
		q := c.queues[decisive.Rule.ID]
		if q == nil {
			return result
		}
		// Reuse the rule's own priority ranking so higher-priority rules'
		// deferred requests are also drained first.
		priority := decisive.Rule.Priority
		deadline := time.Now().Add(decisive.Rule.Action.QueueTimeout)
		if decisive.Rule.Action.QueueTimeout <= 0 {
			deadline = time.Now().Add(5 * time.Second)
		}
		mr := decisive
		admitted, _ := q.Submit(ctx, priority, deadline, func(ctx context.Context) (bool, error) {
			algoOpts := algorithms.Options{Burst: mr.Rule.Burst, RefillRate: mr.Rule.RefillRate, FailOpen: c.failOpen}
			res, err := algorithms.Check(ctx, c.st, mr.Rule.Algorithm, mr.Key, mr.Rule.Limit, mr.Rule.Window, mr.Cost, algoOpts, time.Now())
			return res.Allowed, err
		})
		if admitted {
			result.Allowed = true
		}
		return result

	default: // ActionReject and unknown types
		return result
	}
}
