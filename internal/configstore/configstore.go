// Package configstore persists rate-limit rules, tiers, and bypass
// entries to Postgres and hydrates the in-process ruleengine.Engine,
// tiertable.Table, and limiter.BypassSet from it at boot.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajasatyajit/ratewall/config"
	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/metrics"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

// Store is the Postgres-backed persistence layer for admin-mutated
// configuration.
type Store struct {
	pool *pgxpool.Pool
}

// New dials cfg.URL and verifies connectivity before returning.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("configstore: DATABASE_URL not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		logger.Debug("configstore connection established")
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the rate_limit_rules/rate_limit_tiers/rate_limit_bypass
// tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rate_limit_rules (
    id          TEXT PRIMARY KEY,
    name        TEXT,
    description TEXT,
    enabled     BOOLEAN NOT NULL DEFAULT true,
    priority    INTEGER NOT NULL,
    definition  JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limit_tiers (
    name        TEXT PRIMARY KEY,
    definition  JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limit_bypass (
    kind  TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (kind, value)
);`
	return s.exec(ctx, ddl)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, sql, args...)
	status := "success"
	if err != nil {
		status = "error"
		logger.Error("configstore exec failed", "error", err, "sql", sql)
	}
	metrics.RecordDBQuery("exec", status)
	logger.Debug("configstore exec", "sql", sql, "duration_ms", time.Since(start).Milliseconds())
	return err
}

// ruleDefinition is the JSON-serializable subset of ruleengine.Rule stored
// in rate_limit_rules.definition. Func-typed fields (Skip, CostFn,
// CustomKey, Match.Custom) cannot be persisted; rules relying on those
// must be registered programmatically at boot instead of via the admin
// API.
type ruleDefinition struct {
	Scope           []string           `json:"scope"`
	Algorithm       algorithms.Type    `json:"algorithm"`
	Limit           int64              `json:"limit"`
	Window          time.Duration      `json:"window"`
	Burst           int64              `json:"burst"`
	RefillRate      float64            `json:"refill_rate"`
	Match           matchDefinition    `json:"match"`
	Cost            int64              `json:"cost"`
	Action          actionDefinition   `json:"action"`
	BreakerName     string             `json:"breaker_name,omitempty"`
	QuotaName       string             `json:"quota_name,omitempty"`
	OverageEligible bool               `json:"overage_eligible,omitempty"`
	Chain           bool               `json:"chain,omitempty"`
}

type headerMatchDefinition struct {
	Exact string `json:"exact,omitempty"`
	Regex string `json:"regex,omitempty"`
}

type matchDefinition struct {
	Paths   []string                         `json:"paths,omitempty"`
	Methods []string                         `json:"methods,omitempty"`
	Headers map[string]headerMatchDefinition `json:"headers,omitempty"`
	Roles   []string                         `json:"roles,omitempty"`
	Tiers   []string                         `json:"tiers,omitempty"`
	Tenants []string                         `json:"tenants,omitempty"`
}

type actionDefinition struct {
	Type         ruleengine.ActionType `json:"type"`
	Status       int                   `json:"status,omitempty"`
	Message      string                `json:"message,omitempty"`
	QueueTimeout time.Duration         `json:"queue_timeout,omitempty"`
}

func toRuleDefinition(r *ruleengine.Rule) ruleDefinition {
	headers := make(map[string]headerMatchDefinition, len(r.Match.Headers))
	for k, v := range r.Match.Headers {
		hd := headerMatchDefinition{Exact: v.Exact}
		if v.Regex != nil {
			hd.Regex = v.Regex.String()
		}
		headers[k] = hd
	}
	return ruleDefinition{
		Scope:      r.Scope,
		Algorithm:  r.Algorithm,
		Limit:      r.Limit,
		Window:     r.Window,
		Burst:      r.Burst,
		RefillRate: r.RefillRate,
		Match: matchDefinition{
			Paths: r.Match.Paths, Methods: r.Match.Methods, Headers: headers,
			Roles: r.Match.Roles, Tiers: r.Match.Tiers, Tenants: r.Match.Tenants,
		},
		Cost:            r.Cost,
		Action:          actionDefinition{Type: r.Action.Type, Status: r.Action.Status, Message: r.Action.Message, QueueTimeout: r.Action.QueueTimeout},
		BreakerName:     r.BreakerName,
		QuotaName:       r.QuotaName,
		OverageEligible: r.OverageEligible,
		Chain:           r.Chain,
	}
}

func fromRow(id, name, description string, enabled bool, priority int, raw []byte) (*ruleengine.Rule, error) {
	var def ruleDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("unmarshal rule definition %s: %w", id, err)
	}
	headers := make(map[string]ruleengine.HeaderMatch, len(def.Match.Headers))
	for k, v := range def.Match.Headers {
		hm := ruleengine.HeaderMatch{Exact: v.Exact}
		if v.Regex != "" {
			re, err := regexp.Compile(v.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile header regex for rule %s: %w", id, err)
			}
			hm.Regex = re
		}
		headers[k] = hm
	}
	return &ruleengine.Rule{
		ID: id, Name: name, Description: description, Enabled: enabled, Priority: priority,
		Scope: def.Scope, Algorithm: def.Algorithm, Limit: def.Limit, Window: def.Window,
		Burst: def.Burst, RefillRate: def.RefillRate,
		Match: ruleengine.Match{
			Paths: def.Match.Paths, Methods: def.Match.Methods, Headers: headers,
			Roles: def.Match.Roles, Tiers: def.Match.Tiers, Tenants: def.Match.Tenants,
		},
		Cost:            def.Cost,
		Action:          ruleengine.Action{Type: def.Action.Type, Status: def.Action.Status, Message: def.Action.Message, QueueTimeout: def.Action.QueueTimeout},
		BreakerName:     def.BreakerName,
		QuotaName:       def.QuotaName,
		OverageEligible: def.OverageEligible,
		Chain:           def.Chain,
	}, nil
}

// LoadRules returns every persisted rule.
func (s *Store) LoadRules(ctx context.Context) ([]*ruleengine.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, enabled, priority, definition FROM rate_limit_rules`)
	if err != nil {
		metrics.RecordDBQuery("query", "error")
		return nil, err
	}
	defer rows.Close()

	var out []*ruleengine.Rule
	for rows.Next() {
		var id, name, description string
		var enabled bool
		var priority int
		var raw []byte
		if err := rows.Scan(&id, &name, &description, &enabled, &priority, &raw); err != nil {
			return nil, err
		}
		rule, err := fromRow(id, name, description, enabled, priority, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	metrics.RecordDBQuery("query", "success")
	return out, rows.Err()
}

// UpsertRule persists r, creating or replacing the row with the same id.
func (s *Store) UpsertRule(ctx context.Context, r *ruleengine.Rule) error {
	raw, err := json.Marshal(toRuleDefinition(r))
	if err != nil {
		return fmt.Errorf("marshal rule definition: %w", err)
	}
	return s.exec(ctx, `
INSERT INTO rate_limit_rules (id, name, description, enabled, priority, definition, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name, description = excluded.description, enabled = excluded.enabled,
    priority = excluded.priority, definition = excluded.definition, updated_at = now()`,
		r.ID, r.Name, r.Description, r.Enabled, r.Priority, raw)
}

// DeleteRule removes the persisted rule with the given id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM rate_limit_rules WHERE id = $1`, id)
}

type tierDefinition struct {
	RequestsPerSecond  int64    `json:"requests_per_second,omitempty"`
	RequestsPerMinute  int64    `json:"requests_per_minute,omitempty"`
	RequestsPerHour    int64    `json:"requests_per_hour,omitempty"`
	RequestsPerDay     int64    `json:"requests_per_day,omitempty"`
	BurstLimit         int64    `json:"burst_limit,omitempty"`
	ConcurrentRequests int64    `json:"concurrent_requests,omitempty"`
	DailyQuotaCap      int64    `json:"daily_quota_cap,omitempty"`
	MonthlyQuotaCap    int64    `json:"monthly_quota_cap,omitempty"`
	Features           []string `json:"features,omitempty"`
	Priority           int      `json:"priority,omitempty"`
}

func toTierDefinition(t *tiertable.Tier) tierDefinition {
	return tierDefinition{
		RequestsPerSecond: t.RequestsPerSecond, RequestsPerMinute: t.RequestsPerMinute,
		RequestsPerHour: t.RequestsPerHour, RequestsPerDay: t.RequestsPerDay,
		BurstLimit: t.BurstLimit, ConcurrentRequests: t.ConcurrentRequests,
		DailyQuotaCap: t.DailyQuotaCap, MonthlyQuotaCap: t.MonthlyQuotaCap,
		Features: t.Features, Priority: t.Priority,
	}
}

// LoadTiers returns every persisted tier.
func (s *Store) LoadTiers(ctx context.Context) ([]*tiertable.Tier, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT name, definition FROM rate_limit_tiers`)
	if err != nil {
		metrics.RecordDBQuery("query", "error")
		return nil, err
	}
	defer rows.Close()

	var out []*tiertable.Tier
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var def tierDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("unmarshal tier definition %s: %w", name, err)
		}
		out = append(out, &tiertable.Tier{
			Name: name, RequestsPerSecond: def.RequestsPerSecond, RequestsPerMinute: def.RequestsPerMinute,
			RequestsPerHour: def.RequestsPerHour, RequestsPerDay: def.RequestsPerDay,
			BurstLimit: def.BurstLimit, ConcurrentRequests: def.ConcurrentRequests,
			DailyQuotaCap: def.DailyQuotaCap, MonthlyQuotaCap: def.MonthlyQuotaCap,
			Features: def.Features, Priority: def.Priority,
		})
	}
	metrics.RecordDBQuery("query", "success")
	return out, rows.Err()
}

// UpsertTier persists t.
func (s *Store) UpsertTier(ctx context.Context, t *tiertable.Tier) error {
	raw, err := json.Marshal(toTierDefinition(t))
	if err != nil {
		return fmt.Errorf("marshal tier definition: %w", err)
	}
	return s.exec(ctx, `
INSERT INTO rate_limit_tiers (name, definition, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, updated_at = now()`,
		t.Name, raw)
}

// DeleteTier removes the persisted tier with the given name.
func (s *Store) DeleteTier(ctx context.Context, name string) error {
	return s.exec(ctx, `DELETE FROM rate_limit_tiers WHERE name = $1`, name)
}

// LoadBypass returns the persisted bypass IP/API-key sets.
func (s *Store) LoadBypass(ctx context.Context) (limiter.BypassSet, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT kind, value FROM rate_limit_bypass`)
	if err != nil {
		metrics.RecordDBQuery("query", "error")
		return limiter.BypassSet{}, err
	}
	defer rows.Close()

	bypass := limiter.BypassSet{IPs: map[string]struct{}{}, APIKeys: map[string]struct{}{}}
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return limiter.BypassSet{}, err
		}
		switch kind {
		case "ip":
			bypass.IPs[value] = struct{}{}
		case "api_key":
			bypass.APIKeys[value] = struct{}{}
		}
	}
	metrics.RecordDBQuery("query", "success")
	return bypass, rows.Err()
}

// AddBypass persists a bypass entry of the given kind ("ip" or "api_key").
func (s *Store) AddBypass(ctx context.Context, kind, value string) error {
	return s.exec(ctx, `INSERT INTO rate_limit_bypass (kind, value) VALUES ($1, $2) ON CONFLICT DO NOTHING`, kind, value)
}

// RemoveBypass deletes a bypass entry.
func (s *Store) RemoveBypass(ctx context.Context, kind, value string) error {
	return s.exec(ctx, `DELETE FROM rate_limit_bypass WHERE kind = $1 AND value = $2`, kind, value)
}
