package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rajasatyajit/ratewall/config"
	"github.com/rajasatyajit/ratewall/internal/adminapi"
	"github.com/rajasatyajit/ratewall/internal/algorithms"
	"github.com/rajasatyajit/ratewall/internal/billing"
	"github.com/rajasatyajit/ratewall/internal/breaker"
	"github.com/rajasatyajit/ratewall/internal/configstore"
	"github.com/rajasatyajit/ratewall/internal/gatewaymw"
	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/metrics"
	middlewares "github.com/rajasatyajit/ratewall/internal/middleware"
	"github.com/rajasatyajit/ratewall/internal/queue"
	"github.com/rajasatyajit/ratewall/internal/quota"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/store"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if cfg.Logging.Debug {
		logLevel = "debug"
	}
	logger.Init(logLevel, cfg.Logging.Format)
	logger.Info("Starting ratewall gateway engine",
		"version", Version, "build_time", BuildTime, "git_commit", GitCommit)

	if cfg.Metrics.Enabled {
		metrics.Init()
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStore(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to initialize store", "error", err)
	}
	defer st.Close()

	cfgStore, rules, tiers, bypass := loadConfiguration(ctx, cfg, st)
	if cfgStore != nil {
		defer cfgStore.Close()
	}
	for _, tier := range tiers {
		rules = append(rules, tiertable.DeriveRules(tier)...)
	}

	engine, err := ruleengine.New(rules)
	if err != nil {
		logger.Fatal("Failed to initialize rule engine", "error", err)
	}
	tierTable := tiertable.New(tiers)

	breakerMgr := breaker.NewManager(st, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	})

	overage := buildOverageReporter(cfg.Billing)
	quotaMgr := quota.NewManager(st, buildQuotaConfigs(cfg.Quota), overage)

	queues, queueList := buildQueues(engine, st, cfg.Queue)
	queueGroup := queue.StartGroup(ctx, queueList)

	core := limiter.New(limiter.Config{
		Store:            st,
		Engine:           engine,
		Breakers:         breakerMgr,
		Quotas:           quotaMgr,
		Queues:           queues,
		FailOpen:         cfg.Limiter.FailOpenOnStoreError,
		MaxThrottleSleep: cfg.Limiter.MaxThrottleSleep,
		Bypass: limiter.BypassSet{
			IPs:     toSet(append(cfg.Limiter.BypassIPs, setKeys(bypass.IPs)...)),
			APIKeys: toSet(append(cfg.Limiter.BypassAPIKeys, setKeys(bypass.APIKeys)...)),
		},
		Tiers: tierTable,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.Logging)
	r.Use(middlewares.Metrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.ReadTimeout))
	r.Use(middlewares.Security)

	r.Get("/health", healthHandler)
	r.Get("/health/ready", readinessHandler(st))

	// Downstream request dispatch (the actual proxying to upstream
	// microservices) is left to the deployment; gatewaymw.RateLimit is
	// the integration point a real fronting
	// proxy mounts ahead of its own handler. admittedHandler stands in for
	// that proxy here.
	r.Group(func(r chi.Router) {
		r.Use(gatewaymw.RateLimit(core, gatewaymw.DefaultIdentityResolver))
		r.Handle("/*", http.HandlerFunc(admittedHandler))
	})

	r.Group(func(r chi.Router) {
		r.Use(middlewares.AdminSecret(cfg.Admin.AdminSecret))
		// cfgStore is passed through an explicit interface variable rather
		// than the raw *configstore.Store pointer: assigning a nil pointer
		// directly to the Persister parameter would produce a non-nil
		// interface wrapping a nil receiver, and adminapi's nil check
		// would never trip.
		var persist adminapi.Persister
		if cfgStore != nil {
			persist = cfgStore
		}
		adminapi.New(engine, tierTable, core, persist).RegisterRoutes(r)
	})

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", "error", err)
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := queueGroup.Shutdown(shutdownCtx); err != nil {
		logger.Error("priority queue drainers did not stop cleanly", "error", err)
	}
	logger.Info("Server exited")
}

func newStore(cfg config.RedisConfig) (store.Store, error) {
	if cfg.URL == "" || cfg.URL == "memory" {
		logger.Info("using in-process store (single node)")
		return store.NewMemoryStore(), nil
	}
	logger.Info("using redis store (multi-node)", "addr", cfg.URL)
	return store.NewRedisStore(cfg.URL)
}

// loadConfiguration hydrates rules/tiers/bypass from Postgres when
// DATABASE_URL is configured;
// otherwise it falls back to a minimal built-in rule set so the gateway is
// usable out of the box in single-node/no-database deployments.
func loadConfiguration(ctx context.Context, cfg *config.Config, st store.Store) (*configstore.Store, []*ruleengine.Rule, []*tiertable.Tier, limiter.BypassSet) {
	emptyBypass := limiter.BypassSet{IPs: map[string]struct{}{}, APIKeys: map[string]struct{}{}}

	if cfg.Database.URL == "" {
		logger.Info("DATABASE_URL not set; using built-in default rules/tiers")
		return nil, defaultRules(), defaultTiers(), emptyBypass
	}

	cfgStore, err := configstore.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("configstore unavailable, falling back to built-in defaults", "error", err)
		return nil, defaultRules(), defaultTiers(), emptyBypass
	}
	if err := cfgStore.Migrate(ctx); err != nil {
		logger.Fatal("configstore migration failed", "error", err)
	}

	rules, err := cfgStore.LoadRules(ctx)
	if err != nil {
		logger.Fatal("failed to load rules from configstore", "error", err)
	}
	tiers, err := cfgStore.LoadTiers(ctx)
	if err != nil {
		logger.Fatal("failed to load tiers from configstore", "error", err)
	}
	bypass, err := cfgStore.LoadBypass(ctx)
	if err != nil {
		logger.Fatal("failed to load bypass sets from configstore", "error", err)
	}

	if len(rules) == 0 && len(tiers) == 0 {
		logger.Info("configstore empty; seeding built-in default rules/tiers")
		rules, tiers = defaultRules(), defaultTiers()
		for _, rule := range rules {
			if err := cfgStore.UpsertRule(ctx, rule); err != nil {
				logger.Error("failed to seed default rule", "error", err, "rule_id", rule.ID)
			}
		}
		for _, tier := range tiers {
			if err := cfgStore.UpsertTier(ctx, tier); err != nil {
				logger.Error("failed to seed default tier", "error", err, "tier", tier.Name)
			}
		}
	}

	return cfgStore, rules, tiers, bypass
}

// defaultRules is the minimal fallback policy: a global per-IP fixed
// window so an unconfigured deployment still enforces something sane.
func defaultRules() []*ruleengine.Rule {
	return []*ruleengine.Rule{
		{
			ID:        "default-global-ip",
			Name:      "default per-IP limit",
			Enabled:   true,
			Priority:  1,
			Scope:     []string{"ip"},
			Algorithm: algorithms.FixedWindow,
			Limit:     100,
			Window:    time.Minute,
			Match:     ruleengine.Match{},
			Action:    ruleengine.Action{Type: ruleengine.ActionReject, Status: 429},
		},
	}
}

func defaultTiers() []*tiertable.Tier {
	return []*tiertable.Tier{
		{Name: "free", RequestsPerSecond: 2, RequestsPerDay: 1000, BurstLimit: 5, ConcurrentRequests: 2, Priority: 10},
		{Name: "pro", RequestsPerSecond: 20, RequestsPerDay: 100000, BurstLimit: 50, ConcurrentRequests: 20, Priority: 20},
	}
}

func buildQuotaConfigs(cfg config.QuotaConfig) map[string]quota.Config {
	out := make(map[string]quota.Config, len(cfg.Defaults))
	for name, d := range cfg.Defaults {
		out[name] = quota.Config{
			Daily:   quota.PeriodConfig{Enabled: d.Daily > 0, Limit: int64(d.Daily)},
			Monthly: quota.PeriodConfig{Enabled: d.Monthly > 0, Limit: int64(d.Monthly)},
		}
	}
	return out
}

// buildOverageReporter wires internal/billing's Stripe-backed reporter
// when a secret key is configured; deployments without billing enabled
// simply deny past-cap requests instead of metering overage.
func buildOverageReporter(cfg config.BillingConfig) quota.OverageReporter {
	if cfg.StripeSecretKey == "" {
		return nil
	}
	// Subscription-item resolution is account-system-specific and out of
	// this engine's scope; deployments wire their own lookup
	// by replacing StaticLookup with one backed by their account store.
	return billing.NewStripeReporter(cfg, billing.StaticLookup(nil))
}

// buildQueues constructs one queue.Queue per rule whose action is
// "queue", keyed by rule id for limiter.Core's Queues map. Only
// boot-time rules get a queue; rules added later via the admin surface
// with action=queue currently have no queue wired; queue lifetimes are
// tied to process startup.
func buildQueues(engine *ruleengine.Engine, st store.Store, cfg config.QueueConfig) (map[string]*queue.Queue, []*queue.Queue) {
	queues := make(map[string]*queue.Queue)
	var list []*queue.Queue
	for _, rule := range engine.Snapshot() {
		if rule.Action.Type != ruleengine.ActionQueue {
			continue
		}
		q := queue.New(rule.ID, st, cfg.MaxSize, cfg.ProcessInterval)
		queues[rule.ID] = q
		list = append(list, q)
	}
	return queues, list
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func admittedHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
}

func readinessHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		_, _, err := st.IncrementWithExpiry(ctx, "healthcheck:ready", 0, time.Second)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","error":%q}`, err.Error())
			return
		}
		fmt.Fprint(w, `{"status":"ready"}`)
	}
}

func startMetricsServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting metrics server", "address", addr, "path", path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server failed", "error", err)
	}
}
