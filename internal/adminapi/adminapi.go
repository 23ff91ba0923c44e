// Package adminapi exposes the runtime rule/tier/bypass mutation surface
// as chi HTTP routes under /admin/rate-limits. The AdminSecret guard from
// internal/middleware is applied by the caller: admin endpoints are never
// rate limited themselves and must sit behind an out-of-band
// authentication guard.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rajasatyajit/ratewall/internal/algorithms"
	rlerrors "github.com/rajasatyajit/ratewall/internal/errors"
	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
	"github.com/rajasatyajit/ratewall/internal/tiertable"
)

// Persister is the subset of configstore.Store the admin surface needs to
// make a mutation durable across restarts. Nil means rule/tier/bypass
// mutations apply in-memory only (single-node/no-database deployments).
type Persister interface {
	UpsertRule(ctx context.Context, r *ruleengine.Rule) error
	DeleteRule(ctx context.Context, id string) error
	AddBypass(ctx context.Context, kind, value string) error
	RemoveBypass(ctx context.Context, kind, value string) error
}

// Handler serves the /admin/rate-limits route group.
type Handler struct {
	engine    *ruleengine.Engine
	tiers     *tiertable.Table
	core      *limiter.Core
	persist   Persister
	startedAt time.Time
}

// New builds a Handler. persist may be nil (see Persister).
func New(engine *ruleengine.Engine, tiers *tiertable.Table, core *limiter.Core, persist Persister) *Handler {
	return &Handler{engine: engine, tiers: tiers, core: core, persist: persist, startedAt: time.Now()}
}

// RegisterRoutes mounts every /admin/rate-limits/* endpoint
// onto r. Callers are expected to have already wrapped r (or the parent
// route group) with an authentication guard such as
// internal/middleware.AdminSecret.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/rate-limits", func(r chi.Router) {
		r.Get("/rules", h.listRules)
		r.Post("/rules", h.createRule)
		r.Get("/rules/{id}", h.getRule)
		r.Put("/rules/{id}", h.updateRule)
		r.Delete("/rules/{id}", h.deleteRule)

		r.Get("/tiers", h.listTiers)

		r.Post("/bypass/ip", h.addBypassIP)
		r.Delete("/bypass/ip/{ip}", h.removeBypassIP)
		r.Post("/bypass/api-key", h.addBypassAPIKey)
		r.Delete("/bypass/api-key/{apiKey}", h.removeBypassAPIKey)

		r.Post("/reset", h.resetKey)
		r.Get("/stats", h.stats)
	})
}

// --- rules ---

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Snapshot()
	out := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toDTO(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.engine.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rule))
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var dto ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule, err := fromDTO(dto)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.Add(rule); err != nil {
		writeRuleEngineError(w, r, err)
		return
	}
	h.persistRule(r.Context(), rule)
	writeJSON(w, http.StatusCreated, toDTO(rule))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var dto ruleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	dto.ID = id
	rule, err := fromDTO(dto)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.Upsert(rule); err != nil {
		writeRuleEngineError(w, r, err)
		return
	}
	h.persistRule(r.Context(), rule)
	writeJSON(w, http.StatusOK, toDTO(rule))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Delete(id); err != nil {
		writeRuleEngineError(w, r, err)
		return
	}
	if h.persist != nil {
		if err := h.persist.DeleteRule(r.Context(), id); err != nil {
			logger.Error("admin: persist rule delete failed", "error", err, "rule_id", id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) persistRule(ctx context.Context, rule *ruleengine.Rule) {
	if h.persist == nil {
		return
	}
	if err := h.persist.UpsertRule(ctx, rule); err != nil {
		logger.Error("admin: persist rule upsert failed", "error", err, "rule_id", rule.ID)
	}
}

func writeRuleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	if err == rlerrors.ErrRuleNotFound {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	var ve rlerrors.ValidationError
	if asValidationError(err, &ve) {
		writeError(w, r, http.StatusBadRequest, ve.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func asValidationError(err error, target *rlerrors.ValidationError) bool {
	ve, ok := err.(rlerrors.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// --- tiers ---

func (h *Handler) listTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tiers.List())
}

// --- bypass ---

type bypassValueRequest struct {
	IP     string `json:"ip,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

func (h *Handler) addBypassIP(w http.ResponseWriter, r *http.Request) {
	var req bypassValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, r, http.StatusBadRequest, "ip is required")
		return
	}
	h.mutateBypass(r.Context(), func(b *limiter.BypassSet) { b.IPs[req.IP] = struct{}{} })
	h.persistBypass(r.Context(), "ip", req.IP, true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeBypassIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	h.mutateBypass(r.Context(), func(b *limiter.BypassSet) { delete(b.IPs, ip) })
	h.persistBypass(r.Context(), "ip", ip, false)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addBypassAPIKey(w http.ResponseWriter, r *http.Request) {
	var req bypassValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, "apiKey is required")
		return
	}
	h.mutateBypass(r.Context(), func(b *limiter.BypassSet) { b.APIKeys[req.APIKey] = struct{}{} })
	h.persistBypass(r.Context(), "api_key", req.APIKey, true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeBypassAPIKey(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	h.mutateBypass(r.Context(), func(b *limiter.BypassSet) { delete(b.APIKeys, apiKey) })
	h.persistBypass(r.Context(), "api_key", apiKey, false)
	w.WriteHeader(http.StatusNoContent)
}

// mutateBypass does a read-copy-swap against the core's bypass snapshot.
// Admin mutation is not the hot path, so the coarse copy is acceptable;
// concurrent admin writers may race and one's update may be lost (unlike
// the rule engine's Add/Update, which are serialized by its writer mutex).
func (h *Handler) mutateBypass(ctx context.Context, mutate func(*limiter.BypassSet)) {
	current := h.core.BypassSnapshot()
	next := limiter.BypassSet{
		IPs:     copySet(current.IPs),
		APIKeys: copySet(current.APIKeys),
	}
	mutate(&next)
	h.core.SetBypass(next)
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func (h *Handler) persistBypass(ctx context.Context, kind, value string, add bool) {
	if h.persist == nil {
		return
	}
	var err error
	if add {
		err = h.persist.AddBypass(ctx, kind, value)
	} else {
		err = h.persist.RemoveBypass(ctx, kind, value)
	}
	if err != nil {
		logger.Error("admin: persist bypass mutation failed", "error", err, "kind", kind, "value", value)
	}
}

// --- reset / stats ---

type resetRequest struct {
	Key string `json:"key"`
}

func (h *Handler) resetKey(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.core.Reset(r.Context(), req.Key); err != nil {
		writeError(w, r, http.StatusInternalServerError, "reset failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	RulesCount int       `json:"rulesCount"`
	TiersCount int       `json:"tiersCount"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		RulesCount: len(h.engine.Snapshot()),
		TiersCount: len(h.tiers.List()),
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startedAt).String(),
	})
}

// --- JSON wire DTOs (func-typed Rule fields such as Skip/CostFn/CustomKey
// cannot be expressed over the wire; rules relying on those are registered
// programmatically at boot, not through this surface, mirroring
// configstore's limitation) ---

type headerMatchDTO struct {
	Exact string `json:"exact,omitempty"`
	Regex string `json:"regex,omitempty"`
}

type matchDTO struct {
	Paths   []string                  `json:"paths,omitempty"`
	Methods []string                  `json:"methods,omitempty"`
	Headers map[string]headerMatchDTO `json:"headers,omitempty"`
	Roles   []string                  `json:"roles,omitempty"`
	Tiers   []string                  `json:"tiers,omitempty"`
	Tenants []string                  `json:"tenants,omitempty"`
}

type actionDTO struct {
	Type         ruleengine.ActionType `json:"type"`
	Status       int                   `json:"status,omitempty"`
	Message      string                `json:"message,omitempty"`
	QueueTimeout string                `json:"queueTimeout,omitempty"`
}

type ruleDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	Enabled         bool            `json:"enabled"`
	Priority        int             `json:"priority"`
	Scope           []string        `json:"scope"`
	Algorithm       algorithms.Type `json:"algorithm"`
	Limit           int64           `json:"limit"`
	Window          string          `json:"window"`
	Burst           int64           `json:"burst,omitempty"`
	RefillRate      float64         `json:"refillRate,omitempty"`
	Match           matchDTO        `json:"match"`
	Cost            int64           `json:"cost,omitempty"`
	Action          actionDTO       `json:"action"`
	BreakerName     string          `json:"breakerName,omitempty"`
	QuotaName       string          `json:"quotaName,omitempty"`
	OverageEligible bool            `json:"overageEligible,omitempty"`
	Chain           bool            `json:"chain,omitempty"`
}

func toDTO(r *ruleengine.Rule) ruleDTO {
	headers := make(map[string]headerMatchDTO, len(r.Match.Headers))
	for k, v := range r.Match.Headers {
		hd := headerMatchDTO{Exact: v.Exact}
		if v.Regex != nil {
			hd.Regex = v.Regex.String()
		}
		headers[k] = hd
	}
	return ruleDTO{
		ID: r.ID, Name: r.Name, Description: r.Description, Enabled: r.Enabled, Priority: r.Priority,
		Scope: r.Scope, Algorithm: r.Algorithm, Limit: r.Limit, Window: r.Window.String(),
		Burst: r.Burst, RefillRate: r.RefillRate,
		Match: matchDTO{
			Paths: r.Match.Paths, Methods: r.Match.Methods, Headers: headers,
			Roles: r.Match.Roles, Tiers: r.Match.Tiers, Tenants: r.Match.Tenants,
		},
		Cost: r.Cost,
		Action: actionDTO{
			Type: r.Action.Type, Status: r.Action.Status, Message: r.Action.Message,
			QueueTimeout: r.Action.QueueTimeout.String(),
		},
		BreakerName:     r.BreakerName,
		QuotaName:       r.QuotaName,
		OverageEligible: r.OverageEligible,
		Chain:           r.Chain,
	}
}

func fromDTO(dto ruleDTO) (*ruleengine.Rule, error) {
	window, err := time.ParseDuration(dto.Window)
	if err != nil {
		return nil, rlerrors.ValidationError{Field: "window", Message: "invalid duration: " + dto.Window}
	}
	var queueTimeout time.Duration
	if dto.Action.QueueTimeout != "" {
		queueTimeout, err = time.ParseDuration(dto.Action.QueueTimeout)
		if err != nil {
			return nil, rlerrors.ValidationError{Field: "action.queueTimeout", Message: "invalid duration: " + dto.Action.QueueTimeout}
		}
	}

	headers := make(map[string]ruleengine.HeaderMatch, len(dto.Match.Headers))
	for k, v := range dto.Match.Headers {
		hm := ruleengine.HeaderMatch{Exact: v.Exact}
		if v.Regex != "" {
			re, err := regexp.Compile(v.Regex)
			if err != nil {
				return nil, rlerrors.ValidationError{Field: "match.headers." + k, Message: "invalid regex: " + err.Error()}
			}
			hm.Regex = re
		}
		headers[k] = hm
	}

	return &ruleengine.Rule{
		ID: dto.ID, Name: dto.Name, Description: dto.Description, Enabled: dto.Enabled, Priority: dto.Priority,
		Scope: dto.Scope, Algorithm: dto.Algorithm, Limit: dto.Limit, Window: window,
		Burst: dto.Burst, RefillRate: dto.RefillRate,
		Match: ruleengine.Match{
			Paths: dto.Match.Paths, Methods: dto.Match.Methods, Headers: headers,
			Roles: dto.Match.Roles, Tiers: dto.Match.Tiers, Tenants: dto.Match.Tenants,
		},
		Cost: dto.Cost,
		Action: ruleengine.Action{
			Type: dto.Action.Type, Status: dto.Action.Status, Message: dto.Action.Message, QueueTimeout: queueTimeout,
		},
		BreakerName:     dto.BreakerName,
		QuotaName:       dto.QuotaName,
		OverageEligible: dto.OverageEligible,
		Chain:           dto.Chain,
	}, nil
}

// --- response helpers ---

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
