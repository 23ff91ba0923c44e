// Package sdk is a thin Go client for the /admin/rate-limits HTTP surface,
// for operators and internal tooling that want to manage rules, tiers, and
// bypass lists without hand-rolling HTTP calls.
package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a single ratewall instance's admin API.
type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

// New builds a Client. baseURL defaults to the local gateway if empty.
func New(baseURL, adminToken string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{BaseURL: baseURL, AdminToken: adminToken, HTTP: http.DefaultClient}
}

func (c *Client) headers(req *http.Request) {
	if c.AdminToken != "" {
		req.Header.Set("X-Admin-Secret", c.AdminToken)
	}
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.headers(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("ratewall admin api: %s: %s", resp.Status, apiErr.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Rule mirrors the rule wire shape the admin API accepts and returns. Rule
// fields backed by Go closures on the server (Skip/CostFn/CustomKey) have no
// representation here; rules relying on those are configured at boot only.
type Rule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name,omitempty"`
	Description     string     `json:"description,omitempty"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
	Scope           []string   `json:"scope"`
	Algorithm       string     `json:"algorithm"`
	Limit           int64      `json:"limit"`
	Window          string     `json:"window"`
	Burst           int64      `json:"burst,omitempty"`
	RefillRate      float64    `json:"refillRate,omitempty"`
	Match           RuleMatch  `json:"match"`
	Cost            int64      `json:"cost,omitempty"`
	Action          RuleAction `json:"action"`
	BreakerName     string     `json:"breakerName,omitempty"`
	QuotaName       string     `json:"quotaName,omitempty"`
	OverageEligible bool       `json:"overageEligible,omitempty"`
	Chain           bool       `json:"chain,omitempty"`
}

// RuleMatch mirrors ruleengine.Match's wire shape.
type RuleMatch struct {
	Paths   []string `json:"paths,omitempty"`
	Methods []string `json:"methods,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Tiers   []string `json:"tiers,omitempty"`
	Tenants []string `json:"tenants,omitempty"`
}

// RuleAction mirrors ruleengine.Action's wire shape.
type RuleAction struct {
	Type         string `json:"type"`
	Status       int    `json:"status,omitempty"`
	Message      string `json:"message,omitempty"`
	QueueTimeout string `json:"queueTimeout,omitempty"`
}

// Tier mirrors a tiertable.Tier.
type Tier struct {
	Name               string  `json:"name"`
	RequestsPerSecond  float64 `json:"requestsPerSecond"`
	RequestsPerDay     int64   `json:"requestsPerDay"`
	BurstLimit         int64   `json:"burstLimit"`
	ConcurrentRequests int64   `json:"concurrentRequests"`
	Priority           int     `json:"priority"`
}

// Stats mirrors adminapi's /stats response.
type Stats struct {
	RulesCount int       `json:"rulesCount"`
	TiersCount int       `json:"tiersCount"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
}

// ListRules returns every registered rule.
func (c *Client) ListRules() ([]Rule, error) {
	var out []Rule
	if err := c.do(http.MethodGet, "/admin/rate-limits/rules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRule fetches a single rule by id.
func (c *Client) GetRule(id string) (Rule, error) {
	var out Rule
	err := c.do(http.MethodGet, "/admin/rate-limits/rules/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CreateRule registers a new rule.
func (c *Client) CreateRule(r Rule) (Rule, error) {
	var out Rule
	err := c.do(http.MethodPost, "/admin/rate-limits/rules", r, &out)
	return out, err
}

// UpdateRule replaces an existing rule's definition.
func (c *Client) UpdateRule(id string, r Rule) (Rule, error) {
	var out Rule
	err := c.do(http.MethodPut, "/admin/rate-limits/rules/"+url.PathEscape(id), r, &out)
	return out, err
}

// DeleteRule removes a rule by id.
func (c *Client) DeleteRule(id string) error {
	return c.do(http.MethodDelete, "/admin/rate-limits/rules/"+url.PathEscape(id), nil, nil)
}

// ListTiers returns every configured tier.
func (c *Client) ListTiers() ([]Tier, error) {
	var out []Tier
	if err := c.do(http.MethodGet, "/admin/rate-limits/tiers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddBypassIP exempts ip from every rate limit check.
func (c *Client) AddBypassIP(ip string) error {
	return c.do(http.MethodPost, "/admin/rate-limits/bypass/ip", map[string]string{"ip": ip}, nil)
}

// RemoveBypassIP removes a previously added IP bypass.
func (c *Client) RemoveBypassIP(ip string) error {
	return c.do(http.MethodDelete, "/admin/rate-limits/bypass/ip/"+url.PathEscape(ip), nil, nil)
}

// AddBypassAPIKey exempts apiKey from every rate limit check.
func (c *Client) AddBypassAPIKey(apiKey string) error {
	return c.do(http.MethodPost, "/admin/rate-limits/bypass/api-key", map[string]string{"apiKey": apiKey}, nil)
}

// RemoveBypassAPIKey removes a previously added API key bypass.
func (c *Client) RemoveBypassAPIKey(apiKey string) error {
	return c.do(http.MethodDelete, "/admin/rate-limits/bypass/api-key/"+url.PathEscape(apiKey), nil, nil)
}

// ResetKey clears every counter tracked under key (the scope-derived key a
// rule produces, e.g. "rule=checkout-burst:scope=203.0.113.4").
func (c *Client) ResetKey(key string) error {
	return c.do(http.MethodPost, "/admin/rate-limits/reset", map[string]string{"key": key}, nil)
}

// Stats returns the gateway's current rule/tier counts and uptime.
func (c *Client) Stats() (Stats, error) {
	var out Stats
	err := c.do(http.MethodGet, "/admin/rate-limits/stats", nil, &out)
	return out, err
}
