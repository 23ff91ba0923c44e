// Package gatewaymw wraps internal/limiter.Core as HTTP middleware for a
// fronting gateway: pull identity off the request, run the check, set the
// X-RateLimit-* (and, on denial, Retry-After) headers, and either call next or write the
// 429/503 JSON body.
package gatewaymw

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rajasatyajit/ratewall/internal/limiter"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/reqcontext"
	"github.com/rajasatyajit/ratewall/internal/ruleengine"
)

// Identity is the subset of reqcontext.Context the gateway's own
// authentication layer resolves per request; authentication itself is out
// of scope, so this middleware accepts
// a resolver instead of doing its own token verification.
type Identity struct {
	UserID   string
	TenantID string
	APIKey   string
	Tier     string
	Role     string
	Internal bool
}

// IdentityResolver extracts Identity from an inbound request. DefaultIdentityResolver
// is a header-based fallback usable when no upstream auth middleware has
// already populated the request context.
type IdentityResolver func(r *http.Request) Identity

// DefaultIdentityResolver reads the conventional X-User-Id/X-Tenant-Id/
// X-API-Key/X-Tier/X-Role headers populated by an upstream auth layer.
func DefaultIdentityResolver(r *http.Request) Identity {
	return Identity{
		UserID:   r.Header.Get("X-User-Id"),
		TenantID: r.Header.Get("X-Tenant-Id"),
		APIKey:   r.Header.Get("X-Api-Key"),
		Tier:     r.Header.Get("X-Tier"),
		Role:     r.Header.Get("X-Role"),
		Internal: r.Header.Get("X-Internal-Request") == "true",
	}
}

// RateLimit builds chi-compatible middleware that runs core.Consume for
// every request, sets the resulting headers, and either forwards the
// request or writes the denial body. resolve may be nil, in which case
// DefaultIdentityResolver is used.
func RateLimit(core *limiter.Core, resolve IdentityResolver) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = DefaultIdentityResolver
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := buildContext(r, resolve(r))

			result, err := core.Consume(r.Context(), rc)
			if err != nil {
				logger.Error("rate limit consume failed", "error", err, "path", rc.Path)
			}

			for k, v := range result.Headers() {
				w.Header().Set(k, v)
			}

			if result.Allowed {
				if result.ConcurrencyDone != nil {
					defer result.ConcurrencyDone()
				}
				if result.BreakerDone != nil {
					ww := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
					next.ServeHTTP(ww, r)
					result.BreakerDone(ww.status < 500)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			writeDenial(w, rc, result)
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func buildContext(r *http.Request, id Identity) *reqcontext.Context {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	now := time.Now()
	return &reqcontext.Context{
		IP:          clientIP(r),
		UserID:      id.UserID,
		TenantID:    id.TenantID,
		APIKey:      id.APIKey,
		Tier:        id.Tier,
		Role:        id.Role,
		Method:      r.Method,
		Path:        r.URL.Path,
		Headers:     headers,
		ArrivalMono: now,
		ArrivalWall: now.UTC(),
		Internal:    id.Internal,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// rejectBody is the JSON body written for a rate-limit or breaker
// rejection.
type rejectBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`
	Policy     string `json:"policy,omitempty"`
}

// quotaRejectBody is the narrower JSON body written for a quota denial.
type quotaRejectBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	QuotaName  string `json:"quotaName"`
	Remaining  int64  `json:"remaining"`
}

func writeDenial(w http.ResponseWriter, rc *reqcontext.Context, result limiter.Result) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case result.QuotaDenied:
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(quotaRejectBody{
			StatusCode: http.StatusTooManyRequests,
			Error:      "Quota Exceeded",
			QuotaName:  result.QuotaName,
			Remaining:  result.Remaining,
		})
		return

	case result.BreakerOpen:
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(rejectBody{
			StatusCode: http.StatusServiceUnavailable,
			Error:      "Service Unavailable",
			Message:    "circuit " + result.BreakerName + " is open",
			RetryAfter: ceilSeconds(result.RetryAfter),
		})
		return

	case result.ConcurrencyDenied:
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rejectBody{
			StatusCode: http.StatusTooManyRequests,
			Error:      "Too Many Requests",
			Message:    "tier " + result.TierName + " concurrent request limit exceeded",
			RetryAfter: ceilSeconds(result.RetryAfter),
		})
		return

	default:
		status := result.Status
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		message := "rate limit exceeded"
		if result.Action == ruleengine.ActionQueue {
			message = "queue deadline exceeded"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rejectBody{
			StatusCode: status,
			Error:      http.StatusText(status),
			Message:    message,
			RetryAfter: ceilSeconds(result.RetryAfter),
			Limit:      result.Limit,
			Remaining:  result.Remaining,
			Reset:      result.ResetUnixMs / 1000,
			Policy:     result.RuleID,
		})
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
