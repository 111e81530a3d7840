package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the liveness body.
type HealthResponse struct {
	Service       string `json:"service"`
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Readiness statuses. A failing document store makes the service not ready;
// a failing optional dependency only degrades it, since approvals still
// commit without idempotent replay or mail delivery.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores and queues that can probe their
// backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the dependencies probed by /ready. Store is
// required; the others are probed only when set.
type ReadinessChecks struct {
	Store            HealthChecker
	IdempotencyStore HealthChecker
	NotifyQueue      HealthChecker
}

type probe struct {
	name     string
	checker  HealthChecker
	required bool
}

func (c ReadinessChecks) probes() []probe {
	ps := []probe{{name: "store", checker: c.Store, required: true}}
	if c.IdempotencyStore != nil {
		ps = append(ps, probe{name: "idempotency_store", checker: c.IdempotencyStore})
	}
	if c.NotifyQueue != nil {
		ps = append(ps, probe{name: "notify_queue", checker: c.NotifyQueue})
	}
	return ps
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Service:       ServiceName,
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady probes every configured dependency concurrently.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = map[string]CheckResult{}
			g       errgroup.Group
		)
		for _, p := range checks.probes() {
			g.Go(func() error {
				res := runProbe(r.Context(), p)
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == "ok" {
				continue
			}
			if res.Required {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runProbe(parent context.Context, p probe) CheckResult {
	res := CheckResult{Status: "ok", Required: p.required}
	if p.checker == nil {
		res.Status, res.Error = "error", "not configured"
		return res
	}

	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()
	start := time.Now()
	err := p.checker.HealthCheck(ctx)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
