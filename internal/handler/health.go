package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"qrorder-auth/internal/util"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker is implemented by every client the service depends on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// healthHandler probes all dependencies in parallel. Any failure turns the
// response into 503.
func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			results = make(map[string]string, len(checks))
			healthy = true
		)
		g, gctx := errgroup.WithContext(ctx)
		for name, checker := range checks {
			g.Go(func() error {
				status := "ok"
				if err := checker.HealthCheck(gctx); err != nil {
					util.Warn("Health check failed", util.String("dependency", name), util.ErrorField(err))
					status = err.Error()
				}
				mu.Lock()
				results[name] = status
				if status != "ok" {
					healthy = false
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := healthResponse{Status: "healthy", Service: "qrorder-auth", Checks: results}
		code := http.StatusOK
		if !healthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		respondWithJSON(w, code, resp)
	}
}
