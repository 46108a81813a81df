package jobcoord

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthCheck probes one dependency and returns extra fields to merge into
// the health payload. A non-nil error marks the service unhealthy.
type HealthCheck func(ctx context.Context) (map[string]any, error)

// HealthHandler reports service liveness. Each registered check runs on every
// request; the response is 200 with status "ok" when all pass, 503 with
// status "unhealthy" plus an errors list otherwise.
func HealthHandler(service string, checks ...HealthCheck) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":    "ok",
			"service":   service,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(started).Round(time.Second).String(),
		}
		var errs []string
		for _, check := range checks {
			extra, err := check(r.Context())
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			for k, v := range extra {
				body[k] = v
			}
		}
		code := http.StatusOK
		if len(errs) > 0 {
			body["status"] = "unhealthy"
			body["errors"] = errs
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// MountHealth registers the health endpoint at /health on the given router.
func MountHealth(r chi.Router, service string, checks ...HealthCheck) {
	r.Get("/health", HealthHandler(service, checks...))
}

// RedisCheck returns a HealthCheck that pings the main Redis connection and
// reports the queue depth summary for the given queues.
func RedisCheck(conns *Connections, queues *Queues, names ...string) HealthCheck {
	return func(ctx context.Context) (map[string]any, error) {
		if err := conns.Ping(ctx); err != nil {
			return nil, err
		}
		if queues == nil || len(names) == 0 {
			return map[string]any{"redis": "ok"}, nil
		}
		depths := make(map[string]any, len(names))
		for _, name := range names {
			stats, err := queues.Stats(ctx, name)
			if err != nil {
				continue
			}
			depths[name] = map[string]int64{
				"waiting": stats.Waiting,
				"active":  stats.Active,
				"delayed": stats.Delayed,
			}
		}
		return map[string]any{"redis": "ok", "queues": depths}, nil
	}
}
