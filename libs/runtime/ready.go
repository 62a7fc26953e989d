package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the result of a single readiness probe.
type Health struct {
	Name        string         `json:"name"`
	Status      HealthStatus   `json:"status"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Probe is a named dependency check for /readyz.
type Probe struct {
	Name  string
	Check func(context.Context) Health
}

// ErrorProbe adapts a plain error-returning check (db ping, redis ping) to a Probe.
func ErrorProbe(name string, check func(context.Context) error) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) Health {
			if err := check(ctx); err != nil {
				return Health{Status: Unhealthy, Description: err.Error()}
			}
			return Health{Status: Healthy}
		},
	}
}

const probeTimeout = 2 * time.Second

// RunProbes evaluates every probe with its own timeout.
func RunProbes(ctx context.Context, probes ...Probe) []Health {
	results := make([]Health, 0, len(probes))
	for _, p := range probes {
		if p.Check == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		h := p.Check(pctx)
		cancel()
		if h.Name == "" {
			h.Name = p.Name
		}
		if h.Name == "" {
			h.Name = "dependency"
		}
		if h.Status == "" {
			h.Status = Unhealthy
		}
		results = append(results, h)
	}
	return results
}

// Overall folds probe results: any unhealthy wins, then any degraded.
func Overall(results []Health) HealthStatus {
	status := Healthy
	for _, r := range results {
		switch r.Status {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			status = Degraded
		}
	}
	return status
}

type readyResponse struct {
	Status HealthStatus `json:"status"`
	Checks []Health     `json:"checks"`
}

func NewBaseMuxWithReady(probes ...Probe) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		results := RunProbes(r.Context(), probes...)
		resp := readyResponse{Status: Overall(results), Checks: results}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
