// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Readiness aggregates the given checks. Any failing probe turns the
// endpoint into a 503 naming what failed.
func Readiness(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready", Checks: make(map[string]string, len(checks))}
		ready := true
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				ready = false
				out.Checks[c.Name] = err.Error()
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		if !ready {
			out.Status = "not_ready"
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

// PartitionsReporter is the readiness surface of the invalidation
// consumer.
type PartitionsReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// ConsumerCheck adapts partition assignment into a readiness check.
func ConsumerCheck(name string, rr PartitionsReporter) Check {
	return Check{
		Name: name,
		Probe: func(context.Context) error {
			if ready, _ := rr.Readiness(); !ready {
				return errors.New("no partitions assigned")
			}
			return nil
		},
	}
}
