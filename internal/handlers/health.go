package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/heartbeat"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerStatusSource lists live workers.
type WorkerStatusSource interface {
	Workers(ctx context.Context) ([]heartbeat.Status, error)
}

// Health responds with 200 while the database answers, and 503 otherwise.
// Either dependency may be nil.
func Health(db Pinger, workers WorkerStatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				log.Printf("Health: database ping failed: %v", err)
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				payload["database"] = "ok"
			}
		}

		if workers != nil {
			list, err := workers.Workers(ctx)
			if err != nil {
				log.Printf("Health: failed to read worker heartbeats: %v", err)
				payload["workers_error"] = "unavailable"
			} else {
				if list == nil {
					list = []heartbeat.Status{}
				}
				payload["workers"] = list
			}
		}

		writeJSON(w, status, payload)
	}
}
