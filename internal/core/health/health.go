// Package health exposes liveness and readiness handlers.
package health

import (
	"context"
	"encoding/json"
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

// Pinger is the cache store's connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports ready once the store answers and the offline snapshot
// is loaded. snapshotLen comes from the dataset loaded at startup.
func Readiness(store Pinger, snapshotLen int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status          string `json:"status"`
			SnapshotRecords int    `json:"snapshot_records,omitempty"`
			Reason          string `json:"reason,omitempty"`
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready", SnapshotRecords: snapshotLen}
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			out = resp{Status: "not_ready", Reason: err.Error()}
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(out)
	}
}
