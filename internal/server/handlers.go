package server

import (
	"encoding/json"
	"net/http"

	"github.com/evhome/zapbridge/internal/zaptec"
)

// Snapshotter exports the cached device state.
type Snapshotter interface {
	Snapshot() []zaptec.DeviceSnapshot
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// DiagnosticsHandler serves the full cached device state as JSON.
func DiagnosticsHandler(source Snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(source.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
