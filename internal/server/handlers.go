package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/joshp123/gohome-fusionsolar/internal/core"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// DiagnosticsHandler serves /diagnostics/<plugin_id> for plugins that
// provide a support dump.
func DiagnosticsHandler(plugins []core.Plugin) http.Handler {
	providers := make(map[string]core.DiagnosticsProvider)
	for _, plugin := range plugins {
		if provider, ok := plugin.(core.DiagnosticsProvider); ok {
			providers[plugin.ID()] = provider
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/diagnostics/"), "/")
		provider, ok := providers[id]
		if !ok {
			http.NotFound(w, r)
			return
		}

		diag, err := provider.Diagnostics(r.Context())
		if err != nil {
			log.Ctx(r.Context()).Error("diagnostics failed", "plugin", id, "error", err)
			http.Error(w, "diagnostics failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			log.Ctx(r.Context()).Warn("diagnostics write failed", "plugin", id, "error", err)
		}
	})
}
