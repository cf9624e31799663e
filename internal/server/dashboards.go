package server

import (
	"bytes"
	"net/http"
	"time"
)

// DashboardsHandler serves dashboard JSON from an in-memory map. Dashboards
// are embedded, so the process start time doubles as Last-Modified.
func DashboardsHandler(dashboards map[string][]byte) http.Handler {
	loaded := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, ok := dashboards[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		http.ServeContent(w, r, r.URL.Path, loaded, bytes.NewReader(data))
	})
}
