package health

import (
	"encoding/json"
	"net/http"
)

// Probe paths.
const (
	LivePath    = "/healthz"
	ReadyPath   = "/readyz"
	VersionPath = "/version"
)

// Mount registers the probe handlers on mux. version is served as JSON
// at VersionPath.
func Mount(mux *http.ServeMux, c *Checker, version any) {
	mux.HandleFunc("GET "+LivePath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Live())
	})
	mux.HandleFunc("GET "+ReadyPath, func(w http.ResponseWriter, r *http.Request) {
		report := c.Ready(r.Context())
		code := http.StatusOK
		if !report.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
	mux.HandleFunc("GET "+VersionPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
