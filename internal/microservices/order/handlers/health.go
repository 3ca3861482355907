package handlers

import "net/http"

type HealthHandler struct {
	checks map[string]HealthCheck
}

// Healthz answers 200 when every check passes and 503 otherwise, listing the
// state of each dependency by name.
func (hh *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	deps := make(map[string]string, len(hh.checks))
	for name, check := range hh.checks {
		if err := check(r.Context()); err != nil {
			deps[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "dependencies": deps})
}
