package health

import (
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/cronfire/cronfire/internal/pkg/logs"
)

// Handler serves the latest snapshot as JSON. Unhealthy states report 503 so
// load balancers can act on the status code alone.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot(r.Context())
		body, err := sonic.Marshal(snap)
		if err != nil {
			logs.CtxError(r.Context(), "[health] encode snapshot: %v", err)
			http.Error(w, "encode failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if snap.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(body)
	})
}
