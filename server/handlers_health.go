package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil || h.deps.DB.PingContext(r.Context()) != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the database and that the score schema has been migrated.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return errors.New("database not configured")
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"schema", func() error {
			var id int64
			err := h.deps.DB.QueryRowContext(r.Context(), "SELECT id FROM score LIMIT 1").Scan(&id)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("score table unavailable: %w", err)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports in-flight submissions, cache occupancy, scraper counters and the
// database pool.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if h.deps.Submitter != nil {
		out["submissions_in_flight"] = h.deps.Submitter.Locks().Held()
	}
	if h.deps.Beatmaps != nil {
		out["beatmap_cache_entries"] = h.deps.Beatmaps.Len()
	}
	if h.deps.Scraper != nil {
		out["scraper"] = h.deps.Scraper.Stats()
	}
	if h.deps.DB != nil {
		st := h.deps.DB.Stats()
		out["db"] = map[string]int{"open": st.OpenConnections, "in_use": st.InUse, "idle": st.Idle}
	}
	writeJSON(w, http.StatusOK, out)
}
