package api

import (
	"net/http"
	"strings"

	"github.com/ongoingai/perfmon/internal/store"
)

type statsResponse struct {
	Items []statsRow `json:"items"`
}

type statsRow struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

// StatsHandler serves per-name duration statistics in milliseconds.
func StatsHandler(recordStore store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recordStore == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		query := r.URL.Query()
		from, to, err := parseTimeRange(query.Get("from"), query.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		stats, err := recordStore.GetDurationStats(r.Context(), store.StatsFilter{
			Name: strings.TrimSpace(query.Get("name")),
			From: from,
			To:   to,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute trace stats")
			return
		}

		items := make([]statsRow, 0, len(stats))
		for _, row := range stats {
			items = append(items, statsRow{
				Name:  row.Name,
				Count: row.Count,
				AvgMS: row.AvgUS / 1000,
				MinMS: microsToMillis(row.MinUS),
				MaxMS: microsToMillis(row.MaxUS),
				P50MS: row.P50US / 1000,
				P95MS: row.P95US / 1000,
				P99MS: row.P99US / 1000,
			})
		}
		writeJSON(w, http.StatusOK, statsResponse{Items: items})
	})
}
