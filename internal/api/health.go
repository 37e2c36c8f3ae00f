package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/perfmon/internal/store"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         store.RecordStore
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver,omitempty"`
	TraceCount    int64  `json:"trace_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		traceCount := int64(0)
		if options.Store != nil {
			if stats, err := options.Store.GetDurationStats(r.Context(), store.StatsFilter{}); err == nil {
				for _, row := range stats {
					traceCount += row.Count
				}
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, store.DriverSQLite) && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			TraceCount:    traceCount,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}
