package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/perfmon/internal/store"
	"github.com/ongoingai/perfmon/perf"
)

const (
	recordBodyLimit = 64 << 10
	maxDurationUS   = int64(math.MaxInt64 / int64(time.Microsecond))
)

// TraceRecorder logs a trace with an explicit start and duration.
type TraceRecorder interface {
	RecordTrace(name string, start time.Time, duration time.Duration, opts perf.RecordOptions) error
}

type tracesResponse struct {
	Items      []traceSummary `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type traceSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsAuto     bool      `json:"is_auto"`
	StartTime  time.Time `json:"start_time"`
	DurationUS int64     `json:"duration_us"`
	DurationMS float64   `json:"duration_ms"`
	PageURL    string    `json:"page_url,omitempty"`
}

type traceDetail struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	IsAuto        bool              `json:"is_auto"`
	AppID         string            `json:"app_id"`
	AppInstanceID string            `json:"app_instance_id"`
	PageURL       string            `json:"page_url,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	DurationUS    int64             `json:"duration_us"`
	DurationMS    float64           `json:"duration_ms"`
	Counters      map[string]int64  `json:"counters,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	EventTime     time.Time         `json:"event_time"`
	CreatedAt     time.Time         `json:"created_at"`
}

type recordTraceRequest struct {
	Name       string            `json:"name"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	DurationUS int64             `json:"duration_us"`
	Metrics    map[string]int64  `json:"metrics,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type recordTraceResponse struct {
	Status     string    `json:"status"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	DurationUS int64     `json:"duration_us"`
}

// TracesHandler lists stored traces on GET and records a trace on POST.
func TracesHandler(recordStore store.RecordStore, recorder TraceRecorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if r.Method == http.MethodPost {
			handleRecordTrace(w, r, recorder)
			return
		}
		if recordStore == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseRecordFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := recordStore.QueryRecords(r.Context(), filter)
		if err != nil {
			if errors.Is(err, store.ErrInvalidCursor) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to query traces")
			return
		}

		items := make([]traceSummary, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, summarizeRecord(item))
		}

		writeJSON(w, http.StatusOK, tracesResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

func TraceDetailHandler(recordStore store.RecordStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recordStore == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/traces/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		item, err := recordStore.GetRecord(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}
		writeJSON(w, http.StatusOK, detailRecord(item))
	})
}

func handleRecordTrace(w http.ResponseWriter, r *http.Request, recorder TraceRecorder) {
	if recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "trace recording is not available")
		return
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, recordBodyLimit))
	decoder.DisallowUnknownFields()
	var req recordTraceRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.DurationUS <= 0 {
		writeError(w, http.StatusBadRequest, "duration_us must be > 0")
		return
	}
	if req.DurationUS > maxDurationUS {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("duration_us must be <= %d", maxDurationUS))
		return
	}

	duration := time.Duration(req.DurationUS) * time.Microsecond
	start := time.Now().Add(-duration)
	if req.StartTime != nil {
		start = *req.StartTime
	}

	err := recorder.RecordTrace(req.Name, start, duration, perf.RecordOptions{
		Metrics:    req.Metrics,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, recordTraceResponse{
		Status:     "accepted",
		Name:       req.Name,
		StartTime:  start.UTC(),
		DurationUS: req.DurationUS,
	})
}

func parseRecordFilter(r *http.Request) (store.RecordFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return store.RecordFilter{}, err
	}
	isAuto, err := parseBoolQuery(query.Get("is_auto"), "is_auto")
	if err != nil {
		return store.RecordFilter{}, err
	}
	from, to, err := parseTimeRange(query.Get("from"), query.Get("to"))
	if err != nil {
		return store.RecordFilter{}, err
	}

	return store.RecordFilter{
		Name:          strings.TrimSpace(query.Get("name")),
		AppInstanceID: strings.TrimSpace(query.Get("app_instance_id")),
		IsAuto:        isAuto,
		From:          from,
		To:            to,
		Limit:         limit,
		Cursor:        strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func summarizeRecord(item *store.Record) traceSummary {
	return traceSummary{
		ID:         item.ID,
		Name:       item.Name,
		IsAuto:     item.IsAuto,
		StartTime:  item.StartTime,
		DurationUS: item.DurationUS,
		DurationMS: microsToMillis(item.DurationUS),
		PageURL:    item.PageURL,
	}
}

func detailRecord(item *store.Record) traceDetail {
	return traceDetail{
		ID:            item.ID,
		Name:          item.Name,
		IsAuto:        item.IsAuto,
		AppID:         item.AppID,
		AppInstanceID: item.AppInstanceID,
		PageURL:       item.PageURL,
		StartTime:     item.StartTime,
		DurationUS:    item.DurationUS,
		DurationMS:    microsToMillis(item.DurationUS),
		Counters:      item.Counters,
		Attributes:    item.Attributes,
		EventTime:     item.EventTime,
		CreatedAt:     item.CreatedAt,
	}
}

func microsToMillis(us int64) float64 {
	return float64(us) / 1000
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseBoolQuery(raw, name string) (*bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", name)
	}
	return &parsed, nil
}

func parseTimeRange(rawFrom, rawTo string) (time.Time, time.Time, error) {
	from, err := parseTimeQuery(rawFrom, false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(rawTo, true)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must be greater than or equal to from")
	}
	return from, to, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}

	return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
}
