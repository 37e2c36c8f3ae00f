// Package transport delivers logged perf traces to the remote log endpoint
// in periodic batches.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ongoingai/perfmon/internal/pipeline"
	"github.com/ongoingai/perfmon/perflog"
)

const (
	DefaultEndpoint       = "https://firebaselogging.googleapis.com/v0cc/log?format=json_proto"
	DefaultLogSource      = 462
	DefaultInitialDelay   = 5500 * time.Millisecond
	DefaultInterval       = 10 * time.Second
	DefaultMaxTries       = 3
	DefaultMaxBatchSize   = 1000
	DefaultQueueCapacity  = 10000
	DefaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

type Config struct {
	Endpoint  string
	APIKey    string
	LogSource int
	// InitialDelay is the wait before the first dispatch.
	InitialDelay   time.Duration
	Interval       time.Duration
	MaxTries       int
	MaxBatchSize   int
	QueueCapacity  int
	RequestTimeout time.Duration
	Gzip           bool
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.LogSource <= 0 {
		c.LogSource = DefaultLogSource
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxTries <= 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DispatchFailure describes one failed request to the log endpoint.
type DispatchFailure struct {
	BatchSize      int
	Err            error
	ErrorClass     string
	RemainingTries int
}

// DispatchFailureHandler receives asynchronous dispatch failure signals.
type DispatchFailureHandler func(DispatchFailure)

var noopDispatchFailureHandler = DispatchFailureHandler(func(DispatchFailure) {})

// DispatcherMetrics holds optional callbacks the Dispatcher invokes at key
// pipeline points.
type DispatcherMetrics struct {
	OnEnqueue func()
	// OnDrop is called each time an event is rejected because the queue is
	// full or the retry budget is exhausted.
	OnDrop func()
	// OnDispatch is called after each request with its batch size and outcome.
	OnDispatch func(batchSize int, duration time.Duration, err error)
}

// Diagnostics is a point-in-time view of the dispatch queue.
type Diagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	EventsSentTotal         int64            `json:"events_sent_total"`
	RequestsFailedTotal     int64            `json:"requests_failed_total"`
	RetryRequestedTotal     int64            `json:"retry_requested_total"`
	RemainingTries          int              `json:"remaining_tries"`
	Exhausted               bool             `json:"exhausted"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastFailureAt           *time.Time       `json:"last_failure_at,omitempty"`
	FailuresByClass         map[string]int64 `json:"failures_by_class,omitempty"`
}

// Dispatcher queues logged traces and posts them to the log endpoint on a
// timer. Failed batches go back to the head of the queue; after MaxTries
// consecutive failures the dispatcher gives up and rejects new events.
type Dispatcher struct {
	cfg    Config
	url    string
	client *http.Client
	logger *slog.Logger

	mu             sync.Mutex
	queue          []*perflog.Event
	remainingTries int
	backoff        *backoff.ExponentialBackOff

	// sendMu serializes dispatches between the loop and Flush.
	sendMu sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	stopped     atomic.Bool
	exhausted   atomic.Bool
	stopCh      chan struct{}
	done        chan struct{}

	failureHandler atomic.Value // DispatchFailureHandler
	metrics        atomic.Value // *DispatcherMetrics

	queueHighWatermark   pipeline.Watermark
	lastEnqueueDrop      pipeline.Timestamp
	lastFailure          pipeline.Timestamp
	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	eventsSentTotal      atomic.Int64
	requestsFailedTotal  atomic.Int64
	retryRequestedTotal  atomic.Int64

	failureConnection atomic.Int64
	failureTimeout    atomic.Int64
	failureRejected   atomic.Int64
	failureDecode     atomic.Int64
	failureUnknown    atomic.Int64
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	endpoint, err := requestURL(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:            cfg,
		url:            endpoint,
		client:         cfg.HTTPClient,
		logger:         cfg.Logger,
		remainingTries: cfg.MaxTries,
		backoff:        newBackoff(cfg.Interval),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	d.failureHandler.Store(noopDispatchFailureHandler)
	d.metrics.Store(&DispatcherMetrics{})
	return d, nil
}

func requestURL(endpoint, apiKey string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse log endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("log endpoint %q must use http or https", endpoint)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("log endpoint %q has no host", endpoint)
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		query := parsed.Query()
		query.Set("key", key)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func newBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         initial * 8,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// SetFailureHandler replaces the callback used for failed dispatch signals.
func (d *Dispatcher) SetFailureHandler(handler DispatchFailureHandler) {
	if d == nil {
		return
	}
	if handler == nil {
		handler = noopDispatchFailureHandler
	}
	d.failureHandler.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the dispatcher.
func (d *Dispatcher) SetMetrics(m *DispatcherMetrics) {
	if d == nil {
		return
	}
	if m == nil {
		m = &DispatcherMetrics{}
	}
	d.metrics.Store(m)
}

func (d *Dispatcher) loadMetrics() *DispatcherMetrics {
	m, _ := d.metrics.Load().(*DispatcherMetrics)
	if m == nil {
		return &DispatcherMetrics{}
	}
	return m
}

// Start launches the dispatch loop. The first dispatch happens after
// InitialDelay.
func (d *Dispatcher) Start(ctx context.Context) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.started || d.stopped.Load() {
		return
	}
	d.started = true
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-timer.C:
		}

		result, err := d.dispatchOnce(ctx)
		if errors.Is(err, ErrExhausted) {
			return
		}
		timer.Reset(result.wait)
	}
}

// Enqueue queues event for the next dispatch. It returns false when the
// event is invalid, the queue is full, or the dispatcher is stopped or
// exhausted.
func (d *Dispatcher) Enqueue(event *perflog.Event) bool {
	if d == nil || d.stopped.Load() {
		return false
	}
	if err := event.Validate(); err != nil {
		d.logger.Warn("perf log event rejected", "error", err)
		return false
	}
	if d.exhausted.Load() {
		d.recordDrop()
		return false
	}

	d.mu.Lock()
	if len(d.queue) >= d.cfg.QueueCapacity {
		d.mu.Unlock()
		d.recordDrop()
		return false
	}
	d.queue = append(d.queue, event)
	depth := len(d.queue)
	d.mu.Unlock()

	d.enqueueAcceptedTotal.Add(1)
	d.queueHighWatermark.Observe(depth)
	if m := d.loadMetrics(); m.OnEnqueue != nil {
		m.OnEnqueue()
	}
	return true
}

func (d *Dispatcher) recordDrop() {
	d.enqueueDroppedTotal.Add(1)
	d.queueHighWatermark.Observe(d.cfg.QueueCapacity)
	d.lastEnqueueDrop.Touch(d.cfg.Now())
	if m := d.loadMetrics(); m.OnDrop != nil {
		m.OnDrop()
	}
}

// Flush dispatches everything queued at call time, one attempt per batch.
// It stops at the first failed request or when the endpoint asks for a retry.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pending := d.QueueLen()
	for pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := d.dispatchOnce(ctx)
		if err != nil {
			return err
		}
		if result.delivered == 0 {
			return nil
		}
		pending -= result.delivered
	}
	return nil
}

// Shutdown stops the dispatch loop and flushes the remaining queue. Events
// enqueued after Shutdown are rejected.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.lifecycleMu.Lock()
	started := d.started
	if !d.stopped.Load() {
		d.stopped.Store(true)
		close(d.stopCh)
	}
	d.lifecycleMu.Unlock()

	if started {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.exhausted.Load() {
		if n := d.QueueLen(); n > 0 {
			return fmt.Errorf("%w: %d events not delivered", ErrExhausted, n)
		}
		return nil
	}
	return d.Flush(ctx)
}

func (d *Dispatcher) QueueLen() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) RemainingTries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remainingTries
}

// Exhausted reports whether the dispatcher gave up after MaxTries failures.
func (d *Dispatcher) Exhausted() bool {
	return d.exhausted.Load()
}

type dispatchResult struct {
	wait      time.Duration
	delivered int
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) (dispatchResult, error) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if d.exhausted.Load() {
		return dispatchResult{}, ErrExhausted
	}
	events := d.take(d.cfg.MaxBatchSize)
	if len(events) == 0 {
		return dispatchResult{wait: d.cfg.Interval}, nil
	}

	batch, kept := newBatchLog(events, d.cfg.LogSource, d.cfg.Now())
	if dropped := len(events) - len(kept); dropped > 0 {
		d.logger.Warn("perf log events could not be encoded", "dropped", dropped)
	}
	if len(kept) == 0 {
		return dispatchResult{wait: d.cfg.Interval}, nil
	}

	start := time.Now()
	resp, err := d.post(ctx, batch)
	if m := d.loadMetrics(); m.OnDispatch != nil {
		m.OnDispatch(len(kept), time.Since(start), err)
	}
	if err != nil {
		d.requeue(kept)
		remaining := d.recordFailure(len(kept), err)
		if remaining <= 0 {
			d.exhausted.Store(true)
			d.logger.Error("perf log dispatch exhausted retries", "queued", d.QueueLen(), "error", err)
			return dispatchResult{}, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		return dispatchResult{wait: d.nextBackoff()}, err
	}

	d.mu.Lock()
	d.remainingTries = d.cfg.MaxTries
	d.backoff.Reset()
	d.mu.Unlock()

	wait := max(resp.nextRequestWait(), d.cfg.Interval)
	if resp.retryRequested() {
		d.requeue(kept)
		d.retryRequestedTotal.Add(1)
		d.logger.Debug("perf log endpoint requested retry", "batch_size", len(kept), "next_wait", wait)
		return dispatchResult{wait: wait}, nil
	}
	d.eventsSentTotal.Add(int64(len(kept)))
	d.logger.Debug("perf log batch sent", "batch_size", len(kept), "next_wait", wait)
	return dispatchResult{wait: wait, delivered: len(kept)}, nil
}

func (d *Dispatcher) take(limit int) []*perflog.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := min(limit, len(d.queue))
	if n == 0 {
		return nil
	}
	batch := make([]*perflog.Event, n)
	copy(batch, d.queue[:n])
	rest := make([]*perflog.Event, len(d.queue)-n)
	copy(rest, d.queue[n:])
	d.queue = rest
	return batch
}

// requeue puts events back at the head of the queue in their original order.
func (d *Dispatcher) requeue(events []*perflog.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue := make([]*perflog.Event, 0, len(events)+len(d.queue))
	queue = append(queue, events...)
	d.queue = append(queue, d.queue...)
}

func (d *Dispatcher) nextBackoff() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	wait := d.backoff.NextBackOff()
	if wait == backoff.Stop || wait < d.cfg.Interval {
		return d.cfg.Interval
	}
	return wait
}

func (d *Dispatcher) recordFailure(batchSize int, err error) int {
	class := ClassifyDispatchError(err)
	d.requestsFailedTotal.Add(1)
	d.lastFailure.Touch(d.cfg.Now())
	switch class {
	case DispatchErrorClassConnection:
		d.failureConnection.Add(1)
	case DispatchErrorClassTimeout:
		d.failureTimeout.Add(1)
	case DispatchErrorClassRejected:
		d.failureRejected.Add(1)
	case DispatchErrorClassDecode:
		d.failureDecode.Add(1)
	default:
		d.failureUnknown.Add(1)
	}

	d.mu.Lock()
	d.remainingTries--
	remaining := d.remainingTries
	d.mu.Unlock()

	d.logger.Warn("perf log dispatch failed",
		"error", err,
		"error_class", class,
		"batch_size", batchSize,
		"remaining_tries", remaining,
	)
	if handler, ok := d.failureHandler.Load().(DispatchFailureHandler); ok && handler != nil {
		handler(DispatchFailure{
			BatchSize:      batchSize,
			Err:            err,
			ErrorClass:     class,
			RemainingTries: remaining,
		})
	}
	return remaining
}

func (d *Dispatcher) post(ctx context.Context, batch BatchLog) (batchResponse, error) {
	body, err := encodeBatch(batch, d.cfg.Gzip)
	if err != nil {
		return batchResponse{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return batchResponse{}, fmt.Errorf("build log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return batchResponse{}, fmt.Errorf("send log request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return batchResponse{}, fmt.Errorf("read log response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return batchResponse{}, fmt.Errorf("send log request: %w", &StatusError{StatusCode: resp.StatusCode})
	}

	var decoded batchResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return batchResponse{}, fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	return decoded, nil
}

func (d *Dispatcher) Diagnostics() Diagnostics {
	if d == nil {
		return Diagnostics{}
	}

	capacity := d.cfg.QueueCapacity
	depth := d.QueueLen()
	highWatermark := max(d.queueHighWatermark.Load(), depth)
	utilization := pipeline.UtilizationPct(depth, capacity)

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilization,
		QueuePressureState:      pipeline.PressureState(utilization),
		EnqueueAcceptedTotal:    d.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     d.enqueueDroppedTotal.Load(),
		EventsSentTotal:         d.eventsSentTotal.Load(),
		RequestsFailedTotal:     d.requestsFailedTotal.Load(),
		RetryRequestedTotal:     d.retryRequestedTotal.Load(),
		RemainingTries:          d.RemainingTries(),
		Exhausted:               d.exhausted.Load(),
		LastEnqueueDropAt:       d.lastEnqueueDrop.Load(),
		LastFailureAt:           d.lastFailure.Load(),
	}

	byClass := make(map[string]int64)
	if v := d.failureConnection.Load(); v > 0 {
		byClass[DispatchErrorClassConnection] = v
	}
	if v := d.failureTimeout.Load(); v > 0 {
		byClass[DispatchErrorClassTimeout] = v
	}
	if v := d.failureRejected.Load(); v > 0 {
		byClass[DispatchErrorClassRejected] = v
	}
	if v := d.failureDecode.Load(); v > 0 {
		byClass[DispatchErrorClassDecode] = v
	}
	if v := d.failureUnknown.Load(); v > 0 {
		byClass[DispatchErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.FailuresByClass = byClass
	}
	return snapshot
}
