// Package pipeline holds the queue pressure bookkeeping shared by the
// asynchronous trace sinks.
package pipeline

import (
	"sync/atomic"
	"time"
)

const (
	PressureOK        = "ok"
	PressureElevated  = "elevated"
	PressureHigh      = "high"
	PressureSaturated = "saturated"
)

// UtilizationPct returns depth as a percentage of capacity, clamped to [0, 100].
func UtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func PressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return PressureSaturated
	case utilizationPct >= 80:
		return PressureHigh
	case utilizationPct >= 50:
		return PressureElevated
	default:
		return PressureOK
	}
}

// Watermark tracks the highest value observed. The zero value is ready to use.
type Watermark struct {
	v atomic.Int64
}

func (w *Watermark) Observe(value int) {
	if value < 0 {
		return
	}
	next := int64(value)
	for {
		current := w.v.Load()
		if next <= current {
			return
		}
		if w.v.CompareAndSwap(current, next) {
			return
		}
	}
}

func (w *Watermark) Load() int {
	return int(w.v.Load())
}

// Timestamp records the time of the most recent event as UTC nanoseconds.
type Timestamp struct {
	v atomic.Int64
}

func (t *Timestamp) Touch(now time.Time) {
	t.v.Store(now.UTC().UnixNano())
}

// Load returns nil when Touch was never called.
func (t *Timestamp) Load() *time.Time {
	ts := t.v.Load()
	if ts <= 0 {
		return nil
	}
	last := time.Unix(0, ts).UTC()
	return &last
}
