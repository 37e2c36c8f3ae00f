// Package timing provides a mark/measure timeline with a fixed time origin,
// modeled on the user timing primitives performance tooling builds on.
package timing

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	EntryTypeMark    = "mark"
	EntryTypeMeasure = "measure"
)

var ErrMarkNotFound = errors.New("timeline mark not found")

// Clock reports the current wall time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Entry is a single mark or measure. StartTime is relative to the timeline's
// time origin; Duration is zero for marks.
type Entry struct {
	Name      string
	EntryType string
	StartTime time.Duration
	Duration  time.Duration
}

type observer struct {
	id        uint64
	entryType string
	fn        func(Entry)
}

// Timeline records named marks and the measures between them.
type Timeline struct {
	clock  Clock
	origin time.Time

	mu        sync.Mutex
	entries   []Entry
	observers []observer
	nextObsID uint64
}

// New returns a Timeline whose origin is the clock's current time.
// A nil clock uses the system clock.
func New(clock Clock) *Timeline {
	if clock == nil {
		clock = systemClock{}
	}
	return &Timeline{
		clock:  clock,
		origin: clock.Now(),
	}
}

// TimeOrigin is the absolute time all entry start times are relative to.
func (t *Timeline) TimeOrigin() time.Time {
	return t.origin
}

// Now returns the time elapsed since the origin.
func (t *Timeline) Now() time.Duration {
	return t.clock.Now().Sub(t.origin)
}

// Mark records a named point in time.
func (t *Timeline) Mark(name string) Entry {
	entry := Entry{
		Name:      name,
		EntryType: EntryTypeMark,
		StartTime: t.Now(),
	}
	t.record(entry)
	return entry
}

// Measure records the span between the latest startMark and the latest
// endMark. An empty endMark measures up to now.
func (t *Timeline) Measure(name, startMark, endMark string) (Entry, error) {
	t.mu.Lock()
	start, ok := t.latestLocked(startMark, EntryTypeMark)
	if !ok {
		t.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %q", ErrMarkNotFound, startMark)
	}
	end := t.Now()
	if endMark != "" {
		endEntry, ok := t.latestLocked(endMark, EntryTypeMark)
		if !ok {
			t.mu.Unlock()
			return Entry{}, fmt.Errorf("%w: %q", ErrMarkNotFound, endMark)
		}
		end = endEntry.StartTime
	}
	t.mu.Unlock()

	entry := Entry{
		Name:      name,
		EntryType: EntryTypeMeasure,
		StartTime: start.StartTime,
		Duration:  end - start.StartTime,
	}
	t.record(entry)
	return entry, nil
}

// EntriesByName returns entries with the given name in insertion order.
// An empty entryType matches both marks and measures.
func (t *Timeline) EntriesByName(name, entryType string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, 1)
	for _, entry := range t.entries {
		if entry.Name != name {
			continue
		}
		if entryType != "" && entry.EntryType != entryType {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ClearMarks removes marks with the given name, or all marks when name is empty.
func (t *Timeline) ClearMarks(name string) {
	t.clear(name, EntryTypeMark)
}

// ClearMeasures removes measures with the given name, or all measures when name is empty.
func (t *Timeline) ClearMeasures(name string) {
	t.clear(name, EntryTypeMeasure)
}

// Len returns the number of retained entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Observe registers fn for every new entry of entryType ("" for all types).
// Observers run on the recording goroutine after the entry is stored.
func (t *Timeline) Observe(entryType string, fn func(Entry)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextObsID++
	id := t.nextObsID
	t.observers = append(t.observers, observer{id: id, entryType: entryType, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, obs := range t.observers {
				if obs.id == id {
					t.observers = append(t.observers[:i], t.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Timeline) record(entry Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, entry)
	notify := make([]func(Entry), 0, len(t.observers))
	for _, obs := range t.observers {
		if obs.entryType == "" || obs.entryType == entry.EntryType {
			notify = append(notify, obs.fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range notify {
		fn(entry)
	}
}

func (t *Timeline) latestLocked(name, entryType string) (Entry, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		entry := t.entries[i]
		if entry.Name == name && entry.EntryType == entryType {
			return entry, true
		}
	}
	return Entry{}, false
}

func (t *Timeline) clear(name, entryType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, entry := range t.entries {
		if entry.EntryType == entryType && (name == "" || entry.Name == name) {
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = Entry{}
	}
	t.entries = kept
}
