// Package health tracks the last-seen timestamp for every endpoint the
// broker has observed, independent of which groups that endpoint belongs to.
package health

import (
	"time"

	"github.com/tiras-j/smokesignal/internal/index"
)

// Record is the liveness state for one endpoint.
type Record struct {
	Endpoint string
	LastSeen time.Time
}

// Table is a keyed set of Records. The zero value is not usable; use
// NewTable. The underlying index is safe for concurrent use, but a Record's
// LastSeen is read and updated without synchronisation, so Table is not safe
// for concurrent Touch/TouchAt and LastSeen/Stale calls.
type Table struct {
	records *index.Index[*Record]
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{records: index.New[*Record]()}
}

// Touch upserts endpoint's record with the current time, creating it if
// absent. Touch never fails: unlike the group registry, the health table has
// no existence precondition to violate.
func (t *Table) Touch(endpoint string) {
	t.TouchAt(endpoint, time.Now())
}

// TouchAt upserts endpoint's record with an explicit timestamp, letting
// callers (tests, replay tooling) control the clock.
func (t *Table) TouchAt(endpoint string, when time.Time) {
	if rec, ok := t.records.Lookup(endpoint); ok {
		rec.LastSeen = when
		return
	}
	rec := &Record{Endpoint: endpoint, LastSeen: when}
	if err := t.records.Insert(endpoint, rec); err != nil {
		// Another goroutine inserted between Lookup and Insert; fall back to
		// updating its record instead of losing this touch.
		if existing, ok := t.records.Lookup(endpoint); ok {
			existing.LastSeen = when
		}
	}
}

// LastSeen returns endpoint's last-touched time and whether a record exists.
func (t *Table) LastSeen(endpoint string) (time.Time, bool) {
	rec, ok := t.records.Lookup(endpoint)
	if !ok {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

// Forget removes endpoint's record, if any.
func (t *Table) Forget(endpoint string) {
	t.records.Remove(endpoint)
}

// Len returns the number of endpoints currently tracked.
func (t *Table) Len() int {
	return t.records.Len()
}

// Stale returns every endpoint whose last-seen time is older than the given
// cutoff. The broker does not currently reap these on its own; this is
// exposed for an operator-triggered health sweep or future reaper.
func (t *Table) Stale(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)
	var out []string
	t.records.Range(func(endpoint string, rec *Record) bool {
		if rec.LastSeen.Before(cutoff) {
			out = append(out, endpoint)
		}
		return true
	})
	return out
}
