// Package state tracks incremental-polling progress for every source:
// per-source watermarks and cursors, the processed-event ledger that
// guarantees at most one generation call per source id, and the queue of
// low-priority events waiting for the next briefing.
//
// The Tracker never returns storage errors to its callers. An unavailable
// backend degrades to "not processed" for dedup checks and to an in-memory
// holding queue for briefing items, trading possible duplicate work for
// availability.
package state
