// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package datastore declares the executor's external collaborators:
// IndexFetchClient (remote batched index reads) and PartitionOracle
// (partition ownership lookup), plus the wire-ish shapes they trade in
// (Span, Entry). Both interfaces are consumed, never implemented, by
// this module -- production implementations live in the surrounding
// system (transport, the KV store, the ownership service), which
// spec.md §1 places out of scope. Named after couchbase-query's
// datastore.Index / datastore.Span / datastore.IndexEntry.
package datastore

import (
	"github.com/couchbase/migscan/cursor"
	"github.com/couchbase/migscan/partition"
	"github.com/couchbase/migscan/value"
)

// Address identifies a cluster member that can serve index fetches.
type Address string

// Inclusion controls whether a Range's boundary values are part of the
// range, mirroring couchbase-query's datastore.Inclusion.
type Inclusion int

const (
	NEITHER Inclusion = 0
	LOW     Inclusion = 1 << 0
	HIGH    Inclusion = 1 << 1
	BOTH              = LOW | HIGH
)

// Range is one contiguous key range over the secondary index.
type Range struct {
	Low       value.Value
	High      value.Value
	Inclusion Inclusion
}

// Span is one disjunct of the structured index filter: an optional seek
// key plus a range. IndexFilter is the disjunction of its Spans.
type Span struct {
	Seek  value.Value
	Range Range
}

// IndexFilter names the index to scan and the structured filter (a
// disjunction of Spans) that seeds the remote traversal.
type IndexFilter struct {
	Index string
	Spans []Span
	Desc  bool // descending order, when the index is sorted
}

// InitialCursors returns one non-terminal cursor per disjoint span in
// the filter (spec.md §4.4: "one or more resume tokens, one per
// disjoint key range implied by the filter"). An IndexFilter with no
// spans still yields exactly one cursor, so a bare "scan everything"
// filter opens a single split.
func InitialCursors(filter IndexFilter) []cursor.Cursor {
	n := len(filter.Spans)
	if n == 0 {
		n = 1
	}
	cursors := make([]cursor.Cursor, n)
	for i := range cursors {
		cursors[i] = cursor.Start
	}
	return cursors
}

// Entry is one raw hit off the wire, before RowShaper narrows it to a
// Row: the indexed key parts (used for the sorted-mode comparator) plus
// the primary key and the full document value the projection reads
// from. Mirrors couchbase-query's datastore.IndexEntry.
type Entry struct {
	PrimaryKey string
	EntryKey   []value.Value
	Doc        value.Value
}

// FetchResult is one batch response: zero or more entries in the
// index's natural order, plus the cursor to resume after them.
type FetchResult struct {
	Entries []Entry
	Next    cursor.Cursor
}

// FetchHandle is the non-blocking future returned by
// IndexFetchClient.Read. The executor polls Ready(); it never blocks on
// a handle.
type FetchHandle interface {
	// Ready reports whether the fetch has completed (successfully or
	// not). Once Ready returns true it must keep returning true.
	Ready() bool
	// Result returns the outcome of a ready handle. Calling it before
	// Ready() is true is undefined. When err wraps a MissingPartition
	// condition, callers use errors.IsMissingPartition / errors.Missing
	// on err to recover the affected partitions.
	Result() (FetchResult, error)
}

// IndexFetchClient issues asynchronous "fetch next batch" requests
// against a specific member for a partition subset and resumable
// cursor. Implementations must respect the partition set (only entries
// from those partitions), return entries in the index's natural order,
// and return a terminal cursor at end of data.
type IndexFetchClient interface {
	Read(addr Address, parts partition.Set, cur cursor.Cursor) FetchHandle
}

// PartitionOracle maps a partition id to its current owner, consulted
// during resplit (§4.3).
type PartitionOracle interface {
	// Owner returns the current owner of id, or ok=false if unknown
	// (e.g. mid-rebalance). See SPEC_FULL.md §4 item 4 for the policy
	// this module applies when ok is false.
	Owner(id partition.ID) (addr Address, ok bool)
	PartitionCount() int
}
