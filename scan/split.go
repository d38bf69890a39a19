// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package scan

import (
	"github.com/couchbase/migscan/cursor"
	"github.com/couchbase/migscan/datastore"
	"github.com/couchbase/migscan/errors"
	"github.com/couchbase/migscan/expression"
	"github.com/couchbase/migscan/logging"
	"github.com/couchbase/migscan/partition"
	"github.com/couchbase/migscan/value"
)

// split is the unit of in-flight scanning: a partition subset, a target
// member, a resume cursor, at most one in-flight fetch, and a
// single-row lookahead buffer. See spec.md §3 "Split" and §4.1.
//
// Grounded on execution.spanScan (scan_index.go): spanScan is the
// per-span child of an IndexScan that owns one Index.Scan call and
// streams entries to its parent's output; split is the same
// responsibility recast as a non-blocking, pollable state machine
// instead of a goroutine reading a channel, per spec.md §5's
// cooperative single-threaded scheduling model.
type split struct {
	id         uint64
	partitions partition.Set
	owner      datastore.Address
	cur        cursor.Cursor

	pending datastore.FetchHandle

	batch    []datastore.Entry
	batchPos int

	lookahead value.Value

	client datastore.IndexFetchClient
	shaper expression.RowShaper

	// stats is the owning ScanExecutor's counters. advance increments
	// FetchesIssued directly, since the issuing split is the only place
	// that knows a fetch was actually started rather than just harvested
	// or materialized from an already-buffered batch.
	stats *Stats
}

func newSplit(id uint64, parts partition.Set, owner datastore.Address, cur cursor.Cursor,
	client datastore.IndexFetchClient, shaper expression.RowShaper, stats *Stats) *split {
	return &split{
		id:         id,
		partitions: parts,
		owner:      owner,
		cur:        cur,
		client:     client,
		shaper:     shaper,
		stats:      stats,
	}
}

// advance performs at most one unit of useful work and never blocks.
// See spec.md §4.1's five-step algorithm.
func (s *split) advance() errors.Error {
	// Step 1: idempotent if a row is already buffered.
	if s.lookahead != nil {
		return nil
	}

	// Step 3: harvest a completed fetch before considering issuing a new
	// one -- a split must never hold two outstanding requests.
	if s.pending != nil {
		if !s.pending.Ready() {
			return nil
		}
		res, err := s.pending.Result()
		s.pending = nil
		if err != nil {
			return classify(err)
		}
		if !res.Next.IsTerminal() && len(res.Entries) == 0 {
			// Protocol violation per spec.md §4.1 edge cases: a
			// non-terminal cursor must always be accompanied by a
			// non-empty batch.
			return errors.NewInternalError("non-terminal cursor with empty batch")
		}
		s.batch = res.Entries
		s.batchPos = 0
		s.cur = res.Next
		logging.Tracef("split %d: harvested %d entries, cursor=%v", s.id, len(res.Entries), s.cur)
	}

	// Step 2: issue a fetch if the current batch is exhausted, none is
	// in flight, and there may be more data.
	if s.batchPos == len(s.batch) && s.pending == nil && !s.cur.IsTerminal() {
		s.pending = s.client.Read(s.owner, s.partitions, s.cur)
		s.stats.FetchesIssued++
		logging.Tracef("split %d: issued fetch to %s for %d partitions at %v", s.id, s.owner, s.partitions.Len(), s.cur)
		return nil
	}

	// Step 4: materialize the next surviving row from the current batch.
	for s.batchPos < len(s.batch) && s.lookahead == nil {
		entry := s.batch[s.batchPos]
		s.batchPos++
		if row, ok := s.shaper.Shape(entry); ok {
			s.lookahead = row
		}
	}

	return nil
}

// takeLookahead returns the buffered row and clears the slot. Undefined
// if peekLookahead returns nil.
func (s *split) takeLookahead() value.Value {
	row := s.lookahead
	s.lookahead = nil
	return row
}

func (s *split) peekLookahead() value.Value {
	return s.lookahead
}

// isDone reports exhaustion: terminal cursor, empty batch, no lookahead.
func (s *split) isDone() bool {
	return s.lookahead == nil && s.batchPos == len(s.batch) && s.cur.IsTerminal()
}

// isWaiting reports whether the split can't produce a row right now
// because it is waiting on an outstanding fetch.
func (s *split) isWaiting() bool {
	return s.pending != nil && s.lookahead == nil
}

// classify turns whatever error a FetchHandle surfaces into the
// executor's Error taxonomy. An error that already satisfies
// errors.Error (in particular one produced by
// errors.NewMissingPartitionError) is passed through unchanged so its
// Kind and payload survive; anything else -- a transport failure, a
// decode failure from the wire codec spec.md §1 excludes from this
// module's scope -- is treated as a fatal Serialization error, since
// this module has no better label for "the fetch client handed back
// something that isn't one of the documented kinds".
func classify(err error) errors.Error {
	if se, ok := err.(errors.Error); ok {
		return se
	}
	return errors.NewSerializationError(err)
}
