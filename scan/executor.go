// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package scan implements the migration-tolerant, parallel index-scan
// executor that is the sole subject of this module: ScanExecutor owns
// the active set of splits, drives emission (hash concatenation or
// sorted merge), and recovers from mid-scan partition migrations by
// resplitting. See spec.md §4.2 and §4.3.
//
// Grounded on execution.IndexScan/IndexScan2 (scan_index.go,
// scan_index2.go) for the overall split-per-target shape, and on
// couchbase-indexing's scatter.go RequestBroker for the
// "NotMyPartition" resplit-on-ownership-change recovery this executor
// generalizes into a first-class operation.
package scan

import (
	"sort"

	"github.com/google/uuid"

	"github.com/couchbase/migscan/cursor"
	"github.com/couchbase/migscan/datastore"
	"github.com/couchbase/migscan/errors"
	"github.com/couchbase/migscan/expression"
	"github.com/couchbase/migscan/logging"
	"github.com/couchbase/migscan/partition"
	"github.com/couchbase/migscan/util"
	"github.com/couchbase/migscan/value"
)

// Outcome is the result of one pump() activation.
type Outcome int

const (
	// Blocked means pump cannot make further progress this activation
	// without either downstream capacity or outstanding I/O.
	Blocked Outcome = iota
	// Done means every split is exhausted and nothing remains
	// pending-emit.
	Done
)

func (o Outcome) String() string {
	if o == Done {
		return "done"
	}
	return "blocked"
}

// Sink is the downstream consumer. TryEmit is non-blocking: true on
// accept, false means backpressure. Mirrors the "Downstream sink"
// external interface in spec.md §6.
type Sink interface {
	TryEmit(row value.Value) bool
}

// Comparator orders two shaped rows for sorted-mode emission. It must
// agree with the per-partition order the index itself produces; the
// executor does not verify this (spec.md §4.2.2).
type Comparator func(a, b value.Value) int

// CollateComparator is the default Comparator, ordering rows by
// value.Value.Collate -- appropriate whenever the index's natural
// order is the same total order value.Value already defines.
func CollateComparator(a, b value.Value) int { return a.Collate(b) }

// Params configures a ScanExecutor. There is no file or environment
// surface (spec.md §6); every parameter is supplied here.
type Params struct {
	ID string // scan identifier for log correlation; fatal errors returned by Pump do not carry it

	LocalPartitions partition.Set
	LocalAddress    datastore.Address

	Filter datastore.IndexFilter
	Shaper expression.RowShaper

	// Comparator is nil for hash mode, non-nil for sorted mode.
	Comparator Comparator

	Client datastore.IndexFetchClient
	Oracle datastore.PartitionOracle

	Sink Sink

	// RowBudget bounds how many rows a single pump() activation emits
	// before returning Blocked even though it could keep going --
	// SPEC_FULL.md §4 item 2's defensive answer to spec.md §9's open
	// question about starving the cooperative scheduler on a very hot
	// split. 0 means unbounded.
	RowBudget int
}

// Stats accrues per-scan counters a driver can read after pump returns,
// the trimmed analogue of execution's per-phase EXPLAIN ANALYZE
// counters (addExecPhase / AddPhaseCount in scan_index2.go).
type Stats struct {
	RowsEmitted    uint64
	FetchesIssued  uint64
	Resplits       uint64
	BlockedTicks   uint64
}

var splitSlicePool = util.NewSplitPool[*split](8)

// ScanExecutor is the top-level state machine described by spec.md §4.2.
// It is not safe for concurrent use: pump() must only ever be called
// from the single driving thread (spec.md §5).
type ScanExecutor struct {
	params Params
	sorted bool

	splits      []*split
	pendingEmit value.Value

	nextSplitID uint64
	errored     errors.Error
	stats       Stats
}

// New synthesizes the initial split set from params and returns a ready
// ScanExecutor. No I/O is performed during initialization (spec.md
// §4.4). An empty LocalPartitions set yields zero initial splits, so
// the first pump() call returns Done with no I/O issued (spec.md §8
// boundary behavior).
func New(params Params) *ScanExecutor {
	if params.ID == "" {
		// Mirrors couchbase-query's Context.RequestId(): every scan gets a
		// correlatable identifier even when its driver didn't supply one.
		params.ID = uuid.NewString()
	}
	e := &ScanExecutor{
		params: params,
		sorted: params.Comparator != nil,
	}

	if params.LocalPartitions.IsEmpty() {
		return e
	}

	cursors := datastore.InitialCursors(params.Filter)
	e.splits = splitSlicePool.Get()
	for _, c := range cursors {
		e.splits = append(e.splits, e.newSplit(params.LocalPartitions, params.LocalAddress, c))
	}
	return e
}

func (e *ScanExecutor) newSplit(parts partition.Set, owner datastore.Address, cur cursor.Cursor) *split {
	e.nextSplitID++
	return newSplit(e.nextSplitID, parts, owner, cur, e.params.Client, e.params.Shaper, &e.stats)
}

// Stats returns the running counters for this scan.
func (e *ScanExecutor) Stats() Stats { return e.stats }

// ID returns the scan's correlation identifier, generated by New if the
// caller didn't supply one in Params.
func (e *ScanExecutor) ID() string { return e.params.ID }

// Pump drives the scan one activation. See spec.md §4.2.1 (hash mode)
// and §4.2.2 (sorted mode) for the two algorithms.
func (e *ScanExecutor) Pump() (Outcome, errors.Error) {
	if e.errored != nil {
		return Blocked, e.errored
	}

	var outcome Outcome
	var err errors.Error
	if e.sorted {
		outcome, err = e.pumpSorted()
	} else {
		outcome, err = e.pumpHash()
	}

	if err != nil && err.Kind() != errors.MissingPartition {
		// Fatal: transition to a terminal errored state and release
		// every split (spec.md §4.2, §7 propagation policy).
		e.errored = err
		e.release()
		return Blocked, err
	}
	return outcome, nil
}

func (e *ScanExecutor) release() {
	if cap(e.splits) >= 8 {
		splitSlicePool.Put(e.splits)
	}
	e.splits = nil
	e.pendingEmit = nil
}

func (e *ScanExecutor) tryEmitPending() (blocked bool) {
	if e.pendingEmit == nil {
		return false
	}
	if !e.params.Sink.TryEmit(e.pendingEmit) {
		e.stats.BlockedTicks++
		return true
	}
	e.pendingEmit = nil
	e.stats.RowsEmitted++
	return false
}

func (e *ScanExecutor) budgetExhausted(emitted int) bool {
	return e.params.RowBudget > 0 && emitted >= e.params.RowBudget
}

// pumpHash implements spec.md §4.2.1.
func (e *ScanExecutor) pumpHash() (Outcome, errors.Error) {
	// A pending row accepted here counts against RowBudget too.
	emitted := 0
	if e.pendingEmit != nil {
		emitted = 1
	}
	if e.tryEmitPending() {
		return Blocked, nil
	}

	for i := 0; i < len(e.splits); i++ {
		if e.budgetExhausted(emitted) {
			return Blocked, nil
		}

		s := e.splits[i]
		if fetchErr := s.advance(); fetchErr != nil {
			if fetchErr.Kind() != errors.MissingPartition {
				return Blocked, fetchErr
			}
			e.resplitAt(i, fetchErr)
			// Continue iteration at the first descendant, which now
			// occupies index i.
			i--
			continue
		}

		if row := s.peekLookahead(); row != nil {
			if !e.params.Sink.TryEmit(row) {
				e.pendingEmit = s.takeLookahead()
				e.stats.BlockedTicks++
				return Blocked, nil
			}
			s.takeLookahead()
			e.stats.RowsEmitted++
			emitted++
		}

		if s.isDone() {
			e.removeAt(i)
			i--
		}
	}

	if len(e.splits) == 0 {
		e.release()
		return Done, nil
	}
	return Blocked, nil
}

// pumpSorted implements spec.md §4.2.2.
func (e *ScanExecutor) pumpSorted() (Outcome, errors.Error) {
	// A pending row accepted at the top of the loop counts against
	// RowBudget too; if it is rejected the activation returns at once.
	emitted := 0
	if e.pendingEmit != nil {
		emitted = 1
	}
	for {
		if e.tryEmitPending() {
			return Blocked, nil
		}

		for i := 0; i < len(e.splits); i++ {
			s := e.splits[i]
			if fetchErr := s.advance(); fetchErr != nil {
				if fetchErr.Kind() != errors.MissingPartition {
					return Blocked, fetchErr
				}
				e.resplitAt(i, fetchErr)
				i--
				continue
			}
		}

		for _, s := range e.splits {
			if !s.isDone() && s.peekLookahead() == nil {
				// Some live split is still waiting on I/O: we cannot
				// safely pick the global minimum (spec.md §4.2.2 step 3).
				return Blocked, nil
			}
		}

		e.removeDone()
		if len(e.splits) == 0 {
			e.release()
			return Done, nil
		}

		if e.budgetExhausted(emitted) {
			return Blocked, nil
		}

		min := e.minLookaheadSplit()
		e.pendingEmit = min.takeLookahead()
		if !e.params.Sink.TryEmit(e.pendingEmit) {
			e.stats.BlockedTicks++
			return Blocked, nil
		}
		e.pendingEmit = nil
		e.stats.RowsEmitted++
		emitted++
	}
}

// minLookaheadSplit returns the split whose lookahead sorts smallest
// under the configured comparator; the first such split wins ties, so
// stable splits order determines the tie-break (spec.md §4.2.2 step 5).
func (e *ScanExecutor) minLookaheadSplit() *split {
	min := e.splits[0]
	for _, s := range e.splits[1:] {
		if e.params.Comparator(s.peekLookahead(), min.peekLookahead()) < 0 {
			min = s
		}
	}
	return min
}

func (e *ScanExecutor) removeAt(i int) {
	e.splits = append(e.splits[:i], e.splits[i+1:]...)
}

func (e *ScanExecutor) removeDone() {
	live := e.splits[:0]
	for _, s := range e.splits {
		if !s.isDone() {
			live = append(live, s)
		}
	}
	e.splits = live
}

// resplitAt implements the migration recovery algorithm of spec.md
// §4.3, refined per SPEC_FULL.md §4 item 1: only the partitions the
// fetch actually reported missing are regrouped by new owner; any
// partition in the failed split that was *not* reported missing keeps
// its original owner in a fresh residual split. Both inherit the failed
// split's cursor unchanged, since no rows were emitted for it.
func (e *ScanExecutor) resplitAt(i int, cause errors.Error) {
	failed := e.splits[i]
	missing := errors.Missing(cause)
	if missing.IsEmpty() {
		// The fetch client didn't report a precise subset; treat the
		// whole split as having migrated, the bare spec.md behavior.
		missing = failed.partitions
	}
	residual := failed.partitions.Minus(missing)

	groups := partition.GroupBy(missing, func(id partition.ID) datastore.Address {
		addr, ok := e.params.Oracle.Owner(id)
		if !ok {
			// Unknown owner: still create a group keyed on the null
			// address and let the next fetch fail fast, the canonical
			// policy this module picked for spec.md §9's first open
			// question (see SPEC_FULL.md §4 item 4).
			return ""
		}
		return addr
	})

	owners := make([]datastore.Address, 0, len(groups))
	for addr := range groups {
		owners = append(owners, addr)
	}
	sort.Slice(owners, func(a, b int) bool { return owners[a] < owners[b] })

	descendants := make([]*split, 0, len(groups)+1)
	if !residual.IsEmpty() {
		descendants = append(descendants, e.newSplit(residual, failed.owner, failed.cur))
	}
	for _, addr := range owners {
		descendants = append(descendants, e.newSplit(groups[addr], addr, failed.cur))
	}

	logging.Warnf("scan %s: split %d lost partitions %v, resplit into %d descendants across owners %v",
		e.params.ID, failed.id, missing.Array(), len(descendants), owners)

	rest := splitSlicePool.Get()
	rest = append(rest[:0], e.splits[i+1:]...)
	e.splits = append(e.splits[:i], append(descendants, rest...)...)
	splitSlicePool.Put(rest)
	e.stats.Resplits++
}
