// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package errors provides the scan executor's error taxonomy: a small
// Error interface carrying a code, a fatality flag, and an optional
// cause, in the shape of couchbase-query's errors package but scoped to
// the kinds spec'd for this executor (see Kind below).
package errors

import (
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/couchbase/migscan/partition"
)

type Kind int

const (
	// MissingPartition is recoverable: the executor resplits and
	// retries against the partitions' current owners.
	MissingPartition Kind = iota
	// StaleIndexStamp, IndexNotFound, Serialization and Internal are
	// fatal: pump() surfaces them and the scan tears down.
	StaleIndexStamp
	IndexNotFound
	Serialization
	Internal
	// Cancellation is not surfaced as an error at all; it is a silent
	// teardown signal. Kept in the taxonomy for completeness per spec §7.
	Cancellation
)

func (k Kind) String() string {
	switch k {
	case MissingPartition:
		return "missing_partition"
	case StaleIndexStamp:
		return "stale_index_stamp"
	case IndexNotFound:
		return "index_not_found"
	case Serialization:
		return "serialization"
	case Internal:
		return "internal"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error is the interface every error this module produces satisfies.
// Only MissingPartition is ever recovered internally (§4.3); every other
// kind except Cancellation IsFatal.
type Error interface {
	error
	Kind() Kind
	IsFatal() bool
	Cause() error
	Caller() string
}

type scanError struct {
	kind   Kind
	msg    string
	cause  error
	caller string
	// missing carries the MissingPartition payload: the subset of the
	// failing split's partitions the target reported it no longer owns.
	// Grounded on couchbase-indexing's "Not my partition: <json>" error
	// body (scatter.go RequestBroker.Error), which identifies exactly
	// which partitions of a multi-partition request missed rather than
	// failing the whole request.
	missing partition.Set
}

func (e *scanError) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return e.msg + ": " + e.cause.Error()
	case e.msg != "":
		return e.msg
	case e.cause != nil:
		return e.cause.Error()
	default:
		return e.kind.String()
	}
}

func (e *scanError) Kind() Kind       { return e.kind }
func (e *scanError) Cause() error     { return e.cause }
func (e *scanError) Caller() string   { return e.caller }
func (e *scanError) IsFatal() bool    { return e.kind != MissingPartition && e.kind != Cancellation }

// Missing extracts the MissingPartition payload from an error produced
// by NewMissingPartitionError, or the empty set if e doesn't carry one.
func Missing(e error) partition.Set {
	if se, ok := e.(*scanError); ok {
		return se.missing
	}
	return partition.Set{}
}

func NewMissingPartitionError(missing partition.Set) Error {
	return &scanError{
		kind:    MissingPartition,
		msg:     fmt.Sprintf("split no longer owns partitions %v", missing.Array()),
		missing: missing,
		caller:  callerN(1),
	}
}

func NewStaleIndexStampError(index string) Error {
	return &scanError{
		kind:   StaleIndexStamp,
		msg:    fmt.Sprintf("index %q stamp changed incompatibly under the scan", index),
		caller: callerN(1),
	}
}

func NewIndexNotFoundError(index string) Error {
	return &scanError{
		kind:   IndexNotFound,
		msg:    fmt.Sprintf("index %q not found on target member", index),
		caller: callerN(1),
	}
}

func NewSerializationError(cause error) Error {
	return &scanError{
		kind:   Serialization,
		msg:    "failed to deserialize fetch response",
		cause:  cause,
		caller: callerN(1),
	}
}

func NewInternalError(what string) Error {
	return &scanError{
		kind:   Internal,
		msg:    fmt.Sprintf("scan executor invariant violated: %s", what),
		caller: callerN(1),
	}
}

func NewCancellationError() Error {
	return &scanError{kind: Cancellation, msg: "scan cancelled", caller: callerN(1)}
}

// IsMissingPartition reports whether e is a recoverable MissingPartition
// error, the only kind ScanExecutor.pump handles without surfacing it.
func IsMissingPartition(e error) bool {
	se, ok := e.(Error)
	return ok && se.Kind() == MissingPartition
}

func callerN(level int) string {
	_, fname, line, ok := runtime.Caller(1 + level)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(path.Base(fname), ".go"), line)
}
