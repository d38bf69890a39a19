// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package expression

import (
	"github.com/couchbase/migscan/datastore"
	"github.com/couchbase/migscan/value"
)

// RowShaper evaluates the residual predicate and projection against a
// raw fetched Entry, per spec.md §4.1 step 4 and §6. Shape returns
// (nil, false) for an entry the residual predicate rejects (FALSE or
// NONE/unknown); RowShaper.Shape is a pure function of its Entry, no
// I/O, so Split.advance can call it inline without polling.
type RowShaper interface {
	Shape(e datastore.Entry) (value.Value, bool)
}

// Projected is a Named projection column: Alias is the output field
// name, Expr is evaluated against the entry's document.
type Projected struct {
	Alias string
	Expr  Expression
}

// Shaper is the concrete RowShaper: an optional residual predicate plus
// an optional list of projected columns. A nil Residual accepts every
// row; a nil/empty Projection passes the whole document through
// unshaped, matching how couchbase-query's IndexScan2 falls back to the
// full document when the plan carries no covering projection.
type Shaper struct {
	Residual   Expression
	Projection []Projected
}

func (s *Shaper) Shape(e datastore.Entry) (value.Value, bool) {
	if s.Residual != nil {
		v, err := s.Residual.Evaluate(e.Doc)
		if err != nil || v.Truth() != value.TRUE {
			// Errors are treated as filtering the row out rather than
			// failing the scan: a residual predicate is evaluated once
			// per document and spec.md doesn't grant it a fatal-error
			// path distinct from "row doesn't match".
			return nil, false
		}
	}
	if len(s.Projection) == 0 {
		return e.Doc, true
	}
	fields := make(map[string]value.Value, len(s.Projection))
	for _, p := range s.Projection {
		v, err := p.Expr.Evaluate(e.Doc)
		if err != nil {
			v = value.Missing
		}
		fields[p.Alias] = v
	}
	return value.NewObject(fields), true
}
