// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package expression provides the residual predicate and projection
// language the RowShaper evaluates, in the shape of couchbase-query's
// expression package (Identifier, Constant, the logic_* binary/unary
// operators) trimmed to what a residual filter plus a field projection
// need.
package expression

import (
	"github.com/couchbase/migscan/value"
)

// Expression evaluates to a Value against a document. Evaluation errors
// are reserved for genuine faults (a comparison against an incompatible
// native type raising a panic-worthy condition, say); a field simply
// being absent is not an error, it evaluates to value.Missing.
type Expression interface {
	Evaluate(doc value.Value) (value.Value, error)
}

// Constant always evaluates to the same Value, regardless of doc.
// Mirrors expression.Constant.
type Constant struct {
	Value value.Value
}

func NewConstant(v interface{}) *Constant {
	return &Constant{Value: value.NewValue(v)}
}

func (c *Constant) Evaluate(value.Value) (value.Value, error) { return c.Value, nil }

// Field dereferences a (possibly dotted) path from the document.
// Mirrors expression.Identifier + expression.Field (nav_field.go).
type Field struct {
	Path []string
}

// NewField builds a Field from its path segments, e.g.
// NewField("user", "age") for user.age. Segments are not split on dots.
func NewField(path ...string) *Field {
	return &Field{Path: path}
}

func (f *Field) Evaluate(doc value.Value) (value.Value, error) {
	cur := doc
	for _, name := range f.Path {
		v, ok := cur.Field(name)
		if !ok {
			return value.Missing, nil
		}
		cur = v
	}
	return cur, nil
}

// Op is a binary comparison operator.
type Op int

const (
	EQ Op = iota
	NE
	LT
	LE
	GT
	GE
)

// Comparison evaluates Left and Right and compares them per Op. Per
// spec.md §4.1, a comparison against a MISSING or NULL operand yields
// NONE (unknown), never TRUE or FALSE -- three-valued logic.
type Comparison struct {
	Op          Op
	Left, Right Expression
}

func (c *Comparison) Evaluate(doc value.Value) (value.Value, error) {
	l, err := c.Left.Evaluate(doc)
	if err != nil {
		return nil, err
	}
	r, err := c.Right.Evaluate(doc)
	if err != nil {
		return nil, err
	}
	if isUnknown(l) || isUnknown(r) {
		return unknownValue{}, nil
	}
	cmp := l.Collate(r)
	var b bool
	switch c.Op {
	case EQ:
		b = cmp == 0
	case NE:
		b = cmp != 0
	case LT:
		b = cmp < 0
	case LE:
		b = cmp <= 0
	case GT:
		b = cmp > 0
	case GE:
		b = cmp >= 0
	}
	return value.NewValue(b), nil
}

// And is TRUE iff every operand is TRUE, FALSE if any operand is
// FALSE (even if another is unknown -- short-circuits to FALSE the way
// N1QL's three-valued AND does), else unknown. Mirrors
// expression.logic_and.go.
type And struct{ Operands []Expression }

func (a *And) Evaluate(doc value.Value) (value.Value, error) {
	sawUnknown := false
	for _, op := range a.Operands {
		v, err := op.Evaluate(doc)
		if err != nil {
			return nil, err
		}
		switch v.Truth() {
		case value.FALSE:
			return value.NewValue(false), nil
		case value.NONE:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return unknownValue{}, nil
	}
	return value.NewValue(true), nil
}

// Or is TRUE iff any operand is TRUE, FALSE if every operand is FALSE,
// else unknown. Mirrors expression.logic_or.go.
type Or struct{ Operands []Expression }

func (o *Or) Evaluate(doc value.Value) (value.Value, error) {
	sawUnknown := false
	for _, op := range o.Operands {
		v, err := op.Evaluate(doc)
		if err != nil {
			return nil, err
		}
		switch v.Truth() {
		case value.TRUE:
			return value.NewValue(true), nil
		case value.NONE:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return unknownValue{}, nil
	}
	return value.NewValue(false), nil
}

// Not negates a TRUE/FALSE operand; unknown stays unknown. Mirrors
// expression.logic_not.go.
type Not struct{ Operand Expression }

func (n *Not) Evaluate(doc value.Value) (value.Value, error) {
	v, err := n.Operand.Evaluate(doc)
	if err != nil {
		return nil, err
	}
	switch v.Truth() {
	case value.TRUE:
		return value.NewValue(false), nil
	case value.FALSE:
		return value.NewValue(true), nil
	default:
		return unknownValue{}, nil
	}
}

// unknownValue is a Value whose Truth() is always NONE, used to
// propagate SQL-style three-valued unknown through boolean operators.
// It is a Go type of its own, but its Type() reports NULL, so a
// comparison against it is itself unknown (the N1QL rule that
// comparisons involving MISSING/NULL are unknown rather than an error).
type unknownValue struct{}

func (unknownValue) String() string             { return "unknown" }
func (unknownValue) Type() value.Type            { return value.NULL }
func (unknownValue) Actual() interface{}         { return nil }
func (unknownValue) Truth() value.Tristate       { return value.NONE }
func (unknownValue) Field(string) (value.Value, bool) { return value.Missing, false }
func (unknownValue) Collate(other value.Value) int {
	return value.Null.Collate(other)
}

func isUnknown(v value.Value) bool {
	t := v.Type()
	return t == value.MISSING || t == value.NULL
}
