// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package util carries small pooling helpers, in the shape of
// couchbase-query's util package (which hand-writes one pool type per
// concrete element type -- pool_string_int.go, pool_ipairs.go,
// pool_interface.go). SplitPool below replaces that per-type family
// with a single generic pool; the scan package instantiates it for the
// []*split slice every ScanExecutor churns through on every resplit.
package util

import "sync"

// SplitPool recycles the backing slices ScanExecutor uses to hold its
// active splits, avoiding an allocation on every resplit that grows or
// shrinks the set.
type SplitPool[T any] struct {
	pool *sync.Pool
	size int
}

func NewSplitPool[T any](size int) *SplitPool[T] {
	return &SplitPool[T]{
		size: size,
		pool: &sync.Pool{
			New: func() interface{} {
				return make([]T, 0, size)
			},
		},
	}
}

func (p *SplitPool[T]) Get() []T {
	return p.pool.Get().([]T)
}

func (p *SplitPool[T]) Put(s []T) {
	if cap(s) < p.size {
		return
	}
	var zero T
	for i := range s {
		s[i] = zero
	}
	p.pool.Put(s[:0])
}
