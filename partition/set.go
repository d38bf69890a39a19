// Package partition implements PartitionSet: a set of partition ids
// over a dense [0, P) space. Splits own a Set; resplit groups one Set
// into several by current owner (see scan.ScanExecutor.resplitAt).
//
// Backed by github.com/RoaringBitmap/roaring, the same compressed
// bitmap library the "tae" storage engine uses for its delete maps
// (pkg/txn/blkupdates.go) -- partition ids are dense small integers,
// exactly roaring's sweet spot.
package partition

import (
	"github.com/RoaringBitmap/roaring"
)

// ID identifies a single partition (shard) of the key/value store.
type ID = uint32

// Set is a PartitionSet: an unordered collection of partition ids. The
// zero value is a valid, empty Set.
type Set struct {
	bits *roaring.Bitmap
}

// New returns an empty Set, or a Set containing exactly the given ids.
func New(ids ...ID) Set {
	b := roaring.NewBitmap()
	for _, id := range ids {
		b.Add(id)
	}
	return Set{bits: b}
}

func (s Set) bitmap() *roaring.Bitmap {
	if s.bits == nil {
		return roaring.NewBitmap()
	}
	return s.bits
}

// IsEmpty reports whether the set has no members. An empty set on a
// Split means "this split is done" (§3).
func (s Set) IsEmpty() bool {
	return s.bits == nil || s.bits.IsEmpty()
}

// Len returns the number of partitions in the set.
func (s Set) Len() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.GetCardinality())
}

// Contains reports whether id is a member of s.
func (s Set) Contains(id ID) bool {
	return s.bits != nil && s.bits.Contains(id)
}

// Add returns a new Set with id added, leaving s untouched.
func (s Set) Add(id ID) Set {
	b := s.bitmap().Clone()
	b.Add(id)
	return Set{bits: b}
}

// Union returns a new Set containing every partition in s or other.
func (s Set) Union(other Set) Set {
	b := s.bitmap().Clone()
	b.Or(other.bitmap())
	return Set{bits: b}
}

// Minus returns a new Set containing every partition in s that is not
// in other -- used to compute the residual split that keeps its
// original owner after a partial resplit (SPEC_FULL.md §4 item 1).
func (s Set) Minus(other Set) Set {
	b := s.bitmap().Clone()
	b.AndNot(other.bitmap())
	return Set{bits: b}
}

// Array returns the partition ids in ascending order.
func (s Set) Array() []ID {
	if s.bits == nil {
		return nil
	}
	return s.bits.ToArray()
}

// Each calls f once per partition id, in ascending order.
func (s Set) Each(f func(ID)) {
	if s.bits == nil {
		return
	}
	it := s.bits.Iterator()
	for it.HasNext() {
		f(it.Next())
	}
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	return Set{bits: s.bitmap().Clone()}
}

// GroupBy partitions s into disjoint subsets keyed by owner(id), the
// core of the resplit algorithm (§4.3 step 2): every partition id is
// handed to owner, and partitions that map to the same key end up in
// the same group. The result is a map, so its key iteration order is
// not defined; callers that need deterministic group order sort the
// returned keys themselves.
func GroupBy[K comparable](s Set, owner func(ID) K) map[K]Set {
	groups := make(map[K]Set)
	s.Each(func(id ID) {
		k := owner(id)
		g, ok := groups[k]
		if !ok {
			g = New()
		}
		groups[k] = g.Add(id)
	})
	return groups
}
