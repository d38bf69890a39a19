package scan

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/couchbase/migscan/cursor"
	"github.com/couchbase/migscan/datastore"
	"github.com/couchbase/migscan/errors"
	"github.com/couchbase/migscan/expression"
	"github.com/couchbase/migscan/partition"
	"github.com/couchbase/migscan/value"
)

// --- test doubles -----------------------------------------------------
//
// fakeClient and fakeOracle play the role of the external collaborators
// spec.md §1 places out of scope: a tiny in-memory index and ownership
// table, just enough to drive ScanExecutor through the scenarios in
// spec.md §8.

type fakeRow struct {
	key int
}

type fakeHandle struct {
	result datastore.FetchResult
	err    error
}

func (h *fakeHandle) Ready() bool                          { return true }
func (h *fakeHandle) Result() (datastore.FetchResult, error) { return h.result, h.err }

type fakeClient struct {
	rows      map[partition.ID][]fakeRow
	owner     map[partition.ID]datastore.Address
	batchSize int
	readCount int

	// migrateAfterReads, when non-zero, mutates owner in place (applying
	// migrateTo) on the (migrateAfterReads+1)th call to Read, so a test
	// can arrange for an in-flight scan's fetch to fail with
	// MissingPartition only after some rows have already been consumed.
	migrateAfterReads int
	migrateTo         map[partition.ID]datastore.Address
}

func (c *fakeClient) Read(addr datastore.Address, parts partition.Set, cur cursor.Cursor) datastore.FetchHandle {
	c.readCount++
	if c.migrateAfterReads > 0 && c.readCount > c.migrateAfterReads {
		for id, a := range c.migrateTo {
			c.owner[id] = a
		}
	}
	offsets := decodeOffsets(cur)

	missing := partition.New()
	parts.Each(func(id partition.ID) {
		if c.owner[id] != addr {
			missing = missing.Add(id)
		}
	})
	if !missing.IsEmpty() {
		return &fakeHandle{err: errors.NewMissingPartitionError(missing)}
	}

	// Merge across the requested partitions in key order, respecting each
	// partition's own offset -- the index's natural order contract
	// (spec.md §4.4/§5) applies to the whole request, not just to one
	// partition at a time, so a multi-partition split relies on the fetch
	// client to hand back a globally ordered batch.
	partIDs := parts.Array()
	newOffsets := map[partition.ID]int{}
	for k, v := range offsets {
		newOffsets[k] = v
	}
	var entries []datastore.Entry
	for len(entries) < c.batchSize {
		best := -1
		bestKey := 0
		for _, id := range partIDs {
			rows := c.rows[id]
			off := newOffsets[id]
			if off < len(rows) && (best == -1 || rows[off].key < bestKey) {
				best = int(id)
				bestKey = rows[off].key
			}
		}
		if best == -1 {
			break
		}
		id := partition.ID(best)
		entries = append(entries, rowToEntry(c.rows[id][newOffsets[id]]))
		newOffsets[id]++
	}

	done := true
	for _, id := range partIDs {
		if newOffsets[id] < len(c.rows[id]) {
			done = false
		}
	}

	next := cursor.Terminal
	if !done {
		next = encodeOffsets(newOffsets)
	}
	return &fakeHandle{result: datastore.FetchResult{Entries: entries, Next: next}}
}

func rowToEntry(r fakeRow) datastore.Entry {
	doc := value.NewObject(map[string]value.Value{"key": value.NewValue(r.key)})
	return datastore.Entry{
		PrimaryKey: "",
		EntryKey:   []value.Value{value.NewValue(r.key)},
		Doc:        doc,
	}
}

func decodeOffsets(c cursor.Cursor) map[partition.ID]int {
	if c.IsTerminal() || len(c.Token()) == 0 {
		return map[partition.ID]int{}
	}
	var m map[partition.ID]int
	if err := json.Unmarshal(c.Token(), &m); err != nil {
		return map[partition.ID]int{}
	}
	return m
}

func encodeOffsets(m map[partition.ID]int) cursor.Cursor {
	b, _ := json.Marshal(m)
	return cursor.New(b)
}

type fakeOracle struct {
	owner map[partition.ID]datastore.Address
	count int
}

func (o *fakeOracle) Owner(id partition.ID) (datastore.Address, bool) {
	addr, ok := o.owner[id]
	return addr, ok
}
func (o *fakeOracle) PartitionCount() int { return len(o.owner) }

type collectingSink struct {
	accept func(int) bool // returns whether to accept the nth TryEmit call (1-indexed)
	calls  int
	rows   []int
}

func (s *collectingSink) TryEmit(row value.Value) bool {
	s.calls++
	if s.accept != nil && !s.accept(s.calls) {
		return false
	}
	key, _ := row.Field("key")
	s.rows = append(s.rows, int(key.Actual().(float64)))
	return true
}

func keyField() *expression.Field { return expression.NewField("key") }

func passthroughShaper() expression.RowShaper { return &expression.Shaper{} }

func pumpToCompletion(t *testing.T, e *ScanExecutor) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		outcome, err := e.Pump()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome == Done {
			return
		}
	}
	t.Fatalf("scan did not complete after 10000 activations")
}

func baseRows() map[partition.ID][]fakeRow {
	return map[partition.ID][]fakeRow{
		0: {{10}, {20}, {30}},
		1: {{11}},
		2: {{22}, {33}},
	}
}

// --- scenario 1: happy path, hash --------------------------------------

func TestHappyPathHash(t *testing.T) {
	client := &fakeClient{rows: baseRows(), owner: map[partition.ID]datastore.Address{0: "A", 1: "A", 2: "A"}, batchSize: 64}
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{}

	e := New(Params{
		LocalPartitions: partition.New(0, 1, 2),
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	pumpToCompletion(t, e)

	got := append([]int(nil), sink.rows...)
	sort.Ints(got)
	want := []int{10, 11, 20, 22, 30, 33}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// --- scenario 2: happy path, sorted ascending ---------------------------

func TestHappyPathSorted(t *testing.T) {
	client := &fakeClient{rows: baseRows(), owner: map[partition.ID]datastore.Address{0: "A", 1: "A", 2: "A"}, batchSize: 1}
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{}

	e := New(Params{
		LocalPartitions: partition.New(0, 1, 2),
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
		Comparator: func(a, b value.Value) int {
			av, _ := a.Field("key")
			bv, _ := b.Field("key")
			return av.Collate(bv)
		},
	})

	pumpToCompletion(t, e)

	want := []int{10, 11, 20, 22, 30, 33}
	if len(sink.rows) != len(want) {
		t.Fatalf("got %v, want %v", sink.rows, want)
	}
	for i := range want {
		if sink.rows[i] != want[i] {
			t.Fatalf("got %v, want %v", sink.rows, want)
		}
	}
}

// --- scenario 3: backpressure --------------------------------------------

func TestBackpressure(t *testing.T) {
	client := &fakeClient{rows: baseRows(), owner: map[partition.ID]datastore.Address{0: "A", 1: "A", 2: "A"}, batchSize: 64}
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{accept: func(n int) bool { return n%2 == 0 }}

	e := New(Params{
		LocalPartitions: partition.New(0, 1, 2),
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	sawBlocked := false
	for i := 0; i < 10000; i++ {
		outcome, err := e.Pump()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome == Blocked {
			sawBlocked = true
		}
		if outcome == Done {
			break
		}
	}
	if !sawBlocked {
		t.Fatalf("expected at least one Blocked outcome under backpressure")
	}

	got := append([]int(nil), sink.rows...)
	sort.Ints(got)
	want := []int{10, 11, 20, 22, 30, 33}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// --- scenario 4: single migration mid-scan -------------------------------

func TestMigrationMidScan(t *testing.T) {
	// All three partitions start owned by A. The first fetch (batchSize
	// 2) succeeds and drains the two globally smallest rows, one each
	// from partitions 0 and 1. Before the next fetch is issued, 1 and 2
	// migrate to B, so that fetch comes back MissingPartition({1,2}) and
	// the executor must resplit into a residual {0}@A split and a new
	// {1,2}@B split.
	client := &fakeClient{
		rows:              baseRows(),
		owner:             map[partition.ID]datastore.Address{0: "A", 1: "A", 2: "A"},
		batchSize:         2,
		migrateAfterReads: 1,
		migrateTo:         map[partition.ID]datastore.Address{1: "B", 2: "B"},
	}
	// Shares client.owner's map so the oracle observes the migration at
	// the moment resplitAt queries it, just as a real partition directory
	// would already reflect the move that caused the fetch to fail.
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{}

	e := New(Params{
		LocalPartitions: partition.New(0, 1, 2),
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	pumpToCompletion(t, e)

	if e.Stats().Resplits != 1 {
		t.Fatalf("expected exactly one resplit, got %d", e.Stats().Resplits)
	}

	got := append([]int(nil), sink.rows...)
	sort.Ints(got)
	want := []int{10, 11, 20, 22, 30, 33}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("duplicate or lost row: got %v, want %v", got, want)
		}
	}
}

// --- scenario 5: terminal cursor with empty batch ------------------------

func TestTerminalCursorEmptyBatch(t *testing.T) {
	client := &fakeClient{
		rows:      map[partition.ID][]fakeRow{0: {}},
		owner:     map[partition.ID]datastore.Address{0: "A"},
		batchSize: 64,
	}
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{}

	e := New(Params{
		LocalPartitions: partition.New(0),
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	pumpToCompletion(t, e)
	if len(sink.rows) != 0 {
		t.Fatalf("expected no rows, got %v", sink.rows)
	}
}

// --- scenario 6: all filtered out -----------------------------------------

func TestAllFilteredOut(t *testing.T) {
	client := &fakeClient{rows: baseRows(), owner: map[partition.ID]datastore.Address{0: "A", 1: "A", 2: "A"}, batchSize: 64}
	oracle := &fakeOracle{owner: client.owner}
	sink := &collectingSink{}

	shaper := &expression.Shaper{
		Residual: &expression.Comparison{Op: expression.LT, Left: keyField(), Right: expression.NewConstant(0)},
	}

	e := New(Params{
		LocalPartitions: partition.New(0, 1, 2),
		LocalAddress:    "A",
		Shaper:          shaper,
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	pumpToCompletion(t, e)
	if len(sink.rows) != 0 {
		t.Fatalf("expected every row filtered out, got %v", sink.rows)
	}
}

// --- boundary: empty local partition set ----------------------------------

func TestEmptyLocalPartitions(t *testing.T) {
	client := &fakeClient{rows: baseRows(), owner: map[partition.ID]datastore.Address{}, batchSize: 64}
	oracle := &fakeOracle{owner: map[partition.ID]datastore.Address{}}
	sink := &collectingSink{}

	e := New(Params{
		LocalPartitions: partition.Set{},
		LocalAddress:    "A",
		Shaper:          passthroughShaper(),
		Client:          client,
		Oracle:          oracle,
		Sink:            sink,
	})

	outcome, err := e.Pump()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Done {
		t.Fatalf("expected Done on first pump with no local partitions, got %v", outcome)
	}
	if client.readCount != 0 {
		t.Fatalf("expected no I/O, got %d reads", client.readCount)
	}
}
