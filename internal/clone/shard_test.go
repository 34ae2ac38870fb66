package clone

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cloneops/mongoclone/internal/log"
)

func TestSizingLimits(t *testing.T) {
	lw, lr := sizingLimits(1024)
	wantWrite := int64(limitWriteBytes / 1024)
	if lw != wantWrite {
		t.Fatalf("limitWrite = %d, want %d", lw, wantWrite)
	}
	if lr != lw*limitReadMultiple {
		t.Fatalf("limitRead = %d, want %d", lr, lw*limitReadMultiple)
	}
}

func TestSizingLimitsZeroAvgObjSize(t *testing.T) {
	lw, lr := sizingLimits(0)
	if lw < 1 {
		t.Fatalf("limitWrite = %d, want at least 1", lw)
	}
	if lr != lw*limitReadMultiple {
		t.Fatalf("limitRead = %d, want %d", lr, lw*limitReadMultiple)
	}
}

func TestSizingLimitsHugeAvgObjSize(t *testing.T) {
	// an avgObjSize bigger than limitWriteBytes must still floor at 1.
	lw, _ := sizingLimits(float64(limitWriteBytes) * 10)
	if lw != 1 {
		t.Fatalf("limitWrite = %d, want 1 for oversized documents", lw)
	}
}

func TestBuildQueryFullRangeNoPrevious(t *testing.T) {
	c := &ShardCopier{shard: ShardDescriptor{Database: "app", Collection: "events"}}
	query, skip := c.buildQuery()
	if len(query) != 0 {
		t.Fatalf("query = %v, want empty for a fully-open shard", query)
	}
	if skip != 0 {
		t.Fatalf("skip = %d, want 0 when previousID is unset and offset is 0", skip)
	}
}

func TestBuildQueryFullRangeWithOffsetFallback(t *testing.T) {
	c := &ShardCopier{shard: ShardDescriptor{Database: "app", Collection: "events"}, offset: 500}
	_, skip := c.buildQuery()
	if skip != 500 {
		t.Fatalf("skip = %d, want 500 (offset-based fallback for an _id-less collection)", skip)
	}
}

func TestBuildQueryBoundedShard(t *testing.T) {
	start := NewPrimaryKey(objID(100))
	end := NewPrimaryKey(objID(200))
	c := &ShardCopier{shard: ShardDescriptor{Database: "app", Collection: "events", SeedStart: start, SeedEnd: end}}

	query, skip := c.buildQuery()
	if skip != 0 {
		t.Fatalf("skip = %d, want 0 for a bounded shard", skip)
	}
	idCond, ok := query["_id"].(bson.M)
	if !ok {
		t.Fatalf("query[_id] missing or wrong type: %v", query)
	}
	if idCond["$gte"] != start.ID {
		t.Fatalf("$gte = %v, want %v", idCond["$gte"], start.ID)
	}
	if idCond["$lte"] != end.ID {
		t.Fatalf("$lte = %v, want %v", idCond["$lte"], end.ID)
	}
}

func TestBuildQueryPreviousIDOverridesSeedStart(t *testing.T) {
	start := NewPrimaryKey(objID(100))
	end := NewPrimaryKey(objID(300))
	prev := NewPrimaryKey(objID(200))
	c := &ShardCopier{
		shard:      ShardDescriptor{Database: "app", Collection: "events", SeedStart: start, SeedEnd: end},
		previousID: prev,
	}
	query, _ := c.buildQuery()
	idCond := query["_id"].(bson.M)
	if idCond["$gte"] != prev.ID {
		t.Fatalf("$gte = %v, want previousID %v to override seed_start", idCond["$gte"], prev.ID)
	}
}

func TestInsertChunkedDegradesToPerDocument(t *testing.T) {
	fc := newFakeClient()
	fc.insertFailOnce[key("app", "events")] = true

	c := &ShardCopier{
		dst:        fc,
		shard:      ShardDescriptor{Database: "app", Collection: "events"},
		limitWrite: 10,
		log:        log.New("test"),
	}
	docs := []bson.Raw{
		mustRaw(t, map[string]interface{}{"_id": objID(1)}),
		mustRaw(t, map[string]interface{}{"_id": objID(2)}),
		mustRaw(t, map[string]interface{}{"_id": objID(3)}),
	}
	if err := c.insertChunked(context.Background(), docs); err != nil {
		t.Fatalf("insertChunked: %v", err)
	}
	if len(fc.docs[key("app", "events")]) != 3 {
		t.Fatalf("inserted %d docs, want 3 after degrading to per-document retry", len(fc.docs[key("app", "events")]))
	}
	// first call (the full chunk) failed and was retried one document at
	// a time, so the call history has the failed batch plus 3 singletons.
	if len(fc.insertCalls) != 4 {
		t.Fatalf("insertCalls = %v, want 4 (1 failed batch + 3 singleton retries)", fc.insertCalls)
	}
}

func TestShardCopierSyncFullRun(t *testing.T) {
	fc := newFakeClient()
	for i := int64(0); i < 5; i++ {
		fc.seed("app", "events", mustRaw(t, map[string]interface{}{"_id": objID(1000 + i)}))
	}
	fc.setStats("app", "events", CollectionStats{Count: 5, AvgObjSize: 100})

	shard := ShardDescriptor{Database: "app", Collection: "events", SeedStart: minID, SeedEnd: maxID}
	copier := NewShardCopier(fc, fc, shard, CollectionStats{Count: 5, AvgObjSize: 100}, log.New("test"))

	stats, err := copier.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Quantity != 5 {
		t.Fatalf("Quantity = %d, want 5", stats.Quantity)
	}
}

func TestNewOplogTailerRejectsNonOplogShard(t *testing.T) {
	fc := newFakeClient()
	_, err := NewOplogTailer(fc, fc, ShardDescriptor{Database: "app", Collection: "events"}, CollectionStats{}, log.New("test"))
	if err == nil {
		t.Fatalf("expected error constructing an oplog tailer for a non-oplog shard")
	}
}

func TestNewOplogTailerRejectsSeedBounds(t *testing.T) {
	fc := newFakeClient()
	shard := ShardDescriptor{Database: oplogDatabase, Collection: oplogCollection, SeedStart: NewPrimaryKey(objID(1))}
	_, err := NewOplogTailer(fc, fc, shard, CollectionStats{}, log.New("test"))
	if err == nil {
		t.Fatalf("expected error constructing an oplog tailer with a set seed bound")
	}
}

func oplogEntry(t *testing.T, sec, ord uint32) bson.Raw {
	return mustRaw(t, map[string]interface{}{"ts": primitive.Timestamp{T: sec, I: ord}})
}

// TestOplogTailerSyncSectionWithinLimit seeds fewer entries than
// limitWrite; the cursor goes idle after draining them, so syncSection
// flushes the partial buffer, sleeps, and returns.
func TestOplogTailerSyncSectionWithinLimit(t *testing.T) {
	src := newFakeClient()
	dst := newFakeClient()
	src.seed(oplogDatabase, oplogCollection,
		oplogEntry(t, 100, 1),
		oplogEntry(t, 100, 2),
		oplogEntry(t, 101, 1),
	)

	tailer, err := NewOplogTailer(src, dst, ShardDescriptor{Database: oplogDatabase, Collection: oplogCollection}, CollectionStats{AvgObjSize: 100}, log.New("test"))
	if err != nil {
		t.Fatalf("NewOplogTailer: %v", err)
	}
	tailer.limitWrite = 10 // bigger than the seeded entries, to force the idle-drain path

	stats, err := tailer.syncSection(context.Background())
	if err != nil {
		t.Fatalf("syncSection: %v", err)
	}
	if stats.Quantity != 3 {
		t.Fatalf("Quantity = %d, want 3", stats.Quantity)
	}
	if got := dst.docs[key(oplogDatabase, oplogCollection)]; len(got) != 3 {
		t.Fatalf("destination has %d oplog entries, want 3", len(got))
	}
	if !tailer.hasPrev || tailer.previousTS != (primitive.Timestamp{T: 101, I: 1}) {
		t.Fatalf("previousTS = %+v, hasPrev = %v, want {101 1}/true", tailer.previousTS, tailer.hasPrev)
	}
}

// TestOplogTailerSyncSectionStopsAtLimitWrite pins down the tailer's
// termination rule: one syncSection call returns as soon as the buffer
// reaches limitWrite, even if the cursor has more ready to deliver, so
// the caller's progress cadence keeps running on a continuously-written
// oplog instead of one call draining it forever.
func TestOplogTailerSyncSectionStopsAtLimitWrite(t *testing.T) {
	src := newFakeClient()
	dst := newFakeClient()
	for i := uint32(1); i <= 5; i++ {
		src.seed(oplogDatabase, oplogCollection, oplogEntry(t, 100, i))
	}

	tailer, err := NewOplogTailer(src, dst, ShardDescriptor{Database: oplogDatabase, Collection: oplogCollection}, CollectionStats{AvgObjSize: 100}, log.New("test"))
	if err != nil {
		t.Fatalf("NewOplogTailer: %v", err)
	}
	tailer.limitWrite = 2

	stats, err := tailer.syncSection(context.Background())
	if err != nil {
		t.Fatalf("syncSection: %v", err)
	}
	if stats.Quantity != 2 {
		t.Fatalf("Quantity = %d, want 2 (one syncSection call stops at limitWrite even though 5 entries were ready)", stats.Quantity)
	}
	if got := dst.docs[key(oplogDatabase, oplogCollection)]; len(got) != 2 {
		t.Fatalf("destination has %d oplog entries after one call, want 2", len(got))
	}
	if tailer.previousTS != (primitive.Timestamp{T: 100, I: 2}) {
		t.Fatalf("previousTS = %+v, want {100 2}", tailer.previousTS)
	}

	// A second call picks up where the first left off and again stops at
	// limitWrite, leaving the fifth entry for a later call.
	stats2, err := tailer.syncSection(context.Background())
	if err != nil {
		t.Fatalf("second syncSection: %v", err)
	}
	if stats2.Quantity != 2 {
		t.Fatalf("second call Quantity = %d, want 2", stats2.Quantity)
	}
	if got := dst.docs[key(oplogDatabase, oplogCollection)]; len(got) != 4 {
		t.Fatalf("destination has %d oplog entries after two calls, want 4", len(got))
	}
}

// TestOplogTailerSyncSectionIdleCallIsNoop exercises repeated
// syncSection calls against the fake client's tailable-cursor emulation
// end to end, confirming a full replication pass lands every seeded
// entry, previousTS advances monotonically, and a subsequent call with
// nothing new written observes the cursor go idle immediately rather
// than reprocessing already-flushed entries.
func TestOplogTailerSyncSectionIdleCallIsNoop(t *testing.T) {
	src := newFakeClient()
	dst := newFakeClient()
	for i := uint32(1); i <= 4; i++ {
		src.seed(oplogDatabase, oplogCollection, oplogEntry(t, 200, i))
	}

	tailer, err := NewOplogTailer(src, dst, ShardDescriptor{Database: oplogDatabase, Collection: oplogCollection}, CollectionStats{AvgObjSize: 100}, log.New("test"))
	if err != nil {
		t.Fatalf("NewOplogTailer: %v", err)
	}
	tailer.limitWrite = 4

	stats, err := tailer.syncSection(context.Background())
	if err != nil {
		t.Fatalf("syncSection: %v", err)
	}
	if stats.Quantity != 4 {
		t.Fatalf("Quantity = %d, want 4", stats.Quantity)
	}
	if got := dst.docs[key(oplogDatabase, oplogCollection)]; len(got) != 4 {
		t.Fatalf("destination has %d oplog entries, want 4", len(got))
	}
	if tailer.previousTS != (primitive.Timestamp{T: 200, I: 4}) {
		t.Fatalf("previousTS = %+v, want {200 4}", tailer.previousTS)
	}

	// Nothing new has been written since; a further call observes the
	// cursor go idle immediately and returns without reprocessing entries
	// already flushed (FindOplog re-anchors on previousTS).
	before := len(dst.docs[key(oplogDatabase, oplogCollection)])
	stats2, err := tailer.syncSection(context.Background())
	if err != nil {
		t.Fatalf("second syncSection: %v", err)
	}
	if stats2.Quantity != 0 {
		t.Fatalf("second call Quantity = %d, want 0 (nothing new written)", stats2.Quantity)
	}
	if got := len(dst.docs[key(oplogDatabase, oplogCollection)]); got != before {
		t.Fatalf("destination count changed to %d from %d on an idle call", got, before)
	}
}
