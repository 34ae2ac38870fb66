package clone

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cloneops/mongoclone/internal/log"
)

// hardMessageBytes is the server's per-request ceiling; limitWriteBytes
// stays conservatively under it.
const (
	hardMessageBytes  = 16 << 20
	limitWriteBytes   = 12 << 20
	limitReadMultiple = 10
	progressEvery     = 50
)

// sizingLimits computes limit_write/limit_read from the collection's
// average object size.
func sizingLimits(avgObjSize float64) (limitWrite, limitRead int64) {
	if avgObjSize <= 0 {
		avgObjSize = 1
	}
	limitWrite = int64(limitWriteBytes / avgObjSize)
	if limitWrite < 1 {
		limitWrite = 1
	}
	limitRead = limitWrite * limitReadMultiple
	return limitWrite, limitRead
}

// sectionSyncer is the shared shape behind the basic Shard Copier and the
// Oplog Tailer: a sync loop that repeatedly calls syncSection and stops
// once continueFetching says so.
type sectionSyncer interface {
	syncSection(ctx context.Context) (SyncStats, error)
	continueFetching(last SyncStats) bool
	reportProgress(total SyncStats)
}

// runSync drives s to completion (or indefinitely, for the oplog variant),
// accumulating SyncStats and logging progress every 50 iterations.
func runSync(ctx context.Context, s sectionSyncer) (SyncStats, error) {
	var total SyncStats
	iteration := 0
	for {
		iteration++
		sec, err := s.syncSection(ctx)
		if err != nil {
			return total, err
		}
		total.add(sec)
		if iteration%progressEvery == 0 {
			s.reportProgress(total)
		}
		if !s.continueFetching(sec) {
			return total, nil
		}
	}
}

// ShardCopier copies one ShardDescriptor's key range from src to dst,
// chunked to respect size limits and resumable after reconnect via
// previousID.
type ShardCopier struct {
	src, dst   Client
	shard      ShardDescriptor
	log        *log.Event
	limitWrite int64
	limitRead  int64
	stats      CollectionStats
	offset     int64
	previousID PrimaryKey
}

// NewShardCopier constructs a basic copier for shard, sized from stats.
func NewShardCopier(src, dst Client, shard ShardDescriptor, stats CollectionStats, lg *log.Event) *ShardCopier {
	lw, lr := sizingLimits(stats.AvgObjSize)
	return &ShardCopier{
		src:        src,
		dst:        dst,
		shard:      shard,
		log:        lg,
		limitWrite: lw,
		limitRead:  lr,
		stats:      stats,
	}
}

// Sync runs the copy loop to completion and returns the aggregate stats.
func (c *ShardCopier) Sync(ctx context.Context) (SyncStats, error) {
	return runSync(ctx, c)
}

func (c *ShardCopier) continueFetching(last SyncStats) bool {
	return last.Quantity >= c.limitRead
}

// syncSection runs one pass: build the range query, fetch up to
// limit_read documents, insert them in limit_write chunks (degrading to
// per-document retry on a chunk failure), and advance previous_id/offset.
func (c *ShardCopier) syncSection(ctx context.Context) (SyncStats, error) {
	query, skip := c.buildQuery()

	readStart := time.Now()
	docs, err := c.src.Find(ctx, c.shard.Database, c.shard.Collection, query, skip, c.limitRead, "_id", 1)
	readTime := time.Since(readStart).Seconds()
	if err != nil {
		return SyncStats{}, errors.Wrapf(err, "find shard %s", c.shard)
	}

	writeStart := time.Now()
	if err := c.insertChunked(ctx, docs); err != nil {
		return SyncStats{}, err
	}
	writeTime := time.Since(writeStart).Seconds()

	c.offset += int64(len(docs))
	if len(docs) > 0 {
		if id, err := extractObjectID(docs[len(docs)-1]); err == nil {
			c.previousID = NewPrimaryKey(id)
		}
	}

	return SyncStats{Quantity: int64(len(docs)), ReadTime: readTime, WriteTime: writeTime}, nil
}

// buildQuery computes the range query: the default range is
// [seed_start, seed_end]; previous_id, once set, raises the lower bound.
// A "none" seed drops the corresponding bound; if the shard is whole
// range and previous_id is still unset, fall back to skip = offset for
// collections with no usable _id (a cursor-based fallback would be
// preferable on large such collections).
func (c *ShardCopier) buildQuery() (bson.M, int64) {
	cond := bson.M{}

	lower := c.shard.SeedStart
	if c.previousID.Valid {
		lower = c.previousID
	}
	if lower.Valid {
		cond["$gte"] = lower.ID
	}
	if c.shard.SeedEnd.Valid {
		cond["$lte"] = c.shard.SeedEnd.ID
	}

	if len(cond) == 0 {
		if !c.previousID.Valid {
			return bson.M{}, c.offset
		}
		return bson.M{}, 0
	}
	return bson.M{"_id": cond}, 0
}

// insertChunked inserts docs in limit_write chunks; a chunk that fails
// (e.g. it exceeds the server's per-message limit despite the size
// heuristic) is retried one document at a time.
func (c *ShardCopier) insertChunked(ctx context.Context, docs []bson.Raw) error {
	for start := 0; start < len(docs); start += int(c.limitWrite) {
		end := start + int(c.limitWrite)
		if end > len(docs) {
			end = len(docs)
		}
		chunk := docs[start:end]
		if err := c.dst.InsertMany(ctx, c.shard.Database, c.shard.Collection, chunk); err != nil {
			c.log.Warn("chunk insert failed for %s (%v), retrying one document at a time", c.shard, err)
			for _, d := range chunk {
				if derr := c.dst.InsertMany(ctx, c.shard.Database, c.shard.Collection, []bson.Raw{d}); derr != nil {
					return errors.Wrapf(derr, "insert document into %s.%s", c.shard.Database, c.shard.Collection)
				}
			}
		}
	}
	return nil
}

// expectedDocuments is this shard's share of the collection's total
// document count, i.e. count/total_seeds, matching how the original
// per-shard progress reporting sizes "done" against one shard's slice
// of the collection rather than the whole thing.
func (c *ShardCopier) expectedDocuments() int64 {
	total := c.shard.TotalSeeds
	if total < 1 {
		total = 1
	}
	return c.stats.Count / int64(total)
}

// reportProgress runs every 50 iterations: re-sample stats once offset
// has caught up with this shard's expected share of the collection,
// then log completion ratio, throughput, and time split.
func (c *ShardCopier) reportProgress(total SyncStats) {
	expected := c.expectedDocuments()
	if c.offset >= expected {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if fresh, err := c.src.CollectionStats(ctx, c.shard.Database, c.shard.Collection); err == nil && fresh.Exists {
			c.stats = fresh
			expected = c.expectedDocuments()
		}
	}

	ratio := 1.0
	if expected > 0 {
		ratio = float64(c.offset) / float64(expected)
	}
	elapsed := total.ReadTime + total.WriteTime
	docsPerSec := 0.0
	if elapsed > 0 {
		docsPerSec = float64(total.Quantity) / elapsed
	}
	remainingDocs := expected - c.offset
	etaMinutes := 0.0
	if docsPerSec > 0 && remainingDocs > 0 {
		etaMinutes = float64(remainingDocs) / docsPerSec / 60
	}
	readPct, writePct := 0.0, 0.0
	if elapsed > 0 {
		readPct = 100 * total.ReadTime / elapsed
		writePct = 100 * total.WriteTime / elapsed
	}
	c.log.Info("%s: %.1f%% done, offset=%d/%d, %.1f docs/s, ~%.1fm remaining, read=%.1f%% write=%.1f%%",
		c.shard, 100*ratio, c.offset, expected, docsPerSec, etaMinutes, readPct, writePct)
}

// OplogTailer is the specialized Shard Copier that replicates
// local.oplog.rs indefinitely instead of terminating.
type OplogTailer struct {
	src, dst   Client
	log        *log.Event
	limitWrite int64
	previousTS primitive.Timestamp
	hasPrev    bool
}

// NewOplogTailer constructs the oplog tailer, refusing any non-"none"
// seed.
func NewOplogTailer(src, dst Client, shard ShardDescriptor, stats CollectionStats, lg *log.Event) (*OplogTailer, error) {
	if !shard.IsOplog() {
		return nil, errors.Errorf("oplog tailer constructed for non-oplog shard %s", shard)
	}
	if shard.SeedStart.Valid || shard.SeedEnd.Valid {
		return nil, errors.Errorf("oplog tailer requires seed_start=seed_end=none, got %s", shard)
	}
	lw, _ := sizingLimits(stats.AvgObjSize)
	return &OplogTailer{src: src, dst: dst, log: lg, limitWrite: lw}, nil
}

// Sync runs the tail loop forever (until ctx is cancelled or the process
// is killed); continueFetching is constant true.
func (t *OplogTailer) Sync(ctx context.Context) (SyncStats, error) {
	return runSync(ctx, t)
}

func (t *OplogTailer) continueFetching(SyncStats) bool { return true }

func (t *OplogTailer) reportProgress(total SyncStats) {
	t.log.Info("oplog: %d entries replicated so far (read=%.1fs write=%.1fs)", total.Quantity, total.ReadTime, total.WriteTime)
}

// syncSection opens a tailable cursor anchored after previous_id (empty
// on first call, so the client's earliest-entry anchoring applies),
// accumulates into a buffer, and flushes once the buffer reaches
// limit_write. The call returns immediately after that first flush —
// even if the cursor has more data ready — so the caller (runSync) gets
// to log progress every limit_write documents instead of a single call
// draining an arbitrarily busy oplog forever. A momentarily idle cursor
// flushes whatever is buffered, sleeps 1s, and also returns.
func (t *OplogTailer) syncSection(ctx context.Context) (SyncStats, error) {
	query := bson.M{}
	if t.hasPrev {
		query = bson.M{"ts": bson.M{"$gt": t.previousTS}}
	}

	readStart := time.Now()
	cur, err := t.src.FindOplog(ctx, query, 0)
	if err != nil {
		return SyncStats{}, errors.Wrap(err, "open oplog cursor")
	}
	defer cur.Close(ctx)

	var total SyncStats
	var buf []bson.Raw

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		writeStart := time.Now()
		if err := t.dst.InsertMany(ctx, oplogDatabase, oplogCollection, buf); err != nil {
			return errors.Wrap(err, "insert oplog batch")
		}
		total.WriteTime += time.Since(writeStart).Seconds()

		var lastTS struct {
			TS primitive.Timestamp `bson:"ts"`
		}
		if derr := bson.Unmarshal(buf[len(buf)-1], &lastTS); derr == nil {
			t.previousTS = lastTS.TS
			t.hasPrev = true
		}
		total.Quantity += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	for {
		if !cur.Next(ctx) {
			if err := cur.Err(); err != nil {
				return total, errors.Wrap(err, "oplog cursor error")
			}
			if ferr := flush(); ferr != nil {
				return total, ferr
			}
			total.ReadTime += time.Since(readStart).Seconds()
			time.Sleep(1 * time.Second)
			return total, nil
		}
		doc, err := cur.Decode()
		if err != nil {
			return total, errors.Wrap(err, "decode oplog entry")
		}
		buf = append(buf, doc)
		if int64(len(buf)) >= t.limitWrite {
			if ferr := flush(); ferr != nil {
				return total, ferr
			}
			total.ReadTime += time.Since(readStart).Seconds()
			return total, nil
		}
	}
}
