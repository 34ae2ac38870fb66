package clone

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cloneops/mongoclone/internal/log"
)

// Preparer ensures the destination collection exists, converting the
// configured oplog size in GB to bytes for CreateCollection when
// preparing the oplog.
type Preparer struct {
	src         Client
	dst         Client
	oplogSizeGB float64
	log         *log.Event
	planner     *Planner
	maxSeeds    int
}

// NewPreparer wires a Preparer for one clone run.
func NewPreparer(src, dst Client, oplogSizeGB float64, maxSeeds int, lg *log.Event) *Preparer {
	return &Preparer{
		src:         src,
		dst:         dst,
		oplogSizeGB: oplogSizeGB,
		log:         lg,
		planner:     NewPlanner(src),
		maxSeeds:    maxSeeds,
	}
}

// Prepare ensures the destination collection exists, reports indexes
// that will not be replicated, and returns the shard descriptors
// emitted by the Planner.
func (p *Preparer) Prepare(ctx context.Context, db, coll string) ([]ShardDescriptor, error) {
	srcStats, err := p.src.CollectionStats(ctx, db, coll)
	if err != nil {
		return nil, errors.Wrapf(err, "stats for source %s.%s", db, coll)
	}

	if err := p.ensureDestination(ctx, db, coll, srcStats); err != nil {
		return nil, err
	}

	p.reportIndexes(ctx, db, coll)

	seeds, err := p.planner.Seeds(ctx, db, coll, p.maxSeeds, srcStats)
	if err != nil {
		return nil, err
	}
	shards, err := Shards(db, coll, seeds)
	if err != nil {
		return nil, errors.Wrapf(err, "plan shards for %s.%s", db, coll)
	}
	return shards, nil
}

// ensureDestination never drops a destination collection, existing or
// not; it only creates a capped collection when the destination is
// missing and the source collection is capped.
func (p *Preparer) ensureDestination(ctx context.Context, db, coll string, srcStats CollectionStats) error {
	dstStats, err := p.dst.CollectionStats(ctx, db, coll)
	if err != nil {
		return errors.Wrapf(err, "stats for destination %s.%s", db, coll)
	}
	if dstStats.Exists {
		// Collection already exists: leave it alone.
		return nil
	}

	if !srcStats.Capped {
		return nil
	}

	max := srcStats.Max
	maxSize := srcStats.MaxSize
	if db == oplogDatabase && coll == oplogCollection {
		maxSize = int64(p.oplogSizeGB * (1 << 30))
	}

	p.log.Info("creating capped collection %s.%s (max=%d, maxSize=%d)", db, coll, max, maxSize)
	if err := p.dst.CreateCollection(ctx, db, coll, true, max, maxSize); err != nil {
		return errors.Wrapf(err, "create capped collection %s.%s", db, coll)
	}
	return nil
}

// reportIndexes decodes listIndexes output and logs a warning naming
// every non-_id index that this core will not replicate. Read-only; it
// never creates, drops, or copies an index.
func (p *Preparer) reportIndexes(ctx context.Context, db, coll string) {
	raw, err := p.src.ListIndexes(ctx, db, coll)
	if err != nil {
		p.log.Warn("could not list indexes for %s.%s: %v", db, coll, err)
		return
	}
	if len(raw) == 0 {
		return
	}

	var skipped []string
	for _, r := range raw {
		var spec struct {
			Name string `bson:"name"`
		}
		if err := bson.Unmarshal(r, &spec); err != nil {
			continue
		}
		if spec.Name == "_id_" {
			continue
		}
		skipped = append(skipped, spec.Name)
	}
	if len(skipped) > 0 {
		p.log.Warn("%s.%s: %d index(es) will NOT be replicated: %v", db, coll, len(skipped), skipped)
	}
}
