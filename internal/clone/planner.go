package clone

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// Planner computes, for one collection, the ordered list of PrimaryKey
// boundaries ("seeds") that partition it into shards.
type Planner struct {
	client Client
}

// NewPlanner returns a Planner reading from client (always the source).
func NewPlanner(client Client) *Planner {
	return &Planner{client: client}
}

// Seeds computes the seed list for a collection:
//  1. No usable _id, or this is the oplog collection -> single shard [none, none].
//  2. count <= 100*desiredSeedCount -> single full-range shard [min, max].
//  3. Otherwise sample desiredSeedCount section ids, sort, dedup, bound by min/max.
func (p *Planner) Seeds(ctx context.Context, db, coll string, desiredSeedCount int, stats CollectionStats) ([]PrimaryKey, error) {
	if db == oplogDatabase && coll == oplogCollection {
		return []PrimaryKey{None, None}, nil
	}

	idType, err := p.client.IDType(ctx, db, coll)
	if err != nil {
		return nil, errors.Wrapf(err, "determine id type for %s.%s", db, coll)
	}
	if !idType.HasID || !idType.IsObjectID {
		return []PrimaryKey{None, None}, nil
	}

	if desiredSeedCount <= 0 {
		desiredSeedCount = 1
	}
	if stats.Count <= int64(100*desiredSeedCount) {
		return []PrimaryKey{minID, maxID}, nil
	}

	sampled, err := p.client.SectionIDs(ctx, db, coll, desiredSeedCount)
	if err != nil {
		return nil, errors.Wrapf(err, "sample section ids for %s.%s", db, coll)
	}

	sort.Slice(sampled, func(i, j int) bool { return sampled[i].Less(sampled[j]) })

	deduped := make([]PrimaryKey, 0, len(sampled))
	for _, k := range sampled {
		if len(deduped) > 0 && deduped[len(deduped)-1] == k {
			continue
		}
		deduped = append(deduped, k)
	}

	seeds := make([]PrimaryKey, 0, len(deduped)+2)
	seeds = append(seeds, minID)
	seeds = append(seeds, deduped...)
	seeds = append(seeds, maxID)
	return seeds, nil
}

// Shards turns an N+1 seed list into N ShardDescriptors for (db, coll).
// Shards are right-closed, so adjacent shards share a boundary element;
// the destination's duplicate-key suppression absorbs the overlap.
func Shards(db, coll string, seeds []PrimaryKey) ([]ShardDescriptor, error) {
	if len(seeds) == 0 {
		return nil, errors.Errorf("no seeds produced for %s.%s", db, coll)
	}
	if len(seeds) == 2 && seeds[0] == None && seeds[1] == None {
		return []ShardDescriptor{{Database: db, Collection: coll, SeedStart: None, SeedEnd: None, TotalSeeds: 1}}, nil
	}

	total := len(seeds) - 1
	out := make([]ShardDescriptor, 0, total)
	for i := 0; i < total; i++ {
		d := ShardDescriptor{
			Database:   db,
			Collection: coll,
			SeedStart:  seeds[i],
			SeedEnd:    seeds[i+1],
			TotalSeeds: total,
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
