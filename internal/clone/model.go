// Package clone implements the clone engine: the planner that partitions
// each collection into independently copyable shards, the shard-copy
// workers that stream documents bounded by binary-size limits, and the
// oplog tailer that indefinitely replays replicated operations.
package clone

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PrimaryKey is an opaque comparable identifier. The only concrete form
// the planner can shard on is a 12-byte ObjectID with an extractable
// creation time; the zero value (Valid == false) represents "none" —
// a collection with no usable _id, or a shard with no boundary.
type PrimaryKey struct {
	ID    primitive.ObjectID
	Valid bool
}

// None is the "no boundary" sentinel PrimaryKey.
var None = PrimaryKey{}

// NewPrimaryKey wraps an ObjectID as a valid PrimaryKey.
func NewPrimaryKey(id primitive.ObjectID) PrimaryKey {
	return PrimaryKey{ID: id, Valid: true}
}

// minID and maxID are the all-zero / all-one sentinels used as shard-range
// bounds, ensuring the union of shard ranges covers the entire key space.
var (
	minID = NewPrimaryKey(primitive.ObjectID{})
	maxID = NewPrimaryKey(primitive.ObjectID{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	})
)

// Less reports whether p sorts before o under PrimaryKey ordering. None
// never participates in ordering comparisons made by the planner/copier;
// callers only call Less on Valid keys.
func (p PrimaryKey) Less(o PrimaryKey) bool {
	return p.ID.Hex() < o.ID.Hex()
}

func (p PrimaryKey) String() string {
	if !p.Valid {
		return "none"
	}
	return p.ID.Hex()
}

// ShardDescriptor is the tuple (database, collection, seed_start, seed_end,
// total_seeds) describing one key range to copy. Shards are right-closed;
// duplicate boundary matches between adjacent shards are tolerated via
// duplicate-key suppression in the DB Client.
type ShardDescriptor struct {
	Database   string
	Collection string
	SeedStart  PrimaryKey
	SeedEnd    PrimaryKey
	TotalSeeds int
}

// IsOplog reports whether this descriptor is the single reserved oplog
// shard, (local, oplog.rs).
func (s ShardDescriptor) IsOplog() bool {
	return s.Database == oplogDatabase && s.Collection == oplogCollection
}

// Validate enforces that seed_start <= seed_end, or both are "none";
// and that an oplog shard has both seeds unset.
func (s ShardDescriptor) Validate() error {
	if s.IsOplog() {
		if s.SeedStart.Valid || s.SeedEnd.Valid {
			return fmt.Errorf("oplog shard must have seed_start=seed_end=none, got [%v;%v]", s.SeedStart, s.SeedEnd)
		}
		return nil
	}
	if s.SeedStart.Valid != s.SeedEnd.Valid {
		return fmt.Errorf("shard %s.%s: seed_start and seed_end must both be set or both unset", s.Database, s.Collection)
	}
	if s.SeedStart.Valid && s.SeedEnd.Valid && s.SeedEnd.Less(s.SeedStart) {
		return fmt.Errorf("shard %s.%s: seed_start %v > seed_end %v", s.Database, s.Collection, s.SeedStart, s.SeedEnd)
	}
	return nil
}

func (s ShardDescriptor) String() string {
	return fmt.Sprintf("%s.%s:[%v;%v]", s.Database, s.Collection, s.SeedStart, s.SeedEnd)
}

const (
	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"
)

// CollectionStats is a snapshot of collection metadata used for chunk
// sizing and logging.
type CollectionStats struct {
	AvgObjSize  float64
	Count       int64
	StorageSize int64
	Capped      bool
	Max         int64
	MaxSize     int64
	NS          string
	Exists      bool
}

// IDType reports whether a collection has an _id field and whether it is
// an ObjectID.
type IDType struct {
	HasID      bool
	IsObjectID bool
}

// SyncStats is the aggregate {quantity, read_time, write_time} a shard
// copier/oplog tailer returns from one sync_section call or from Sync's
// terminal return.
type SyncStats struct {
	Quantity  int64
	ReadTime  float64
	WriteTime float64
}

func (s *SyncStats) add(o SyncStats) {
	s.Quantity += o.Quantity
	s.ReadTime += o.ReadTime
	s.WriteTime += o.WriteTime
}
