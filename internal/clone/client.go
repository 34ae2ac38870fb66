package clone

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/cloneops/mongoclone/internal/log"
)

// duplicateKeyCode is the server error code for a duplicate-key write,
// suppressed individually on insert.
const duplicateKeyCode = 11000

// Client is a thin wrapper over the source/destination database with a
// retry/reconnect wrapper around every operation.
type Client interface {
	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, db string) ([]string, error)
	FindOne(ctx context.Context, db, coll string, query bson.M) (bson.Raw, error)
	Find(ctx context.Context, db, coll string, query bson.M, skip, limit int64, sortField string, sortOrder int) ([]bson.Raw, error)
	FindOplog(ctx context.Context, query bson.M, limit int64) (OplogCursor, error)
	InsertMany(ctx context.Context, db, coll string, docs []bson.Raw) error
	CreateCollection(ctx context.Context, db, coll string, capped bool, max, maxSize int64) error
	Drop(ctx context.Context, db, coll string) error
	CollectionStats(ctx context.Context, db, coll string) (CollectionStats, error)
	IDType(ctx context.Context, db, coll string) (IDType, error)
	SectionIDs(ctx context.Context, db, coll string, quantity int) ([]PrimaryKey, error)
	BuildInfo(ctx context.Context) (string, error)
	ListIndexes(ctx context.Context, db, coll string) ([]bson.Raw, error)
}

// OplogCursor abstracts the tailable-await cursor FindOplog returns so the
// OplogTailer can iterate without depending on *mongo.Cursor directly.
type OplogCursor interface {
	Next(ctx context.Context) bool
	Decode() (bson.Raw, error)
	Close(ctx context.Context) error
	// Err distinguishes "no more docs right now" from a real cursor error.
	Err() error
}

// mongoClient is the sole production Client implementation, wrapping a
// *mongo.Client. Each worker owns its own mongoClient/mongo.Client pair;
// connections are never shared across workers.
type mongoClient struct {
	uri           string
	w             int
	j             bool
	attemptBudget time.Duration
	log           *log.Event

	cl *mongo.Client
}

// NewClient dials host (a bare "host:port" string; "mongodb://" is
// prepended) with the given write concern and retry budget, and returns
// a ready Client.
func NewClient(ctx context.Context, host string, w int, j bool, attemptBudget time.Duration, lg *log.Event) (Client, error) {
	c := &mongoClient{
		uri:           "mongodb://" + host,
		w:             w,
		j:             j,
		attemptBudget: attemptBudget,
		log:           lg,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *mongoClient) connect(ctx context.Context) error {
	wc := writeConcernOpts{w: c.w, j: c.j}
	opts := options.Client().ApplyURI(c.uri).SetWriteConcern(wc.build())
	cl, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", c.uri)
	}
	if c.cl != nil {
		_ = c.cl.Disconnect(ctx)
	}
	c.cl = cl
	return nil
}

// withRetry is the one cross-cutting retry/reconnect helper applied
// inside every Client method. On a transport error it sleeps 0.5s,
// reconnects, and retries the same call, until cumulative elapsed time
// exceeds the configured budget, at which point it invokes the
// emergency self-kill.
func (c *mongoClient) withRetry(ctx context.Context, op string, f func() error) error {
	start := time.Now()
	attempted := false
	for {
		if attempted {
			time.Sleep(500 * time.Millisecond)
			if err := c.connect(ctx); err != nil {
				c.log.Warn("reconnect during %s failed: %v", op, err)
			}
		}
		err := f()
		if err == nil {
			return nil
		}
		if !isTransportError(err) {
			return err
		}
		elapsed := time.Since(start)
		if elapsed >= c.attemptBudget {
			c.log.Critical("retry budget exceeded for %s after %s: %v", op, elapsed, err)
			EmergencySelfKill(c.log)
			return err // unreachable in practice; EmergencySelfKill terminates the process
		}
		c.log.Warn("%s failed (%v), reconnecting and retrying", op, err)
		attempted = true
	}
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("RetryableWriteError") || cmdErr.HasErrorLabel("NetworkError")
	}
	return false
}

func (c *mongoClient) ListDatabases(ctx context.Context) ([]string, error) {
	var out []string
	err := c.withRetry(ctx, "list_databases", func() error {
		names, err := c.cl.ListDatabaseNames(ctx, bson.M{})
		out = names
		return err
	})
	return out, err
}

func (c *mongoClient) ListCollections(ctx context.Context, db string) ([]string, error) {
	var out []string
	err := c.withRetry(ctx, "list_collections", func() error {
		names, err := c.cl.Database(db).ListCollectionNames(ctx, bson.M{})
		out = names
		return err
	})
	return out, err
}

func (c *mongoClient) FindOne(ctx context.Context, db, coll string, query bson.M) (bson.Raw, error) {
	var out bson.Raw
	err := c.withRetry(ctx, "find_one", func() error {
		raw, err := c.cl.Database(db).Collection(coll).FindOne(ctx, query).DecodeBytes()
		if err == mongo.ErrNoDocuments {
			out = nil
			return nil
		}
		out = raw
		return err
	})
	return out, err
}

// Find returns documents matching query, sorted ascending/descending by
// sortField, with a non-timing-out cursor.
func (c *mongoClient) Find(ctx context.Context, db, coll string, query bson.M, skip, limit int64, sortField string, sortOrder int) ([]bson.Raw, error) {
	var out []bson.Raw
	err := c.withRetry(ctx, "find", func() error {
		opts := options.Find().
			SetNoCursorTimeout(true).
			SetSkip(skip).
			SetLimit(limit).
			SetSort(bson.D{{Key: sortField, Value: sortOrder}})
		cur, err := c.cl.Database(db).Collection(coll).Find(ctx, query, opts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		out = out[:0]
		for cur.Next(ctx) {
			out = append(out, append(bson.Raw(nil), cur.Current...))
		}
		return cur.Err()
	})
	return out, err
}

// FindOplog returns a tailable-await cursor optimized for the oplog's
// timestamp field. If query is empty it first probes the earliest entry
// and anchors at ts > earliest.ts; if that probe fails the query stays
// empty, so the cursor starts at the oldest oplog entry rather than at
// the end of the oplog.
func (c *mongoClient) FindOplog(ctx context.Context, query bson.M, limit int64) (OplogCursor, error) {
	if len(query) == 0 {
		first, err := c.oplogEarliest(ctx)
		if err != nil {
			c.log.Warn("could not fetch earliest oplog entry (%v), starting from the oldest entry instead", err)
		} else if first != nil {
			var doc struct {
				TS primitive.Timestamp `bson:"ts"`
			}
			if derr := bson.Unmarshal(first, &doc); derr == nil {
				query = bson.M{"ts": bson.M{"$gt": doc.TS}}
			}
		}
	}

	var cur *mongo.Cursor
	err := c.withRetry(ctx, "find_oplog", func() error {
		opts := options.Find().
			SetNoCursorTimeout(true).
			SetCursorType(options.TailableAwait).
			SetOplogReplay(true).
			SetLimit(limit)
		var err error
		cur, err = c.cl.Database(oplogDatabase).Collection(oplogCollection).Find(ctx, query, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &mongoOplogCursor{cur: cur}, nil
}

func (c *mongoClient) oplogEarliest(ctx context.Context) (bson.Raw, error) {
	var out bson.Raw
	err := c.withRetry(ctx, "oplog_earliest", func() error {
		opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: 1}})
		raw, err := c.cl.Database(oplogDatabase).Collection(oplogCollection).FindOne(ctx, bson.M{}, opts).DecodeBytes()
		if err == mongo.ErrNoDocuments {
			out = nil
			return nil
		}
		out = raw
		return err
	})
	return out, err
}

type mongoOplogCursor struct {
	cur *mongo.Cursor
}

func (m *mongoOplogCursor) Next(ctx context.Context) bool { return m.cur.Next(ctx) }
func (m *mongoOplogCursor) Decode() (bson.Raw, error) {
	return append(bson.Raw(nil), m.cur.Current...), nil
}
func (m *mongoOplogCursor) Close(ctx context.Context) error { return m.cur.Close(ctx) }
func (m *mongoOplogCursor) Err() error                      { return m.cur.Err() }

// InsertMany is unordered with validation bypassed; duplicate-key errors
// are swallowed individually; any other write error aborts the batch.
func (c *mongoClient) InsertMany(ctx context.Context, db, coll string, docs []bson.Raw) error {
	if len(docs) == 0 {
		return nil
	}
	return c.withRetry(ctx, "insert_many", func() error {
		toInsert := make([]interface{}, len(docs))
		for i, d := range docs {
			toInsert[i] = d
		}
		opts := options.InsertMany().SetOrdered(false).SetBypassDocumentValidation(true)
		_, err := c.cl.Database(db).Collection(coll).InsertMany(ctx, toInsert, opts)
		return filterDuplicateKeyErrors(err)
	})
}

func filterDuplicateKeyErrors(err error) error {
	if err == nil {
		return nil
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code != duplicateKeyCode {
				return err
			}
		}
		return nil
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code != duplicateKeyCode {
				return err
			}
		}
		return nil
	}
	return err
}

func (c *mongoClient) CreateCollection(ctx context.Context, db, coll string, capped bool, max, maxSize int64) error {
	return c.withRetry(ctx, "create_collection", func() error {
		opts := options.CreateCollection()
		if capped {
			opts = opts.SetCapped(true)
			if maxSize > 0 {
				opts = opts.SetSizeInBytes(maxSize)
			}
			if max > 0 {
				opts = opts.SetMaxDocuments(max)
			}
		}
		return c.cl.Database(db).CreateCollection(ctx, coll, opts)
	})
}

func (c *mongoClient) Drop(ctx context.Context, db, coll string) error {
	return c.withRetry(ctx, "drop", func() error {
		return c.cl.Database(db).Collection(coll).Drop(ctx)
	})
}

func (c *mongoClient) CollectionStats(ctx context.Context, db, coll string) (CollectionStats, error) {
	var out CollectionStats
	err := c.withRetry(ctx, "collection_stats", func() error {
		res := c.cl.Database(db).RunCommand(ctx, bson.D{{Key: "collstats", Value: coll}})
		var doc struct {
			AvgObjSize  float64 `bson:"avgObjSize"`
			Count       int64   `bson:"count"`
			StorageSize int64   `bson:"storageSize"`
			Capped      bool    `bson:"capped"`
			Max         int64   `bson:"max"`
			MaxSize     int64   `bson:"maxSize"`
			NS          string  `bson:"ns"`
		}
		if err := res.Decode(&doc); err != nil {
			// Collection-not-found on stats returns empty stats; the
			// caller treats that as "does not exist".
			out = CollectionStats{}
			return nil
		}
		out = CollectionStats{
			AvgObjSize:  doc.AvgObjSize,
			Count:       doc.Count,
			StorageSize: doc.StorageSize,
			Capped:      doc.Capped,
			Max:         doc.Max,
			MaxSize:     doc.MaxSize,
			NS:          doc.NS,
			Exists:      true,
		}
		return nil
	})
	return out, err
}

func (c *mongoClient) IDType(ctx context.Context, db, coll string) (IDType, error) {
	docs, err := c.Find(ctx, db, coll, bson.M{}, 0, 1, "_id", 1)
	if err != nil {
		return IDType{}, err
	}
	if len(docs) == 0 {
		return IDType{}, nil
	}
	var doc struct {
		ID interface{} `bson:"_id"`
	}
	if err := bson.Unmarshal(docs[0], &doc); err != nil {
		return IDType{}, errors.Wrap(err, "decode _id")
	}
	if doc.ID == nil {
		return IDType{}, nil
	}
	_, isObjID := doc.ID.(primitive.ObjectID)
	return IDType{HasID: true, IsObjectID: isObjID}, nil
}

// SectionIDs samples the minimum and maximum _id, extracts their creation
// timestamps, divides the span into quantity equal steps, and synthesizes
// one ObjectID per step. Duplicates/unsorted output are permitted; the
// planner sorts and dedups.
func (c *mongoClient) SectionIDs(ctx context.Context, db, coll string, quantity int) ([]PrimaryKey, error) {
	first, err := c.Find(ctx, db, coll, bson.M{}, 0, 1, "_id", 1)
	if err != nil || len(first) == 0 {
		return nil, err
	}
	last, err := c.Find(ctx, db, coll, bson.M{}, 0, 1, "_id", -1)
	if err != nil || len(last) == 0 {
		return nil, err
	}

	firstID, err := extractObjectID(first[0])
	if err != nil {
		return nil, err
	}
	lastID, err := extractObjectID(last[0])
	if err != nil {
		return nil, err
	}

	firstTS := firstID.Timestamp()
	lastTS := lastID.Timestamp()
	span := lastTS.Unix() - firstTS.Unix()
	step := span / int64(quantity)
	if step < 1 {
		step = 1
	}

	var out []PrimaryKey
	for t := firstTS.Unix(); t < lastTS.Unix(); t += step {
		out = append(out, NewPrimaryKey(primitive.NewObjectIDFromTimestamp(time.Unix(t, 0).UTC())))
	}
	return out, nil
}

func extractObjectID(doc bson.Raw) (primitive.ObjectID, error) {
	var v struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := bson.Unmarshal(doc, &v); err != nil {
		return primitive.ObjectID{}, errors.Wrap(err, "decode _id as ObjectID")
	}
	return v.ID, nil
}

func (c *mongoClient) BuildInfo(ctx context.Context) (string, error) {
	var version string
	err := c.withRetry(ctx, "build_info", func() error {
		res := c.cl.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
		var doc struct {
			Version string `bson:"version"`
		}
		if err := res.Decode(&doc); err != nil {
			return err
		}
		version = doc.Version
		return nil
	})
	return version, err
}

func (c *mongoClient) ListIndexes(ctx context.Context, db, coll string) ([]bson.Raw, error) {
	var out []bson.Raw
	err := c.withRetry(ctx, "list_indexes", func() error {
		cur, err := c.cl.Database(db).Collection(coll).Indexes().List(ctx)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		out = out[:0]
		for cur.Next(ctx) {
			out = append(out, append(bson.Raw(nil), cur.Current...))
		}
		return cur.Err()
	})
	return out, err
}

// writeConcernOpts builds the *writeconcern.WriteConcern applied at
// client construction.
type writeConcernOpts struct {
	w int
	j bool
}

func (o writeConcernOpts) build() *writeconcern.WriteConcern {
	opts := []writeconcern.Option{}
	if o.w > 0 {
		opts = append(opts, writeconcern.W(o.w))
	}
	if o.j {
		opts = append(opts, writeconcern.J(true))
	}
	if len(opts) == 0 {
		return writeconcern.New()
	}
	return writeconcern.New(opts...)
}
