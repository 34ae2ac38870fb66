package clone

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeClient is a small in-memory Client used by this package's tests. It
// keeps documents per (db, coll) as raw bson, sorted by insertion, and
// implements just enough query/sort/skip/limit semantics to exercise the
// planner, shard copier, and oplog tailer without a real server.
type fakeClient struct {
	docs map[string][]bson.Raw // key: "db.coll"
	caps map[string]CollectionStats
	idx  map[string][]bson.Raw // listIndexes output per "db.coll"

	buildInfo string

	// insertFailOnce, if set, makes the next InsertMany call for the
	// named key fail once (simulating a batch too large for one message),
	// then succeed on the retried per-document calls.
	insertFailOnce map[string]bool
	insertCalls    []int // size of every InsertMany batch received, in order
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		docs:           map[string][]bson.Raw{},
		caps:           map[string]CollectionStats{},
		idx:            map[string][]bson.Raw{},
		insertFailOnce: map[string]bool{},
		buildInfo:      "6.0.5",
	}
}

func key(db, coll string) string { return db + "." + coll }

func mustRaw(t interface{ Fatalf(string, ...interface{}) }, v interface{}) bson.Raw {
	raw, err := bson.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return raw
}

// seed appends docs to (db, coll), in the given order.
func (f *fakeClient) seed(db, coll string, docs ...bson.Raw) {
	k := key(db, coll)
	f.docs[k] = append(f.docs[k], docs...)
}

func (f *fakeClient) setStats(db, coll string, s CollectionStats) {
	s.Exists = true
	f.caps[key(db, coll)] = s
}

func (f *fakeClient) ListDatabases(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for k := range f.docs {
		db := dbPart(k)
		if !seen[db] {
			seen[db] = true
			out = append(out, db)
		}
	}
	sort.Strings(out)
	return out, nil
}

func dbPart(k string) string {
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			return k[:i]
		}
	}
	return k
}

func collPart(k string) string {
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			return k[i+1:]
		}
	}
	return ""
}

func (f *fakeClient) ListCollections(ctx context.Context, db string) ([]string, error) {
	var out []string
	for k := range f.docs {
		if dbPart(k) == db {
			out = append(out, collPart(k))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeClient) FindOne(ctx context.Context, db, coll string, query bson.M) (bson.Raw, error) {
	docs, err := f.Find(ctx, db, coll, query, 0, 1, "_id", 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// docObjectID reports a document's _id only when the field is actually
// present and an ObjectID; a document with no _id at all (e.g. an oplog
// entry, keyed by "ts" instead) must never be treated as colliding with
// another _id-less document on a fake zero-value id.
func docObjectID(d bson.Raw) (primitive.ObjectID, bool) {
	var v struct {
		ID *primitive.ObjectID `bson:"_id"`
	}
	if err := bson.Unmarshal(d, &v); err != nil || v.ID == nil {
		return primitive.ObjectID{}, false
	}
	return *v.ID, true
}

func (f *fakeClient) Find(ctx context.Context, db, coll string, query bson.M, skip, limit int64, sortField string, sortOrder int) ([]bson.Raw, error) {
	k := key(db, coll)
	all := append([]bson.Raw(nil), f.docs[k]...)

	if idCond, ok := query["_id"].(bson.M); ok {
		var filtered []bson.Raw
		for _, d := range all {
			id, ok := docObjectID(d)
			if !ok {
				continue
			}
			if gte, ok := idCond["$gte"].(primitive.ObjectID); ok && id.Hex() < gte.Hex() {
				continue
			}
			if lte, ok := idCond["$lte"].(primitive.ObjectID); ok && id.Hex() > lte.Hex() {
				continue
			}
			filtered = append(filtered, d)
		}
		all = filtered
	}

	sort.SliceStable(all, func(i, j int) bool {
		idI, okI := docObjectID(all[i])
		idJ, okJ := docObjectID(all[j])
		if !okI || !okJ {
			return false
		}
		if sortOrder < 0 {
			return idJ.Hex() < idI.Hex()
		}
		return idI.Hex() < idJ.Hex()
	})

	if skip > 0 {
		if int(skip) >= len(all) {
			return nil, nil
		}
		all = all[skip:]
	}
	if limit > 0 && int64(len(all)) > limit {
		all = all[:limit]
	}
	return all, nil
}

type fakeOplogCursor struct {
	docs []bson.Raw
	pos  int
}

func (c *fakeOplogCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}
func (c *fakeOplogCursor) Decode() (bson.Raw, error) { return c.docs[c.pos-1], nil }
func (c *fakeOplogCursor) Close(ctx context.Context) error { return nil }
func (c *fakeOplogCursor) Err() error                      { return nil }

func (f *fakeClient) FindOplog(ctx context.Context, query bson.M, limit int64) (OplogCursor, error) {
	all := append([]bson.Raw(nil), f.docs[key(oplogDatabase, oplogCollection)]...)

	var after primitive.Timestamp
	hasAfter := false
	if tsCond, ok := query["ts"].(bson.M); ok {
		if gt, ok := tsCond["$gt"].(primitive.Timestamp); ok {
			after = gt
			hasAfter = true
		}
	}

	var out []bson.Raw
	for _, d := range all {
		var v struct {
			TS primitive.Timestamp `bson:"ts"`
		}
		if err := bson.Unmarshal(d, &v); err != nil {
			continue
		}
		if hasAfter && (v.TS.T < after.T || (v.TS.T == after.T && v.TS.I <= after.I)) {
			continue
		}
		out = append(out, d)
	}
	return &fakeOplogCursor{docs: out}, nil
}

func (f *fakeClient) InsertMany(ctx context.Context, db, coll string, docs []bson.Raw) error {
	k := key(db, coll)
	f.insertCalls = append(f.insertCalls, len(docs))

	if f.insertFailOnce[k] && len(docs) > 1 {
		f.insertFailOnce[k] = false
		return fmt.Errorf("simulated oversize batch for %s", k)
	}

	existing := map[string]bool{}
	for _, d := range f.docs[k] {
		if id, ok := docObjectID(d); ok {
			existing[id.Hex()] = true
		}
	}
	for _, d := range docs {
		id, ok := docObjectID(d)
		if ok && existing[id.Hex()] {
			continue // duplicate key suppressed, matching production semantics
		}
		f.docs[k] = append(f.docs[k], d)
		if ok {
			existing[id.Hex()] = true
		}
	}
	return nil
}

func (f *fakeClient) CreateCollection(ctx context.Context, db, coll string, capped bool, max, maxSize int64) error {
	s := f.caps[key(db, coll)]
	s.Exists = true
	s.Capped = capped
	s.Max = max
	s.MaxSize = maxSize
	f.caps[key(db, coll)] = s
	return nil
}

func (f *fakeClient) Drop(ctx context.Context, db, coll string) error {
	delete(f.docs, key(db, coll))
	delete(f.caps, key(db, coll))
	return nil
}

func (f *fakeClient) CollectionStats(ctx context.Context, db, coll string) (CollectionStats, error) {
	k := key(db, coll)
	if s, ok := f.caps[k]; ok {
		s.Count = int64(len(f.docs[k]))
		return s, nil
	}
	if docs, ok := f.docs[k]; ok {
		return CollectionStats{Count: int64(len(docs)), Exists: true, NS: k}, nil
	}
	return CollectionStats{}, nil
}

func (f *fakeClient) IDType(ctx context.Context, db, coll string) (IDType, error) {
	docs := f.docs[key(db, coll)]
	if len(docs) == 0 {
		return IDType{}, nil
	}
	if _, ok := docObjectID(docs[0]); ok {
		return IDType{HasID: true, IsObjectID: true}, nil
	}
	return IDType{}, nil
}

func (f *fakeClient) SectionIDs(ctx context.Context, db, coll string, quantity int) ([]PrimaryKey, error) {
	docs, err := f.Find(ctx, db, coll, bson.M{}, 0, 1, "_id", 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	first, _ := docObjectID(docs[0])
	last := docs[0]
	lastDocs, _ := f.Find(ctx, db, coll, bson.M{}, 0, 1, "_id", -1)
	if len(lastDocs) > 0 {
		last = lastDocs[0]
	}
	lastID, _ := docObjectID(last)

	firstTS := first.Timestamp()
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

func (f *fakeClient) BuildInfo(ctx context.Context) (string, error) {
	return f.buildInfo, nil
}

func (f *fakeClient) ListIndexes(ctx context.Context, db, coll string) ([]bson.Raw, error) {
	return f.idx[key(db, coll)], nil
}
