package clone

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cloneops/mongoclone/internal/log"
	"github.com/cloneops/mongoclone/internal/report"
)

// Orchestrator enumerates databases and collections, drives the
// Preparer/Planner, fills a work queue, and runs the worker pool with
// one reserved slot for the oplog.
type Orchestrator struct {
	src, dst    Client
	oplogSizeGB float64
	maxSeeds    int
	threads     int
	log         *log.Event
	checkVer    bool
	reporter    *report.Reporter
}

// NewOrchestrator wires an Orchestrator for one run. reporter may be nil,
// in which case shard completions are simply not recorded anywhere beyond
// the log.
func NewOrchestrator(src, dst Client, oplogSizeGB float64, maxSeeds, threads int, checkVersion bool, reporter *report.Reporter, lg *log.Event) *Orchestrator {
	return &Orchestrator{
		src:         src,
		dst:         dst,
		oplogSizeGB: oplogSizeGB,
		maxSeeds:    maxSeeds,
		threads:     threads,
		log:         lg,
		checkVer:    checkVersion,
		reporter:    reporter,
	}
}

// Run performs one full clone pass: preflight, plan every collection,
// partition the oplog descriptor to the front of the queue, and spawn
// 1+max(1,threads) workers. It returns once all bulk-copy workers have
// completed; the worker that claimed the oplog tails indefinitely and
// its completion is never awaited.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.checkVer {
		if err := NewVersionGuard(o.src, o.dst, o.log.With("version-guard")).Check(ctx); err != nil {
			return errors.Wrap(err, "version guard")
		}
	}

	if o.reporter != nil {
		go o.reporter.Run(ctx)
	}

	shards, err := o.planAll(ctx)
	if err != nil {
		return err
	}

	oplogShard, bulk, err := partitionOplog(shards)
	if err != nil {
		return err
	}

	workerCount := 1 + maxInt(1, o.threads)
	queue := NewWorkQueue(len(bulk) + workerCount + 1)
	queue.Enqueue(oplogShard)
	for _, s := range bulk {
		queue.Enqueue(s)
	}
	for i := 0; i < workerCount; i++ {
		queue.EnqueueDone()
	}

	results := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go o.runWorker(ctx, i, queue, results)
	}

	// One worker claims the oplog and tails forever; wait only for the
	// remaining workerCount-1 to report completion.
	var firstErr error
	for i := 0; i < workerCount-1; i++ {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// planAll enumerates every database and collection via the source
// client and runs the Collection Preparer on each concurrently, via
// errgroup, returning the full set of shard descriptors across the
// whole deployment. Preparer calls are independent per collection, so
// this fans them out instead of planning one collection at a time.
func (o *Orchestrator) planAll(ctx context.Context) ([]ShardDescriptor, error) {
	databases, err := o.src.ListDatabases(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list databases")
	}

	type target struct{ db, coll string }
	var targets []target
	for _, db := range databases {
		colls, err := o.src.ListCollections(ctx, db)
		if err != nil {
			return nil, errors.Wrapf(err, "list collections for %s", db)
		}
		for _, coll := range colls {
			targets = append(targets, target{db, coll})
		}
	}

	var (
		mu  sync.Mutex
		all []ShardDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			lg := o.log.With(fmt.Sprintf("%s.%s", t.db, t.coll))
			prep := NewPreparer(o.src, o.dst, o.oplogSizeGB, o.maxSeeds, lg)
			shards, err := prep.Prepare(gctx, t.db, t.coll)
			if err != nil {
				return errors.Wrapf(err, "prepare %s.%s", t.db, t.coll)
			}
			mu.Lock()
			all = append(all, shards...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// partitionOplog splits shards into the single oplog descriptor and the
// rest, failing fast if no oplog descriptor exists.
func partitionOplog(shards []ShardDescriptor) (ShardDescriptor, []ShardDescriptor, error) {
	var oplog *ShardDescriptor
	bulk := make([]ShardDescriptor, 0, len(shards))
	for i, s := range shards {
		if s.IsOplog() {
			if oplog != nil {
				return ShardDescriptor{}, nil, errors.New("more than one oplog descriptor planned")
			}
			oplog = &shards[i]
			continue
		}
		bulk = append(bulk, s)
	}
	if oplog == nil {
		return ShardDescriptor{}, nil, errors.New("no oplog descriptor found; local.oplog.rs must be reachable on the source")
	}
	return *oplog, bulk, nil
}

// runWorker implements the per-worker state machine: idle ->
// running_shard -> idle, repeatedly, until it dequeues the DONE
// sentinel or the queue drains (1s dequeue timeout), at which point it
// reports exited. A worker that dequeues the oplog shard transitions to
// tailing and never returns from this call.
func (o *Orchestrator) runWorker(ctx context.Context, id int, queue *WorkQueue, results chan<- error) {
	lg := o.log.With(fmt.Sprintf("worker-%d", id))
	for {
		shard, res := queue.Dequeue(ctx)
		switch res {
		case dequeuedDone, dequeuedTimeout:
			results <- nil
			return
		case dequeuedShard:
			if err := o.runShard(ctx, shard, lg); err != nil {
				lg.Error("shard %s failed: %v", shard, err)
				results <- err
				return
			}
		}
	}
}

// runShard constructs the appropriate copier for shard and runs it to
// completion.
func (o *Orchestrator) runShard(ctx context.Context, shard ShardDescriptor, lg *log.Event) error {
	stats, err := o.src.CollectionStats(ctx, shard.Database, shard.Collection)
	if err != nil {
		return errors.Wrapf(err, "stats for %s", shard)
	}

	if shard.IsOplog() {
		tailer, err := NewOplogTailer(o.src, o.dst, shard, stats, lg)
		if err != nil {
			return err
		}
		lg.Info("tailing oplog")
		_, err = tailer.Sync(ctx)
		return err
	}

	copier := NewShardCopier(o.src, o.dst, shard, stats, lg)
	lg.Info("copying shard %s", shard)
	total, err := copier.Sync(ctx)
	if err != nil {
		return err
	}
	lg.Info("shard %s complete: %d documents", shard, total.Quantity)
	if o.reporter != nil {
		o.reporter.Record(report.Sample{
			Shard:     shard.String(),
			Quantity:  total.Quantity,
			ReadTime:  total.ReadTime,
			WriteTime: total.WriteTime,
		})
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
