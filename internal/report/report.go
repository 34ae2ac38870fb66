// Package report implements the Run Reporter: a best-effort, periodic
// snapshot of aggregate run statistics, compressed and optionally
// uploaded to an artifact sink. It is never on the critical path of
// replication correctness — every failure while building, compressing or
// uploading a snapshot is logged and swallowed. Only New returns an
// error, when the configured sink cannot be constructed.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cloneops/mongoclone/internal/log"
	"github.com/cloneops/mongoclone/internal/report/compress"
	"github.com/cloneops/mongoclone/internal/report/sink"
)

// Sample is one shard's contribution to a run, fed to the Reporter by
// the Orchestrator as each bulk-copy shard completes.
// This mirrors clone.SyncStats without importing the clone package,
// keeping internal/report free of a dependency back onto the engine
// it's reporting on.
type Sample struct {
	Shard     string
	Quantity  int64
	ReadTime  float64
	WriteTime float64
}

// sampleBuffer is large enough to absorb a burst of shard completions
// between two ticks without blocking a worker; a full buffer drops the
// oldest sample rather than blocking.
const sampleBuffer = 256

// snapshot is the JSON shape uploaded to the configured sink.
type snapshot struct {
	RunID     string            `json:"run_id"`
	Unix      int64             `json:"ts"`
	PerShard  map[string]Sample `json:"per_shard"`
	Quantity  int64             `json:"quantity"`
	ReadTime  float64           `json:"read_time"`
	WriteTime float64           `json:"write_time"`
}

// Reporter accumulates Samples and, every interval, compresses and
// uploads a snapshot through sink.
type Reporter struct {
	runID       string
	interval    time.Duration
	compression string
	sink        sink.Sink
	log         *log.Event

	ch chan Sample

	mu       sync.Mutex
	perShard map[string]Sample
}

// New builds a Reporter. sinkCfg.Kind == "" disables uploads but the
// Reporter still logs snapshots locally, so enabling the reporter
// without a configured sink is still useful for a quick look at
// aggregate throughput.
func New(interval time.Duration, compression string, sinkCfg sink.Config, lg *log.Event) (*Reporter, error) {
	var (
		s   sink.Sink
		err error
	)
	if sinkCfg.Kind != "" {
		s, err = sink.New(sinkCfg)
		if err != nil {
			return nil, errors.Wrap(err, "build report sink")
		}
	}
	return &Reporter{
		runID:       uuid.New().String(),
		interval:    interval,
		compression: compression,
		sink:        s,
		log:         lg,
		ch:          make(chan Sample, sampleBuffer),
		perShard:    make(map[string]Sample),
	}, nil
}

// RunID is the identifier this run's snapshots are keyed under.
func (r *Reporter) RunID() string { return r.runID }

// Record feeds one Sample to the reporter without blocking the caller:
// if the internal buffer is full, the oldest pending sample is dropped
// (and a warning logged) to make room.
func (r *Reporter) Record(s Sample) {
	select {
	case r.ch <- s:
		return
	default:
	}
	select {
	case <-r.ch:
		r.log.Warn("report buffer full, dropping oldest pending sample")
	default:
	}
	select {
	case r.ch <- s:
	default:
	}
}

// Run drains samples and emits a snapshot every interval until ctx is
// cancelled. It is meant to run on its own goroutine for the lifetime of
// the orchestrator.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.ch:
			r.absorb(s)
		case <-ticker.C:
			r.emit(ctx)
		}
	}
}

func (r *Reporter) absorb(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := r.perShard[s.Shard]
	agg.Shard = s.Shard
	agg.Quantity += s.Quantity
	agg.ReadTime += s.ReadTime
	agg.WriteTime += s.WriteTime
	r.perShard[s.Shard] = agg
}

// emit marshals the current totals to JSON, compresses per the
// configured algorithm, and uploads through the sink. Any failure here
// is logged at Warn and never propagated.
func (r *Reporter) emit(ctx context.Context) {
	snap := r.buildSnapshot()

	raw, err := json.Marshal(snap)
	if err != nil {
		r.log.Warn("marshal report snapshot: %v", err)
		return
	}

	compressed, ext, err := compress.Compress(r.compression, raw)
	if err != nil {
		r.log.Warn("compress report snapshot: %v", err)
		return
	}

	if r.sink == nil {
		r.log.Info("run %s: %d documents (read=%.1fs write=%.1fs) [no sink configured]", r.runID, snap.Quantity, snap.ReadTime, snap.WriteTime)
		return
	}

	key := fmt.Sprintf("%s/%d.%s", r.runID, snap.Unix, ext)
	if err := r.sink.Put(ctx, key, bytes.NewReader(compressed)); err != nil {
		r.log.Warn("upload report snapshot %s: %v", key, err)
		return
	}
	r.log.Debug("uploaded report snapshot %s", key)
}

func (r *Reporter) buildSnapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := snapshot{
		RunID:    r.runID,
		Unix:     time.Now().Unix(),
		PerShard: make(map[string]Sample, len(r.perShard)),
	}
	for k, v := range r.perShard {
		out.PerShard[k] = v
		out.Quantity += v.Quantity
		out.ReadTime += v.ReadTime
		out.WriteTime += v.WriteTime
	}
	return out
}
