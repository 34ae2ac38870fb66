package clone

import (
	"context"
	"time"
)

// dequeueTimeout is the work-queue dequeue timeout: on timeout a worker
// treats the queue as drained and exits.
const dequeueTimeout = 1 * time.Second

// workItem is either a ShardDescriptor to copy or the "DONE" sentinel
// signalling a worker to stop.
type workItem struct {
	shard ShardDescriptor
	done  bool
}

// WorkQueue is the FIFO MPMC queue shared by the worker pool. It is the
// only shared mutable state between workers; everything else —
// connections, configuration — is per-worker.
type WorkQueue struct {
	ch chan workItem
}

// NewWorkQueue returns a queue with room for capacity pending items.
func NewWorkQueue(capacity int) *WorkQueue {
	return &WorkQueue{ch: make(chan workItem, capacity)}
}

// Enqueue adds shard to the tail of the queue.
func (q *WorkQueue) Enqueue(shard ShardDescriptor) {
	q.ch <- workItem{shard: shard}
}

// EnqueueDone adds one "DONE" sentinel, consumed by exactly one worker.
func (q *WorkQueue) EnqueueDone() {
	q.ch <- workItem{done: true}
}

// dequeueResult is what a worker gets back from Dequeue.
type dequeueResult int

const (
	dequeuedShard dequeueResult = iota
	dequeuedDone
	dequeuedTimeout
)

// Dequeue waits up to the configured timeout for the next item. On
// timeout it reports dequeuedTimeout, which callers treat as a drained
// queue and an instruction to exit.
func (q *WorkQueue) Dequeue(ctx context.Context) (ShardDescriptor, dequeueResult) {
	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		if item.done {
			return ShardDescriptor{}, dequeuedDone
		}
		return item.shard, dequeuedShard
	case <-timer.C:
		return ShardDescriptor{}, dequeuedTimeout
	case <-ctx.Done():
		return ShardDescriptor{}, dequeuedTimeout
	}
}
