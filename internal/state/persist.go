package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gridrun/internal/logging"
	"gridrun/internal/metrics"
	"gridrun/internal/store"
)

// persister writes state snapshots through to the StateStore from outside
// the model's critical section. Mutators enqueue the latest snapshot per
// (collection, key); the drain goroutine performs the store I/O, so a slow
// or flaky backend never blocks a request handler or the scheduler.
//
// Ordering: per key, only the newest snapshot is written (older ones
// coalesce away); across keys, first-enqueue order is kept.
type persister struct {
	st store.StateStore

	mu      sync.Mutex
	order   []string
	pending map[string]persistOp

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

type persistOp struct {
	collection string
	key        string
	doc        []byte
	delete     bool
}

func newPersister(st store.StateStore) *persister {
	return &persister{
		st:      st,
		pending: make(map[string]persistOp),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *persister) store() store.StateStore { return p.st }

func (p *persister) start() { go p.run() }

// stop drains everything still queued, then shuts the worker down.
func (p *persister) stop() {
	close(p.quit)
	<-p.stopped
}

// enqueueUpsert snapshots v as JSON now (the caller holds the model lock,
// so the marshal sees a consistent record) and queues the write.
func (p *persister) enqueueUpsert(collection, key string, v interface{}) {
	doc, err := json.Marshal(v)
	if err != nil {
		logging.S().Errorw("failed to marshal state document", "collection", collection, "key", key, "error", err)
		return
	}
	p.enqueue(persistOp{collection: collection, key: key, doc: doc})
}

func (p *persister) enqueueDelete(collection, key string) {
	p.enqueue(persistOp{collection: collection, key: key, delete: true})
}

func (p *persister) enqueue(op persistOp) {
	id := op.collection + "/" + op.key
	p.mu.Lock()
	if _, queued := p.pending[id]; !queued {
		p.order = append(p.order, id)
	}
	p.pending[id] = op
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	for {
		op, ok := p.next()
		if !ok {
			return
		}
		p.write(op)
	}
}

func (p *persister) next() (persistOp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return persistOp{}, false
	}
	id := p.order[0]
	p.order = p.order[1:]
	op := p.pending[id]
	delete(p.pending, id)
	return op, true
}

// write retries transient store failures with exponential backoff. The
// in-memory state is already mutated, so a final failure is only logged;
// the next mutation of the same key will try again.
func (p *persister) write(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	attempt := func() error {
		if op.delete {
			return p.st.Delete(ctx, op.collection, op.key)
		}
		return p.st.Upsert(ctx, op.collection, op.key, op.doc)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(attempt, policy)
	metrics.Get().RecordStoreWrite(op.collection, err)
	if err != nil {
		logging.S().Errorw("state write-through failed",
			"collection", op.collection, "key", op.key, "delete", op.delete, "error", err)
	}
}
