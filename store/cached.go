package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/alimasry/go-delta/delta"
)

// pending is the part of a cached document the backing store has not seen.
type pending struct {
	needsCreate bool
	content     bool
	edits       int // content changes seen, to detect writes during a flush
	persisted   int // op batches already in the backing store
}

// flushJob is a consistent copy of one document taken under the cache lock,
// so the backing store can be written without holding it.
type flushJob struct {
	id      string
	state   pending
	doc     *delta.Document
	version int
	batches [][]*delta.Op
}

// CachedStore serves reads and writes from memory and writes changes
// through to a slower backing store on a timer. Documents not yet cached
// are loaded from the backing store on first access.
type CachedStore struct {
	mem     *MemoryStore
	backing DocumentStore

	mu    sync.Mutex
	dirty map[string]*pending

	interval time.Duration
	quit     chan struct{}
	finished chan struct{}
}

// NewCachedStore starts a CachedStore that flushes every interval.
func NewCachedStore(backing DocumentStore, interval time.Duration) *CachedStore {
	cs := &CachedStore{
		mem:      NewMemoryStore(),
		backing:  backing,
		dirty:    make(map[string]*pending),
		interval: interval,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go cs.run()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id string, doc *delta.Document) error {
	if _, err := cs.backing.Get(ctx, id); err == nil {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	if err := cs.mem.Create(ctx, id, doc); err != nil {
		return err
	}
	cs.markDirty(id, 0, func(p *pending) {
		p.needsCreate = true
		p.content = true
		p.edits++
	})
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	if err := cs.ensureLoaded(ctx, id); err != nil {
		return nil, err
	}
	return cs.mem.Get(ctx, id)
}

// List reads from the backing store. Documents created since the last
// flush are not included.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id string, doc *delta.Document, version int) error {
	if err := cs.ensureLoaded(ctx, id); err != nil {
		return err
	}
	if err := cs.mem.UpdateContent(ctx, id, doc, version); err != nil {
		return err
	}
	cs.markDirty(id, cs.historyLen(id), func(p *pending) {
		p.content = true
		p.edits++
	})
	return nil
}

func (cs *CachedStore) AppendOperation(ctx context.Context, id string, ops []*delta.Op, version int) error {
	if err := cs.ensureLoaded(ctx, id); err != nil {
		return err
	}
	// A clean document has every batch up to here persisted.
	before := cs.historyLen(id)
	if err := cs.mem.AppendOperation(ctx, id, ops, version); err != nil {
		return err
	}
	cs.markDirty(id, before, nil)
	return nil
}

func (cs *CachedStore) GetOperations(ctx context.Context, id string, fromVersion int) ([][]*delta.Op, error) {
	if err := cs.ensureLoaded(ctx, id); err != nil {
		return nil, err
	}
	return cs.mem.GetOperations(ctx, id, fromVersion)
}

// Close stops the timer, flushes once more and waits for that flush.
func (cs *CachedStore) Close() {
	close(cs.quit)
	<-cs.finished
}

// markDirty records a change to id. A document that was clean starts with
// persisted batches; update, if set, adjusts the record under the lock.
func (cs *CachedStore) markDirty(id string, persisted int, update func(*pending)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.dirty[id]
	if !ok {
		p = &pending{persisted: persisted}
		cs.dirty[id] = p
	}
	if update != nil {
		update(p)
	}
}

func (cs *CachedStore) historyLen(id string) int {
	cs.mem.mu.RLock()
	defer cs.mem.mu.RUnlock()
	if rec, ok := cs.mem.docs[id]; ok {
		return len(rec.history)
	}
	return 0
}

func (cs *CachedStore) cached(id string) bool {
	cs.mem.mu.RLock()
	defer cs.mem.mu.RUnlock()
	_, ok := cs.mem.docs[id]
	return ok
}

// ensureLoaded copies id and its history from the backing store into memory
// unless it is cached already. Loaded batches count as persisted.
func (cs *CachedStore) ensureLoaded(ctx context.Context, id string) error {
	if cs.cached(id) {
		return nil
	}
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	history, err := cs.backing.GetOperations(ctx, id, 0)
	if err != nil {
		return err
	}

	cs.mem.mu.Lock()
	if _, ok := cs.mem.docs[id]; !ok {
		cs.mem.docs[id] = &docRecord{info: *info, history: history}
	}
	cs.mem.mu.Unlock()

	cs.markDirty(id, len(history), nil)
	return nil
}

func (cs *CachedStore) run() {
	defer close(cs.finished)
	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.quit:
			cs.flush()
			return
		}
	}
}

func (cs *CachedStore) flush() {
	ctx := context.Background()
	for _, job := range cs.collect() {
		cs.write(ctx, &job)
		cs.settle(job)
	}
}

// collect copies every dirty document out of the cache.
func (cs *CachedStore) collect() []flushJob {
	cs.mu.Lock()
	states := make(map[string]pending, len(cs.dirty))
	for id, p := range cs.dirty {
		states[id] = *p
	}
	cs.mu.Unlock()

	cs.mem.mu.RLock()
	defer cs.mem.mu.RUnlock()
	jobs := make([]flushJob, 0, len(states))
	for id, state := range states {
		rec, ok := cs.mem.docs[id]
		if !ok {
			continue
		}
		job := flushJob{
			id:      id,
			state:   state,
			doc:     cloneDoc(rec.info.Delta),
			version: rec.info.Version,
		}
		for _, ops := range rec.history[min(state.persisted, len(rec.history)):] {
			job.batches = append(job.batches, cloneOps(ops))
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// write pushes one job to the backing store. Batches go before content so
// the stored history always covers the stored content. On failure the job
// state records how far it got.
func (cs *CachedStore) write(ctx context.Context, job *flushJob) {
	if job.state.needsCreate {
		if err := cs.backing.Create(ctx, job.id, delta.New(nil)); err != nil {
			log.Printf("cached store: create %q in backing store: %v", job.id, err)
			return
		}
		job.state.needsCreate = false
	}

	for _, ops := range job.batches {
		v := job.state.persisted + 1
		if err := cs.backing.AppendOperation(ctx, job.id, ops, v); err != nil {
			log.Printf("cached store: flush op batch %d of %q: %v", v, job.id, err)
			break
		}
		job.state.persisted = v
	}

	if job.state.content {
		if err := cs.backing.UpdateContent(ctx, job.id, job.doc, job.version); err != nil {
			log.Printf("cached store: flush content of %q: %v", job.id, err)
			return
		}
		job.state.content = false
	}
}

// settle merges a written job back into the dirty map. Changes made while
// the job was in flight keep the document dirty.
func (cs *CachedStore) settle(job flushJob) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.dirty[job.id]
	if !ok {
		return
	}
	p.persisted = job.state.persisted
	p.needsCreate = job.state.needsCreate
	if !job.state.content && p.edits == job.state.edits {
		p.content = false
	}
	if p.content || p.needsCreate || p.persisted < cs.historyLen(job.id) {
		return
	}
	delete(cs.dirty, job.id)
}
