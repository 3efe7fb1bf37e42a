package session

import (
	"slices"
	"sync"
)

// Registry defines the concurrency-safe contract for session bookkeeping.
// Every method is a short critical section; no process work happens under
// the registry lock.
type Registry interface {
	// Insert reserves rec.Key. It fails with ErrConflict while a starting,
	// running or stopping record exists for the key and replaces a stopped
	// or failed one.
	Insert(rec *Record) error

	// Get returns a copy of the record for key, or ErrNotFound.
	Get(key StreamKey) (Record, error)

	// Update applies fn to the stored record under the lock and returns a
	// copy of the result. An error from fn aborts the update and is returned.
	Update(key StreamKey, fn func(*Record) error) (Record, error)

	// Remove deletes the record for key. Only stopped or failed records may be
	// removed (ErrInvalidState otherwise). A non-empty id must match the
	// stored record's ID, so a caller never removes a successor attempt.
	Remove(key StreamKey, id string) error

	// List returns copies of every record, sorted by key.
	List() []Record

	// ListActive returns copies of starting and running records, sorted by key.
	ListActive() []Record

	// ActiveCount returns the number of starting and running records.
	// Used for metrics.
	ActiveCount() int
}

// InMemoryRegistry is a concurrency-safe implementation of Registry backed
// by a Store; by default that is an InMemoryStore.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRegistry constructs a registry with a default in-memory store.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewInMemoryRegistryWithStore(NewInMemoryStore())
}

// NewInMemoryRegistryWithStore constructs a registry that uses the given Store.
func NewInMemoryRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store}
}

// Insert implements Registry.Insert.
func (r *InMemoryRegistry) Insert(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.store.GetRecord(rec.Key); ok && !existing.State.Terminal() {
		return ErrConflict
	}
	if rec.started == nil {
		rec.started = newLatch()
	}
	if rec.stopped == nil {
		rec.stopped = newLatch()
	}
	r.store.SetRecord(rec)
	return nil
}

// Get implements Registry.Get.
func (r *InMemoryRegistry) Get(key StreamKey) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.store.GetRecord(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Update implements Registry.Update.
func (r *InMemoryRegistry) Update(key StreamKey, fn func(*Record) error) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.store.GetRecord(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	// Work on a copy so a failing fn leaves the stored record untouched.
	next := rec.clone()
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	*rec = next
	return rec.clone(), nil
}

// Remove implements Registry.Remove.
func (r *InMemoryRegistry) Remove(key StreamKey, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.store.GetRecord(key)
	if !ok || (id != "" && rec.ID != id) {
		return ErrNotFound
	}
	if !rec.State.Terminal() {
		return ErrInvalidState
	}
	r.store.DeleteRecord(key)
	return nil
}

// List implements Registry.List.
func (r *InMemoryRegistry) List() []Record {
	return r.collect(func(*Record) bool { return true })
}

// ListActive implements Registry.ListActive.
func (r *InMemoryRegistry) ListActive() []Record {
	return r.collect(func(rec *Record) bool { return rec.State.Active() })
}

// ActiveCount implements Registry.ActiveCount.
func (r *InMemoryRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, key := range r.store.ListKeys() {
		if rec, ok := r.store.GetRecord(key); ok && rec.State.Active() {
			n++
		}
	}
	return n
}

func (r *InMemoryRegistry) collect(keep func(*Record) bool) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.store.ListKeys()
	slices.Sort(keys)

	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := r.store.GetRecord(key); ok && keep(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}
