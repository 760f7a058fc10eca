package gmlid

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultDrainFactor is the share of the capacity drained at once.
const DefaultDrainFactor = 0.1

// LookupServer is the concurrent gml:id map used by importer workers. When
// the map reaches its capacity, a share of it is drained to the Cache.
type LookupServer struct {
	cache       *Cache
	entries     sync.Map // string -> *record
	size        atomic.Int64
	capacity    int64
	drainFactor float64
	draining    sync.Mutex
	spilled     atomic.Bool
}

// NewLookupServer returns a server keeping up to capacity entries in
// memory. A drainFactor outside (0, 1] uses DefaultDrainFactor.
func NewLookupServer(cache *Cache, capacity int, drainFactor float64) *LookupServer {
	if drainFactor <= 0 || drainFactor > 1 {
		drainFactor = DefaultDrainFactor
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &LookupServer{cache: cache, capacity: int64(capacity), drainFactor: drainFactor}
}

// Name returns the name of the backing cache.
func (s *LookupServer) Name() string { return s.cache.Name() }

// Len returns the number of entries held in memory.
func (s *LookupServer) Len() int { return int(s.size.Load()) }

// Put registers gmlID. Once a key holds a real surrogate id, that id, its
// root and orientation never change; later puts can only update the
// mapping. An alias entry is replaced by the first real entry for its key.
// This holds for keys already drained to the backing tables as well.
func (s *LookupServer) Put(ctx context.Context, gmlID string, e Entry) error {
	if gmlID == "" {
		return nil
	}
	if s.spilled.Load() {
		if _, ok := s.entries.Load(gmlID); !ok {
			old, found, err := s.cache.LookupDB(ctx, gmlID)
			if err != nil {
				return err
			}
			if found {
				merged, changed := merge(old, e)
				if !changed {
					return nil
				}
				e = merged
			}
		}
	}
	nr := newRecord(e, false)
	for {
		v, loaded := s.entries.LoadOrStore(gmlID, nr)
		if !loaded {
			if s.size.Add(1) >= s.capacity {
				return s.drain(ctx)
			}
			return nil
		}
		old := v.(*record)
		merged, changed := merge(old.entry, e)
		if !changed {
			return nil
		}
		if s.entries.CompareAndSwap(gmlID, old, newRecord(merged, old.requested.Load())) {
			return nil
		}
	}
}

func merge(old, e Entry) (Entry, bool) {
	if old.ID <= 0 && e.ID > 0 {
		return e, true
	}
	if e.Mapping != "" && e.Mapping != old.Mapping {
		old.Mapping = e.Mapping
		return old, true
	}
	return old, false
}

// Get resolves gmlID from memory, falling back to the backing tables.
// Entries found in memory are marked as requested, which keeps them in
// memory longer.
func (s *LookupServer) Get(ctx context.Context, gmlID string) (Entry, bool, error) {
	if v, ok := s.entries.Load(gmlID); ok {
		r := v.(*record)
		r.requested.Store(true)
		return r.entry, true, nil
	}
	return s.cache.LookupDB(ctx, gmlID)
}

// Resolve follows an alias entry to its target once. The returned entry
// keeps the alias' orientation XORed into the target's.
func (s *LookupServer) Resolve(ctx context.Context, gmlID string) (Entry, bool, error) {
	e, ok, err := s.Get(ctx, gmlID)
	if err != nil || !ok || !e.IsAlias() {
		return e, ok, err
	}
	target, ok, err := s.Get(ctx, e.Mapping)
	if err != nil || !ok || target.ID <= 0 {
		return Entry{}, false, err
	}
	target.Reverse = target.Reverse != e.Reverse
	return target, true, nil
}

// drain moves a share of the in-memory entries to the backing tables.
// Only one drain runs at a time; a concurrent call returns immediately.
func (s *LookupServer) drain(ctx context.Context) error {
	if !s.draining.TryLock() {
		return nil
	}
	defer s.draining.Unlock()
	if s.size.Load() < s.capacity {
		return nil
	}
	n := max(int(float64(s.capacity)*s.drainFactor), 1)
	drained, err := s.cache.DrainToDB(ctx, &s.entries, n)
	if drained > 0 {
		s.spilled.Store(true)
	}
	s.size.Add(-int64(drained))
	return err
}

// Close closes the backing cache.
func (s *LookupServer) Close() error { return s.cache.Close() }
