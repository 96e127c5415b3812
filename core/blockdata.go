package core

import (
	"reflect"
	"sync"
)

// blockDataEntity holds the auxiliary records attached to one coordinate.
// refCount is the number of distinct record kinds currently present; it
// reaches zero exactly when records is empty, at which point the entity is
// despawned and the owning store's mapping entry is removed.
type blockDataEntity struct {
	mu      sync.RWMutex
	records map[reflect.Type]interface{}
}

func newBlockDataEntity() *blockDataEntity {
	return &blockDataEntity{records: make(map[reflect.Type]interface{})}
}

func (e *blockDataEntity) refCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// BlockDataStore owns the `(chunk-block-coord) -> entity` mapping for one
// structure, and the arbitrary typed records attached to each entity
// (inventory, fluid store, logic state, …).
type BlockDataStore struct {
	mu        sync.RWMutex
	structure *Structure
	entities  map[BlockCoord]*blockDataEntity
}

// NewBlockDataStore creates a store bound to structure. It subscribes to
// structure's event bus so BlockChanged records clear stale entries.
func NewBlockDataStore(structure *Structure) *BlockDataStore {
	s := &BlockDataStore{structure: structure, entities: make(map[BlockCoord]*blockDataEntity)}
	if structure.Events != nil {
		structure.Events.Subscribe("blockdata")
	}
	return s
}

// InsertBlockData adds record to the entity at coord, creating it if
// absent. The reference count grows by one when no record of R's type was
// present; inserting a type that is already present replaces that record
// and leaves the count unchanged. It fails with ErrNoBlock if the block at
// coord is air.
func InsertBlockData[R any](s *BlockDataStore, coord BlockCoord, record R) error {
	if s.structure.BlockIDAt(coord) == AirBlockID {
		return ErrNoBlock
	}
	s.mu.Lock()
	e, ok := s.entities[coord]
	if !ok {
		e = newBlockDataEntity()
		s.entities[coord] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.records[reflect.TypeOf(record)] = record
	e.mu.Unlock()
	return nil
}

// QueryBlockData returns a shared read reference to the record of type R at
// coord, or false if none is present.
func QueryBlockData[R any](s *BlockDataStore, coord BlockCoord) (R, bool) {
	var zero R
	s.mu.RLock()
	e, ok := s.entities[coord]
	s.mu.RUnlock()
	if !ok {
		return zero, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.records[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	return v.(R), true
}

// MutGuard is a mutable handle on a copy of a block-data record. Release
// must be called when done; it emits a BlockDataChanged record iff Set was
// called (Set marks the guard dirty, since Go has no destructor to observe
// an actual write through the returned value the way the source language's
// Drop-based guard does).
type MutGuard[R any] struct {
	store *BlockDataStore
	coord BlockCoord
	tag   string
	ent   *blockDataEntity
	value R
	dirty bool
}

// Value returns a copy of the current record for in-place modification by
// the caller, who must call Set to write it back.
func (g *MutGuard[R]) Value() R { return g.value }

// Set writes a new value for the record and marks the guard dirty so
// Release emits a BlockDataChanged record.
func (g *MutGuard[R]) Set(v R) {
	g.value = v
	g.dirty = true
}

// Release commits the guard's value back to the entity and, if it was
// marked dirty via Set, publishes a BlockDataChanged record.
func (g *MutGuard[R]) Release() {
	g.ent.mu.Lock()
	g.ent.records[reflect.TypeOf(g.value)] = g.value
	g.ent.mu.Unlock()
	if g.dirty && g.store.structure.Events != nil {
		g.store.structure.Events.PublishBlockDataChanged(BlockDataChanged{
			Structure: g.store.structure, Coord: g.coord, Tag: g.tag,
		})
	}
}

// QueryBlockDataMut returns a MutGuard for the record of type R at coord,
// or false if none is present. The caller must call Release when done. The
// guard holds no lock between this call and Release: two guards on the same
// record are not excluded from each other, and the later Release wins.
func QueryBlockDataMut[R any](s *BlockDataStore, coord BlockCoord, tag string) (*MutGuard[R], bool) {
	s.mu.RLock()
	e, ok := s.entities[coord]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var zero R
	e.mu.RLock()
	v, ok := e.records[reflect.TypeOf(zero)]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &MutGuard[R]{store: s, coord: coord, tag: tag, ent: e, value: v.(R)}, true
}

// RemoveBlockData decrements the reference count for type R at coord; if it
// reaches zero the entity is despawned and the mapping entry removed.
func RemoveBlockData[R any](s *BlockDataStore, coord BlockCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[coord]
	if !ok {
		return
	}
	var zero R
	e.mu.Lock()
	delete(e.records, reflect.TypeOf(zero))
	remaining := len(e.records)
	e.mu.Unlock()
	if remaining == 0 {
		delete(s.entities, coord)
	}
}

// EntityExists reports whether coord currently has a backing block-data
// entity (used by tests verifying the lifecycle invariant of §8).
func (s *BlockDataStore) EntityExists(coord BlockCoord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[coord]
	return ok
}

// RefCount returns the number of distinct record kinds at coord.
func (s *BlockDataStore) RefCount(coord BlockCoord) int {
	s.mu.RLock()
	e, ok := s.entities[coord]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.refCount()
}

// ObserveBlockChanges drains this store's subscription to the structure's
// event bus and clears the entire block-data entry (all record kinds) for
// every coordinate whose block id actually changed — the one way the store
// may lose data, per §4.D.
func (s *BlockDataStore) ObserveBlockChanges() {
	if s.structure.Events == nil {
		return
	}
	changes := s.structure.Events.DrainBlockChanged("blockdata")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		if c.OldID != c.NewID {
			delete(s.entities, c.Coord)
		}
	}
}
