package core

import (
	"cmp"
	"iter"
	"slices"
	"sync"
)

// StructureKind distinguishes the two structure variants of §3.
type StructureKind int

const (
	// Full structures (ships, stations, asteroids) have fixed dimensions
	// known at creation; every chunk slot is allocated up front.
	Full StructureKind = iota
	// Dynamic structures (planets) have a sparse extent addressed by
	// chunk coordinate; chunks are allocated on demand and may be
	// unloaded.
	Dynamic
)

// sharedEmptyChunk is the immutable marker every unallocated chunk slot
// points to in the Full variant, and the value an all-air chunk collapses
// back to. It must never be mutated in place — writers clone it first.
var sharedEmptyChunk = newChunk()

// Structure is a finite grid of chunks (§3 "Structure"). Both variants
// share one type; InExtent, BlockIDAt and SetBlockAt branch on Kind so
// callers never need to know which they hold.
type Structure struct {
	mu       sync.RWMutex
	Registry *Registry
	Events   *EventBus
	Kind     StructureKind

	// Full variant.
	width, height, length uint32
	fullChunks            []*Chunk
	fullChunkDims         ChunkCoord

	// Dynamic variant.
	dynChunks map[ChunkCoord]*Chunk

	// EntityID is populated once the structure is first saved (§4.G).
	EntityID EntityID
}

// NewFullStructure creates a structure with fixed block dimensions
// w x h x l, every chunk initially the shared empty marker.
func NewFullStructure(reg *Registry, events *EventBus, w, h, l uint32) *Structure {
	cd := ChunkCoord{X: ceilDivU32(w, ChunkDim), Y: ceilDivU32(h, ChunkDim), Z: ceilDivU32(l, ChunkDim)}
	n := int(cd.X) * int(cd.Y) * int(cd.Z)
	chunks := make([]*Chunk, n)
	for i := range chunks {
		chunks[i] = sharedEmptyChunk
	}
	return &Structure{
		Registry: reg, Events: events, Kind: Full,
		width: w, height: h, length: l,
		fullChunks: chunks, fullChunkDims: cd,
	}
}

// NewDynamicStructure creates a sparse, unbounded structure for planets.
func NewDynamicStructure(reg *Registry, events *EventBus) *Structure {
	return &Structure{
		Registry: reg, Events: events, Kind: Dynamic,
		dynChunks: make(map[ChunkCoord]*Chunk),
	}
}

func ceilDivU32(a, b uint32) uint32 { return (a + b - 1) / b }

// InExtent reports whether coord lies inside the structure's block extent.
// For Full structures this is the fixed w x h x l box; Dynamic structures
// have no fixed bound (chunks are allocated lazily across the full uint32
// range), so every coordinate is considered in extent.
func (s *Structure) InExtent(coord BlockCoord) bool {
	if s.Kind == Dynamic {
		return true
	}
	return coord.X < s.width && coord.Y < s.height && coord.Z < s.length
}

func (s *Structure) chunkIndexFull(cc ChunkCoord) int {
	return int(cc.X)*int(s.fullChunkDims.Y)*int(s.fullChunkDims.Z) + int(cc.Y)*int(s.fullChunkDims.Z) + int(cc.Z)
}

// chunkAt returns the chunk at cc, or nil if unallocated (Dynamic only —
// Full always has at least the shared empty marker).
func (s *Structure) chunkAt(cc ChunkCoord) *Chunk {
	if s.Kind == Full {
		return s.fullChunks[s.chunkIndexFull(cc)]
	}
	return s.dynChunks[cc]
}

// BlockIDAt returns the block id at coord. It is infallible on the Dynamic
// variant (returns air for any coordinate outside an allocated chunk) and
// panics on the Full variant when coord lies outside the fixed extent —
// callers are expected to check InExtent first, per §4.C.
func (s *Structure) BlockIDAt(coord BlockCoord) BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, bc := coord.ToChunk()
	if s.Kind == Full {
		if !s.InExtent(coord) {
			invariant("block_id_at(%s): out of extent on Full structure", coord)
		}
		return s.fullChunks[s.chunkIndexFull(cc)].blockIDAt(bc)
	}
	ch, ok := s.dynChunks[cc]
	if !ok {
		return AirBlockID
	}
	return ch.blockIDAt(bc)
}

// BlockRotationAt returns the stored rotation at coord.
func (s *Structure) BlockRotationAt(coord BlockCoord) BlockRotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, bc := coord.ToChunk()
	ch := s.chunkAt(cc)
	if ch == nil {
		return IdentityRotation
	}
	return ch.rotationAt(bc)
}

// SetBlockAt writes id and rotation at coord, recomputing the info byte and
// resetting health to the new block's registered hardness. It returns the
// resulting BlockChanged record, or nil if the write was a no-op (old id
// and rotation both unchanged).
func (s *Structure) SetBlockAt(coord BlockCoord, id BlockID, rot BlockRotation) (*BlockChanged, error) {
	if !s.InExtent(coord) {
		return nil, ErrOutOfExtent
	}
	s.mu.Lock()
	cc, bc := coord.ToChunk()

	ch := s.chunkAt(cc)
	oldID := AirBlockID
	oldRot := IdentityRotation
	if ch != nil {
		oldID = ch.blockIDAt(bc)
		oldRot = ch.rotationAt(bc)
	}
	if oldID == id && oldRot.Equal(rot) {
		s.mu.Unlock()
		return nil, nil
	}

	switch s.Kind {
	case Full:
		if ch == sharedEmptyChunk {
			if id == AirBlockID {
				// writing air into an already-empty chunk with a
				// different rotation is a no-op on content; nothing to
				// allocate.
				s.mu.Unlock()
				return nil, nil
			}
			ch = sharedEmptyChunk.clone()
			s.fullChunks[s.chunkIndexFull(cc)] = ch
		}
		ch.setRaw(bc, id, rot)
		if id == AirBlockID && ch.isEmpty() {
			s.fullChunks[s.chunkIndexFull(cc)] = sharedEmptyChunk
		}
	case Dynamic:
		if ch == nil {
			if id == AirBlockID {
				s.mu.Unlock()
				return nil, nil
			}
			ch = newChunk()
			s.dynChunks[cc] = ch
		}
		ch.setRaw(bc, id, rot)
		if id == AirBlockID && ch.isEmpty() {
			delete(s.dynChunks, cc)
		}
	}

	// setRaw above already cleared any stored health delta, so BlockHealth
	// falls back to the newly-registered block's hardness — satisfying
	// "resets per-coordinate health to the new block's hardness" without
	// needing to look up and store that value redundantly here.
	s.mu.Unlock()

	change := BlockChanged{Structure: s, Coord: coord, OldID: oldID, NewID: id, OldRotation: oldRot, NewRotation: rot}
	if s.Events != nil {
		s.Events.PublishBlockChanged(change)
	}
	return &change, nil
}

// SetOnBitAt updates the logic-graph "on" bit stored in coord's info byte,
// returning whether it actually changed. It is a no-op (returns false) if no
// chunk is allocated at coord, which only happens for air.
func (s *Structure) SetOnBitAt(coord BlockCoord, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, bc := coord.ToChunk()
	ch := s.chunkAt(cc)
	if ch == nil || ch == sharedEmptyChunk {
		return false
	}
	return ch.setOnBit(bc, on)
}

// OnBitAt returns the logic graph's last-observed on/off state at coord.
func (s *Structure) OnBitAt(coord BlockCoord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, bc := coord.ToChunk()
	ch := s.chunkAt(cc)
	if ch == nil {
		return false
	}
	return ch.onBitAt(bc)
}

// BlockHealth returns the stored health delta at coord, or the registered
// hardness of the block there if no delta has been recorded.
func (s *Structure) BlockHealth(coord BlockCoord) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, bc := coord.ToChunk()
	ch := s.chunkAt(cc)
	id := AirBlockID
	if ch != nil {
		id = ch.blockIDAt(bc)
		if v, ok := ch.healthAt(bc); ok {
			return v
		}
	}
	return s.Registry.FromID(id).Hardness
}

// TakeDamage decrements the health at coord by amount, clamped at zero.
// When health reaches zero it replaces the block with air and returns the
// BlockDestroyed record alongside the resulting BlockChanged.
func (s *Structure) TakeDamage(coord BlockCoord, amount float32) (remaining float32, changed *BlockChanged, destroyed *BlockDestroyed) {
	current := s.BlockHealth(coord)
	next := current - amount
	if next < 0 {
		next = 0
	}
	s.mu.Lock()
	cc, bc := coord.ToChunk()
	if ch := s.chunkAt(cc); ch != nil && ch != sharedEmptyChunk {
		ch.setHealth(bc, next)
	}
	s.mu.Unlock()

	if next > 0 {
		return next, nil, nil
	}

	ch, _ := s.SetBlockAt(coord, AirBlockID, IdentityRotation)
	d := BlockDestroyed{Structure: s, Coord: coord}
	if s.Events != nil {
		s.Events.PublishBlockDestroyed(d)
	}
	return 0, ch, &d
}

// AllBlocksIter lazily yields every populated coordinate (or every
// coordinate, including air, when includeAir is true) chunk by chunk:
// chunks in ascending chunk coordinate (X, then Y, then Z), and within each
// chunk in ascending linear index.
func (s *Structure) AllBlocksIter(includeAir bool) iter.Seq2[BlockCoord, BlockID] {
	return func(yield func(BlockCoord, BlockID) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		switch s.Kind {
		case Full:
			for cx := uint32(0); cx < s.fullChunkDims.X; cx++ {
				for cy := uint32(0); cy < s.fullChunkDims.Y; cy++ {
					for cz := uint32(0); cz < s.fullChunkDims.Z; cz++ {
						cc := ChunkCoord{X: cx, Y: cy, Z: cz}
						ch := s.fullChunks[s.chunkIndexFull(cc)]
						if ch == sharedEmptyChunk && !includeAir {
							continue
						}
						if !s.yieldChunk(cc, ch, includeAir, yield) {
							return
						}
					}
				}
			}
		case Dynamic:
			coords := make([]ChunkCoord, 0, len(s.dynChunks))
			for cc := range s.dynChunks {
				coords = append(coords, cc)
			}
			slices.SortFunc(coords, func(a, b ChunkCoord) int {
				return cmp.Or(cmp.Compare(a.X, b.X), cmp.Compare(a.Y, b.Y), cmp.Compare(a.Z, b.Z))
			})
			for _, cc := range coords {
				if !s.yieldChunk(cc, s.dynChunks[cc], includeAir, yield) {
					return
				}
			}
		}
	}
}

func (s *Structure) yieldChunk(cc ChunkCoord, ch *Chunk, includeAir bool, yield func(BlockCoord, BlockID) bool) bool {
	cont := true
	ch.BlocksIter(func(bc ChunkBlockCoord, id BlockID) {
		if !cont {
			return
		}
		if id == AirBlockID && !includeAir {
			return
		}
		coord := BlockCoordFromChunk(cc, bc)
		// bound-check only meaningful for Full; Dynamic always matches.
		if s.Kind == Full {
			if coord.X >= s.width || coord.Y >= s.height || coord.Z >= s.length {
				return
			}
		}
		if !yield(coord, id) {
			cont = false
		}
	})
	return cont
}
