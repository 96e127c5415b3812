package core

// LOD — a coarse-sample octree per dynamic structure, recomputed at most
// once per tick and streamed to subscribers as ordered deltas, falling back
// to a full snapshot when a client's ack falls behind (§4.G "LOD").

import "sync"

// LODSample summarizes one node of the tree: an occupancy fraction and a
// representative block id, enough for distant rendering.
type LODSample struct {
	Occupancy float32
	Dominant  BlockID
}

// lodNode is one tree node at a given depth; depth 0 leaves summarize a
// single 32-block chunk (ChunkDim * 2^0), depth d a 32*2^d cube.
type lodNode struct {
	sample LODSample
	path   LODPath
}

// LODPath addresses a node by depth and the chunk-space coordinate of its
// covering cube at that depth.
type LODPath struct {
	Depth uint8
	Coord ChunkCoord
}

// LODDelta is one streamed update: a path and the sample it now has.
type LODDelta struct {
	Path   LODPath
	Sample LODSample
}

// maxLODDepth bounds how far the tree climbs past the leaf level.
const maxLODDepth = 8

// LODTree owns one structure's coarse-sample tree and per-client streaming
// state.
type LODTree struct {
	mu        sync.Mutex
	structure *Structure
	nodes     map[LODPath]*lodNode
	dirtySet  map[LODPath]bool

	seq      uint64
	clients  map[string]*lodClientState
	outbox   map[string][]LODDelta
}

type lodClientState struct {
	lastAckSeq uint64
	lastSeq    uint64
}

// ackLagBound is how many sequence numbers a client may fall behind before
// it is sent a full snapshot instead of further deltas.
const ackLagBound = 256

// NewLODTree creates an empty tree bound to structure and subscribes it to
// the structure's block-change stream.
func NewLODTree(structure *Structure) *LODTree {
	t := &LODTree{
		structure: structure,
		nodes:     make(map[LODPath]*lodNode),
		dirtySet:  make(map[LODPath]bool),
		clients:   make(map[string]*lodClientState),
		outbox:    make(map[string][]LODDelta),
	}
	if structure.Events != nil {
		structure.Events.Subscribe("lod")
	}
	return t
}

// leafPathFor returns the depth-0 path whose cube contains coord.
func leafPathFor(coord BlockCoord) LODPath {
	cc, _ := coord.ToChunk()
	return LODPath{Depth: 0, Coord: cc}
}

// ancestorPath returns the path one level coarser than p, whose cube
// contains p's cube: the chunk coordinate halves (floor) each axis.
func ancestorPath(p LODPath) LODPath {
	return LODPath{
		Depth: p.Depth + 1,
		Coord: ChunkCoord{X: p.Coord.X / 2, Y: p.Coord.Y / 2, Z: p.Coord.Z / 2},
	}
}

// MarkDirty marks the leaf covering coord, and every ancestor up to
// maxLODDepth, dirty. Call this from the block-change observer.
func (t *LODTree) MarkDirty(coord BlockCoord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := leafPathFor(coord)
	for d := uint8(0); d <= maxLODDepth; d++ {
		t.dirtySet[p] = true
		p = ancestorPath(p)
	}
}

// ObserveBlockChanges drains this tree's subscription and marks every
// changed coordinate's leaf dirty.
func (t *LODTree) ObserveBlockChanges() {
	if t.structure.Events == nil {
		return
	}
	for _, e := range t.structure.Events.DrainBlockChanged("lod") {
		t.MarkDirty(e.Coord)
	}
}

// Recompute processes every dirty node at most once, recomputing leaves
// from the underlying chunk and interior nodes from their children's
// samples, and returns the resulting deltas in ascending depth order (so a
// client always receives a child before the parent that summarizes it).
func (t *LODTree) Recompute() []LODDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dirtySet) == 0 {
		return nil
	}

	byDepth := make(map[uint8][]LODPath)
	var maxDepth uint8
	for p := range t.dirtySet {
		byDepth[p.Depth] = append(byDepth[p.Depth], p)
		if p.Depth > maxDepth {
			maxDepth = p.Depth
		}
	}
	t.dirtySet = make(map[LODPath]bool)

	var deltas []LODDelta
	for d := uint8(0); d <= maxDepth; d++ {
		for _, p := range byDepth[d] {
			var sample LODSample
			if d == 0 {
				sample = t.sampleLeaf(p.Coord)
			} else {
				sample = t.sampleInterior(p)
			}
			node, ok := t.nodes[p]
			if !ok {
				node = &lodNode{path: p}
				t.nodes[p] = node
			}
			node.sample = sample
			t.seq++
			deltas = append(deltas, LODDelta{Path: p, Sample: sample})
		}
	}
	return deltas
}

// sampleLeaf summarizes the chunk at cc directly from the structure.
func (t *LODTree) sampleLeaf(cc ChunkCoord) LODSample {
	ch := t.structure.chunkAt(cc)
	if ch == nil || ch == sharedEmptyChunk {
		return LODSample{}
	}
	counts := make(map[BlockID]int)
	nonAir := 0
	ch.BlocksIter(func(_ ChunkBlockCoord, id BlockID) {
		if id == AirBlockID {
			return
		}
		nonAir++
		counts[id]++
	})
	var dominant BlockID
	best := 0
	for id, c := range counts {
		if c > best {
			best, dominant = c, id
		}
	}
	return LODSample{Occupancy: float32(nonAir) / float32(ChunkVolume), Dominant: dominant}
}

// sampleInterior averages the occupancy of up to 8 child cubes and takes
// the dominant block among them by occupancy-weighted vote.
func (t *LODTree) sampleInterior(p LODPath) LODSample {
	childDepth := p.Depth - 1
	baseX, baseY, baseZ := p.Coord.X*2, p.Coord.Y*2, p.Coord.Z*2
	var totalOcc float32
	counts := make(map[BlockID]float32)
	n := 0
	for dx := uint32(0); dx < 2; dx++ {
		for dy := uint32(0); dy < 2; dy++ {
			for dz := uint32(0); dz < 2; dz++ {
				cp := LODPath{Depth: childDepth, Coord: ChunkCoord{X: baseX + dx, Y: baseY + dy, Z: baseZ + dz}}
				child, ok := t.nodes[cp]
				if !ok {
					continue
				}
				n++
				totalOcc += child.sample.Occupancy
				counts[child.sample.Dominant] += child.sample.Occupancy
			}
		}
	}
	if n == 0 {
		return LODSample{}
	}
	var dominant BlockID
	var best float32
	for id, w := range counts {
		if id == AirBlockID {
			continue
		}
		if w > best {
			best, dominant = w, id
		}
	}
	return LODSample{Occupancy: totalOcc / float32(n), Dominant: dominant}
}

// RegisterClient starts tracking ack state for a newly subscribed client.
func (t *LODTree) RegisterClient(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[client] = &lodClientState{}
	t.outbox[client] = nil
}

// QueueForClients appends deltas to every registered client's send queue.
// Call this once per tick with Recompute's return value.
func (t *LODTree) QueueForClients(deltas []LODDelta) {
	if len(deltas) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for client := range t.clients {
		t.outbox[client] = append(t.outbox[client], deltas...)
	}
}

// DequeueOne removes and returns the oldest queued delta for client, sending
// at most one per call regardless of how many are waiting. This matches the
// drip-feed send loop every networked tick is expected to drive: one LOD
// delta per player per tick, never a burst.
func (t *LODTree) DequeueOne(client string) (LODDelta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.outbox[client]
	if len(q) == 0 {
		return LODDelta{}, false
	}
	d := q[0]
	t.outbox[client] = q[1:]
	return d, true
}

// Ack records that client has applied deltas up to and including seq.
func (t *LODTree) Ack(client string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.clients[client]; ok {
		st.lastAckSeq = seq
	}
}

// NeedsSnapshot reports whether client has fallen more than ackLagBound
// sequence numbers behind the tree's current sequence counter.
func (t *LODTree) NeedsSnapshot(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.clients[client]
	if !ok {
		return true
	}
	return t.seq-st.lastAckSeq > ackLagBound
}

// Snapshot returns every currently known node as a delta, for clients that
// have fallen too far behind to catch up incrementally.
func (t *LODTree) Snapshot() []LODDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LODDelta, 0, len(t.nodes))
	for p, n := range t.nodes {
		out = append(out, LODDelta{Path: p, Sample: n.sample})
	}
	return out
}
