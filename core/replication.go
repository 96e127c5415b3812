package core

// Replication — component sync and structure sync (§4.F).
//
// Grounded on the teacher's replication.go: a msgType-tagged wire protocol,
// a Replicator with Start/Stop/readLoop around a closing channel, and
// RLP-encoded payloads. The block-propagation/consensus semantics are gone;
// what is kept is the shape — a service object that owns inbound dispatch
// and exposes narrow, typed outbound operations.

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// SyncMode is how a registered component type's authority is arbitrated.
type SyncMode int

const (
	ServerAuthoritative SyncMode = iota
	ClientAuthoritative
	BothAuthoritative
)

// ConflictPolicy governs BothAuthoritative components.
type ConflictPolicy int

const (
	LastWriterWins ConflictPolicy = iota
	ClientWins
)

// ComponentSpec is what a syncable component type is registered with.
type ComponentSpec struct {
	Mode           SyncMode
	ProposerClient string // only meaningful for ClientAuthoritative
	Policy         ConflictPolicy
}

// SyncableComponent is implemented by component values that participate in
// replication. Validate is only consulted for ClientAuthoritative updates.
type SyncableComponent interface {
	TypeName() string
	Validate(proposed []byte) bool
}

// ComponentUpdate is one diffed component's wire record.
type ComponentUpdate struct {
	Entity   EntityID
	TypeName string
	Tick     uint64
	Data     []byte
}

type bufferedUpdate struct {
	update   ComponentUpdate
	received time.Time
}

// missingRecordTimeout bounds how long an update to an unknown entity is
// held before being discarded, per §7.2.
const missingRecordTimeout = time.Second

// ReplicationHub owns the component-sync registry, the outbound diff
// queue, and the inbound missing-record buffer for one connection's (or
// the server's aggregate) replication state.
type ReplicationHub struct {
	mu       sync.Mutex
	log      *logrus.Logger
	specs    map[string]ComponentSpec
	outbound []ComponentUpdate
	buffered map[EntityID][]bufferedUpdate
	limiter  *rateLimiter
}

// NewReplicationHub creates an empty hub.
func NewReplicationHub(log *logrus.Logger) *ReplicationHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReplicationHub{
		log:      log,
		specs:    make(map[string]ComponentSpec),
		buffered: make(map[EntityID][]bufferedUpdate),
		limiter:  newRateLimiter(time.Second),
	}
}

// RegisterComponentType declares typeName's sync mode. The registry itself
// is shipped to clients at connect time as a []string->ComponentSpec table.
func (h *ReplicationHub) RegisterComponentType(typeName string, spec ComponentSpec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.specs[typeName] = spec
}

// Snapshot returns the full registered-component table for shipping to a
// newly connected client.
func (h *ReplicationHub) Snapshot() map[string]ComponentSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ComponentSpec, len(h.specs))
	for k, v := range h.specs {
		out[k] = v
	}
	return out
}

// QueueUpdate appends one diffed component to the outbound queue. Call this
// from the mutation-tick system that noticed the component's change flag
// set; DrainOutbound ships whatever accumulated during NettySend.
func (h *ReplicationHub) QueueUpdate(u ComponentUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outbound = append(h.outbound, u)
}

// DrainOutbound returns and clears the accumulated outbound diff queue, in
// the order components were queued (callers ship in entity order by
// stable-sorting the result, since updates for the same entity are queued
// contiguously by the mutation-tick systems that emit them).
func (h *ReplicationHub) DrainOutbound() []ComponentUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.outbound
	h.outbound = nil
	return out
}

// ProposeUpdate validates a ClientAuthoritative proposal. A rejected
// proposal is reverted by the caller re-broadcasting the last accepted
// value; this function only decides accept/reject.
func (h *ReplicationHub) ProposeUpdate(u ComponentUpdate, component SyncableComponent) bool {
	h.mu.Lock()
	spec, ok := h.specs[u.TypeName]
	h.mu.Unlock()
	if !ok || spec.Mode != ClientAuthoritative {
		return false
	}
	return component.Validate(u.Data)
}

// Resolve arbitrates a BothAuthoritative conflict between the server's and
// a client's proposed tick-tagged values.
func (h *ReplicationHub) Resolve(spec ComponentSpec, server, client ComponentUpdate) ComponentUpdate {
	if spec.Policy == ClientWins {
		return client
	}
	if client.Tick >= server.Tick {
		return client
	}
	return server
}

// ApplyIncoming dispatches u if haveEntity reports its entity known;
// otherwise it is buffered up to missingRecordTimeout and must be retried
// via FlushBuffered on a later tick.
func (h *ReplicationHub) ApplyIncoming(u ComponentUpdate, haveEntity func(EntityID) bool, apply func(ComponentUpdate)) {
	if haveEntity(u.Entity) {
		apply(u)
		return
	}
	h.mu.Lock()
	h.buffered[u.Entity] = append(h.buffered[u.Entity], bufferedUpdate{update: u, received: time.Now()})
	h.mu.Unlock()
}

// FlushBuffered re-attempts every buffered update against haveEntity,
// applying and removing the ones now resolvable, and discarding any that
// have aged past missingRecordTimeout, per §7.2.
func (h *ReplicationHub) FlushBuffered(haveEntity func(EntityID) bool, apply func(ComponentUpdate)) {
	h.mu.Lock()
	now := time.Now()
	for entity, pending := range h.buffered {
		var keep []bufferedUpdate
		for _, bu := range pending {
			if haveEntity(entity) {
				apply(bu.update)
				continue
			}
			if now.Sub(bu.received) < missingRecordTimeout {
				keep = append(keep, bu)
			}
		}
		if len(keep) == 0 {
			delete(h.buffered, entity)
		} else {
			h.buffered[entity] = keep
		}
	}
	h.mu.Unlock()
}

// LogInputViolation rate-limits a per-(peer,kind) warning to once a second
// and never propagates the violation further, per §7.1.
func (h *ReplicationHub) LogInputViolation(peer, kind, detail string) {
	key := peer + "|" + kind
	if !h.limiter.Allow(key) {
		return
	}
	h.log.WithFields(logrus.Fields{"peer": peer, "kind": kind}).Warn(detail)
}

//---------------------------------------------------------------------
// Structure sync: on-demand chunk shipping and block-change streaming.
//---------------------------------------------------------------------

// ChunkBlob is the wire payload answering a chunk request: the raw ids and
// info arrays plus the sparse health map, RLP-encoded and zstd-compressed
// above the shared threshold.
type ChunkBlob struct {
	Structure EntityID
	Coord     ChunkCoord
	Payload   []byte // rlp([ids, info, health]), optionally zstd-compressed
}

type chunkWire struct {
	IDs        [ChunkVolume]uint16
	Info       [ChunkVolume]uint8
	HealthKeys []uint16
	HealthVals []uint32 // math.Float32bits of each health value; RLP has no float type
}

var structChunkEncoder, _ = zstd.NewWriter(nil)
var structChunkDecoder, _ = zstd.NewReader(nil)

// EncodeChunk serializes a chunk for on-demand shipping.
func EncodeChunk(structure EntityID, coord ChunkCoord, ch *Chunk) (ChunkBlob, error) {
	w := chunkWire{}
	ch.BlocksIter(func(bc ChunkBlockCoord, id BlockID) { w.IDs[bc.LinearIndex()] = uint16(id) })
	ch.InfoIter(func(bc ChunkBlockCoord, info uint8) { w.Info[bc.LinearIndex()] = info })
	for k, v := range ch.health {
		w.HealthKeys = append(w.HealthKeys, k)
		w.HealthVals = append(w.HealthVals, math.Float32bits(v))
	}
	raw, err := rlp.EncodeToBytes(&w)
	if err != nil {
		return ChunkBlob{}, fmt.Errorf("replication: encode chunk: %w", err)
	}
	if len(raw) >= compressThreshold {
		raw = structChunkEncoder.EncodeAll(raw, nil)
	}
	return ChunkBlob{Structure: structure, Coord: coord, Payload: raw}, nil
}

// DecodeChunk is the client-side inverse of EncodeChunk, writing directly
// into a freshly allocated chunk.
func DecodeChunk(blob ChunkBlob) (*Chunk, error) {
	raw := blob.Payload
	if decoded, err := structChunkDecoder.DecodeAll(raw, nil); err == nil {
		raw = decoded
	}
	var w chunkWire
	if err := rlp.DecodeBytes(raw, &w); err != nil {
		return nil, &SerializationError{Tag: "chunk", Err: err}
	}
	ch := newChunk()
	for i := 0; i < ChunkVolume; i++ {
		bc := ChunkBlockFromLinear(uint16(i))
		ch.ids[bc.LinearIndex()] = BlockID(w.IDs[i])
		ch.info[bc.LinearIndex()] = w.Info[i]
	}
	if len(w.HealthKeys) > 0 {
		ch.health = make(map[uint16]float32, len(w.HealthKeys))
		for i, k := range w.HealthKeys {
			ch.health[k] = math.Float32frombits(w.HealthVals[i])
		}
	}
	return ch, nil
}

// clientChunkSession tracks the per-client backpressure state for one
// structure's block-change stream.
type clientChunkSession struct {
	queued int
}

// chunkStreamBound is the queued-update count beyond which a client's
// per-block updates are dropped in favor of a full chunk re-ship.
const chunkStreamBound = 64

// encodeCacheSize bounds the number of recently-shipped chunk encodings kept
// around to answer a repeat RequestChunk without re-running RLP+zstd.
const encodeCacheSize = 512

// StructureSync answers chunk requests and streams block-change records,
// falling back to a full re-ship per client when its queue backs up.
type StructureSync struct {
	mu       sync.Mutex
	sessions map[string]map[ChunkCoord]*clientChunkSession
	encoded  *lru.Cache[ChunkCoord, ChunkBlob]
}

// NewStructureSync creates an empty structure-sync tracker.
func NewStructureSync() *StructureSync {
	cache, _ := lru.New[ChunkCoord, ChunkBlob](encodeCacheSize)
	return &StructureSync{
		sessions: make(map[string]map[ChunkCoord]*clientChunkSession),
		encoded:  cache,
	}
}

// RequestChunk returns the requested chunk, encoded, and resets that
// client's backpressure counter for it. A cached encoding is reused when
// the chunk hasn't changed since it was last shipped to any client;
// QueueBlockChange evicts the cache entry whenever a change in that chunk
// is queued.
func (s *StructureSync) RequestChunk(client string, structureID EntityID, cc ChunkCoord, structure *Structure) (ChunkBlob, error) {
	s.mu.Lock()
	if s.sessions[client] == nil {
		s.sessions[client] = make(map[ChunkCoord]*clientChunkSession)
	}
	s.sessions[client][cc] = &clientChunkSession{}
	if blob, ok := s.encoded.Get(cc); ok {
		s.mu.Unlock()
		return blob, nil
	}
	s.mu.Unlock()

	ch := structure.chunkAt(cc)
	if ch == nil {
		ch = sharedEmptyChunk
	}
	blob, err := EncodeChunk(structureID, cc, ch)
	if err != nil {
		return ChunkBlob{}, err
	}
	s.mu.Lock()
	s.encoded.Add(cc, blob)
	s.mu.Unlock()
	return blob, nil
}

// QueueBlockChange returns true if the per-block change should instead be
// answered with a full re-ship (the caller then calls RequestChunk and the
// counter resets), or false if the small per-block record should be
// streamed as usual. Every call evicts the cached encoding of cc.
func (s *StructureSync) QueueBlockChange(client string, cc ChunkCoord) (shipChunk bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoded.Remove(cc)
	byChunk, ok := s.sessions[client]
	if !ok {
		return false
	}
	sess, ok := byChunk[cc]
	if !ok {
		return false
	}
	sess.queued++
	if sess.queued > chunkStreamBound {
		sess.queued = 0
		return true
	}
	return false
}

// Disconnect drops all per-chunk session state for client.
func (s *StructureSync) Disconnect(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, client)
}
