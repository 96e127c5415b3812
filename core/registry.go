package core

// Block registry — a typed interning store for block and item definitions,
// grounded on the teacher's opcode_dispatcher.go pattern (a Register/Lookup
// table protected by one mutex, duplicates fatal, freeze-then-read-only
// lifecycle) but keyed by string name instead of opcode.

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// BlockID is the numeric, process-lifetime identifier of a block. Id 0 is
// reserved for cosmos:air, the empty sentinel.
type BlockID uint16

// AirBlockID is the reserved sentinel for "empty".
const AirBlockID BlockID = 0

// BlockProperties is a bitset of the orthogonal traits a block may have.
type BlockProperties uint16

const (
	PropOpaque BlockProperties = 1 << iota
	PropTransparent
	PropFull
	PropPartial
	PropFluid
	PropInteractable
	PropFaceOrientable
)

func (p BlockProperties) Has(f BlockProperties) bool { return p&f != 0 }

// Block is an interned block definition.
type Block struct {
	ID              BlockID
	UnlocalizedName string
	Properties      BlockProperties
	Hardness        float32
	ConnectGroup    string
}

// Registry interns Block definitions by name, assigning ids in registration
// order. It is frozen once world load completes; after that, mutation fails
// rather than silently succeeding.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Block
	byID    []*Block
	frozen  bool
	logger  *logrus.Logger
}

// NewRegistry creates an empty registry with cosmos:air pre-registered as
// id 0, matching the reserved-sentinel invariant.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		byName: make(map[string]*Block),
		byID:   make([]*Block, 0, 256),
		logger: logger,
	}
	air := &Block{ID: AirBlockID, UnlocalizedName: "cosmos:air", Properties: PropTransparent}
	r.byName[air.UnlocalizedName] = air
	r.byID = append(r.byID, air)
	return r
}

// Register assigns the next free id to block and interns it by name. It
// rejects a second registration of the same name. Registering after the
// registry is frozen is an invariant violation — by the time the world has
// loaded, every block kind must already be known.
func (r *Registry) Register(b *Block) (BlockID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		invariant("register(%s) after registry frozen", b.UnlocalizedName)
	}
	if _, exists := r.byName[b.UnlocalizedName]; exists {
		return 0, ErrDuplicateRegistration
	}
	id := BlockID(len(r.byID))
	b.ID = id
	r.byID = append(r.byID, b)
	r.byName[b.UnlocalizedName] = b
	return id, nil
}

// Freeze marks the registry read-only. Systems may thereafter borrow it
// shared for an entire tick without locking (§5).
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// FromName looks up a block by its unlocalized name.
func (r *Registry) FromName(name string) (*Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

// FromID looks up a block by numeric id. It panics on an id never handed
// out by Register — an invariant violation, since ids are only ever
// produced by this registry.
func (r *Registry) FromID(id BlockID) *Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.byID) {
		invariant("from_id(%d): no such block id", id)
	}
	return r.byID[id]
}

// Len returns the number of registered blocks, including air.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// BlockDef is the wire/disk representation of one registered block,
// exchanged verbatim during registry replication (§4.B) and loaded from
// name-keyed JSON block-definition files (§6).
type BlockDef struct {
	Name         string          `json:"name" yaml:"name"`
	Properties   BlockProperties `json:"properties" yaml:"properties"`
	Hardness     float32         `json:"hardness" yaml:"hardness"`
	ConnectGroup string          `json:"connect_group" yaml:"connect_group"`
}

// Snapshot returns the full name->id/properties table for shipping to a
// newly connected client (§4.B, §6 "registry sync" reliable-channel
// message).
func (r *Registry) Snapshot() []BlockDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BlockDef, 0, len(r.byID))
	for _, b := range r.byID {
		if b.ID == AirBlockID {
			continue
		}
		out = append(out, BlockDef{
			Name:         b.UnlocalizedName,
			Properties:   b.Properties,
			Hardness:     b.Hardness,
			ConnectGroup: b.ConnectGroup,
		})
	}
	return out
}

// ErrRegistryMismatch is returned by LoadSnapshot when the client's locally
// compiled block set disagrees with the server's authoritative table.
// Per §4.B, any mismatch aborts the connection; the core never attempts to
// reconcile differing definitions.
var ErrRegistryMismatch = errors.New("client block registry does not match server")

// LoadSnapshot registers every definition from a server-shipped snapshot in
// order, so client ids match the server's assignment order exactly. It
// fails with ErrRegistryMismatch if the receiver already has any block
// besides air registered, whatever its name; it does not compare names.
func (r *Registry) LoadSnapshot(defs []BlockDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		invariant("LoadSnapshot after registry frozen")
	}
	if len(r.byID) > 1 {
		return ErrRegistryMismatch
	}
	for _, d := range defs {
		b := &Block{
			UnlocalizedName: d.Name,
			Properties:      d.Properties,
			Hardness:        d.Hardness,
			ConnectGroup:    d.ConnectGroup,
		}
		id := BlockID(len(r.byID))
		b.ID = id
		r.byID = append(r.byID, b)
		r.byName[b.UnlocalizedName] = b
	}
	return nil
}

// LoadDefinitionFile registers every block definition in a YAML asset file
// (the format referenced by the server config's block_defs_path), in file
// order, so world content built against it gets matching ids.
func (r *Registry) LoadDefinitionFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", path, err)
	}
	var defs []BlockDef
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("registry: parse %s: %w", path, err)
	}
	for _, d := range defs {
		if _, err := r.Register(&Block{
			UnlocalizedName: d.Name,
			Properties:      d.Properties,
			Hardness:        d.Hardness,
			ConnectGroup:    d.ConnectGroup,
		}); err != nil {
			return fmt.Errorf("registry: register %s: %w", d.Name, err)
		}
	}
	return nil
}
