package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLODTreeRecomputeNoDirtyIsNil(t *testing.T) {
	s := NewFullStructure(NewRegistry(nil), NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)
	require.Nil(t, tree.Recompute())
}

func TestLODTreeObserveAndRecomputeLeaf(t *testing.T) {
	reg := NewRegistry(nil)
	stone, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.NoError(t, err)
	s := NewFullStructure(reg, NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)

	coord := BlockCoord{X: 0, Y: 0, Z: 0}
	_, err = s.SetBlockAt(coord, stone, IdentityRotation)
	require.NoError(t, err)
	tree.ObserveBlockChanges()

	deltas := tree.Recompute()
	require.NotEmpty(t, deltas)

	leafPath := leafPathFor(coord)
	var leaf *LODDelta
	for i := range deltas {
		if deltas[i].Path == leafPath {
			leaf = &deltas[i]
			break
		}
	}
	require.NotNil(t, leaf, "the leaf covering the changed coordinate must appear in the deltas")
	require.Equal(t, stone, leaf.Sample.Dominant)
	require.InDelta(t, float32(1)/float32(ChunkVolume), leaf.Sample.Occupancy, 1e-9)
}

func TestLODTreeRecomputeOrdersChildrenBeforeAncestors(t *testing.T) {
	reg := NewRegistry(nil)
	stone, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.NoError(t, err)
	s := NewFullStructure(reg, NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)

	_, err = s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, stone, IdentityRotation)
	require.NoError(t, err)
	tree.ObserveBlockChanges()
	deltas := tree.Recompute()

	positions := make(map[LODPath]int, len(deltas))
	for i, d := range deltas {
		positions[d.Path] = i
	}
	leaf := leafPathFor(BlockCoord{X: 0, Y: 0, Z: 0})
	parent := ancestorPath(leaf)
	require.Less(t, positions[leaf], positions[parent], "a child's delta must precede the ancestor that summarizes it")
}

func TestLODTreeRecomputeClearsDirtySet(t *testing.T) {
	reg := NewRegistry(nil)
	stone, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.NoError(t, err)
	s := NewFullStructure(reg, NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)

	_, err = s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, stone, IdentityRotation)
	require.NoError(t, err)
	tree.ObserveBlockChanges()
	require.NotEmpty(t, tree.Recompute())
	require.Nil(t, tree.Recompute(), "a second call with nothing newly dirty must return nil")
}

func TestLODTreeClientAckLag(t *testing.T) {
	s := NewFullStructure(NewRegistry(nil), NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)

	require.True(t, tree.NeedsSnapshot("unknown"), "an untracked client must be given a full snapshot")

	tree.RegisterClient("alice")
	require.False(t, tree.NeedsSnapshot("alice"))

	tree.seq = ackLagBound + 1
	require.True(t, tree.NeedsSnapshot("alice"))

	tree.Ack("alice", tree.seq)
	require.False(t, tree.NeedsSnapshot("alice"))
}

func TestLODTreeDequeueOneSendsAtMostOnePerCall(t *testing.T) {
	reg := NewRegistry(nil)
	stoneA, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone_a"})
	require.NoError(t, err)
	stoneB, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone_b"})
	require.NoError(t, err)
	s := NewFullStructure(reg, NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)
	tree.RegisterClient("alice")

	_, err = s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, stoneA, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(BlockCoord{X: 40, Y: 0, Z: 0}, stoneB, IdentityRotation)
	require.NoError(t, err)
	tree.ObserveBlockChanges()
	deltas := tree.Recompute()
	require.True(t, len(deltas) >= 2, "two far-apart changes must dirty distinct leaves")

	tree.QueueForClients(deltas)

	_, ok := tree.DequeueOne("bob")
	require.False(t, ok, "a client that never registered has nothing queued")

	seen := 0
	for {
		d, ok := tree.DequeueOne("alice")
		if !ok {
			break
		}
		seen++
		_ = d
		if seen > len(deltas) {
			t.Fatal("DequeueOne returned more entries than were queued")
		}
	}
	require.Equal(t, len(deltas), seen, "every queued delta must eventually drain, one per call")

	_, ok = tree.DequeueOne("alice")
	require.False(t, ok, "the queue must be empty once fully drained")
}

func TestLODTreeSnapshotReturnsEveryNode(t *testing.T) {
	reg := NewRegistry(nil)
	stone, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.NoError(t, err)
	s := NewFullStructure(reg, NewEventBus(), 64, 64, 64)
	tree := NewLODTree(s)

	_, err = s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, stone, IdentityRotation)
	require.NoError(t, err)
	tree.ObserveBlockChanges()
	deltas := tree.Recompute()

	snap := tree.Snapshot()
	require.Len(t, snap, len(deltas))
}
