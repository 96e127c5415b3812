package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type constSourceBehavior struct {
	value int32
}

func (b *constSourceBehavior) Produce(*Structure, BlockCoord, Face) int32 { return b.value }
func (b *constSourceBehavior) Consume(*Structure, BlockCoord, Face, int32) {}

type recordingSinkBehavior struct {
	mu       sync.Mutex
	consumed []int32
}

func (b *recordingSinkBehavior) Produce(*Structure, BlockCoord, Face) int32 { return 0 }
func (b *recordingSinkBehavior) Consume(_ *Structure, _ BlockCoord, _ Face, groupValue int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed = append(b.consumed, groupValue)
}

func newLogicTestFixture(t *testing.T) (*Structure, *LogicGraph, BlockID, BlockID, *constSourceBehavior, *recordingSinkBehavior) {
	t.Helper()
	reg := NewRegistry(nil)
	sourceID, err := reg.Register(&Block{UnlocalizedName: "cosmos:source", Properties: PropInteractable})
	require.NoError(t, err)
	sinkID, err := reg.Register(&Block{UnlocalizedName: "cosmos:sink", Properties: PropInteractable})
	require.NoError(t, err)

	s := NewFullStructure(reg, NewEventBus(), 16, 16, 16)
	graph := NewLogicGraph(s)
	graph.RegisterPortSpec(sourceID, map[Face]PortKind{FacePosX: PortOutput})
	graph.RegisterPortSpec(sinkID, map[Face]PortKind{FaceNegX: PortInput})

	source := &constSourceBehavior{value: 7}
	sink := &recordingSinkBehavior{}
	graph.RegisterBehavior(sourceID, source)
	graph.RegisterBehavior(sinkID, sink)
	return s, graph, sourceID, sinkID, source, sink
}

func TestLogicGraphConnectsAdjacentPortsIntoOneGroup(t *testing.T) {
	s, graph, sourceID, sinkID, _, _ := newLogicTestFixture(t)

	_, err := s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, sourceID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(BlockCoord{X: 1, Y: 0, Z: 0}, sinkID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	outID, ok := graph.GroupOf(Port{Coord: BlockCoord{X: 0, Y: 0, Z: 0}, Face: FacePosX})
	require.True(t, ok)
	inID, ok := graph.GroupOf(Port{Coord: BlockCoord{X: 1, Y: 0, Z: 0}, Face: FaceNegX})
	require.True(t, ok)
	require.Equal(t, outID, inID, "facing ports across a neighbor boundary share a wire group")

	grp, ok := graph.Group(outID)
	require.True(t, ok)
	require.Len(t, grp.Members, 2)
}

func TestLogicGraphTickPropagatesOneTickLater(t *testing.T) {
	s, graph, sourceID, sinkID, _, sink := newLogicTestFixture(t)
	_, err := s.SetBlockAt(BlockCoord{X: 0, Y: 0, Z: 0}, sourceID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(BlockCoord{X: 1, Y: 0, Z: 0}, sinkID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	graph.Tick()
	sink.mu.Lock()
	firstTickCalls := len(sink.consumed)
	sink.mu.Unlock()
	require.Equal(t, 0, firstTickCalls, "a value change must not be consumed within the same tick it occurred")

	graph.Tick()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []int32{7}, sink.consumed)
}

func TestLogicGraphFlipsOnBitWhenGroupEnergizes(t *testing.T) {
	s, graph, sourceID, sinkID, _, _ := newLogicTestFixture(t)
	coord := BlockCoord{X: 2, Y: 0, Z: 0}
	neighbor := BlockCoord{X: 3, Y: 0, Z: 0}
	_, err := s.SetBlockAt(coord, sourceID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(neighbor, sinkID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	require.False(t, s.OnBitAt(coord))
	graph.Tick()
	require.True(t, s.OnBitAt(coord))
	require.True(t, s.OnBitAt(neighbor))
}

func TestLogicGraphWireBlockCarriesGroupAcrossItself(t *testing.T) {
	s, graph, sourceID, sinkID, _, sink := newLogicTestFixture(t)

	wireID, err := s.Registry.Register(&Block{UnlocalizedName: "cosmos:wire", Properties: PropInteractable})
	require.NoError(t, err)
	graph.RegisterPortSpec(wireID, map[Face]PortKind{
		FacePosX: PortWire, FaceNegX: PortWire,
		FacePosY: PortWire, FaceNegY: PortWire,
		FacePosZ: PortWire, FaceNegZ: PortWire,
	})

	producer := BlockCoord{X: 0, Y: 0, Z: 0}
	wire := BlockCoord{X: 1, Y: 0, Z: 0}
	consumer := BlockCoord{X: 2, Y: 0, Z: 0}
	_, err = s.SetBlockAt(producer, sourceID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(wire, wireID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(consumer, sinkID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	outID, ok := graph.GroupOf(Port{Coord: producer, Face: FacePosX})
	require.True(t, ok)
	inID, ok := graph.GroupOf(Port{Coord: consumer, Face: FaceNegX})
	require.True(t, ok)
	require.Equal(t, outID, inID, "a producer and consumer two blocks apart must share a group through an intervening wire block")

	grp, ok := graph.Group(outID)
	require.True(t, ok)
	require.Len(t, grp.Members, 8, "producer's one port + wire's six ports + consumer's one port")

	graph.Tick()
	graph.Tick()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []int32{7}, sink.consumed, "the wire block must carry the producer's value to the consumer with no Produce/Consume of its own")
}

func TestLogicGraphRemovingSourceDissolvesGroup(t *testing.T) {
	s, graph, sourceID, sinkID, _, _ := newLogicTestFixture(t)
	coord := BlockCoord{X: 4, Y: 0, Z: 0}
	neighbor := BlockCoord{X: 5, Y: 0, Z: 0}
	_, err := s.SetBlockAt(coord, sourceID, IdentityRotation)
	require.NoError(t, err)
	_, err = s.SetBlockAt(neighbor, sinkID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	_, err = s.SetBlockAt(coord, AirBlockID, IdentityRotation)
	require.NoError(t, err)
	graph.ObserveBlockChanges()

	_, ok := graph.GroupOf(Port{Coord: coord, Face: FacePosX})
	require.False(t, ok, "removing the source block must remove its port from any group")
	sinkGroupID, ok := graph.GroupOf(Port{Coord: neighbor, Face: FaceNegX})
	require.True(t, ok, "the sink's own port is untouched by its neighbor's removal")
	grp, _ := graph.Group(sinkGroupID)
	require.Len(t, grp.Members, 1)
}
