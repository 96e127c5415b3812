package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryAirPreregistered(t *testing.T) {
	reg := NewRegistry(nil)
	require.Equal(t, 1, reg.Len())
	b, ok := reg.FromName("cosmos:air")
	require.True(t, ok)
	require.Equal(t, AirBlockID, b.ID)
}

func TestRegistryRegisterAssignsSequentialIDs(t *testing.T) {
	reg := NewRegistry(nil)
	id1, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone", Hardness: 1.5})
	require.NoError(t, err)
	id2, err := reg.Register(&Block{UnlocalizedName: "cosmos:iron", Hardness: 3})
	require.NoError(t, err)
	require.Equal(t, BlockID(1), id1)
	require.Equal(t, BlockID(2), id2)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.NoError(t, err)
	_, err = reg.Register(&Block{UnlocalizedName: "cosmos:stone"})
	require.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestRegistryRegisterAfterFreezePanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Freeze()
	require.Panics(t, func() {
		reg.Register(&Block{UnlocalizedName: "cosmos:late"})
	})
}

func TestRegistrySnapshotLoadSnapshotRoundTrip(t *testing.T) {
	server := NewRegistry(nil)
	server.Register(&Block{UnlocalizedName: "cosmos:stone", Hardness: 1.5, ConnectGroup: "solid"})
	server.Register(&Block{UnlocalizedName: "cosmos:wire", Properties: PropInteractable})
	snap := server.Snapshot()
	require.Len(t, snap, 2)

	client := NewRegistry(nil)
	require.NoError(t, client.LoadSnapshot(snap))
	b, ok := client.FromName("cosmos:stone")
	require.True(t, ok)
	require.Equal(t, BlockID(1), b.ID)
}

func TestRegistryLoadSnapshotRejectsMismatch(t *testing.T) {
	client := NewRegistry(nil)
	client.Register(&Block{UnlocalizedName: "cosmos:local-only"})
	err := client.LoadSnapshot([]BlockDef{{Name: "cosmos:stone"}})
	require.ErrorIs(t, err, ErrRegistryMismatch)
}

func TestRegistryLoadDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.yaml")
	data := []byte(`
- name: cosmos:stone
  hardness: 1.5
  connect_group: solid
- name: cosmos:wire
  properties: 32
`)
	require.NoError(t, os.WriteFile(path, data, 0600))

	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadDefinitionFile(path))
	b, ok := reg.FromName("cosmos:stone")
	require.True(t, ok)
	require.Equal(t, float32(1.5), b.Hardness)
	wire, ok := reg.FromName("cosmos:wire")
	require.True(t, ok)
	require.True(t, wire.Properties.Has(PropInteractable))
}
