package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockCoordChunkRoundTrip(t *testing.T) {
	cases := []BlockCoord{
		{X: 0, Y: 0, Z: 0},
		{X: 31, Y: 31, Z: 31},
		{X: 32, Y: 63, Z: 100},
		{X: 1000, Y: 2000, Z: 3000},
	}
	for _, bc := range cases {
		cc, local := bc.ToChunk()
		require.Equal(t, bc, BlockCoordFromChunk(cc, local))
	}
}

func TestChunkBlockLinearIndexRoundTrip(t *testing.T) {
	for _, bc := range []ChunkBlockCoord{{0, 0, 0}, {31, 31, 31}, {5, 17, 9}} {
		idx := bc.LinearIndex()
		require.Equal(t, bc, ChunkBlockFromLinear(idx))
	}
}

func TestSectorSaturatingArithmetic(t *testing.T) {
	s := Sector{X: maxI64, Y: minI64, Z: 0}
	sum := s.Add(Sector{X: 1, Y: -1, Z: 0})
	require.Equal(t, maxI64, sum.X, "add must saturate instead of overflowing")
	require.Equal(t, minI64, sum.Y, "add must saturate instead of underflowing")
}

func TestSectorUniverseSystemFloorsTowardNegativeInfinity(t *testing.T) {
	require.Equal(t, Sector{X: -1, Y: -1, Z: -1}, Sector{X: -1, Y: -12, Z: -25}.UniverseSystem())
	require.Equal(t, Sector{X: 0, Y: 0, Z: 1}, Sector{X: 0, Y: 24, Z: 25}.UniverseSystem())
}

func TestWorldLocationValid(t *testing.T) {
	require.True(t, WorldLocation{Local: [3]float32{0, 0, 0}}.Valid())
	require.False(t, WorldLocation{Local: [3]float32{SectorUnit, 0, 0}}.Valid())
	require.False(t, WorldLocation{Local: [3]float32{-SectorUnit, 0, 0}}.Valid())
}

func TestFaceInverseIsInvolution(t *testing.T) {
	for f := FacePosX; f <= FaceNegZ; f++ {
		require.Equal(t, f, f.Inverse().Inverse())
		require.NotEqual(t, f, f.Inverse())
	}
}

func TestRotationToFaceSendsTopToFace(t *testing.T) {
	for f := FacePosX; f <= FaceNegZ; f++ {
		r := RotationToFace(f)
		require.Equal(t, f, r.Top())
	}
}

func TestRotationInverseUndoesRotation(t *testing.T) {
	for f := FacePosX; f <= FaceNegZ; f++ {
		r := RotationToFace(f)
		require.True(t, r.Compose(r.Inverse()).Equal(IdentityRotation))
	}
}

func TestRotationComposeAssociatesWithIdentity(t *testing.T) {
	r := RotationToFace(FacePosX)
	require.True(t, IdentityRotation.Compose(r).Equal(r))
	require.True(t, r.Compose(IdentityRotation).Equal(r))
}
