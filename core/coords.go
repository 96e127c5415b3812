package core

import "fmt"

// ChunkDim is the fixed edge length of a chunk, in blocks.
const ChunkDim = 32

// ChunkVolume is the number of blocks in one chunk.
const ChunkVolume = ChunkDim * ChunkDim * ChunkDim

// SectorUnit is the edge length of a sector, in world-location units.
const SectorUnit = 10_000.0

// SystemSectors is the edge length, in sectors, of one universe-system.
const SystemSectors = 25

// BlockCoord is an unsigned block position inside a structure.
type BlockCoord struct {
	X, Y, Z uint32
}

func (c BlockCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// ChunkCoord addresses a chunk within a structure's chunk grid.
type ChunkCoord struct {
	X, Y, Z uint32
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("chunk(%d,%d,%d)", c.X, c.Y, c.Z)
}

// ChunkBlockCoord is a block position local to a chunk, each axis in 0..32.
type ChunkBlockCoord struct {
	X, Y, Z uint8
}

// LinearIndex returns the 0..32767 offset into a chunk's flat arrays.
func (c ChunkBlockCoord) LinearIndex() uint16 {
	return uint16(c.X)*ChunkDim*ChunkDim + uint16(c.Y)*ChunkDim + uint16(c.Z)
}

// ChunkBlockFromLinear is the inverse of LinearIndex.
func ChunkBlockFromLinear(idx uint16) ChunkBlockCoord {
	z := idx % ChunkDim
	idx /= ChunkDim
	y := idx % ChunkDim
	x := idx / ChunkDim
	return ChunkBlockCoord{X: uint8(x), Y: uint8(y), Z: uint8(z)}
}

// ToChunk splits a block coordinate into its owning chunk coordinate and the
// chunk-local coordinate within it. This conversion is total.
func (c BlockCoord) ToChunk() (ChunkCoord, ChunkBlockCoord) {
	cc := ChunkCoord{X: c.X / ChunkDim, Y: c.Y / ChunkDim, Z: c.Z / ChunkDim}
	bc := ChunkBlockCoord{X: uint8(c.X % ChunkDim), Y: uint8(c.Y % ChunkDim), Z: uint8(c.Z % ChunkDim)}
	return cc, bc
}

// BlockCoordFromChunk recombines a chunk coordinate and a chunk-local
// coordinate into a structure-absolute block coordinate.
func BlockCoordFromChunk(cc ChunkCoord, bc ChunkBlockCoord) BlockCoord {
	return BlockCoord{
		X: cc.X*ChunkDim + uint32(bc.X),
		Y: cc.Y*ChunkDim + uint32(bc.Y),
		Z: cc.Z*ChunkDim + uint32(bc.Z),
	}
}

// Sector is a signed coordinate over the uniform 10,000-unit world grid.
type Sector struct {
	X, Y, Z int64
}

// Add returns a+b, saturating at the int64 bounds instead of wrapping.
func (a Sector) Add(b Sector) Sector {
	return Sector{X: saturatingAdd(a.X, b.X), Y: saturatingAdd(a.Y, b.Y), Z: saturatingAdd(a.Z, b.Z)}
}

// Sub returns a-b, saturating at the int64 bounds instead of wrapping.
func (a Sector) Sub(b Sector) Sector {
	return Sector{X: saturatingSub(a.X, b.X), Y: saturatingSub(a.Y, b.Y), Z: saturatingSub(a.Z, b.Z)}
}

func (s Sector) String() string {
	return fmt.Sprintf("%d_%d_%d", s.X, s.Y, s.Z)
}

// UniverseSystem addresses a 25x25x25 cube of sectors.
func (s Sector) UniverseSystem() Sector {
	return Sector{X: floorDiv(s.X, SystemSectors), Y: floorDiv(s.Y, SystemSectors), Z: floorDiv(s.Z, SystemSectors)}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	// overflow iff operands share a sign and the result's sign differs.
	if (b > 0 && a > maxI64-b) {
		return maxI64
	}
	if (b < 0 && a < minI64-b) {
		return minI64
	}
	return sum
}

func saturatingSub(a, b int64) int64 {
	if b == minI64 {
		if a >= 0 {
			return maxI64
		}
		return saturatingAdd(a, maxI64)
	}
	return saturatingAdd(a, -b)
}

const (
	maxI64 = int64(^uint64(0) >> 1)
	minI64 = -maxI64 - 1
)

// WorldLocation pins an entity within the universe: a sector plus a local
// offset whose magnitude on every axis must stay below SectorUnit.
type WorldLocation struct {
	Sector Sector
	Local  [3]float32
}

// Valid reports whether the local offset satisfies |local| < SectorUnit on
// every axis.
func (l WorldLocation) Valid() bool {
	for _, v := range l.Local {
		if v <= -SectorUnit || v >= SectorUnit {
			return false
		}
	}
	return true
}

// BlockAt converts a world location to a block coordinate on the given
// structure's grid, relative to the structure's own sector/offset. It fails
// if the resulting point lies outside the structure's block extent — the
// one conversion in this package that is not total.
func (l WorldLocation) BlockAt(origin WorldLocation, s *Structure) (BlockCoord, error) {
	dx := l.Local[0] - origin.Local[0]
	dy := l.Local[1] - origin.Local[1]
	dz := l.Local[2] - origin.Local[2]
	sectorDelta := l.Sector.Sub(origin.Sector)
	dx += float32(sectorDelta.X) * SectorUnit
	dy += float32(sectorDelta.Y) * SectorUnit
	dz += float32(sectorDelta.Z) * SectorUnit

	if dx < 0 || dy < 0 || dz < 0 {
		return BlockCoord{}, ErrOutOfExtent
	}
	bc := BlockCoord{X: uint32(dx), Y: uint32(dy), Z: uint32(dz)}
	if !s.InExtent(bc) {
		return BlockCoord{}, ErrOutOfExtent
	}
	return bc, nil
}

// Face is one of the six axis-aligned directions a block face can point.
type Face uint8

const (
	FacePosX Face = iota
	FaceNegX
	FacePosY
	FaceNegY
	FacePosZ
	FaceNegZ
)

var faceNames = [6]string{"+x", "-x", "+y", "-y", "+z", "-z"}

func (f Face) String() string {
	if int(f) < len(faceNames) {
		return faceNames[f]
	}
	return "invalid-face"
}

// Inverse returns the opposite face; composing a face with its inverse is
// the identity rotation.
func (f Face) Inverse() Face {
	return f ^ 1
}

var faceOffsets = [6]BlockCoord{
	FacePosX: {X: 1}, FaceNegX: {X: ^uint32(0)},
	FacePosY: {Y: 1}, FaceNegY: {Y: ^uint32(0)},
	FacePosZ: {Z: 1}, FaceNegZ: {Z: ^uint32(0)},
}

// Neighbor returns the block coordinate one step from c along face f,
// wrapping on uint32 underflow exactly like the rest of this API: callers
// must check InExtent before trusting the result.
func (c BlockCoord) Neighbor(f Face) BlockCoord {
	o := faceOffsets[f]
	return BlockCoord{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

// faceVectors gives the unit basis vector each face points along.
var faceVectors = [6][3]int8{
	FacePosX: {1, 0, 0}, FaceNegX: {-1, 0, 0},
	FacePosY: {0, 1, 0}, FaceNegY: {0, -1, 0},
	FacePosZ: {0, 0, 1}, FaceNegZ: {0, 0, -1},
}

var vectorToFace = map[[3]int8]Face{
	{1, 0, 0}: FacePosX, {-1, 0, 0}: FaceNegX,
	{0, 1, 0}: FacePosY, {0, -1, 0}: FaceNegY,
	{0, 0, 1}: FacePosZ, {0, 0, -1}: FaceNegZ,
}

// rotMatrix is a signed 3x3 permutation matrix — the representation of a
// proper rotation of the cube. Storing rotations as matrices rather than as
// a direct face-to-face table means composition is literal matrix
// multiplication, so associativity and invertibility hold by the ordinary
// algebra of matrices rather than needing to be checked by hand.
type rotMatrix [3][3]int8

func (m rotMatrix) apply(v [3]int8) [3]int8 {
	var out [3]int8
	for i := 0; i < 3; i++ {
		var sum int8
		for j := 0; j < 3; j++ {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func (m rotMatrix) mul(n rotMatrix) rotMatrix {
	var out rotMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum int8
			for k := 0; k < 3; k++ {
				sum += m[i][k] * n[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// transpose is the inverse of any orthogonal matrix, in particular every
// rotMatrix produced by this package.
func (m rotMatrix) transpose() rotMatrix {
	var out rotMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[j][i] = m[i][j]
		}
	}
	return out
}

var identityMatrix = rotMatrix{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// faceRotations holds one representative rotation matrix per named top
// face — the "six face orientations" a block can be placed in. Each sends
// the canonical top (+y) to the named face by the simplest axis rotation.
var faceRotations = map[Face]rotMatrix{
	FacePosY: identityMatrix,
	FaceNegY: {{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},  // 180 deg about x
	FacePosX: {{0, 1, 0}, {-1, 0, 0}, {0, 0, 1}},   // -90 deg about z
	FaceNegX: {{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},   // +90 deg about z
	FacePosZ: {{1, 0, 0}, {0, 0, -1}, {0, 1, 0}},   // +90 deg about x
	FaceNegZ: {{1, 0, 0}, {0, 0, 1}, {0, -1, 0}},   // -90 deg about x
}

// BlockRotation is a rigid rotation of a block. Placement only ever
// constructs one of the six named face orientations, but Compose is closed
// over the full 24-element rotation group of the cube so composing two
// placements is always well defined.
type BlockRotation struct {
	m rotMatrix
}

// IdentityRotation leaves every face fixed.
var IdentityRotation = BlockRotation{m: identityMatrix}

// RotationToFace returns the unique rigid rotation sending the canonical
// top face (+y) to face.
func RotationToFace(face Face) BlockRotation {
	return BlockRotation{m: faceRotations[face]}
}

// Top reports which face this rotation sends the canonical top face (+y)
// to — the value used when persisting or replicating a block's orientation.
func (r BlockRotation) Top() Face {
	return vectorToFace[r.m.apply(faceVectors[FacePosY])]
}

// Rotate returns the face that canonical face f maps to under r.
func (r BlockRotation) Rotate(f Face) Face {
	return vectorToFace[r.m.apply(faceVectors[f])]
}

// Inverse returns the rotation that undoes r.
func (r BlockRotation) Inverse() BlockRotation {
	return BlockRotation{m: r.m.transpose()}
}

// Compose returns the rotation equivalent to applying r first, then r2.
func (r BlockRotation) Compose(r2 BlockRotation) BlockRotation {
	return BlockRotation{m: r2.m.mul(r.m)}
}

// Equal reports whether two rotations act identically on all six faces.
func (r BlockRotation) Equal(o BlockRotation) bool {
	return r.m == o.m
}
