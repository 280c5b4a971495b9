package zonesim

import (
	"crypto/sha256"
	"encoding/binary"

	"portalview.ai/internal/sim/model"
)

// Palette ids.
const (
	Air uint16 = iota
	Stone
	Dirt
	Sand
	Crystal
)

// Cell is the generated content of one column footprint (columnar zones,
// CellSize*CellSize surface ids) or one cube (volumetric zones).
type Cell struct {
	Pos    model.Vec3i
	Blocks []uint16

	hash [32]byte
}

func (c *Cell) Digest() [32]byte {
	if c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, b := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], b)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
	}
	return c.hash
}

func generateColumn(seed int64, pos model.Vec3i) *Cell {
	const n = model.CellSize
	blocks := make([]uint16, n*n)
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			wx := pos.X*n + x
			wz := pos.Z*n + z
			roll := model.Hash2(seed, wx, wz) % 1000
			var b uint16
			switch {
			case roll < 2:
				b = Crystal
			case roll < 60:
				b = Stone
			case roll < 140:
				b = Dirt
			case roll < 170:
				b = Sand
			default:
				b = Air
			}
			// x fastest, then z
			blocks[x+z*n] = b
		}
	}
	return &Cell{Pos: model.Vec3i{X: pos.X, Z: pos.Z}, Blocks: blocks}
}

func generateCube(seed int64, pos model.Vec3i) *Cell {
	const n = model.CellSize
	blocks := make([]uint16, n*n*n)
	for y := 0; y < n; y++ {
		wy := pos.Y*n + y
		for z := 0; z < n; z++ {
			for x := 0; x < n; x++ {
				wx := pos.X*n + x
				wz := pos.Z*n + z
				var b uint16
				switch {
				case wy < 0:
					b = Stone
					if model.Hash3(seed, wx, wy, wz)%500 == 0 {
						b = Crystal
					}
				case wy == 0:
					b = Dirt
				case model.Hash3(seed+1, wx, wy, wz)%97 == 0:
					b = Stone
				default:
					b = Air
				}
				blocks[x+z*n+y*n*n] = b
			}
		}
	}
	return &Cell{Pos: pos, Blocks: blocks}
}
