// Package model holds the identifiers and coordinate types shared by the view subsystem.
package model

import (
	"fmt"
	"math"
	"strings"
)

// CellSize is the edge length of a cell (column footprint or cube) in world units.
const CellSize = 16

type ZoneID string

type AgentID string

// Vec3 is a world-space position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec3i is a cell coordinate.
type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3i) Column() ColumnKey { return ColumnKey{X: v.X, Z: v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// ColumnKey addresses a full-height column of cells.
type ColumnKey struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// CellOf returns the cell containing p.
func CellOf(p Vec3) Vec3i {
	return Vec3i{
		X: FloorDiv(int(math.Floor(p.X)), CellSize),
		Y: FloorDiv(int(math.Floor(p.Y)), CellSize),
		Z: FloorDiv(int(math.Floor(p.Z)), CellSize),
	}
}

// CellCenter returns the world-space center of cell c.
func CellCenter(c Vec3i) Vec3 {
	h := float64(CellSize) / 2
	return Vec3{
		X: float64(c.X*CellSize) + h,
		Y: float64(c.Y*CellSize) + h,
		Z: float64(c.Z*CellSize) + h,
	}
}

// Distance is the euclidean distance between two cells.
func Distance(a, b Vec3i) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// TravelCost is the rounded-up euclidean distance between two cells.
func TravelCost(a, b Vec3i) int {
	return int(math.Ceil(Distance(a, b)))
}

// Addressing is the granularity a zone streams its state at.
type Addressing int

const (
	Columnar Addressing = iota
	Volumetric
)

func (a Addressing) String() string {
	switch a {
	case Columnar:
		return "columnar"
	case Volumetric:
		return "volumetric"
	default:
		return fmt.Sprintf("addressing(%d)", int(a))
	}
}

func ParseAddressing(s string) (Addressing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "columnar", "column":
		return Columnar, nil
	case "volumetric", "cube", "cubic":
		return Volumetric, nil
	default:
		return Columnar, fmt.Errorf("unknown addressing %q", s)
	}
}
