package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidGeometry is returned when a volume's spacing, size or direction
// cannot support physical <-> index transforms.
var ErrInvalidGeometry = errors.New("invalid volume geometry")

// Index is an integer voxel coordinate (i, j, k).
type Index [3]int

// Point is a physical-space coordinate in LPS millimetres.
type Point [3]float64

// Volume represents a 3D scalar image with its physical geometry.
//
// Data is stored as a 1D array with x varying fastest:
// idx = k*nx*ny + j*nx + i
type Volume struct {
	// Size is the number of voxels along i, j, k
	Size [3]int

	// Spacing is the physical size of a voxel along each axis in mm
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0)
	Origin Point

	// Direction holds the direction cosines as a row-major 3x3 matrix;
	// column c is the physical direction of index axis c
	Direction [9]float64

	// Data is the voxel intensity data
	Data []float64
}

// IdentityDirection returns the direction cosines of an axis-aligned volume.
func IdentityDirection() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewVolume allocates a zero-filled volume with identity direction.
func NewVolume(size [3]int, spacing [3]float64, origin Point) *Volume {
	return &Volume{
		Size:      size,
		Spacing:   spacing,
		Origin:    origin,
		Direction: IdentityDirection(),
		Data:      make([]float64, size[0]*size[1]*size[2]),
	}
}

// Validate checks the invariants every transform relies on.
func (v *Volume) Validate() error {
	for a := 0; a < 3; a++ {
		if !(v.Spacing[a] > 0) {
			return fmt.Errorf("%w: spacing %v must be strictly positive", ErrInvalidGeometry, v.Spacing)
		}
		if v.Size[a] < 0 {
			return fmt.Errorf("%w: negative size %v", ErrInvalidGeometry, v.Size)
		}
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("%w: %d voxels for size %v", ErrInvalidGeometry, len(v.Data), v.Size)
	}
	return nil
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Size[0] * v.Size[1] * v.Size[2]
}

// Offset converts an index to a position in Data.
func (v *Volume) Offset(i, j, k int) int {
	return k*v.Size[0]*v.Size[1] + j*v.Size[0] + i
}

// Contains reports whether (i, j, k) lies inside the volume.
func (v *Volume) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < v.Size[0] && j < v.Size[1] && k < v.Size[2]
}

// At returns the voxel value at (i, j, k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Offset(i, j, k)]
}

// Set assigns the voxel value at (i, j, k).
func (v *Volume) Set(i, j, k int, value float64) {
	v.Data[v.Offset(i, j, k)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// CopyGeometry returns a zero-filled volume sharing v's geometry.
func (v *Volume) CopyGeometry() *Volume {
	c := *v
	c.Data = make([]float64, v.Len())
	return &c
}

// IsAllZero reports whether every voxel is exactly zero.
func (v *Volume) IsAllZero() bool {
	for _, x := range v.Data {
		if x != 0 {
			return false
		}
	}
	return true
}

// Array returns a copy of the data in (depth, height, width) order, which is
// also the layout of Data, together with that shape.
func (v *Volume) Array() ([]float64, [3]int) {
	out := make([]float64, len(v.Data))
	copy(out, v.Data)
	return out, [3]int{v.Size[2], v.Size[1], v.Size[0]}
}

// indexToPhysical returns the 3x3 matrix D * diag(spacing).
func (v *Volume) indexToPhysical() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, v.Direction[r*3+c]*v.Spacing[c])
		}
	}
	return m
}

// IndexToPhysicalPoint maps a continuous index to physical space.
func (v *Volume) IndexToPhysicalPoint(idx [3]float64) Point {
	m := v.indexToPhysical()
	var p Point
	for r := 0; r < 3; r++ {
		p[r] = v.Origin[r]
		for c := 0; c < 3; c++ {
			p[r] += m.At(r, c) * idx[c]
		}
	}
	return p
}

// PhysicalPointToContinuousIndex maps a physical point to a continuous index.
func (v *Volume) PhysicalPointToContinuousIndex(p Point) ([3]float64, error) {
	if err := v.Validate(); err != nil {
		return [3]float64{}, err
	}
	var inv mat.Dense
	if err := inv.Inverse(v.indexToPhysical()); err != nil {
		return [3]float64{}, fmt.Errorf("%w: singular direction matrix: %v", ErrInvalidGeometry, err)
	}
	var idx [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			idx[r] += inv.At(r, c) * (p[c] - v.Origin[c])
		}
	}
	return idx, nil
}

// PhysicalPointToIndex maps a physical point to the nearest voxel index,
// rounding halves up the same way ITK does.
func (v *Volume) PhysicalPointToIndex(p Point) (Index, error) {
	cidx, err := v.PhysicalPointToContinuousIndex(p)
	if err != nil {
		return Index{}, err
	}
	var idx Index
	for a := 0; a < 3; a++ {
		idx[a] = int(math.Floor(cidx[a] + 0.5))
	}
	return idx, nil
}

// Pad returns a copy of v with lower[a] zero voxels prepended and upper[a]
// appended along each axis. The origin moves so that every original voxel
// keeps its physical position.
func (v *Volume) Pad(lower, upper [3]int) *Volume {
	size := [3]int{
		v.Size[0] + lower[0] + upper[0],
		v.Size[1] + lower[1] + upper[1],
		v.Size[2] + lower[2] + upper[2],
	}
	out := &Volume{
		Size:      size,
		Spacing:   v.Spacing,
		Direction: v.Direction,
		Origin:    v.IndexToPhysicalPoint([3]float64{-float64(lower[0]), -float64(lower[1]), -float64(lower[2])}),
		Data:      make([]float64, size[0]*size[1]*size[2]),
	}
	for k := 0; k < v.Size[2]; k++ {
		for j := 0; j < v.Size[1]; j++ {
			src := v.Offset(0, j, k)
			dst := out.Offset(lower[0], j+lower[1], k+lower[2])
			copy(out.Data[dst:dst+v.Size[0]], v.Data[src:src+v.Size[0]])
		}
	}
	return out
}
