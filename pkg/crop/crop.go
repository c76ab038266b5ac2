// Package crop extracts fixed-size windows around voxel centers, optionally
// after a rigid rotation about a physical point.
package crop

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"prostatexcnn/internal/models"
)

// ErrOutOfBounds is returned when a crop window does not fit inside a volume.
var ErrOutOfBounds = errors.New("crop window out of bounds")

// Window is a half-open voxel range [Lo, Hi) per axis.
type Window struct {
	Lo, Hi models.Index
}

// Size returns the window extent per axis.
func (w Window) Size() [3]int {
	return [3]int{w.Hi[0] - w.Lo[0], w.Hi[1] - w.Lo[1], w.Hi[2] - w.Lo[2]}
}

// CenteredWindow returns the window of size (width, height, depth) around
// center, shifted by -iOffset and -jOffset in plane: floor(size/2) voxels
// below the center and ceil(size/2) from the center upwards.
func CenteredWindow(center models.Index, width, height, depth, iOffset, jOffset int) Window {
	ci := center[0] - iOffset
	cj := center[1] - jOffset
	ck := center[2]
	return Window{
		Lo: models.Index{ci - width/2, cj - height/2, ck - depth/2},
		Hi: models.Index{ci + ceilHalf(width), cj + ceilHalf(height), ck + ceilHalf(depth)},
	}
}

func ceilHalf(n int) int {
	return n - n/2
}

// Extract copies the window out of v. The result's origin is the physical
// position of the window's first voxel.
func Extract(v *models.Volume, w Window) (*models.Volume, error) {
	for a := 0; a < 3; a++ {
		if w.Lo[a] < 0 || w.Hi[a] > v.Size[a] || w.Lo[a] > w.Hi[a] {
			return nil, fmt.Errorf("%w: window [%v, %v) for volume of size %v", ErrOutOfBounds, w.Lo, w.Hi, v.Size)
		}
	}
	size := w.Size()
	out := &models.Volume{
		Size:      size,
		Spacing:   v.Spacing,
		Direction: v.Direction,
		Origin:    v.IndexToPhysicalPoint([3]float64{float64(w.Lo[0]), float64(w.Lo[1]), float64(w.Lo[2])}),
		Data:      make([]float64, size[0]*size[1]*size[2]),
	}
	for k := 0; k < size[2]; k++ {
		for j := 0; j < size[1]; j++ {
			src := v.Offset(w.Lo[0], w.Lo[1]+j, w.Lo[2]+k)
			dst := out.Offset(0, j, k)
			copy(out.Data[dst:dst+size[0]], v.Data[src:src+size[0]])
		}
	}
	return out, nil
}

// FromCenter crops every image around its own voxel center. Inputs are not
// modified. Windows are never clamped: a window that leaves the volume fails
// with ErrOutOfBounds.
func FromCenter(images []*models.Volume, centers []models.Index, width, height, depth, iOffset, jOffset int) ([]*models.Volume, error) {
	if len(images) != len(centers) {
		return nil, fmt.Errorf("crop: %d images but %d centers", len(images), len(centers))
	}
	crops := make([]*models.Volume, len(images))
	for idx, img := range images {
		w := CenteredWindow(centers[idx], width, height, depth, iOffset, jOffset)
		c, err := Extract(img, w)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", idx, err)
		}
		crops[idx] = c
	}
	return crops, nil
}

// Rotate returns a copy of v rotated by degrees about the physical axis
// parallel to z (superior) passing through center. The output shares v's
// grid; values are trilinearly interpolated and zero outside the input.
func Rotate(v *models.Volume, degrees float64, center models.Point) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if degrees == 0 {
		return v.Clone(), nil
	}

	// An output voxel at physical p samples the input at R(-theta)(p-c)+c.
	theta := -degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	toInput := func(idx [3]float64) ([3]float64, error) {
		p := v.IndexToPhysicalPoint(idx)
		dx, dy := p[0]-center[0], p[1]-center[1]
		q := models.Point{
			center[0] + cos*dx - sin*dy,
			center[1] + sin*dx + cos*dy,
			p[2],
		}
		return v.PhysicalPointToContinuousIndex(q)
	}

	// the composed map is affine, so three basis images give the whole map
	origin, err := toInput([3]float64{})
	if err != nil {
		return nil, err
	}
	var axes [3][3]float64
	for a := 0; a < 3; a++ {
		var e [3]float64
		e[a] = 1
		img, err := toInput(e)
		if err != nil {
			return nil, err
		}
		for r := 0; r < 3; r++ {
			axes[a][r] = img[r] - origin[r]
		}
	}

	out := v.CopyGeometry()
	for k := 0; k < v.Size[2]; k++ {
		for j := 0; j < v.Size[1]; j++ {
			for i := 0; i < v.Size[0]; i++ {
				var x [3]float64
				for r := 0; r < 3; r++ {
					x[r] = origin[r] + axes[0][r]*float64(i) + axes[1][r]*float64(j) + axes[2][r]*float64(k)
				}
				out.Data[out.Offset(i, j, k)] = trilinear(v, x)
			}
		}
	}
	return out, nil
}

// trilinear samples v at continuous index x. Points outside
// [-0.5, size-0.5) on any axis are zero; neighbours past the edge repeat the
// edge voxel.
func trilinear(v *models.Volume, x [3]float64) float64 {
	var lo [3]int
	var frac [3]float64
	for a := 0; a < 3; a++ {
		if x[a] < -0.5 || x[a] >= float64(v.Size[a])-0.5 {
			return 0
		}
		f := math.Floor(x[a])
		lo[a] = int(f)
		frac[a] = x[a] - f
	}

	var sum float64
	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var idx [3]int
		for a := 0; a < 3; a++ {
			if corner&(1<<a) != 0 {
				idx[a] = lo[a] + 1
				w *= frac[a]
			} else {
				idx[a] = lo[a]
				w *= 1 - frac[a]
			}
			if idx[a] < 0 {
				idx[a] = 0
			} else if idx[a] >= v.Size[a] {
				idx[a] = v.Size[a] - 1
			}
		}
		if w == 0 {
			continue
		}
		sum += w * v.At(idx[0], idx[1], idx[2])
	}
	return sum
}

// SymmetricDegrees expands rotation magnitudes into the candidate list
// containing each magnitude with both signs.
func SymmetricDegrees(magnitudes []float64) []float64 {
	out := make([]float64, 0, 2*len(magnitudes))
	for _, m := range magnitudes {
		out = append(out, math.Abs(m))
	}
	for _, m := range magnitudes {
		out = append(out, -math.Abs(m))
	}
	return out
}

// Placement records the random choices behind one rotated crop.
type Placement struct {
	Degrees float64
	IOffset int
	JOffset int
}

// Rotator produces randomly rotated and jittered crops.
type Rotator struct {
	// Rand drives the angle and offset draws
	Rand *rand.Rand

	// MaxOffset bounds in-plane offsets to [-MaxOffset, MaxOffset)
	MaxOffset int
}

// NewRotator creates a rotator seeded for reproducible crops.
func NewRotator(seed int64, maxOffset int) *Rotator {
	return &Rotator{Rand: rand.New(rand.NewSource(seed)), MaxOffset: maxOffset}
}

// RotatedCrop draws one angle uniformly from candidates and in-plane offsets
// from [-MaxOffset, MaxOffset), rotates every image by that angle about
// center, and crops each rotated image at its pre-rotation voxel center.
func (r *Rotator) RotatedCrop(images []*models.Volume, width, height, depth int, candidates []float64, center models.Point, centers []models.Index) ([]*models.Volume, Placement, error) {
	var p Placement
	if len(candidates) == 0 {
		return nil, p, fmt.Errorf("crop: no candidate rotation angles")
	}
	p.Degrees = candidates[r.Rand.Intn(len(candidates))]
	p.IOffset = r.offset()
	p.JOffset = r.offset()

	rotated := make([]*models.Volume, len(images))
	for idx, img := range images {
		rot, err := Rotate(img, p.Degrees, center)
		if err != nil {
			return nil, p, fmt.Errorf("image %d: %w", idx, err)
		}
		rotated[idx] = rot
	}
	crops, err := FromCenter(rotated, centers, width, height, depth, p.IOffset, p.JOffset)
	return crops, p, err
}

func (r *Rotator) offset() int {
	if r.MaxOffset <= 0 {
		return 0
	}
	return r.Rand.Intn(2*r.MaxOffset) - r.MaxOffset
}
