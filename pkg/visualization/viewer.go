// Package visualization renders slices of volumes and patches as JPEG images
// for visual inspection of crops.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"prostatexcnn/internal/models"
)

// Viewer renders 2D slices of a volume. Intensities are windowed linearly
// from [low, high] onto the full 16-bit gray range.
type Viewer struct {
	volume *models.Volume

	// intensity window
	low  float64
	high float64
}

// NewViewer creates a viewer whose window spans the volume's finite min and max.
func NewViewer(v *models.Volume) *Viewer {
	low, high := math.Inf(1), math.Inf(-1)
	for _, x := range v.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		low = math.Min(low, x)
		high = math.Max(high, x)
	}
	if math.IsInf(low, 1) {
		low, high = 0, 1
	}
	return &Viewer{volume: v, low: low, high: high}
}

// SetWindow overrides the intensity window.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// gray maps an intensity to a 16-bit gray level.
func (v *Viewer) gray(x float64) color.Gray16 {
	if v.high <= v.low || math.IsNaN(x) {
		return color.Gray16{}
	}
	t := (x - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	vol := v.volume
	width, height, depth := vol.Size[0], vol.Size[1], vol.Size[2]
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		img = image.NewGray16(image.Rect(0, 0, depth, height))
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				img.SetGray16(z, y, v.gray(vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		img = image.NewGray16(image.Rect(0, 0, width, depth))
		for z := 0; z < depth; z++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, z, v.gray(vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		img = image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, v.gray(vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveMiddleSlice writes the central axial slice to filename.
func (v *Viewer) SaveMiddleSlice(filename string) error {
	img, err := v.ExtractSlice("z", v.volume.Size[2]/2)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, filename)
}

// SaveSliceSequence extracts and saves a sequence of slices along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Size[0]
	case "y", "Y":
		maxPos = v.volume.Size[1]
	case "z", "Z":
		maxPos = v.volume.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
