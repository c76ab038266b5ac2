package volumeio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"prostatexcnn/internal/models"
)

// ErrEmptySeries is returned when a directory holds no readable DICOM slice.
var ErrEmptySeries = errors.New("no DICOM slices found")

// dicomSlice is one parsed 2D image of a series.
type dicomSlice struct {
	position    [3]float64
	orientation [6]float64
	spacing     [2]float64
	rows, cols  int
	pixels      []float64
}

// LoadDICOMSeries reads every DICOM file in dir as one single-frame series and
// stacks the slices along the slice normal.
func LoadDICOMSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading DICOM directory: %w", err)
	}

	var slices []dicomSlice
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := readDICOMSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmptySeries)
	}
	return stackSlices(slices)
}

func readDICOMSlice(path string) (dicomSlice, error) {
	var s dicomSlice

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return s, fmt.Errorf("error parsing DICOM: %w", err)
	}

	pos, err := floatsOf(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return s, err
	}
	orient, err := floatsOf(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		return s, err
	}
	spacing, err := floatsOf(ds, tag.PixelSpacing, 2)
	if err != nil {
		return s, err
	}
	copy(s.position[:], pos)
	copy(s.orientation[:], orient)
	// PixelSpacing is (row spacing, column spacing)
	s.spacing = [2]float64{spacing[1], spacing[0]}

	if s.rows, err = intOf(ds, tag.Rows); err != nil {
		return s, err
	}
	if s.cols, err = intOf(ds, tag.Columns); err != nil {
		return s, err
	}

	slope, intercept := 1.0, 0.0
	if v, err := floatsOf(ds, tag.RescaleSlope, 1); err == nil {
		slope = v[0]
	}
	if v, err := floatsOf(ds, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, fmt.Errorf("missing pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return s, fmt.Errorf("unreadable pixel data")
	}
	raw, err := nativePixels(info.Frames[0])
	if err != nil {
		return s, err
	}
	if len(raw) < s.rows*s.cols {
		return s, fmt.Errorf("pixel data holds %d samples for %dx%d image", len(raw), s.rows, s.cols)
	}
	s.pixels = make([]float64, s.rows*s.cols)
	for i := range s.pixels {
		s.pixels[i] = raw[i]*slope + intercept
	}
	return s, nil
}

// nativePixels returns the samples of an uncompressed frame.
func nativePixels(f *frame.Frame) ([]float64, error) {
	if f == nil || f.Encapsulated {
		return nil, fmt.Errorf("encapsulated (compressed) pixel data is not supported")
	}
	var out []float64
	switch nf := f.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		out = convertSamples(nf.RawData)
	case *frame.NativeFrame[uint16]:
		out = convertSamples(nf.RawData)
	case *frame.NativeFrame[int16]:
		out = convertSamples(nf.RawData)
	case *frame.NativeFrame[uint32]:
		out = convertSamples(nf.RawData)
	case *frame.NativeFrame[int32]:
		out = convertSamples(nf.RawData)
	default:
		return nil, fmt.Errorf("unsupported native frame type %T", f.NativeData)
	}
	return out, nil
}

func convertSamples[T uint8 | uint16 | int16 | uint32 | int32](raw []T) []float64 {
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = float64(x)
	}
	return out
}

func floatsOf(ds dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("missing tag %v: %w", t, err)
	}
	var out []float64
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, part := range v {
			for _, field := range strings.Split(part, "\\") {
				x, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					return nil, fmt.Errorf("tag %v: %w", t, err)
				}
				out = append(out, x)
			}
		}
	case []float64:
		out = append(out, v...)
	case []int:
		for _, x := range v {
			out = append(out, float64(x))
		}
	default:
		return nil, fmt.Errorf("tag %v has unexpected value type %T", t, v)
	}
	if len(out) < n {
		return nil, fmt.Errorf("tag %v has %d values, want %d", t, len(out), n)
	}
	return out[:n], nil
}

func intOf(ds dicom.Dataset, t tag.Tag) (int, error) {
	v, err := floatsOf(ds, t, 1)
	if err != nil {
		return 0, err
	}
	return int(v[0]), nil
}

// sliceNormal is the cross product of the row and column direction cosines.
func sliceNormal(o [6]float64) [3]float64 {
	return [3]float64{
		o[1]*o[5] - o[2]*o[4],
		o[2]*o[3] - o[0]*o[5],
		o[0]*o[4] - o[1]*o[3],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// stackSlices orders slices by their position along the slice normal and
// builds the volume geometry from the first slice.
func stackSlices(slices []dicomSlice) (*models.Volume, error) {
	first := slices[0]
	normal := sliceNormal(first.orientation)
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("%w: slices of different size in one series", models.ErrInvalidGeometry)
		}
	}

	sort.SliceStable(slices, func(a, b int) bool {
		return dot(slices[a].position, normal) < dot(slices[b].position, normal)
	})

	sliceSpacing := 1.0
	if len(slices) > 1 {
		sliceSpacing = math.Abs(dot(slices[1].position, normal) - dot(slices[0].position, normal))
		if sliceSpacing == 0 {
			return nil, fmt.Errorf("%w: duplicate slice positions", models.ErrInvalidGeometry)
		}
	}

	o := slices[0].orientation
	vol := models.NewVolume(
		[3]int{first.cols, first.rows, len(slices)},
		[3]float64{first.spacing[0], first.spacing[1], sliceSpacing},
		models.Point(slices[0].position),
	)
	vol.Direction = [9]float64{
		o[0], o[3], normal[0],
		o[1], o[4], normal[1],
		o[2], o[5], normal[2],
	}

	plane := first.rows * first.cols
	for k, s := range slices {
		copy(vol.Data[k*plane:(k+1)*plane], s.pixels)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return vol, nil
}
