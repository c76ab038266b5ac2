package volumeio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"prostatexcnn/internal/models"
)

// NRRDOptions controls how SaveNRRD encodes voxel data.
type NRRDOptions struct {
	// Gzip compresses the data section
	Gzip bool

	// Float32 stores voxels as "float" instead of "double"
	Float32 bool
}

// nrrdHeader collects the header fields we understand.
type nrrdHeader struct {
	typ        string
	dimension  int
	sizes      []int
	encoding   string
	endian     binary.ByteOrder
	directions [][3]float64
	spacings   []float64
	origin     *models.Point
	dataFile   string
}

// LoadNRRD reads a 3D scalar NRRD file (attached or detached data, raw or
// gzip encoding).
func LoadNRRD(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening NRRD file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := readNRRDHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var data io.Reader = r
	if hdr.dataFile != "" {
		df, err := os.Open(filepath.Join(filepath.Dir(path), hdr.dataFile))
		if err != nil {
			return nil, fmt.Errorf("error opening detached NRRD data: %w", err)
		}
		defer df.Close()
		data = bufio.NewReader(df)
	}

	switch hdr.encoding {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(data)
		if err != nil {
			return nil, fmt.Errorf("%s: error opening gzip stream: %w", path, err)
		}
		defer zr.Close()
		data = zr
	default:
		return nil, fmt.Errorf("%s: unsupported NRRD encoding %q", path, hdr.encoding)
	}

	vol, err := hdr.volume()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := readVoxels(data, hdr.typ, hdr.endian, vol.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func readNRRDHeader(r *bufio.Reader) (*nrrdHeader, error) {
	magic, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("error reading NRRD magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("not a NRRD file")
	}

	hdr := &nrrdHeader{encoding: "raw", endian: binary.LittleEndian}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("truncated NRRD header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") || strings.Contains(line, ":=") {
			// comments and key/value pairs
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed NRRD header line %q", line)
		}
		value = strings.TrimSpace(value)
		if err := hdr.set(strings.ToLower(strings.TrimSpace(key)), value); err != nil {
			return nil, err
		}
	}

	if hdr.dimension != 3 || len(hdr.sizes) != 3 {
		return nil, fmt.Errorf("only 3D scalar NRRD volumes are supported (dimension %d)", hdr.dimension)
	}
	if hdr.typ == "" {
		return nil, fmt.Errorf("NRRD header is missing the type field")
	}
	return hdr, nil
}

func (h *nrrdHeader) set(key, value string) error {
	var err error
	switch key {
	case "type":
		h.typ, err = canonicalType(value)
	case "dimension":
		h.dimension, err = strconv.Atoi(value)
	case "sizes":
		for _, f := range strings.Fields(value) {
			n, convErr := strconv.Atoi(f)
			if convErr != nil {
				return fmt.Errorf("invalid NRRD sizes %q", value)
			}
			h.sizes = append(h.sizes, n)
		}
	case "encoding":
		h.encoding = strings.ToLower(value)
	case "endian":
		switch strings.ToLower(value) {
		case "little":
			h.endian = binary.LittleEndian
		case "big":
			h.endian = binary.BigEndian
		default:
			return fmt.Errorf("invalid NRRD endian %q", value)
		}
	case "space directions":
		rest := value
		for {
			open := strings.Index(rest, "(")
			if open < 0 {
				break
			}
			end := strings.Index(rest[open:], ")")
			if end < 0 {
				return fmt.Errorf("invalid NRRD space directions %q", value)
			}
			v, vecErr := parseVector(rest[open : open+end+1])
			if vecErr != nil {
				return vecErr
			}
			h.directions = append(h.directions, v)
			rest = rest[open+end+1:]
		}
	case "spacings":
		for _, f := range strings.Fields(value) {
			s, convErr := strconv.ParseFloat(f, 64)
			if convErr != nil {
				return fmt.Errorf("invalid NRRD spacings %q", value)
			}
			h.spacings = append(h.spacings, s)
		}
	case "space origin":
		v, vecErr := parseVector(value)
		if vecErr != nil {
			return vecErr
		}
		p := models.Point(v)
		h.origin = &p
	case "data file", "datafile":
		h.dataFile = value
	}
	if err != nil {
		return fmt.Errorf("invalid NRRD %s %q: %w", key, value, err)
	}
	return nil
}

// volume allocates a Volume from the header geometry.
func (h *nrrdHeader) volume() (*models.Volume, error) {
	size := [3]int{h.sizes[0], h.sizes[1], h.sizes[2]}
	vol := models.NewVolume(size, [3]float64{1, 1, 1}, models.Point{})

	switch {
	case len(h.directions) == 3:
		for c := 0; c < 3; c++ {
			d := h.directions[c]
			norm := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
			if norm == 0 {
				return nil, fmt.Errorf("%w: zero-length space direction", models.ErrInvalidGeometry)
			}
			vol.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				vol.Direction[r*3+c] = d[r] / norm
			}
		}
	case len(h.spacings) == 3:
		copy(vol.Spacing[:], h.spacings)
	}
	if h.origin != nil {
		vol.Origin = *h.origin
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return vol, nil
}

func parseVector(s string) ([3]float64, error) {
	var v [3]float64
	inner := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "("), ")")
	parts := strings.Split(inner, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid NRRD vector %q", s)
	}
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return v, fmt.Errorf("invalid NRRD vector %q: %w", s, err)
		}
		v[i] = x
	}
	return v, nil
}

// canonicalType maps the NRRD type aliases onto one name per scalar type.
func canonicalType(t string) (string, error) {
	switch strings.ToLower(t) {
	case "signed char", "int8", "int8_t":
		return "int8", nil
	case "uchar", "unsigned char", "uint8", "uint8_t":
		return "uint8", nil
	case "short", "short int", "signed short", "signed short int", "int16", "int16_t":
		return "int16", nil
	case "ushort", "unsigned short", "unsigned short int", "uint16", "uint16_t":
		return "uint16", nil
	case "int", "signed int", "int32", "int32_t":
		return "int32", nil
	case "uint", "unsigned int", "uint32", "uint32_t":
		return "uint32", nil
	case "longlong", "long long", "long long int", "signed long long", "signed long long int", "int64", "int64_t":
		return "int64", nil
	case "ulonglong", "unsigned long long", "unsigned long long int", "uint64", "uint64_t":
		return "uint64", nil
	case "float":
		return "float", nil
	case "double":
		return "double", nil
	}
	return "", fmt.Errorf("unsupported NRRD type %q", t)
}

func readVoxels(r io.Reader, typ string, order binary.ByteOrder, out []float64) error {
	var err error
	switch typ {
	case "int8":
		buf := make([]int8, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "uint8":
		buf := make([]uint8, len(out))
		if _, err = io.ReadFull(r, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "int16":
		buf := make([]int16, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "uint16":
		buf := make([]uint16, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "int32":
		buf := make([]int32, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "uint32":
		buf := make([]uint32, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "int64":
		buf := make([]int64, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "uint64":
		buf := make([]uint64, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "float":
		buf := make([]float32, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, x := range buf {
				out[i] = float64(x)
			}
		}
	case "double":
		err = binary.Read(r, order, out)
	default:
		return fmt.Errorf("unsupported NRRD type %q", typ)
	}
	if err != nil {
		return fmt.Errorf("error reading %d voxels of type %s: %w", len(out), typ, err)
	}
	return nil
}

// SaveNRRD writes v as an attached-header NRRD0004 file in LPS space.
func SaveNRRD(path string, v *models.Volume, opts NRRDOptions) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	typ := "double"
	if opts.Float32 {
		typ = "float"
	}
	encoding := "raw"
	if opts.Gzip {
		encoding = "gzip"
	}

	var hdr bytes.Buffer
	fmt.Fprintln(&hdr, "NRRD0004")
	fmt.Fprintln(&hdr, "# Complete NRRD file format specification at:")
	fmt.Fprintln(&hdr, "# http://teem.sourceforge.net/nrrd/format.html")
	fmt.Fprintf(&hdr, "type: %s\n", typ)
	fmt.Fprintln(&hdr, "dimension: 3")
	fmt.Fprintln(&hdr, "space: left-posterior-superior")
	fmt.Fprintf(&hdr, "sizes: %d %d %d\n", v.Size[0], v.Size[1], v.Size[2])
	fmt.Fprint(&hdr, "space directions:")
	for c := 0; c < 3; c++ {
		fmt.Fprintf(&hdr, " (%s,%s,%s)",
			formatFloat(v.Direction[c]*v.Spacing[c]),
			formatFloat(v.Direction[3+c]*v.Spacing[c]),
			formatFloat(v.Direction[6+c]*v.Spacing[c]))
	}
	fmt.Fprintln(&hdr)
	fmt.Fprintln(&hdr, "kinds: domain domain domain")
	fmt.Fprintln(&hdr, "endian: little")
	fmt.Fprintf(&hdr, "encoding: %s\n", encoding)
	fmt.Fprintf(&hdr, "space origin: (%s,%s,%s)\n\n",
		formatFloat(v.Origin[0]), formatFloat(v.Origin[1]), formatFloat(v.Origin[2]))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating NRRD file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("error writing NRRD header: %w", err)
	}

	var w io.Writer = bw
	var zw *gzip.Writer
	if opts.Gzip {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if opts.Float32 {
		buf := make([]float32, len(v.Data))
		for i, x := range v.Data {
			buf[i] = float32(x)
		}
		err = binary.Write(w, binary.LittleEndian, buf)
	} else {
		err = binary.Write(w, binary.LittleEndian, v.Data)
	}
	if err != nil {
		return fmt.Errorf("error writing NRRD data: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("error finishing gzip stream: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error flushing NRRD file: %w", err)
	}
	return f.Close()
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 17, 64)
}
