package reconstruction

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/depthfusion/depthfusion/utils"
)

// ScalarArrayName names the fused scalar array in written grids.
const ScalarArrayName = "reconstruction_scalar"

// GridWriter persists a structured grid at path.
type GridWriter interface {
	WriteStructuredGrid(path string, grid *StructuredGrid) error
}

// VTSWriter writes VTK XML StructuredGrid (.vts) files.
type VTSWriter struct {
	Encoding OutputEncoding
}

// WriteStructuredGrid writes the grid to a temporary file next to path and renames it into place,
// so path is either absent or complete.
func (w VTSWriter) WriteStructuredGrid(path string, grid *StructuredGrid) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			utils.RemoveFileNoError(tmpName)
		}
	}()

	if err := WriteVTS(tmp, grid, w.Encoding); err != nil {
		return multierr.Combine(err, tmp.Close())
	}
	//nolint:gosec
	if err := tmp.Chmod(0o644); err != nil {
		return multierr.Combine(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteVTS writes grid as a VTK XML StructuredGrid document.
func WriteVTS(w io.Writer, grid *StructuredGrid, encoding OutputEncoding) error {
	n := grid.Dims[0] * grid.Dims[1] * grid.Dims[2]
	if n <= 0 || len(grid.Points) != n || len(grid.Scalars) != n {
		return errors.Errorf("grid of dims %v has %d points and %d scalars", grid.Dims, len(grid.Points), len(grid.Scalars))
	}
	var format string
	switch encoding {
	case EncodingASCII:
		format = "ascii"
	case EncodingBinary:
		format = "binary"
	default:
		return errors.Errorf("unknown output encoding %q", encoding)
	}

	bw := bufio.NewWriter(w)
	extent := fmt.Sprintf("0 %d 0 %d 0 %d", grid.Dims[0]-1, grid.Dims[1]-1, grid.Dims[2]-1)
	fmt.Fprintf(bw, "<?xml version=\"1.0\"?>\n"+
		"<VTKFile type=\"StructuredGrid\" version=\"1.0\" byte_order=\"LittleEndian\" header_type=\"UInt32\">\n"+
		"  <StructuredGrid WholeExtent=\"%s\">\n"+
		"    <Piece Extent=\"%s\">\n"+
		"      <PointData Scalars=\"%s\">\n"+
		"        <DataArray type=\"Float64\" Name=\"%s\" format=\"%s\">\n",
		extent, extent, ScalarArrayName, ScalarArrayName, format)
	if err := writeFloats(bw, grid.Scalars, 1, encoding); err != nil {
		return err
	}
	fmt.Fprintf(bw, "        </DataArray>\n"+
		"      </PointData>\n"+
		"      <CellData>\n"+
		"      </CellData>\n"+
		"      <Points>\n"+
		"        <DataArray type=\"Float64\" Name=\"Points\" NumberOfComponents=\"3\" format=\"%s\">\n", format)
	coords := make([]float64, 0, 3*n)
	for _, p := range grid.Points {
		coords = append(coords, p.X, p.Y, p.Z)
	}
	if err := writeFloats(bw, coords, 3, encoding); err != nil {
		return err
	}
	fmt.Fprintf(bw, "        </DataArray>\n"+
		"      </Points>\n"+
		"    </Piece>\n"+
		"  </StructuredGrid>\n"+
		"</VTKFile>\n")
	return bw.Flush()
}

func writeFloats(bw *bufio.Writer, values []float64, perLine int, encoding OutputEncoding) error {
	if encoding == EncodingASCII {
		for i, v := range values {
			if i%perLine == 0 {
				bw.WriteString("          ")
			} else {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			if i%perLine == perLine-1 {
				bw.WriteByte('\n')
			}
		}
		return nil
	}

	size := 8 * len(values)
	if uint64(size) > math.MaxUint32 {
		return errors.Errorf("%d bytes do not fit a UInt32 array header", size)
	}
	raw := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(raw, uint32(size))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[4+8*i:], math.Float64bits(v))
	}
	bw.WriteString("          ")
	enc := base64.NewEncoder(base64.StdEncoding, bw)
	if _, err := enc.Write(raw); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	bw.WriteByte('\n')
	return nil
}

type vtsFile struct {
	XMLName        xml.Name `xml:"VTKFile"`
	Type           string   `xml:"type,attr"`
	StructuredGrid struct {
		WholeExtent string `xml:"WholeExtent,attr"`
		Piece       struct {
			PointData struct {
				Arrays []vtsDataArray `xml:"DataArray"`
			} `xml:"PointData"`
			Points struct {
				Array vtsDataArray `xml:"DataArray"`
			} `xml:"Points"`
		} `xml:"Piece"`
	} `xml:"StructuredGrid"`
}

type vtsDataArray struct {
	Name   string `xml:"Name,attr"`
	Type   string `xml:"type,attr"`
	Format string `xml:"format,attr"`
	Data   string `xml:",chardata"`
}

// ReadVTS reads back a grid written by WriteVTS.
func ReadVTS(r io.Reader) (*StructuredGrid, error) {
	var doc vtsFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "cannot parse VTK XML")
	}
	if doc.Type != "StructuredGrid" {
		return nil, errors.Errorf("expected VTK StructuredGrid, got %q", doc.Type)
	}
	var extent [6]int
	fields := strings.Fields(doc.StructuredGrid.WholeExtent)
	if len(fields) != 6 {
		return nil, errors.Errorf("bad extent %q", doc.StructuredGrid.WholeExtent)
	}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "bad extent %q", doc.StructuredGrid.WholeExtent)
		}
		extent[i] = v
	}
	grid := &StructuredGrid{Dims: [3]int{extent[1] - extent[0] + 1, extent[3] - extent[2] + 1, extent[5] - extent[4] + 1}}
	n := grid.Dims[0] * grid.Dims[1] * grid.Dims[2]

	var scalars *vtsDataArray
	for i, a := range doc.StructuredGrid.Piece.PointData.Arrays {
		if a.Name == ScalarArrayName {
			scalars = &doc.StructuredGrid.Piece.PointData.Arrays[i]
		}
	}
	if scalars == nil {
		return nil, errors.Errorf("no %s point data array", ScalarArrayName)
	}
	var err error
	if grid.Scalars, err = readFloats(*scalars); err != nil {
		return nil, err
	}
	coords, err := readFloats(doc.StructuredGrid.Piece.Points.Array)
	if err != nil {
		return nil, err
	}
	if len(grid.Scalars) != n || len(coords) != 3*n {
		return nil, errors.Errorf("extent %v needs %d points, found %d scalars and %d coordinates",
			extent, n, len(grid.Scalars), len(coords))
	}
	grid.Points = make([]r3.Vector, n)
	for i := range grid.Points {
		grid.Points[i] = r3.Vector{X: coords[3*i], Y: coords[3*i+1], Z: coords[3*i+2]}
	}
	return grid, nil
}

func readFloats(a vtsDataArray) ([]float64, error) {
	if a.Type != "Float64" {
		return nil, errors.Errorf("unsupported data type %q", a.Type)
	}
	switch a.Format {
	case "ascii":
		fields := strings.Fields(a.Data)
		values := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	case "binary":
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(a.Data), ""))
		if err != nil {
			return nil, err
		}
		if len(raw) < 4 || int(binary.LittleEndian.Uint32(raw)) != len(raw)-4 || (len(raw)-4)%8 != 0 {
			return nil, errors.New("malformed binary data array")
		}
		raw = raw[4:]
		values := make([]float64, len(raw)/8)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return values, nil
	}
	return nil, errors.Errorf("unsupported data array format %q", a.Format)
}

// ReadVTSFile reads a grid from a .vts file.
func ReadVTSFile(path string) (*StructuredGrid, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadVTS(bytes.NewReader(raw))
}
