package rimage

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	goutils "go.viam.com/utils"
)

// VTK XML ImageData support covers a single piece whose point data arrays are ascii, inline base64
// "binary" or "appended" to a base64 AppendedData section. Binary data may be split into blocks
// compressed with zlib, LZ4 or LZMA, as VTK's compressors write them.

const (
	zlibCompressor = "vtkZLibDataCompressor"
	lz4Compressor  = "vtkLZ4DataCompressor"
	lzmaCompressor = "vtkLZMADataCompressor"
)

type vtkImageFile struct {
	XMLName      xml.Name         `xml:"VTKFile"`
	Type         string           `xml:"type,attr"`
	ByteOrder    string           `xml:"byte_order,attr"`
	HeaderType   string           `xml:"header_type,attr"`
	Compressor   string           `xml:"compressor,attr"`
	ImageData    *vtkImageData    `xml:"ImageData"`
	AppendedData *vtkAppendedData `xml:"AppendedData"`
}

type vtkAppendedData struct {
	Encoding string `xml:"encoding,attr"`
	Data     string `xml:",chardata"`
}

type vtkImageData struct {
	WholeExtent string          `xml:"WholeExtent,attr"`
	Origin      string          `xml:"Origin,attr"`
	Spacing     string          `xml:"Spacing,attr"`
	Pieces      []vtkImagePiece `xml:"Piece"`
}

type vtkImagePiece struct {
	Extent    string       `xml:"Extent,attr"`
	PointData vtkPointData `xml:"PointData"`
	CellData  vtkPointData `xml:"CellData"`
}

type vtkPointData struct {
	Scalars string         `xml:"Scalars,attr"`
	Arrays  []vtkDataArray `xml:"DataArray"`
}

type vtkDataArray struct {
	Type               string `xml:"type,attr"`
	Name               string `xml:"Name,attr"`
	Format             string `xml:"format,attr"`
	Offset             int    `xml:"offset,attr"`
	NumberOfComponents int    `xml:"NumberOfComponents,attr"`
	Data               string `xml:",chardata"`
}

// vtkDecoder holds the file-wide settings needed to turn a data array into bytes.
type vtkDecoder struct {
	order      binary.ByteOrder
	headerSize int
	compressor string
	// appended is the base64 text of the AppendedData section following its '_' marker.
	appended string
	// offsets are the offsets of every appended array of the piece.
	offsets []int
}

// ReadVTI reads a depth map from a VTK XML ImageData document. The depth is the first component of
// the point data array named by the PointData Scalars attribute, or of the first array.
func ReadVTI(r io.Reader) (*DepthMap, error) {
	var doc vtkImageFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "cannot parse VTK XML")
	}
	if doc.Type != "ImageData" || doc.ImageData == nil {
		return nil, errors.Errorf("expected VTK ImageData, got %q", doc.Type)
	}
	switch doc.Compressor {
	case "", zlibCompressor, lz4Compressor, lzmaCompressor:
	default:
		return nil, errors.Errorf("unsupported VTK compressor %q", doc.Compressor)
	}
	if len(doc.ImageData.Pieces) != 1 {
		return nil, errors.Errorf("expected exactly one ImageData piece, got %d", len(doc.ImageData.Pieces))
	}

	extent, err := parseExtent(doc.ImageData.WholeExtent)
	if err != nil {
		return nil, err
	}
	width := extent[1] - extent[0] + 1
	height := extent[3] - extent[2] + 1
	depth := extent[5] - extent[4] + 1
	if width <= 0 || height <= 0 || depth != 1 {
		return nil, errors.Errorf("depth maps must be a single slice, got extent %v", extent)
	}

	piece := doc.ImageData.Pieces[0]
	array, err := selectArray(piece.PointData)
	if err != nil {
		return nil, err
	}
	components := array.NumberOfComponents
	if components <= 0 {
		components = 1
	}

	dec, err := newVTKDecoder(&doc)
	if err != nil {
		return nil, err
	}
	values, err := dec.decodeDataArray(array)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode array %q", array.Name)
	}
	if len(values) != width*height*components {
		return nil, errors.Errorf("array %q has %d values, extent needs %d", array.Name, len(values), width*height*components)
	}

	data := make([]float64, width*height)
	for i := range data {
		data[i] = values[i*components]
	}
	return NewDepthMapFromData(width, height, data)
}

// WriteVTI writes the depth map as an ascii VTK XML ImageData document with unit spacing.
func WriteVTI(w io.Writer, dm *DepthMap) error {
	bw := bufio.NewWriter(w)
	extent := fmt.Sprintf("0 %d 0 %d 0 0", dm.width-1, dm.height-1)
	fmt.Fprintf(bw, "<?xml version=\"1.0\"?>\n"+
		"<VTKFile type=\"ImageData\" version=\"0.1\" byte_order=\"LittleEndian\">\n"+
		"  <ImageData WholeExtent=\"%s\" Origin=\"0 0 0\" Spacing=\"1 1 1\">\n"+
		"    <Piece Extent=\"%s\">\n"+
		"      <PointData Scalars=\"Depths\">\n"+
		"        <DataArray type=\"Float64\" Name=\"Depths\" format=\"ascii\">\n", extent, extent)
	for i, v := range dm.data {
		if i > 0 {
			if i%dm.width == 0 {
				bw.WriteByte('\n')
			} else {
				bw.WriteByte(' ')
			}
		}
		bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	fmt.Fprintf(bw, "\n        </DataArray>\n"+
		"      </PointData>\n"+
		"      <CellData>\n"+
		"      </CellData>\n"+
		"    </Piece>\n"+
		"  </ImageData>\n"+
		"</VTKFile>\n")
	return bw.Flush()
}

func parseExtent(s string) ([6]int, error) {
	var extent [6]int
	fields := strings.Fields(s)
	if len(fields) != 6 {
		return extent, errors.Errorf("bad extent %q", s)
	}
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return extent, errors.Wrapf(err, "bad extent %q", s)
		}
		extent[i] = v
	}
	return extent, nil
}

func selectArray(pd vtkPointData) (vtkDataArray, error) {
	if len(pd.Arrays) == 0 {
		return vtkDataArray{}, errors.New("no point data arrays")
	}
	if pd.Scalars != "" {
		for _, a := range pd.Arrays {
			if a.Name == pd.Scalars {
				return a, nil
			}
		}
	}
	return pd.Arrays[0], nil
}

func byteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "", "LittleEndian":
		return binary.LittleEndian, nil
	case "BigEndian":
		return binary.BigEndian, nil
	}
	return nil, errors.Errorf("unknown byte order %q", s)
}

func newVTKDecoder(doc *vtkImageFile) (*vtkDecoder, error) {
	order, err := byteOrder(doc.ByteOrder)
	if err != nil {
		return nil, err
	}
	dec := &vtkDecoder{order: order, compressor: doc.Compressor}
	switch doc.HeaderType {
	case "", "UInt32":
		dec.headerSize = 4
	case "UInt64":
		dec.headerSize = 8
	default:
		return nil, errors.Errorf("unknown header type %q", doc.HeaderType)
	}

	if doc.AppendedData != nil {
		if doc.AppendedData.Encoding != "base64" {
			return nil, errors.Errorf("appended data encoding %q is not supported", doc.AppendedData.Encoding)
		}
		marker := strings.IndexByte(doc.AppendedData.Data, '_')
		if marker < 0 {
			return nil, errors.New("appended data has no '_' marker")
		}
		dec.appended = strings.TrimRightFunc(doc.AppendedData.Data[marker+1:], unicode.IsSpace)
		for _, pd := range []vtkPointData{doc.ImageData.Pieces[0].PointData, doc.ImageData.Pieces[0].CellData} {
			for _, a := range pd.Arrays {
				if a.Format == "appended" {
					dec.offsets = append(dec.offsets, a.Offset)
				}
			}
		}
	}
	return dec, nil
}

func (dec *vtkDecoder) decodeDataArray(a vtkDataArray) ([]float64, error) {
	var encoded string
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
		encoded = a.Data
	case "appended":
		block, err := dec.appendedBlock(a.Offset)
		if err != nil {
			return nil, err
		}
		encoded = block
	default:
		return nil, errors.Errorf("unknown data array format %q", a.Format)
	}

	size, err := scalarSize(a.Type)
	if err != nil {
		return nil, err
	}
	raw, err := dec.decodeBlock(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw)%size != 0 {
		return nil, errors.Errorf("%d bytes is not a whole number of %s values", len(raw), a.Type)
	}
	values := make([]float64, len(raw)/size)
	for i := range values {
		values[i] = decodeScalar(a.Type, dec.order, raw[i*size:(i+1)*size])
	}
	return values, nil
}

// appendedBlock returns the base64 text of the array starting at offset. It runs up to the next
// array's offset or the end of the section.
func (dec *vtkDecoder) appendedBlock(offset int) (string, error) {
	if dec.appended == "" && len(dec.offsets) == 0 {
		return "", errors.New("appended array without an AppendedData section")
	}
	if offset < 0 || offset > len(dec.appended) {
		return "", errors.Errorf("appended offset %d is outside the %d bytes of data", offset, len(dec.appended))
	}
	end := len(dec.appended)
	for _, o := range dec.offsets {
		if o > offset && o < end {
			end = o
		}
	}
	return dec.appended[offset:end], nil
}

func (dec *vtkDecoder) word(b []byte, i int) uint64 {
	b = b[i*dec.headerSize:]
	if dec.headerSize == 4 {
		return uint64(dec.order.Uint32(b))
	}
	return dec.order.Uint64(b)
}

// decodeBlock turns one base64 binary array into its raw bytes. Writers either encode the header
// and the payload as one base64 stream or as two consecutive ones.
func (dec *vtkDecoder) decodeBlock(data string) ([]byte, error) {
	encoded := strings.Join(strings.Fields(data), "")
	if dec.compressor != "" {
		return dec.decodeCompressedBlock(encoded)
	}

	if joined, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(joined) >= dec.headerSize {
		if n := dec.word(joined, 0); n == uint64(len(joined)-dec.headerSize) {
			return joined[dec.headerSize:], nil
		}
	}

	header, payload, err := splitBase64(encoded, dec.headerSize)
	if err != nil {
		return nil, err
	}
	if n := dec.word(header, 0); n != uint64(len(payload)) {
		return nil, errors.Errorf("binary header announces %d bytes, found %d", n, len(payload))
	}
	return payload, nil
}

// splitBase64 decodes a header of headerBytes bytes encoded on its own, followed by the payload.
func splitBase64(encoded string, headerBytes int) ([]byte, []byte, error) {
	headerChars := ((headerBytes + 2) / 3) * 4
	if len(encoded) < headerChars {
		return nil, nil, errors.New("binary array too short for its header")
	}
	header, err := base64.StdEncoding.DecodeString(encoded[:headerChars])
	if err != nil {
		return nil, nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(encoded[headerChars:])
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

// compressionHeader is the block table in front of compressed data: the number of blocks, the
// uncompressed size of every block but the last, the uncompressed size of the last block (0 when it
// is full) and the compressed size of each block.
type compressionHeader struct {
	blockSize      uint64
	lastBlockSize  uint64
	compressedSize []uint64
}

func (dec *vtkDecoder) parseCompressionHeader(b []byte) (compressionHeader, bool) {
	var h compressionHeader
	if len(b) < 3*dec.headerSize {
		return h, false
	}
	n := dec.word(b, 0)
	if n > uint64(len(b)/dec.headerSize) || len(b) < int(3+n)*dec.headerSize {
		return h, false
	}
	h.blockSize = dec.word(b, 1)
	h.lastBlockSize = dec.word(b, 2)
	h.compressedSize = make([]uint64, n)
	for i := range h.compressedSize {
		h.compressedSize[i] = dec.word(b, 3+i)
	}
	return h, true
}

func (h compressionHeader) totalCompressed() uint64 {
	var total uint64
	for _, cs := range h.compressedSize {
		total += cs
	}
	return total
}

func (dec *vtkDecoder) decodeCompressedBlock(encoded string) ([]byte, error) {
	if joined, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		if h, ok := dec.parseCompressionHeader(joined); ok {
			headerBytes := (3 + len(h.compressedSize)) * dec.headerSize
			if h.totalCompressed() == uint64(len(joined)-headerBytes) {
				return dec.inflate(h, joined[headerBytes:])
			}
		}
	}

	// The block count tells how long the separately encoded header is.
	countChars := ((dec.headerSize + 2) / 3) * 4
	if len(encoded) < countChars {
		return nil, errors.New("compressed array too short for its header")
	}
	count, err := base64.StdEncoding.DecodeString(encoded[:countChars])
	if err != nil {
		return nil, err
	}
	n := dec.word(count, 0)
	if n > uint64(len(encoded)) {
		return nil, errors.Errorf("compressed header announces %d blocks", n)
	}
	header, payload, err := splitBase64(encoded, int(3+n)*dec.headerSize)
	if err != nil {
		return nil, err
	}
	h, ok := dec.parseCompressionHeader(header)
	if !ok {
		return nil, errors.New("bad compression header")
	}
	if total := h.totalCompressed(); total != uint64(len(payload)) {
		return nil, errors.Errorf("compression header announces %d bytes, found %d", total, len(payload))
	}
	return dec.inflate(h, payload)
}

func (dec *vtkDecoder) inflate(h compressionHeader, payload []byte) ([]byte, error) {
	var out bytes.Buffer
	var pos uint64
	for i, cs := range h.compressedSize {
		want := h.blockSize
		if i == len(h.compressedSize)-1 && h.lastBlockSize != 0 {
			want = h.lastBlockSize
		}
		if cs > uint64(len(payload))-pos {
			return nil, errors.Errorf("block %d overruns the compressed data", i)
		}
		block, err := decompressBlock(dec.compressor, payload[pos:pos+cs], want)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decompress block %d", i)
		}
		out.Write(block)
		pos += cs
	}
	return out.Bytes(), nil
}

// maxCompressionRatio bounds how much a block may expand, so a corrupt header cannot request an
// arbitrary allocation.
const maxCompressionRatio = 1 << 12

func decompressBlock(compressor string, src []byte, want uint64) ([]byte, error) {
	if want > uint64(len(src))*maxCompressionRatio+64 {
		return nil, errors.Errorf("%d compressed bytes cannot hold %d bytes", len(src), want)
	}

	var r io.Reader
	switch compressor {
	case zlibCompressor:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(zr.Close)
		r = zr
	case lzmaCompressor:
		xr, err := xz.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		r = xr
	case lz4Compressor:
		dst := make([]byte, want)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		if uint64(n) != want {
			return nil, errors.Errorf("block holds %d bytes, header announces %d", n, want)
		}
		return dst, nil
	default:
		return nil, errors.Errorf("unsupported VTK compressor %q", compressor)
	}

	block, err := io.ReadAll(io.LimitReader(r, int64(want)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(block)) != want {
		return nil, errors.Errorf("block holds %d bytes, header announces %d", len(block), want)
	}
	return block, nil
}

func scalarSize(typ string) (int, error) {
	switch typ {
	case "Int8", "UInt8":
		return 1, nil
	case "Int16", "UInt16":
		return 2, nil
	case "Int32", "UInt32", "Float32":
		return 4, nil
	case "Int64", "UInt64", "Float64":
		return 8, nil
	}
	return 0, errors.Errorf("unsupported data type %q", typ)
}

func decodeScalar(typ string, order binary.ByteOrder, b []byte) float64 {
	switch typ {
	case "Int8":
		return float64(int8(b[0]))
	case "UInt8":
		return float64(b[0])
	case "Int16":
		return float64(int16(order.Uint16(b)))
	case "UInt16":
		return float64(order.Uint16(b))
	case "Int32":
		return float64(int32(order.Uint32(b)))
	case "UInt32":
		return float64(order.Uint32(b))
	case "Float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "Int64":
		return float64(int64(order.Uint64(b)))
	case "UInt64":
		return float64(order.Uint64(b))
	default:
		return math.Float64frombits(order.Uint64(b))
	}
}
