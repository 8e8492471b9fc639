package rimage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz"
	"go.viam.com/test"
)

const vtiTemplate = `<?xml version="1.0"?>
<VTKFile type="ImageData" version="1.0" byte_order="%s" header_type="%s">
  <ImageData WholeExtent="0 2 0 1 0 0" Origin="0 0 0" Spacing="1 1 1">
    <Piece Extent="0 2 0 1 0 0">
      <PointData Scalars="Depths">
        <DataArray type="UInt8" Name="Color" format="ascii">9 9 9 9 9 9</DataArray>
        <DataArray type="%s" Name="Depths" format="%s" NumberOfComponents="%d">%s</DataArray>
      </PointData>
    </Piece>
  </ImageData>
</VTKFile>
`

func float32Payload(order binary.ByteOrder, values []float32) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		b := make([]byte, 4)
		order.PutUint32(b, math.Float32bits(v))
		buf.Write(b)
	}
	return buf.Bytes()
}

func TestReadVTIAscii(t *testing.T) {
	doc := fmt.Sprintf(vtiTemplate, "LittleEndian", "UInt32", "Float64", "ascii", 1, "1 2 3\n4 5 6.5")
	dm, err := ReadVTI(strings.NewReader(doc))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.Width(), test.ShouldEqual, 3)
	test.That(t, dm.Height(), test.ShouldEqual, 2)
	test.That(t, dm.At(2, 1), test.ShouldEqual, 6.5)
	test.That(t, dm.At(1, 0), test.ShouldEqual, 2.)
}

func TestReadVTIMultipleComponents(t *testing.T) {
	doc := fmt.Sprintf(vtiTemplate, "LittleEndian", "UInt32", "Float64", "ascii", 2, "1 -1 2 -1 3 -1 4 -1 5 -1 6 -1")
	dm, err := ReadVTI(strings.NewReader(doc))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dm.At(0, 1), test.ShouldEqual, 4.)
}

func TestReadVTIBinary(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6.5}
	for _, tc := range []struct {
		order      binary.ByteOrder
		orderName  string
		headerType string
		split      bool
	}{
		{binary.LittleEndian, "LittleEndian", "UInt32", false},
		{binary.LittleEndian, "LittleEndian", "UInt32", true},
		{binary.LittleEndian, "LittleEndian", "UInt64", true},
		{binary.BigEndian, "BigEndian", "UInt64", false},
	} {
		payload := float32Payload(tc.order, values)
		header := make([]byte, 8)
		if tc.headerType == "UInt32" {
			header = header[:4]
			tc.order.PutUint32(header, uint32(len(payload)))
		} else {
			tc.order.PutUint64(header, uint64(len(payload)))
		}
		var encoded string
		if tc.split {
			encoded = base64.StdEncoding.EncodeToString(header) + base64.StdEncoding.EncodeToString(payload)
		} else {
			encoded = base64.StdEncoding.EncodeToString(append(header, payload...))
		}

		doc := fmt.Sprintf(vtiTemplate, tc.orderName, tc.headerType, "Float32", "binary", 1, "\n   "+encoded+"\n  ")
		dm, err := ReadVTI(strings.NewReader(doc))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.At(0, 0), test.ShouldEqual, 1.)
		test.That(t, dm.At(2, 1), test.ShouldEqual, 6.5)
	}
}

func TestReadVTIErrors(t *testing.T) {
	for _, doc := range []string{
		"not xml",
		`<VTKFile type="StructuredGrid"></VTKFile>`,
		`<VTKFile type="ImageData" compressor="vtkZLibDataCompressor"><ImageData WholeExtent="0 0 0 0 0 0"><Piece/></ImageData></VTKFile>`,
		`<VTKFile type="ImageData" compressor="vtkBZip2DataCompressor"><ImageData WholeExtent="0 0 0 0 0 0"><Piece><PointData><DataArray type="Float64" format="ascii">1</DataArray></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0 1 0 1"><Piece><PointData><DataArray type="Float64" format="ascii">1 2 3 4 5 6 7 8</DataArray></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0 0 0 0"><Piece><PointData></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0 0 0 0"><Piece><PointData><DataArray type="Float64" format="ascii">1</DataArray></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0 0 0 0"><Piece><PointData><DataArray type="Float64" format="appended"/></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0 0 0 0"><Piece><PointData><DataArray type="Float64" format="ascii">1 x</DataArray></PointData></Piece></ImageData></VTKFile>`,
		`<VTKFile type="ImageData"><ImageData WholeExtent="0 1 0"><Piece/></ImageData></VTKFile>`,
	} {
		_, err := ReadVTI(strings.NewReader(doc))
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestWriteVTI(t *testing.T) {
	var buf bytes.Buffer
	dm := sampleDepthMap()
	test.That(t, WriteVTI(&buf, dm), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldContainSubstring, `WholeExtent="0 3 0 2 0 0"`)

	back, err := ReadVTI(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, dm)
}

const vtiAppendedTemplate = `<?xml version="1.0"?>
<VTKFile type="ImageData" version="1.0" byte_order="LittleEndian" header_type="%s"%s>
  <ImageData WholeExtent="0 2 0 1 0 0" Origin="0 0 0" Spacing="1 1 1">
    <Piece Extent="0 2 0 1 0 0">
      <PointData Scalars="Depths">
        <DataArray type="UInt8" Name="Color" format="appended" offset="0"/>
        <DataArray type="Float32" Name="Depths" format="appended" offset="%d"/>
      </PointData>
      <CellData>
        <DataArray type="UInt8" Name="Mask" format="appended" offset="%d"/>
      </CellData>
    </Piece>
  </ImageData>
  <AppendedData encoding="base64">
   _%s
  </AppendedData>
</VTKFile>
`

func putHeaderWord(buf *bytes.Buffer, headerType string, v int) {
	if headerType == "UInt64" {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		buf.Write(b)
		return
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	buf.Write(b)
}

func zlibBlock(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)
	return buf.Bytes()
}

func lzmaBlock(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	test.That(t, err, test.ShouldBeNil)
	_, err = w.Write(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)
	return buf.Bytes()
}

// lz4Block encodes raw as a single literal run, which is a valid LZ4 block.
func lz4Block(t *testing.T, raw []byte) []byte {
	t.Helper()
	if len(raw) < 15 {
		return append([]byte{byte(len(raw) << 4)}, raw...)
	}
	out := []byte{0xF0}
	rest := len(raw) - 15
	for ; rest >= 255; rest -= 255 {
		out = append(out, 255)
	}
	out = append(out, byte(rest))
	return append(out, raw...)
}

// encodeVTKBlock encodes raw the way VTK writes binary data: the header and the data as two base64
// runs. With a compressor the data is cut into blocks of blockSize bytes, each compressed on its own.
func encodeVTKBlock(headerType string, raw []byte, blockSize int, compress func([]byte) []byte) string {
	var header, data bytes.Buffer
	if compress == nil {
		putHeaderWord(&header, headerType, len(raw))
		data.Write(raw)
	} else {
		var blocks [][]byte
		for start := 0; start < len(raw); start += blockSize {
			end := start + blockSize
			if end > len(raw) {
				end = len(raw)
			}
			blocks = append(blocks, compress(raw[start:end]))
		}
		putHeaderWord(&header, headerType, len(blocks))
		putHeaderWord(&header, headerType, blockSize)
		putHeaderWord(&header, headerType, len(raw)%blockSize)
		for _, b := range blocks {
			putHeaderWord(&header, headerType, len(b))
			data.Write(b)
		}
	}
	return base64.StdEncoding.EncodeToString(header.Bytes()) + base64.StdEncoding.EncodeToString(data.Bytes())
}

func TestReadVTIAppended(t *testing.T) {
	depths := float32Payload(binary.LittleEndian, []float32{1, 2, 3, 4, 5, 6.5})
	color := []byte{9, 9, 9, 9, 9, 9}
	mask := []byte{1, 0}

	for _, tc := range []struct {
		name       string
		headerType string
		compressor string
		compress   func([]byte) []byte
	}{
		{"uncompressed", "UInt32", "", nil},
		{"zlib", "UInt64", "vtkZLibDataCompressor", func(b []byte) []byte { return zlibBlock(t, b) }},
		{"zlib with 32-bit headers", "UInt32", "vtkZLibDataCompressor", func(b []byte) []byte { return zlibBlock(t, b) }},
		{"lz4", "UInt64", "vtkLZ4DataCompressor", func(b []byte) []byte { return lz4Block(t, b) }},
		{"lzma", "UInt64", "vtkLZMADataCompressor", func(b []byte) []byte { return lzmaBlock(t, b) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			colorBlock := encodeVTKBlock(tc.headerType, color, 4, tc.compress)
			depthBlock := encodeVTKBlock(tc.headerType, depths, 16, tc.compress)
			maskBlock := encodeVTKBlock(tc.headerType, mask, 4, tc.compress)
			compressor := ""
			if tc.compressor != "" {
				compressor = fmt.Sprintf(` compressor="%s"`, tc.compressor)
			}
			doc := fmt.Sprintf(vtiAppendedTemplate, tc.headerType, compressor,
				len(colorBlock), len(colorBlock)+len(depthBlock), colorBlock+depthBlock+maskBlock)

			dm, err := ReadVTI(strings.NewReader(doc))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, dm.Width(), test.ShouldEqual, 3)
			test.That(t, dm.Height(), test.ShouldEqual, 2)
			test.That(t, dm.At(0, 0), test.ShouldEqual, 1.)
			test.That(t, dm.At(1, 1), test.ShouldEqual, 5.)
			test.That(t, dm.At(2, 1), test.ShouldEqual, 6.5)
		})
	}
}

func TestReadVTICompressedInline(t *testing.T) {
	depths := float32Payload(binary.LittleEndian, []float32{1, 2, 3, 4, 5, 6.5})
	compress := func(b []byte) []byte { return zlibBlock(t, b) }

	// a single base64 run for header and data is accepted as well
	var joined bytes.Buffer
	block := compress(depths)
	for _, word := range []int{1, 32768, len(depths), len(block)} {
		putHeaderWord(&joined, "UInt32", word)
	}
	joined.Write(block)

	for _, encoded := range []string{
		encodeVTKBlock("UInt32", depths, 8, compress),
		encodeVTKBlock("UInt32", depths, 24, compress),
		base64.StdEncoding.EncodeToString(joined.Bytes()),
	} {
		doc := strings.Replace(
			fmt.Sprintf(vtiTemplate, "LittleEndian", "UInt32", "Float32", "binary", 1, encoded),
			`header_type="UInt32"`, `header_type="UInt32" compressor="vtkZLibDataCompressor"`, 1)
		dm, err := ReadVTI(strings.NewReader(doc))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.At(0, 0), test.ShouldEqual, 1.)
		test.That(t, dm.At(2, 1), test.ShouldEqual, 6.5)
	}
}

func TestReadVTIAppendedErrors(t *testing.T) {
	depths := float32Payload(binary.LittleEndian, []float32{1, 2, 3, 4, 5, 6.5})
	good := encodeVTKBlock("UInt32", depths, 16, func(b []byte) []byte { return zlibBlock(t, b) })
	doc := func(encoding, compressor, data string, offset int) string {
		return fmt.Sprintf(`<VTKFile type="ImageData" header_type="UInt32" compressor="%s">
<ImageData WholeExtent="0 2 0 1 0 0"><Piece><PointData>
<DataArray type="Float32" Name="Depths" format="appended" offset="%d"/>
</PointData></Piece></ImageData>
<AppendedData encoding="%s">%s</AppendedData></VTKFile>`, compressor, offset, encoding, data)
	}

	_, err := ReadVTI(strings.NewReader(doc("base64", "vtkZLibDataCompressor", "_"+good, 0)))
	test.That(t, err, test.ShouldBeNil)

	for _, bad := range []string{
		// raw appended data is not base64
		doc("raw", "vtkZLibDataCompressor", "_"+good, 0),
		// no '_' marker
		doc("base64", "vtkZLibDataCompressor", good, 0),
		// offset past the end
		doc("base64", "vtkZLibDataCompressor", "_"+good, len(good)+1),
		// zlib blocks read with the wrong compressor
		doc("base64", "vtkLZMADataCompressor", "_"+good, 0),
		// truncated blocks
		doc("base64", "vtkZLibDataCompressor", "_"+good[:len(good)-8], 0),
		// header announcing more blocks than there is data
		doc("base64", "vtkZLibDataCompressor", "_"+base64.StdEncoding.EncodeToString([]byte{0xff, 0xff, 0xff, 0x7f}), 0),
	} {
		_, err := ReadVTI(strings.NewReader(bad))
		test.That(t, err, test.ShouldNotBeNil)
	}
}
