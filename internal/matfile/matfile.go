// Package matfile reads and writes MATLAB Level 5 MAT-files holding numeric arrays.
//
// Arrays are exchanged as row-major tensors that keep MATLAB's dimension list,
// so an array saved from NumPy with shape (N, C, H, W) loads with the same shape.
package matfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"

	"tensordriver/internal/tensor"
)

// Vars maps variable names to their contents.
type Vars map[string]*tensor.Tensor

var (
	// ErrFormat indicates the stream is not a Level 5 MAT-file or is truncated.
	ErrFormat = errors.New("matfile: malformed file")
	// ErrUnsupported indicates a valid element this package does not decode.
	ErrUnsupported = errors.New("matfile: unsupported array")
)

const headerLen = 128

// data element types
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
)

// array classes
const (
	mxDOUBLE = 6
	mxSINGLE = 7
	mxINT8   = 8
	mxUINT64 = 15
)

const flagComplex = 0x0800

// Load reads every numeric variable from the MAT-file at path.
func Load(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open mat file")
	}
	defer f.Close()
	vars, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return vars, nil
}

// Read decodes a MAT-file stream. Variables of unsupported classes are skipped; only
// malformed framing is an error.
func Read(r io.Reader) (Vars, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read mat stream")
	}
	if len(raw) < headerLen {
		return nil, errors.Wrap(ErrFormat, "short header")
	}
	var order binary.ByteOrder
	switch string(raw[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, errors.Wrap(ErrFormat, "missing endian indicator")
	}

	vars := Vars{}
	body := raw[headerLen:]
	for len(body) > 0 {
		typ, data, rest, err := nextElement(body, order)
		if err != nil {
			return nil, errors.Wrapf(err, "element at offset %d", len(raw)-len(body))
		}
		body = rest
		if typ == miCOMPRESSED {
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, errors.Wrap(err, "open compressed element")
			}
			plain, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, errors.Wrap(err, "inflate compressed element")
			}
			typ, data, _, err = nextElement(plain, order)
			if err != nil {
				return nil, errors.Wrap(err, "compressed element")
			}
		}
		if typ != miMATRIX {
			continue
		}
		name, t, err := parseMatrix(data, order)
		if errors.Is(err, ErrUnsupported) {
			// char, cell, struct and complex arrays are skipped
			continue
		}
		if err != nil {
			return nil, err
		}
		vars[name] = t
	}
	return vars, nil
}

// nextElement splits one tagged data element off b, honoring the small element format and
// the 8 byte alignment of regular elements.
func nextElement(b []byte, order binary.ByteOrder) (uint32, []byte, []byte, error) {
	if len(b) < 8 {
		return 0, nil, nil, errors.Wrap(ErrFormat, "truncated tag")
	}
	first := order.Uint32(b[0:4])
	if small := first >> 16; small != 0 {
		if small > 4 {
			return 0, nil, nil, errors.Wrap(ErrFormat, "small element larger than 4 bytes")
		}
		return first & 0xffff, b[4 : 4+small], b[8:], nil
	}
	n := int(order.Uint32(b[4:8]))
	if len(b)-8 < n {
		return 0, nil, nil, errors.Wrapf(ErrFormat, "element declares %d bytes, %d left", n, len(b)-8)
	}
	data := b[8 : 8+n]
	next := 8 + n
	if first != miCOMPRESSED {
		next = 8 + align8(n)
		if next > len(b) {
			next = len(b)
		}
	}
	return first, data, b[next:], nil
}

func align8(n int) int { return (n + 7) &^ 7 }

func parseMatrix(b []byte, order binary.ByteOrder) (string, *tensor.Tensor, error) {
	_, flags, rest, err := nextElement(b, order)
	if err != nil {
		return "", nil, errors.Wrap(err, "array flags")
	}
	if len(flags) < 4 {
		return "", nil, errors.Wrap(ErrFormat, "short array flags")
	}
	fw := order.Uint32(flags[0:4])
	class := fw & 0xff

	dimType, dimData, rest, err := nextElement(rest, order)
	if err != nil {
		return "", nil, errors.Wrap(err, "dimensions")
	}
	dimsF, err := decodeNumeric(dimType, dimData, order)
	if err != nil {
		return "", nil, errors.Wrap(err, "dimensions")
	}
	_, nameData, rest, err := nextElement(rest, order)
	if err != nil {
		return "", nil, errors.Wrap(err, "array name")
	}
	name := string(nameData)

	if fw&flagComplex != 0 {
		return "", nil, errors.Wrapf(ErrUnsupported, "%s: complex data", name)
	}
	if class < mxDOUBLE || class > mxUINT64 {
		return "", nil, errors.Wrapf(ErrUnsupported, "%s: array class %d", name, class)
	}

	dims := make([]int, len(dimsF))
	for i, d := range dimsF {
		dims[i] = int(d)
	}
	realType, realData, _, err := nextElement(rest, order)
	if err != nil {
		return "", nil, errors.Wrapf(err, "%s: real part", name)
	}
	values, err := decodeNumeric(realType, realData, order)
	if err != nil {
		return "", nil, errors.Wrapf(err, "%s: real part", name)
	}
	t := tensor.New(dims...)
	if len(values) != t.Size() {
		return "", nil, errors.Wrapf(ErrFormat, "%s: %d values for dims %v", name, len(values), dims)
	}
	fortranToC(values, t.Data, dims)
	return name, t, nil
}

func decodeNumeric(typ uint32, b []byte, order binary.ByteOrder) ([]float64, error) {
	width := map[uint32]int{
		miINT8: 1, miUINT8: 1, miINT16: 2, miUINT16: 2, miINT32: 4, miUINT32: 4,
		miSINGLE: 4, miDOUBLE: 8, miINT64: 8, miUINT64: 8,
	}[typ]
	if width == 0 {
		return nil, errors.Wrapf(ErrUnsupported, "data type %d", typ)
	}
	if len(b)%width != 0 {
		return nil, errors.Wrapf(ErrFormat, "%d bytes for element width %d", len(b), width)
	}
	out := make([]float64, len(b)/width)
	for i := range out {
		p := b[i*width:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(p[0]))
		case miUINT8:
			out[i] = float64(p[0])
		case miINT16:
			out[i] = float64(int16(order.Uint16(p)))
		case miUINT16:
			out[i] = float64(order.Uint16(p))
		case miINT32:
			out[i] = float64(int32(order.Uint32(p)))
		case miUINT32:
			out[i] = float64(order.Uint32(p))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case miDOUBLE:
			out[i] = math.Float64frombits(order.Uint64(p))
		case miINT64:
			out[i] = float64(int64(order.Uint64(p)))
		case miUINT64:
			out[i] = float64(order.Uint64(p))
		}
	}
	return out, nil
}

// fortranToC copies column-major src into row-major dst with the same dims.
func fortranToC(src, dst []float64, dims []int) {
	walk(dims, func(cIdx, fIdx int) { dst[cIdx] = src[fIdx] })
}

func cToFortran(src, dst []float64, dims []int) {
	walk(dims, func(cIdx, fIdx int) { dst[fIdx] = src[cIdx] })
}

// walk visits every element in row-major order along with its column-major offset.
func walk(dims []int, fn func(cIdx, fIdx int)) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n == 0 {
		return
	}
	fStride := make([]int, len(dims))
	acc := 1
	for i, d := range dims {
		fStride[i] = acc
		acc *= d
	}
	idx := make([]int, len(dims))
	for c := 0; c < n; c++ {
		f := 0
		for i, v := range idx {
			f += v * fStride[i]
		}
		fn(c, f)
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < dims[ax] {
				break
			}
			idx[ax] = 0
		}
	}
}

// Save writes vars to path as an uncompressed MAT-file.
func Save(path string, vars Vars) error {
	var buf bytes.Buffer
	if err := Write(&buf, vars); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write mat file")
	}
	return nil
}

// Write encodes vars as double arrays in name order. Scalars become 1x1 and vectors 1xN.
func Write(w io.Writer, vars Vars) error {
	header := make([]byte, headerLen)
	copy(header, bytes.Repeat([]byte{' '}, 116))
	copy(header, "MATLAB 5.0 MAT-file, written by tensordriver")
	binary.LittleEndian.PutUint16(header[124:], 0x0100)
	copy(header[126:], "IM")
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := vars[name]
		if t == nil {
			return errors.Errorf("matfile: variable %s is nil", name)
		}
		if _, err := w.Write(encodeMatrix(name, t)); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	return nil
}

// Scalar wraps v as a 1x1 array.
func Scalar(v float64) *tensor.Tensor {
	t := tensor.New(1, 1)
	t.Data[0] = v
	return t
}

func encodeMatrix(name string, t *tensor.Tensor) []byte {
	dims := append([]int(nil), t.Shape...)
	switch len(dims) {
	case 0:
		dims = []int{1, 1}
	case 1:
		dims = []int{1, dims[0]}
	}

	var body bytes.Buffer
	flags := make([]byte, 8)
	binary.LittleEndian.PutUint32(flags, mxDOUBLE)
	putElement(&body, miUINT32, flags)

	dimBytes := make([]byte, 4*len(dims))
	for i, d := range dims {
		binary.LittleEndian.PutUint32(dimBytes[4*i:], uint32(d))
	}
	putElement(&body, miINT32, dimBytes)
	putElement(&body, miINT8, []byte(name))

	fortran := make([]float64, len(t.Data))
	cToFortran(t.Data, fortran, dims)
	values := make([]byte, 8*len(fortran))
	for i, v := range fortran {
		binary.LittleEndian.PutUint64(values[8*i:], math.Float64bits(v))
	}
	putElement(&body, miDOUBLE, values)

	var out bytes.Buffer
	putElement(&out, miMATRIX, body.Bytes())
	return out.Bytes()
}

func putElement(buf *bytes.Buffer, typ uint32, data []byte) {
	tag := make([]byte, 8)
	binary.LittleEndian.PutUint32(tag[0:], typ)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(data)))
	buf.Write(tag)
	buf.Write(data)
	buf.Write(make([]byte, align8(len(data))-len(data)))
}
