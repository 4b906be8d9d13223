package matfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensordriver/internal/tensor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	x := tensor.New(2, 3, 4, 5)
	for i := range x.Data {
		x.Data[i] = float64(i) * 0.25
	}
	b, err := tensor.FromData([]float64{1, -2, 3}, 3)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fixture.mat")
	require.NoError(t, Save(path, Vars{"x": x, "b": b, "pad": Scalar(1)}))

	vars, err := Load(path)
	require.NoError(t, err)
	require.Len(t, vars, 3)

	assert.Equal(t, x.Shape, vars["x"].Shape)
	assert.Equal(t, x.Data, vars["x"].Data)
	assert.Equal(t, []int{1, 3}, vars["b"].Shape)
	assert.Equal(t, b.Data, vars["b"].Data)
	assert.Equal(t, []int{1, 1}, vars["pad"].Shape)
	assert.Equal(t, 1.0, vars["pad"].Data[0])
}

func TestReadColumnMajorAndSmallElements(t *testing.T) {
	// A 2x3 int32 matrix [[1 2 3] [4 5 6]] stored column-major, with a small-format name.
	var body bytes.Buffer
	flags := make([]byte, 8)
	binary.LittleEndian.PutUint32(flags, 12) // mxINT32
	putElement(&body, miUINT32, flags)
	dims := make([]byte, 8)
	binary.LittleEndian.PutUint32(dims[0:], 2)
	binary.LittleEndian.PutUint32(dims[4:], 3)
	putElement(&body, miINT32, dims)
	small := make([]byte, 8)
	binary.LittleEndian.PutUint32(small, 1<<16|miINT8)
	small[4] = 'm'
	body.Write(small)
	vals := make([]byte, 24)
	for i, v := range []int32{1, 4, 2, 5, 3, 6} {
		binary.LittleEndian.PutUint32(vals[4*i:], uint32(v))
	}
	putElement(&body, miINT32, vals)

	var file bytes.Buffer
	file.Write(testHeader(t))
	putElement(&file, miMATRIX, body.Bytes())

	vars, err := Read(&file)
	require.NoError(t, err)
	m := vars["m"]
	require.NotNil(t, m)
	assert.Equal(t, []int{2, 3}, m.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, m.Data)
}

func TestReadCompressedElement(t *testing.T) {
	w := tensor.New(2, 2)
	copy(w.Data, []float64{0.5, 1.5, 2.5, 3.5})

	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, err := zw.Write(encodeMatrix("w", w))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var file bytes.Buffer
	file.Write(testHeader(t))
	tag := make([]byte, 8)
	binary.LittleEndian.PutUint32(tag[0:], miCOMPRESSED)
	binary.LittleEndian.PutUint32(tag[4:], uint32(z.Len()))
	file.Write(tag)
	file.Write(z.Bytes())

	vars, err := Read(&file)
	require.NoError(t, err)
	assert.Equal(t, w.Data, vars["w"].Data)
}

func TestReadSkipsCharAndStructArrays(t *testing.T) {
	x, err := tensor.FromData([]float64{1, 2}, 1, 2)
	require.NoError(t, err)

	var file bytes.Buffer
	file.Write(testHeader(t))
	file.Write(encodeMatrix("x", x))
	putElement(&file, miMATRIX, nonNumericArray(t, 4, "note", []byte{'h', 0, 'i', 0}))
	putElement(&file, miMATRIX, nonNumericArray(t, 2, "conv_param", nil))
	file.Write(encodeMatrix("y", Scalar(3)))

	vars, err := Read(&file)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, x.Data, vars["x"].Data)
	assert.Equal(t, 3.0, vars["y"].Data[0])
	assert.NotContains(t, vars, "note")
}

// nonNumericArray encodes a 1xN array body of the given class with an opaque payload.
func nonNumericArray(t *testing.T, class uint32, name string, payload []byte) []byte {
	t.Helper()
	var body bytes.Buffer
	flags := make([]byte, 8)
	binary.LittleEndian.PutUint32(flags, class)
	putElement(&body, miUINT32, flags)
	dims := make([]byte, 8)
	binary.LittleEndian.PutUint32(dims[0:], 1)
	binary.LittleEndian.PutUint32(dims[4:], uint32(len(payload)/2))
	putElement(&body, miINT32, dims)
	putElement(&body, miINT8, []byte(name))
	if payload != nil {
		putElement(&body, 17, payload) // miUTF16
	}
	return body.Bytes()
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not a mat file")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))

	bad := testHeader(t)
	bad[126], bad[127] = 'X', 'X'
	_, err = Read(bytes.NewReader(bad))
	assert.True(t, errors.Is(err, ErrFormat))
}

func testHeader(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Vars{}))
	return buf.Bytes()
}
