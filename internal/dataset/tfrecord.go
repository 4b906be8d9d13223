package dataset

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// ErrCorrupt indicates a TFRecord whose framing or checksums do not verify.
var ErrCorrupt = errors.New("tfrecord: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// RecordReader reads length-delimited, checksummed TFRecord frames.
type RecordReader struct {
	r      *bufio.Reader
	header [12]byte
	footer [4]byte
}

// NewRecordReader wraps r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next record payload, or io.EOF after the last complete record.
func (rr *RecordReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(rr.r, rr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(ErrCorrupt, "truncated header")
	}
	length := binary.LittleEndian.Uint64(rr.header[0:8])
	if maskedCRC(rr.header[0:8]) != binary.LittleEndian.Uint32(rr.header[8:12]) {
		return nil, errors.Wrap(ErrCorrupt, "length checksum mismatch")
	}
	if length > 1<<31 {
		return nil, errors.Wrapf(ErrCorrupt, "record length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(rr.r, data); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "truncated payload")
	}
	if _, err := io.ReadFull(rr.r, rr.footer[:]); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "truncated footer")
	}
	if maskedCRC(data) != binary.LittleEndian.Uint32(rr.footer[:]) {
		return nil, errors.Wrap(ErrCorrupt, "payload checksum mismatch")
	}
	return data, nil
}

// RecordWriter writes TFRecord frames.
type RecordWriter struct {
	w io.Writer
}

// NewRecordWriter wraps w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Write frames data as one record.
func (rw *RecordWriter) Write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[0:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	for _, chunk := range [][]byte{header[:], data, footer[:]} {
		if _, err := rw.w.Write(chunk); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
	return nil
}
