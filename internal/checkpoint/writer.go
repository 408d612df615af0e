package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// countingWriter tracks the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode writes rec to w and returns the number of bytes written.
// rec.Header.Tensors is rebuilt from rec.Tensors.
func Encode(w io.Writer, rec *Record) (int64, error) {
	data, err := encodeData(rec)
	if err != nil {
		return 0, err
	}
	headerJSON, err := json.Marshal(rec.Header)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal header: %w", ErrCheckpoint, err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}

	var fixed [FixedHeaderSize]byte
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], rec.flags())
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	checksum := ComputeChecksum(data)
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	cw := &countingWriter{w: w}
	if _, err := cw.Write(fixed[:]); err != nil {
		return cw.n, fmt.Errorf("%w: write fixed header: %w", ErrCheckpoint, err)
	}
	if _, err := cw.Write(headerJSON); err != nil {
		return cw.n, fmt.Errorf("%w: write header: %w", ErrCheckpoint, err)
	}
	if pad := padding(FixedHeaderSize + int64(len(headerJSON))); pad > 0 {
		if _, err := cw.Write(make([]byte, pad)); err != nil {
			return cw.n, fmt.Errorf("%w: write padding: %w", ErrCheckpoint, err)
		}
	}
	if _, err := cw.Write(data); err != nil {
		return cw.n, fmt.Errorf("%w: write tensor data: %w", ErrCheckpoint, err)
	}
	return cw.n, nil
}

// encodeData lays out the tensors and fills in the header's tensor table.
func encodeData(rec *Record) ([]byte, error) {
	var total int64
	rec.Header.Tensors = make([]TensorMeta, 0, len(rec.Tensors))
	for _, t := range rec.Tensors {
		if err := validateName(t.Name); err != nil {
			return nil, err
		}
		if t.Rows < 0 || t.Cols < 0 || len(t.Data) != t.Rows*t.Cols {
			return nil, &ValidationError{
				Type:    "shape",
				Tensor:  t.Name,
				Details: fmt.Sprintf("%d values for %dx%d", len(t.Data), t.Rows, t.Cols),
			}
		}
		size := int64(len(t.Data)) * 8
		rec.Header.Tensors = append(rec.Header.Tensors, TensorMeta{
			Name:   t.Name,
			Rows:   t.Rows,
			Cols:   t.Cols,
			Offset: total,
			Size:   size,
		})
		total += size
	}

	data := make([]byte, total)
	var off int
	for _, t := range rec.Tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v))
			off += 8
		}
	}
	return data, nil
}
