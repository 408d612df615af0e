package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// maxDataSize bounds the data section a reader will allocate.
const maxDataSize = 1 << 40

// Decode reads one record from r and returns it with the number of bytes
// consumed. The data section checksum is verified.
func Decode(r io.Reader) (*Record, int64, error) {
	var fixed [FixedHeaderSize]byte
	n, err := io.ReadFull(r, fixed[:])
	read := int64(n)
	if err != nil {
		return nil, read, fmt.Errorf("%w: read fixed header: %w", ErrCheckpoint, err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, read, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, read, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(fixed[8:12])
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	var stored [ChecksumSize]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, read, ErrHeaderTooLarge
	}
	if dataSize > maxDataSize {
		return nil, read, &ValidationError{Type: "out_of_bounds", Details: fmt.Sprintf("data section of %d bytes", dataSize)}
	}

	//nolint:gosec // G115: bounded by MaxHeaderSize
	headerLen := int64(headerSize)
	pad := padding(FixedHeaderSize + headerLen)
	buf := make([]byte, headerLen+pad)
	n, err = io.ReadFull(r, buf)
	read += int64(n)
	if err != nil {
		return nil, read, fmt.Errorf("%w: read header: %w", ErrCheckpoint, err)
	}

	rec := &Record{Flags: flags}
	if err := json.Unmarshal(buf[:headerLen], &rec.Header); err != nil {
		return nil, read, fmt.Errorf("%w: parse header: %w", ErrCheckpoint, err)
	}
	//nolint:gosec // G115: bounded by maxDataSize
	if err := ValidateHeader(&rec.Header, int64(dataSize)); err != nil {
		return nil, read, err
	}
	if rec.Header.Shared != (flags&FlagShared != 0) {
		return nil, read, &ValidationError{Type: "flags", Details: "shared flag disagrees with header"}
	}

	data := make([]byte, dataSize)
	n, err = io.ReadFull(r, data)
	read += int64(n)
	if err != nil {
		return nil, read, fmt.Errorf("%w: read tensor data: %w", ErrCheckpoint, err)
	}
	if err := ValidateChecksum(ComputeChecksum(data), stored); err != nil {
		return nil, read, err
	}

	rec.Tensors = make([]Tensor, len(rec.Header.Tensors))
	for i, meta := range rec.Header.Tensors {
		vals := make([]float64, meta.Rows*meta.Cols)
		chunk := data[meta.Offset : meta.Offset+meta.Size]
		for j := range vals {
			vals[j] = math.Float64frombits(binary.LittleEndian.Uint64(chunk[j*8:]))
		}
		rec.Tensors[i] = Tensor{Name: meta.Name, Rows: meta.Rows, Cols: meta.Cols, Data: vals}
	}
	return rec, read, nil
}
