package kinds

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// IDX magic numbers: unsigned bytes with three and one dimensions.
const (
	idxImages = 0x00000803
	idxLabels = 0x00000801
)

// ReadIDX reads an IDX image stream and its IDX label stream (the MNIST
// layout) into memory. Pixels are scaled to [0, 1]. At most limit samples
// are kept when limit is positive. classes of 0 is taken from the largest
// label.
func ReadIDX(images, labels io.Reader, classes, limit int) (*Memory, error) {
	dims, err := idxHeader(images, idxImages, 3)
	if err != nil {
		return nil, fmt.Errorf("kinds: images: %w", err)
	}
	ldims, err := idxHeader(labels, idxLabels, 1)
	if err != nil {
		return nil, fmt.Errorf("kinds: labels: %w", err)
	}
	n, features := int(dims[0]), int(dims[1]*dims[2])
	if int(ldims[0]) != n {
		return nil, fmt.Errorf("kinds: %d images, %d labels", n, ldims[0])
	}
	if limit > 0 && n > limit {
		n = limit
	}
	if n == 0 || features == 0 {
		return nil, fmt.Errorf("kinds: idx holds %d samples of %d features", n, features)
	}

	x := mat.NewDense(n, features, nil)
	pixels := make([]byte, features)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(images, pixels); err != nil {
			return nil, fmt.Errorf("kinds: image %d: %w", i, err)
		}
		row := x.RawRowView(i)
		for j, p := range pixels {
			row[j] = float64(p) / 255
		}
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(labels, raw); err != nil {
		return nil, fmt.Errorf("kinds: labels: %w", err)
	}
	y := make([]int, n)
	for i, l := range raw {
		y[i] = int(l)
	}
	return newLabelled(x, y, classes)
}

func idxHeader(r io.Reader, magic uint32, ndims int) ([]uint32, error) {
	hdr := make([]uint32, 1+ndims)
	if err := binary.Read(r, binary.BigEndian, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != magic {
		return nil, fmt.Errorf("invalid magic number: got %#08x, want %#08x", hdr[0], magic)
	}
	return hdr[1:], nil
}

// OpenIDX reads the IDX image and label files at the given paths.
func OpenIDX(imagesPath, labelsPath string, classes, limit int) (*Memory, error) {
	images, err := os.Open(imagesPath)
	if err != nil {
		return nil, err
	}
	defer images.Close()
	labels, err := os.Open(labelsPath)
	if err != nil {
		return nil, err
	}
	defer labels.Close()
	return ReadIDX(images, labels, classes, limit)
}

// ReadCSV reads labelled rows "label,f0,f1,..." after a header line.
// Features are divided by scale when it is positive.
func ReadCSV(r io.Reader, classes, limit int, scale float64) (*Memory, error) {
	cr := csv.NewReader(r)
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("kinds: csv header: %w", err)
	}
	var (
		data     []float64
		y        []int
		features = -1
	)
	for limit <= 0 || len(y) < limit {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kinds: csv: %w", err)
		}
		row := len(y) + 1
		if features < 0 {
			features = len(rec) - 1
		}
		if len(rec) < 2 || len(rec)-1 != features {
			return nil, fmt.Errorf("kinds: csv row %d has %d fields, want %d", row, len(rec), features+1)
		}
		label, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("kinds: csv row %d label: %w", row, err)
		}
		for j, f := range rec[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("kinds: csv row %d column %d: %w", row, j+1, err)
			}
			if scale > 0 {
				v /= scale
			}
			data = append(data, v)
		}
		y = append(y, label)
	}
	if len(y) == 0 {
		return nil, errors.New("kinds: csv has no samples")
	}
	return newLabelled(mat.NewDense(len(y), features, data), y, classes)
}

// OpenCSV reads the CSV file at path.
func OpenCSV(path string, classes, limit int, scale float64) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, classes, limit, scale)
}

func newLabelled(x *mat.Dense, y []int, classes int) (*Memory, error) {
	if classes == 0 {
		for _, l := range y {
			classes = max(classes, l+1)
		}
	}
	return NewMemory(x, y, classes)
}
