package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		Header: Header{
			Index:              3,
			Type:               "fully_connected",
			MaxMinibatch:       8,
			Minibatch:          5,
			EffectiveMinibatch: 32,
		},
		Flags: FlagHasState,
		Tensors: []Tensor{
			{Name: "activations", Rows: 2, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6}},
			{Name: "error_signal", Rows: 1, Cols: 3, Data: []float64{-1, 0.5, 1e-300}},
			{Name: "weights", Rows: 0, Cols: 4, Data: nil},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	n, err := Encode(&buf, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Zero(t, (n-FixedHeaderSize-9*8)%HeaderAlignment, "data starts on an aligned boundary")

	rec, m, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, n, m)
	assert.Equal(t, 3, rec.Header.Index)
	assert.Equal(t, 5, rec.Header.Minibatch)
	assert.Equal(t, 32, rec.Header.EffectiveMinibatch)
	assert.Equal(t, FlagHasState, rec.Flags)

	want := sampleRecord()
	require.Len(t, rec.Tensors, 3)
	for i, tt := range want.Tensors {
		got := rec.Tensors[i]
		assert.Equal(t, tt.Name, got.Name)
		assert.Equal(t, tt.Rows, got.Rows)
		assert.Equal(t, tt.Cols, got.Cols)
		assert.Equal(t, len(tt.Data), len(got.Data))
		for j := range tt.Data {
			assert.Equal(t, tt.Data[j], got.Data[j])
		}
	}

	es, ok := rec.Tensor("error_signal")
	require.True(t, ok)
	assert.Equal(t, 1e-300, es.Data[2])
	_, ok = rec.Tensor("missing")
	assert.False(t, ok)
}

func TestEncodeIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	_, err := Encode(&a, sampleRecord())
	require.NoError(t, err)
	_, err = Encode(&b, sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		rec := sampleRecord()
		rec.Header.Index = i
		_, err := Encode(&buf, rec)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		rec, _, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, i, rec.Header.Index)
	}
	assert.Zero(t, buf.Len())
}

func TestDecodeCorruption(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, sampleRecord())
	require.NoError(t, err)
	raw := buf.Bytes()

	t.Run("checksum", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[len(bad)-1] ^= 0xFF
		_, _, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrChecksumMismatch)
		require.ErrorIs(t, err, ErrCheckpoint)
	})

	t.Run("magic", func(t *testing.T) {
		bad := bytes.Clone(raw)
		copy(bad, "BORN")
		_, _, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("version", func(t *testing.T) {
		bad := bytes.Clone(raw)
		binary.LittleEndian.PutUint32(bad[4:8], 9)
		_, _, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := Decode(bytes.NewReader(raw[:len(raw)-5]))
		require.ErrorIs(t, err, ErrCheckpoint)
	})

	t.Run("data size", func(t *testing.T) {
		bad := bytes.Clone(raw)
		binary.LittleEndian.PutUint64(bad[24:32], 8)
		_, _, err := Decode(bytes.NewReader(bad))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "out_of_bounds", verr.Type)
	})
}

func TestEncodeRejectsBadTensor(t *testing.T) {
	rec := sampleRecord()
	rec.Tensors[0].Data = rec.Tensors[0].Data[:2]
	_, err := Encode(&bytes.Buffer{}, rec)
	require.ErrorIs(t, err, ErrCheckpoint)

	rec = sampleRecord()
	rec.Tensors[1].Name = ""
	_, err = Encode(&bytes.Buffer{}, rec)
	require.ErrorIs(t, err, ErrCheckpoint)
}

func TestValidateHeader(t *testing.T) {
	h := &Header{
		MaxMinibatch: 4,
		Minibatch:    2,
		Tensors: []TensorMeta{
			{Name: "a", Rows: 1, Cols: 2, Offset: 0, Size: 16},
			{Name: "a", Rows: 1, Cols: 1, Offset: 16, Size: 8},
		},
	}
	err := ValidateHeader(h, 24)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "duplicate", verr.Type)

	h.Tensors[1].Name = "b"
	require.NoError(t, ValidateHeader(h, 24))

	h.Tensors[1].Offset = 8
	require.ErrorAs(t, ValidateHeader(h, 24), &verr)
	assert.Equal(t, "offset", verr.Type)

	h.Tensors[1].Offset = 16
	h.Minibatch = 5
	require.ErrorAs(t, ValidateHeader(h, 24), &verr)
	assert.Equal(t, "minibatch", verr.Type)
}

func TestPersistRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	ctx := context.Background()

	err := comm.Run(ctx, 3, func(ctx context.Context, g comm.Group) error {
		var w *bytes.Buffer
		if g.Rank() == Root {
			w = &stream
		}
		p := NewPersistWriter(g, w)
		var rec *Record
		if p.IsRoot() {
			rec = sampleRecord()
		}
		return p.Save(ctx, rec)
	})
	require.NoError(t, err)
	raw := bytes.Clone(stream.Bytes())

	got := make([]*Record, 3)
	err = comm.Run(ctx, 3, func(ctx context.Context, g comm.Group) error {
		var r *bytes.Reader
		if g.Rank() == Root {
			r = bytes.NewReader(raw)
		}
		rec, err := NewPersistReader(g, r).Load(ctx)
		if err != nil {
			return err
		}
		got[g.Rank()] = rec
		return nil
	})
	require.NoError(t, err)

	for rank, rec := range got {
		require.NotNil(t, rec, "rank %d", rank)
		assert.True(t, rec.Header.Shared)
		assert.Equal(t, 5, rec.Header.Minibatch)
		assert.Equal(t, FlagHasState|FlagShared, rec.Flags)
		a, ok := rec.Tensor("activations")
		require.True(t, ok)
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, a.Data)
	}
}

func TestPersistRootFailureReachesEveryRank(t *testing.T) {
	errs := make([]error, 2)
	_ = comm.Run(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		var r *bytes.Reader
		if g.Rank() == Root {
			r = bytes.NewReader([]byte("garbage that is not a record"))
		}
		_, errs[g.Rank()] = NewPersistReader(g, r).Load(ctx)
		return nil
	})
	require.ErrorIs(t, errs[0], ErrCheckpoint)
	require.ErrorIs(t, errs[1], ErrRootFailed)

	_ = comm.Run(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		errs[g.Rank()] = NewPersistWriter(g, nil).Save(ctx, sampleRecord())
		return nil
	})
	require.ErrorIs(t, errs[0], ErrCheckpoint)
	require.ErrorIs(t, errs[1], ErrRootFailed)
}

func TestPersistRejectsSingleRecord(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, sampleRecord())
	require.NoError(t, err)
	_, err = NewPersistReader(comm.Self(), &buf).Load(context.Background())
	require.ErrorIs(t, err, ErrCheckpoint)
}
