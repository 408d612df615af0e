package checkpoint

// Format constants.
const (
	MagicBytes      = "LKCP"
	FormatVersion   = 1
	FixedHeaderSize = 64
	HeaderAlignment = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20
)

// Flags.
const (
	FlagShared   uint32 = 1 << 0 // tensors hold full logical extents
	FlagHasState uint32 = 1 << 1 // kernel state follows the layer buffers
)

// Validation limits.
const (
	MaxHeaderSize    = 16 * 1024 * 1024
	MaxTensorCount   = 4096
	MaxTensorNameLen = 256
)

// Header is the JSON header of a record.
type Header struct {
	Index              int          `json:"index"`
	Type               string       `json:"type"`
	Rank               int          `json:"rank"`
	MaxMinibatch       int          `json:"max_minibatch"`
	Minibatch          int          `json:"minibatch"`
	EffectiveMinibatch int          `json:"effective_minibatch"`
	Shared             bool         `json:"shared"`
	Tensors            []TensorMeta `json:"tensors"`
}

// TensorMeta locates a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

// Tensor is a named row-major matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Record is one layer's persisted state.
type Record struct {
	Header  Header
	Flags   uint32 // FlagShared is derived from Header.Shared
	Tensors []Tensor
}

// Tensor returns the tensor with the given name.
func (r *Record) Tensor(name string) (*Tensor, bool) {
	for i := range r.Tensors {
		if r.Tensors[i].Name == name {
			return &r.Tensors[i], true
		}
	}
	return nil, false
}

func (r *Record) flags() uint32 {
	f := r.Flags &^ FlagShared
	if r.Header.Shared {
		f |= FlagShared
	}
	return f
}

func padding(pos int64) int64 {
	return (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment
}
