package layer

import "fmt"

// Type identifies a layer kind.
type Type int

// Layer kinds.
const (
	FullyConnected Type = iota
	Convolution
	Softmax
	Activation
	Pooling
	LocalResponseNormalization
	Dropout
	BatchNormalization
	InputDistributedMinibatch
	InputDistributedMinibatchParallelIO
	InputPartitionedMinibatchParallelIO
	TargetDistributedMinibatch
	TargetDistributedMinibatchParallelIO
	TargetPartitionedMinibatchParallelIO
	Reconstruction
	Invalid
)

// Category is the broad class a layer kind belongs to.
type Category int

// Layer categories.
const (
	CategoryIO Category = iota
	CategoryLearning
	CategoryActivation
	CategoryRegularizer
	CategoryTransform
	CategorySpecial
	CategoryInvalid
)

var typeNames = [...]string{
	FullyConnected:                       "fully_connected",
	Convolution:                          "convolution",
	Softmax:                              "softmax",
	Activation:                           "activation",
	Pooling:                              "pooling",
	LocalResponseNormalization:           "local_response_normalization",
	Dropout:                              "dropout",
	BatchNormalization:                   "batch_normalization",
	InputDistributedMinibatch:            "input_distributed_minibatch",
	InputDistributedMinibatchParallelIO:  "input_distributed_minibatch_parallel_io",
	InputPartitionedMinibatchParallelIO:  "input_partitioned_minibatch_parallel_io",
	TargetDistributedMinibatch:           "target_distributed_minibatch",
	TargetDistributedMinibatchParallelIO: "target_distributed_minibatch_parallel_io",
	TargetPartitionedMinibatchParallelIO: "target_partitioned_minibatch_parallel_io",
	Reconstruction:                       "reconstruction",
	Invalid:                              "invalid",
}

var categories = [...]Category{
	FullyConnected:                       CategoryLearning,
	Convolution:                          CategoryLearning,
	Softmax:                              CategoryActivation,
	Activation:                           CategoryActivation,
	Pooling:                              CategoryTransform,
	LocalResponseNormalization:           CategoryRegularizer,
	Dropout:                              CategoryRegularizer,
	BatchNormalization:                   CategoryRegularizer,
	InputDistributedMinibatch:            CategoryIO,
	InputDistributedMinibatchParallelIO:  CategoryIO,
	InputPartitionedMinibatchParallelIO:  CategoryIO,
	TargetDistributedMinibatch:           CategoryIO,
	TargetDistributedMinibatchParallelIO: CategoryIO,
	TargetPartitionedMinibatchParallelIO: CategoryIO,
	Reconstruction:                       CategorySpecial,
	Invalid:                              CategoryInvalid,
}

var categoryNames = [...]string{
	CategoryIO:          "io",
	CategoryLearning:    "learning",
	CategoryActivation:  "activation",
	CategoryRegularizer: "regularizer",
	CategoryTransform:   "transform",
	CategorySpecial:     "special",
	CategoryInvalid:     "invalid",
}

// Types returns every defined layer kind except Invalid.
func Types() []Type {
	types := make([]Type, 0, Invalid)
	for t := FullyConnected; t < Invalid; t++ {
		types = append(types, t)
	}
	return types
}

// String returns the snake_case name of t.
func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType maps a snake_case name to its Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return Type(t), nil
		}
	}
	return Invalid, &ConfigError{Layer: -1, Field: "type", Details: fmt.Sprintf("unknown layer type %q", s)}
}

// CategoryOf classifies a layer kind. Invalid maps to CategoryInvalid;
// values outside the enumeration are a configuration error.
func CategoryOf(t Type) (Category, error) {
	if t < 0 || int(t) >= len(categories) {
		return CategoryInvalid, &ConfigError{Layer: -1, Field: "type", Details: fmt.Sprintf("invalid layer type %d", int(t))}
	}
	return categories[t], nil
}

// String returns the category name.
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}
