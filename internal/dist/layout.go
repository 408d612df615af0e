package dist

import "fmt"

// Layout selects how a Matrix is sharded across ranks.
type Layout int

// Supported layouts.
const (
	ModelParallel Layout = iota
	DataParallel
)

// String returns a human-readable layout name.
func (l Layout) String() string {
	switch l {
	case ModelParallel:
		return "model_parallel"
	case DataParallel:
		return "data_parallel"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a layout name to its Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "model_parallel":
		return ModelParallel, nil
	case "data_parallel":
		return DataParallel, nil
	default:
		return 0, fmt.Errorf("dist: unknown layout %q", s)
	}
}

// localCount returns how many of the first n indices a rank owns under a
// cyclic distribution over size ranks.
func localCount(n, rank, size int) int {
	if n <= rank {
		return 0
	}
	return (n-rank-1)/size + 1
}
