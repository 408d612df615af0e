// Package dist implements distributed matrices for layer buffers.
//
// A Matrix is a logical rows x cols matrix (neurons x mini-batch samples)
// whose elements are spread over the ranks of a comm.Group according to a
// Layout:
//
//	ModelParallel: rows are dealt cyclically over ranks, every rank holds all columns
//	DataParallel:  columns are dealt cyclically over ranks, every rank holds all rows
//
// The local shard of each rank is a gonum *mat.Dense. Because the
// distribution is cyclic, the local part of any logical prefix
// [0,r) x [0,c) is a contiguous local prefix, so a View of the active
// (possibly partial) mini-batch is a zero-copy slice of the shard.
package dist
