// Package checkpoint implements the record format used to persist layer
// state.
//
// A record is self-delimiting, so any number of records can be appended to
// one stream (one per layer) and read back in order.
//
// Record layout (little-endian):
//
//	Offset  Size  Field
//	0x00    4     Magic "LKCP"
//	0x04    4     Format version (1)
//	0x08    4     Flags
//	0x0C    4     Reserved (0)
//	0x10    8     JSON header size
//	0x18    8     Data section size
//	0x20    32    SHA-256 of the data section
//	0x40    N     JSON header
//	...     P     Zero padding to a 64-byte boundary
//	...     D     Tensor data, float64, row-major, in header order
//
// The header carries no timestamps and tensors are written in the order
// given, so encoding the same state twice yields identical bytes.
//
// Two modes are supported:
//   - Single: every rank writes its own local shards (Encode/Decode).
//   - Shared: shards are gathered to full logical tensors, rank 0 writes
//     one record and every rank reads it back through Persist.
package checkpoint
