// Package hash provides the CRC32-Castagnoli checksums of block file
// blocks and footers.
//
// Go's hash/crc32 uses SSE4.2 or the ARM CRC extension for this polynomial
// when available.
package hash
