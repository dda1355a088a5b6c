package util

import (
	"hash/crc32"
)

// Record checksums are CRC32 with the IEEE polynomial. Changing it would make
// every existing segment unreadable.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum returns the CRC32 checksum of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
