package utils

import (
	"github.com/howeyc/crc16"
)

// CalculateCRC16 returns the IBM CRC16 of data.
func CalculateCRC16(data []byte) uint16 {
	crc := crc16.Checksum(data, crc16.IBMTable)
	return crc
}

// Bucket maps key onto one of n buckets by its CRC16.
func Bucket(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(CalculateCRC16([]byte(key))) % n
}
