package gocbnet

import "hash/crc32"

// cbCrc is the key hash used to pick a vbucket. It is the upper half of the
// IEEE crc32 masked to 15 bits.
func cbCrc(key []byte) uint32 {
	crc := crc32.ChecksumIEEE(key)
	return (crc >> 16) & 0x7fff
}
