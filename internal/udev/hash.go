package udev

import "encoding/binary"

// stringHash32 is MurmurHash2 with a zero seed, the hash udevd stores in the
// libudev message header for subsystem and devtype.
func stringHash32(s string) uint32 {
	const (
		m = 0x5bd1e995
		r = 24
	)

	data := []byte(s)
	h := uint32(len(data))

	for len(data) >= 4 {
		k := binary.NativeEndian.Uint32(data)
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

// stringBloom64 sets four bits of a 64-bit bloom filter for a tag.
func stringBloom64(s string) uint64 {
	hash := stringHash32(s)

	var bits uint64
	bits |= 1 << (hash & 63)
	bits |= 1 << ((hash >> 6) & 63)
	bits |= 1 << ((hash >> 12) & 63)
	bits |= 1 << ((hash >> 18) & 63)
	return bits
}
