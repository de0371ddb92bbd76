package vfs

import (
	"github.com/minio/highwayhash"
)

var checksumKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// contentChecksum returns the 64-bit HighwayHash of data as stored in the
// record's contentChecksum field.
func contentChecksum(data []byte) (int64, error) {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		return 0, err
	}
	if _, err := h.Write(data); err != nil {
		return 0, err
	}
	return int64(h.Sum64()), nil
}
