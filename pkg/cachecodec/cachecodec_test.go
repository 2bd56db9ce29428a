package cachecodec

import (
	"testing"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct{ atime, etime, size int64 }{
		{0, 0, 0},
		{1700000000000, 0, 42},
		{1, 2, 3},
		{-1, -1, -1},
	}
	for _, c := range cases {
		b := Encode(c.atime, c.etime, c.size)
		if len(b) != RecordLen {
			t.Fatalf("Encode returned %d bytes, want %d", len(b), RecordLen)
		}
		atime, etime, size, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if atime != c.atime || etime != c.etime || size != c.size {
			t.Fatalf("Decode(Encode(%v)) = %v,%v,%v", c, atime, etime, size)
		}
	}
}

func TestDecodeCorrupt(t *testing.T) {
	_, _, _, err := Decode([]byte{1, 2, 3})
	if !cacheerr.Is(err, cacheerr.Corrupt) {
		t.Fatalf("Decode short record err = %v; want Corrupt", err)
	}
}
