// Package prng provides a seeded io.Reader for reproducible fake data.
package prng

import (
	"encoding/binary"
	"io"
	"math/rand"
)

// Reader is a deterministic io.Reader backed by a math/rand RNG.
type Reader struct {
	r    *rand.Rand
	buf  [8]byte
	left int
}

// New returns a reader whose byte stream depends only on seed.
func New(seed int64) io.Reader {
	return &Reader{r: rand.New(rand.NewSource(seed))}
}

// Read fills p. Bytes of a drawn word that do not fit are kept for the
// next call, so the stream is the same however it is chunked.
func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.left == 0 {
			binary.LittleEndian.PutUint64(r.buf[:], r.r.Uint64())
			r.left = len(r.buf)
		}
		c := copy(p[n:], r.buf[len(r.buf)-r.left:])
		r.left -= c
		n += c
	}
	return n, nil
}
