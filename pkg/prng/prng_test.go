package prng

import (
	"bytes"
	"io"
	"testing"
)

func TestDeterministic(t *testing.T) {
	a := make([]byte, 37)
	b := make([]byte, 37)
	if _, err := io.ReadFull(New(42), a); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(New(42), b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same seed, different bytes")
	}

	c := make([]byte, 37)
	io.ReadFull(New(43), c)
	if bytes.Equal(a, c) {
		t.Fatalf("different seeds, same bytes")
	}
}

func TestChunkingDoesNotMatter(t *testing.T) {
	whole := make([]byte, 24)
	io.ReadFull(New(7), whole)

	r := New(7)
	var got []byte
	for _, n := range []int{3, 1, 9, 11} {
		p := make([]byte, n)
		if _, err := r.Read(p); err != nil {
			t.Fatal(err)
		}
		got = append(got, p...)
	}
	if !bytes.Equal(whole, got) {
		t.Fatalf("chunked read differs:\n%x\n%x", whole, got)
	}
}
