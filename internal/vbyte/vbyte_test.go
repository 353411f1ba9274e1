package vbyte

import (
	"math/rand"
	"testing"
)

func sortedUnique(n int, max uint32) []uint32 {
	seen := make(map[uint32]bool, n)
	var out []uint32
	for len(out) < n {
		v := uint32(rand.Intn(int(max)))
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	// simple insertion sort; n is small in tests
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func TestRoundTripVariant0124(t *testing.T) {
	values := []uint32{0, 0, 1, 5, 5, 300, 70000, 70000, 4294967295}
	enc := Encode(values, Variant0124)
	got, err := Decode(enc, len(values), Variant0124)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("index %d: got %d want %d", i, got[i], values[i])
		}
	}
}

func TestRoundTripVariant1234(t *testing.T) {
	values := sortedUnique(500, 1<<20)
	enc := Encode(values, Variant1234)
	got, err := Decode(enc, len(values), Variant1234)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("index %d: got %d want %d", i, got[i], values[i])
		}
	}
}

func TestRoundTripEmpty(t *testing.T) {
	enc := Encode(nil, Variant0124)
	got, err := Decode(enc, 0, Variant0124)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestDecodeCorruptShortData(t *testing.T) {
	values := []uint32{1, 2, 1000000}
	enc := Encode(values, Variant1234)
	truncated := enc[:len(enc)-2]
	if _, err := Decode(truncated, len(values), Variant1234); err == nil {
		t.Fatalf("expected error on truncated data stream")
	}
}

func TestRoundTripRaw(t *testing.T) {
	magnitudes := []uint32{0, 17, 0, 4294967295, 256, 65535, 65536}
	enc := EncodeRaw(magnitudes, Variant0124)
	got, err := DecodeRaw(enc, len(magnitudes), Variant0124)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range magnitudes {
		if got[i] != magnitudes[i] {
			t.Fatalf("index %d: got %d want %d", i, got[i], magnitudes[i])
		}
	}
}

func TestLengthTableMatchesClassLengths(t *testing.T) {
	for _, variant := range []Variant{Variant0124, Variant1234} {
		table := GenerateLengthTable(variant)
		lens := classLengths(variant)
		// control byte 0 means all 4 values use code 0
		want := uint8(lens[0] * 4)
		if table[0] != want {
			t.Fatalf("variant %d: table[0]=%d want %d", variant, table[0], want)
		}
	}
}
