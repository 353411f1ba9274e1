// Package vbyte implements the stream-vbyte style variable-length coding
// used to pack sorted posting gaps into a segment file (see segment file
// format, §4.2). A value sequence is split into a two-bit-per-value
// control stream that selects a byte-length class per value, and a data
// stream carrying the gap bytes back to back.
//
// Two length-class variants are supported. Variant0124 uses classes
// {0,1,2,4} bytes and is used wherever a gap of zero is legal (e.g. the
// Hash-gap and DocId-gap streams inside a block, where consecutive
// postings can share a hash). Variant1234 uses classes {1,2,3,4} and is
// used for strictly increasing id lists (tombstone lists, the per-doc
// version table's ids).
//
// The control/shuffle tables are mechanical functions of the variant
// alone; GenerateLengthTable and GenerateShuffleTable recompute them
// (mirroring the reference generator in the original implementation)
// rather than hand-copying literal byte tables.
package vbyte

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// PreferTableDecode reports whether the current CPU benefits from the
// lookup-table decode path used by DecodeRaw (it traces the same shuffle
// computation SSSE3's pshufb would do, just in scalar Go). On
// architectures without that instruction the table walk is still
// correct, only slower than a plain scalar gap-width decode would be;
// callers that maintain both a table and a scalar path can use this to
// choose. This package only implements the table path, so the result is
// informational today (recorded as a label by internal/metrics), not a
// branch.
func PreferTableDecode() bool {
	return cpuid.CPU.Supports(cpuid.SSSE3)
}

type Variant int

const (
	// Variant0124 packs values into {0,1,2,4}-byte classes. Use it when a
	// gap of zero is possible.
	Variant0124 Variant = iota
	// Variant1234 packs values into {1,2,3,4}-byte classes. Use it when
	// every gap is guaranteed to be >= 1.
	Variant1234
)

// classLengths gives, per two-bit control code (0..3), the number of
// bytes that code spends on a single value for the given variant.
func classLengths(v Variant) [4]int {
	switch v {
	case Variant0124:
		return [4]int{0, 1, 2, 4}
	case Variant1234:
		return [4]int{1, 2, 3, 4}
	default:
		panic(fmt.Sprintf("vbyte: unknown variant %d", v))
	}
}

// classFor returns the smallest control code able to hold gap under the
// given variant's length classes.
func classFor(v Variant, gap uint32) byte {
	lens := classLengths(v)
	for code := byte(0); code < 3; code++ {
		max := maxForLen(lens[code])
		if uint64(gap) <= max {
			return code
		}
	}
	return 3
}

func maxForLen(n int) uint64 {
	if n >= 4 {
		return 1<<32 - 1
	}
	return 1<<(uint(n)*8) - 1
}

// LengthTable is a 256-entry table giving, for each control byte (4
// packed two-bit codes), the total number of data bytes consumed by the
// 4 values it describes.
type LengthTable [256]uint8

// ShuffleTable is a 256-entry table giving, for each control byte, the
// fixed byte permutation used to expand the packed data bytes for 4
// values into 4 little-endian uint32 lanes (16 bytes). An entry of -1
// means the destination byte is zero-filled rather than copied from the
// input.
type ShuffleTable [256][16]int8

// GenerateLengthTable derives the length table for variant mechanically.
func GenerateLengthTable(variant Variant) LengthTable {
	lens := classLengths(variant)
	var table LengthTable
	for cb := 0; cb < 256; cb++ {
		total := 0
		for i := 0; i < 4; i++ {
			code := (cb >> (2 * uint(i))) & 0x3
			total += lens[code]
		}
		table[cb] = uint8(total)
	}
	return table
}

// GenerateShuffleTable derives the shuffle table for variant mechanically.
func GenerateShuffleTable(variant Variant) ShuffleTable {
	lens := classLengths(variant)
	var table ShuffleTable
	for cb := 0; cb < 256; cb++ {
		for lane := range table[cb] {
			table[cb][lane] = -1
		}
		inputPos := 0
		for i := 0; i < 4; i++ {
			code := (cb >> (2 * uint(i))) & 0x3
			n := lens[code]
			base := i * 4
			for b := 0; b < n; b++ {
				table[cb][base+b] = int8(inputPos)
				inputPos++
			}
		}
	}
	return table
}

var (
	lengthTable0124  = GenerateLengthTable(Variant0124)
	shuffleTable0124 = GenerateShuffleTable(Variant0124)
	lengthTable1234  = GenerateLengthTable(Variant1234)
	shuffleTable1234 = GenerateShuffleTable(Variant1234)
)

func tablesFor(variant Variant) (*LengthTable, *ShuffleTable) {
	switch variant {
	case Variant0124:
		return &lengthTable0124, &shuffleTable0124
	case Variant1234:
		return &lengthTable1234, &shuffleTable1234
	default:
		panic(fmt.Sprintf("vbyte: unknown variant %d", variant))
	}
}

// DecodePadding is the width of the 16-byte lane the table-driven
// expansion works on. DecodeRaw copies each group into a zero-filled
// lane-sized window, so it never reads past the end of its input and
// callers need not pad their buffers.
const DecodePadding = 16

// EncodeRaw packs magnitudes (already-computed gaps, no further delta
// applied) using the given variant's byte-length classes.
func EncodeRaw(magnitudes []uint32, variant Variant) []byte {
	n := len(magnitudes)
	controlLen := (n*2 + 7) / 8
	control := make([]byte, controlLen)
	data := make([]byte, 0, n*2)

	lens := classLengths(variant)
	for i, gap := range magnitudes {
		code := classFor(variant, gap)
		control[i/4] |= code << uint((i%4)*2)

		length := lens[code]
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], gap)
		data = append(data, buf[:length]...)
	}

	out := make([]byte, 0, len(control)+len(data))
	out = append(out, control...)
	out = append(out, data...)
	return out
}

// DecodeRaw inverses EncodeRaw, reading exactly count magnitudes out of
// encoded (control stream followed by data stream).
func DecodeRaw(encoded []byte, count int, variant Variant) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}

	controlLen := (count*2 + 7) / 8
	if len(encoded) < controlLen {
		return nil, fmt.Errorf("vbyte: control stream shorter than implied by count")
	}
	control := encoded[:controlLen]
	data := encoded[controlLen:]

	lengthTable, shuffleTable := tablesFor(variant)

	out := make([]uint32, count)
	dataPos := 0

	remaining := count
	for g := 0; remaining > 0; g++ {
		cb := control[g]
		groupLen := int(lengthTable[cb])
		if dataPos+groupLen > len(data) {
			return nil, fmt.Errorf("vbyte: data stream shorter than control stream implies")
		}

		// The table-driven expansion logically reads a full 16-byte
		// lane regardless of how many bytes this group actually uses;
		// copy what's available and zero-fill the rest rather than
		// reading past the slice when the caller didn't pad.
		readable := data[dataPos:]
		var window [16]byte
		copy(window[:], readable)

		shuffle := shuffleTable[cb]
		var lane [16]byte
		for i, srcIdx := range shuffle {
			if srcIdx >= 0 {
				lane[i] = window[srcIdx]
			}
		}

		valuesInGroup := 4
		if remaining < 4 {
			valuesInGroup = remaining
		}
		for i := 0; i < valuesInGroup; i++ {
			out[g*4+i] = binary.LittleEndian.Uint32(lane[i*4 : i*4+4])
		}

		dataPos += groupLen
		remaining -= valuesInGroup
	}

	return out, nil
}

// Encode packs values (sorted ascending) as delta-gaps using the given
// variant: values[0] is stored as-is, values[i] (i>0) as values[i] -
// values[i-1]. For Variant1234, every such gap must be >= 1, i.e. values
// must be strictly increasing; this is the caller's responsibility.
func Encode(values []uint32, variant Variant) []byte {
	gaps := make([]uint32, len(values))
	var prev uint32
	for i, v := range values {
		if i == 0 {
			gaps[i] = v
		} else {
			gaps[i] = v - prev
		}
		prev = v
	}
	return EncodeRaw(gaps, variant)
}

// Decode inverses Encode, reconstructing the sorted ascending sequence
// by cumulatively summing the decoded gaps.
func Decode(encoded []byte, count int, variant Variant) ([]uint32, error) {
	gaps, err := DecodeRaw(encoded, count, variant)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	var prev uint32
	for i, gap := range gaps {
		if i == 0 {
			out[i] = gap
		} else {
			out[i] = prev + gap
		}
		prev = out[i]
	}
	return out, nil
}
