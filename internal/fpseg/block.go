package fpseg

import (
	"encoding/binary"
	"fmt"

	"github.com/acoustid/aindex/internal/vbyte"
)

// A block holds a fixed-postings-count run of the sorted stream: the
// first posting stored explicitly, the rest gap-encoded (§4.2).
//
// Layout:
//
//	postingCount: u32
//	firstHash:    u32
//	firstDocID:   u32
//	hashGapLen:   u32
//	hashGapBytes: [hashGapLen]byte   (EncodeRaw, Variant0124, count=postingCount-1)
//	docGapLen:    u32
//	docGapBytes:  [docGapLen]byte    (EncodeRaw, Variant0124, count=postingCount-1)
//
// Hash-gaps are always non-negative since Hash is non-decreasing across
// the whole stream. DocId-gaps reset to an absolute-from-zero value at
// the start of every new hash group (the previous posting's DocId is
// meaningless once Hash has advanced), so they too are plain
// non-negative magnitudes rather than a single monotonic cumulative
// sequence; both streams use Variant0124 because either kind of gap can
// legally be zero (a repeated hash, or a DocId of 0 opening a group).
func encodeBlock(postings []Posting) []byte {
	n := len(postings)
	if n == 0 {
		panic("fpseg: encodeBlock called with no postings")
	}

	hashGaps := make([]uint32, n-1)
	docGaps := make([]uint32, n-1)
	for i := 1; i < n; i++ {
		hashGaps[i-1] = postings[i].Hash - postings[i-1].Hash
		if postings[i].Hash == postings[i-1].Hash {
			docGaps[i-1] = postings[i].DocID - postings[i-1].DocID
		} else {
			docGaps[i-1] = postings[i].DocID
		}
	}

	hashBytes := vbyte.EncodeRaw(hashGaps, vbyte.Variant0124)
	docBytes := vbyte.EncodeRaw(docGaps, vbyte.Variant0124)

	out := make([]byte, 0, 12+4+len(hashBytes)+4+len(docBytes))
	var u32 [4]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(n))
	out = append(out, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], postings[0].Hash)
	out = append(out, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], postings[0].DocID)
	out = append(out, u32[:]...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(hashBytes)))
	out = append(out, u32[:]...)
	out = append(out, hashBytes...)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(docBytes)))
	out = append(out, u32[:]...)
	out = append(out, docBytes...)

	return out
}

// decodeBlock inverses encodeBlock, returning the postings it encoded
// and the number of bytes of buf it consumed.
func decodeBlock(buf []byte) ([]Posting, int, error) {
	if len(buf) < 12 {
		return nil, 0, fmt.Errorf("%w: block header truncated", ErrCorruptSegment)
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	firstHash := binary.LittleEndian.Uint32(buf[4:8])
	firstDocID := binary.LittleEndian.Uint32(buf[8:12])
	pos := 12

	if n == 0 {
		return nil, 0, fmt.Errorf("%w: empty block", ErrCorruptSegment)
	}

	postings := make([]Posting, n)
	postings[0] = Posting{Hash: firstHash, DocID: firstDocID}

	if pos+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: hash-gap length truncated", ErrCorruptSegment)
	}
	hashGapLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+hashGapLen > len(buf) {
		return nil, 0, fmt.Errorf("%w: hash-gap stream truncated", ErrCorruptSegment)
	}
	hashGaps, err := vbyte.DecodeRaw(buf[pos:pos+hashGapLen], n-1, vbyte.Variant0124)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: hash-gap decode: %v", ErrCorruptSegment, err)
	}
	pos += hashGapLen

	if pos+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: doc-gap length truncated", ErrCorruptSegment)
	}
	docGapLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+docGapLen > len(buf) {
		return nil, 0, fmt.Errorf("%w: doc-gap stream truncated", ErrCorruptSegment)
	}
	docGaps, err := vbyte.DecodeRaw(buf[pos:pos+docGapLen], n-1, vbyte.Variant0124)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: doc-gap decode: %v", ErrCorruptSegment, err)
	}
	pos += docGapLen

	prevHash, prevDocID := firstHash, firstDocID
	for i := 1; i < n; i++ {
		hash := prevHash + hashGaps[i-1]
		var docID uint32
		if hash == prevHash {
			docID = prevDocID + docGaps[i-1]
		} else {
			docID = docGaps[i-1]
		}
		postings[i] = Posting{Hash: hash, DocID: docID}
		prevHash, prevDocID = hash, docID
	}

	return postings, pos, nil
}
