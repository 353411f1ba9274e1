package fpseg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
)

func setupTempSegDir(tb testing.TB) string {
	dir, err := os.MkdirTemp("", "fpseg_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}
	tb.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	postings := []Posting{
		{Hash: 10, DocID: 1},
		{Hash: 10, DocID: 5},
		{Hash: 10, DocID: 200},
		{Hash: 11, DocID: 0},
		{Hash: 11, DocID: 3},
		{Hash: 50, DocID: 7},
	}

	encoded := encodeBlock(postings)
	got, n, err := decodeBlock(encoded)
	if err != nil {
		t.Fatalf("decodeBlock failed: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("decodeBlock consumed %d bytes, want %d", n, len(encoded))
	}
	if len(got) != len(postings) {
		t.Fatalf("decodeBlock returned %d postings, want %d", len(got), len(postings))
	}
	for i, p := range postings {
		if got[i] != p {
			t.Fatalf("posting %d: got %+v, want %+v", i, got[i], p)
		}
	}
}

func TestEncodeDecodeBlockSinglePosting(t *testing.T) {
	postings := []Posting{{Hash: 42, DocID: 7}}
	encoded := encodeBlock(postings)
	got, n, err := decodeBlock(encoded)
	if err != nil {
		t.Fatalf("decodeBlock failed: %v", err)
	}
	if n != len(encoded) || len(got) != 1 || got[0] != postings[0] {
		t.Fatalf("decodeBlock round trip failed for single posting: got %+v, n=%d", got, n)
	}
}

func TestDecodeBlockRejectsTruncatedInput(t *testing.T) {
	postings := []Posting{
		{Hash: 1, DocID: 1},
		{Hash: 2, DocID: 2},
		{Hash: 3, DocID: 3},
	}
	encoded := encodeBlock(postings)
	if _, _, err := decodeBlock(encoded[:len(encoded)-1]); err == nil {
		t.Fatal("decodeBlock on truncated input succeeded, want error")
	}
}

func TestMemSegmentBasics(t *testing.T) {
	postings := []Posting{
		{Hash: 5, DocID: 2},
		{Hash: 1, DocID: 1},
		{Hash: 5, DocID: 1},
		{Hash: 9, DocID: 3},
	}
	tombstones := roaring.New()
	tombstones.Add(99)
	attrs := Attributes{"k": 7}
	docVersions := map[uint32]uint64{1: 3, 2: 5, 3: 9}

	seg := NewMemSegment(postings, tombstones, attrs, docVersions, VersionRange{First: 0, Last: 9})

	if seg.MinDocID() != 1 || seg.MaxDocID() != 3 {
		t.Fatalf("MinDocID/MaxDocID = %d/%d, want 1/3", seg.MinDocID(), seg.MaxDocID())
	}
	if seg.NumDocs() != 3 {
		t.Fatalf("NumDocs = %d, want 3", seg.NumDocs())
	}
	if seg.NumPostings() != 4 {
		t.Fatalf("NumPostings = %d, want 4", seg.NumPostings())
	}
	if !seg.Contains(2) || seg.Contains(42) {
		t.Fatal("Contains gave wrong result")
	}
	if v, ok := seg.VersionOf(2); !ok || v != 5 {
		t.Fatalf("VersionOf(2) = %d,%v, want 5,true", v, ok)
	}
	if !seg.Tombstones().Contains(99) {
		t.Fatal("Tombstones() missing expected DocId")
	}
	if seg.Attributes()["k"] != 7 {
		t.Fatalf("Attributes()[k] = %d, want 7", seg.Attributes()["k"])
	}

	sc, err := seg.ScanFrom(5)
	if err != nil {
		t.Fatalf("ScanFrom failed: %v", err)
	}
	var scanned []Posting
	for sc.Next() {
		scanned = append(scanned, sc.Posting())
	}
	want := []Posting{{Hash: 5, DocID: 1}, {Hash: 5, DocID: 2}, {Hash: 9, DocID: 3}}
	if len(scanned) != len(want) {
		t.Fatalf("ScanFrom(5) returned %d postings, want %d", len(scanned), len(want))
	}
	for i, p := range want {
		if scanned[i] != p {
			t.Fatalf("ScanFrom(5)[%d] = %+v, want %+v", i, scanned[i], p)
		}
	}
}

// buildPostings returns n postings spread across a hash universe, sorted
// by (Hash, DocID), so WriteFileSegment's precondition holds and multiple
// blocks get exercised when blockSize is small.
func buildPostings(n int) []Posting {
	postings := make([]Posting, 0, n)
	for i := 0; i < n; i++ {
		postings = append(postings, Posting{Hash: uint32(i / 3), DocID: uint32(i)})
	}
	return postings
}

func TestFileSegmentWriteOpenScanRoundTrip(t *testing.T) {
	dir := setupTempSegDir(t)
	path := filepath.Join(dir, "seg-1.seg")

	postings := buildPostings(30) // 10 distinct hashes, 3 docs each
	tombstones := roaring.New()
	tombstones.Add(5)
	attrs := Attributes{"lang": 2, "source": 1}
	docVersions := make(map[uint32]uint64, len(postings))
	for i, p := range postings {
		docVersions[p.DocID] = uint64(i + 1)
	}
	vr := VersionRange{First: 0, Last: 30}

	// Small block size forces several blocks so the block index and
	// cross-block ScanFrom/Contains/DocIDs paths all get exercised.
	if err := WriteFileSegment(path, postings, tombstones, attrs, docVersions, vr, 4); err != nil {
		t.Fatalf("WriteFileSegment failed: %v", err)
	}

	seg, err := OpenFileSegment(path)
	if err != nil {
		t.Fatalf("OpenFileSegment failed: %v", err)
	}
	defer seg.Close()

	if seg.VersionRange() != vr {
		t.Fatalf("VersionRange = %+v, want %+v", seg.VersionRange(), vr)
	}
	if seg.NumPostings() != uint64(len(postings)) {
		t.Fatalf("NumPostings = %d, want %d", seg.NumPostings(), len(postings))
	}
	if seg.NumDocs() != uint64(len(postings)) {
		t.Fatalf("NumDocs = %d, want %d", seg.NumDocs(), len(postings))
	}
	if !seg.Tombstones().Contains(5) {
		t.Fatal("Tombstones() missing DocId 5")
	}
	if seg.Attributes()["lang"] != 2 {
		t.Fatalf(`Attributes()["lang"] = %d, want 2`, seg.Attributes()["lang"])
	}
	if v, ok := seg.VersionOf(10); !ok || v != docVersions[10] {
		t.Fatalf("VersionOf(10) = %d,%v, want %d,true", v, ok, docVersions[10])
	}

	sc, err := seg.ScanFrom(3)
	if err != nil {
		t.Fatalf("ScanFrom failed: %v", err)
	}
	var scanned []Posting
	for sc.Next() {
		if sc.Posting().Hash != 3 {
			break
		}
		scanned = append(scanned, sc.Posting())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	var want []Posting
	for _, p := range postings {
		if p.Hash == 3 {
			want = append(want, p)
		}
	}
	if len(scanned) != len(want) {
		t.Fatalf("ScanFrom(3) returned %d postings, want %d", len(scanned), len(want))
	}
	for i, p := range want {
		if scanned[i] != p {
			t.Fatalf("ScanFrom(3)[%d] = %+v, want %+v", i, scanned[i], p)
		}
	}

	if !seg.Contains(postings[0].DocID) {
		t.Fatal("Contains gave false negative for a live DocId")
	}
	if seg.Contains(999999) {
		t.Fatal("Contains gave false positive for an absent DocId")
	}

	docIDs := seg.DocIDs()
	if docIDs.GetCardinality() != uint64(len(postings)) {
		t.Fatalf("DocIDs() cardinality = %d, want %d", docIDs.GetCardinality(), len(postings))
	}
}

func TestFileSegmentEmpty(t *testing.T) {
	dir := setupTempSegDir(t)
	path := filepath.Join(dir, "empty.seg")

	if err := WriteFileSegment(path, nil, nil, nil, nil, VersionRange{First: 0, Last: 0}, 0); err != nil {
		t.Fatalf("WriteFileSegment (empty) failed: %v", err)
	}

	seg, err := OpenFileSegment(path)
	if err != nil {
		t.Fatalf("OpenFileSegment (empty) failed: %v", err)
	}
	defer seg.Close()

	if seg.NumPostings() != 0 || seg.NumDocs() != 0 {
		t.Fatalf("empty segment has NumPostings=%d NumDocs=%d, want 0/0", seg.NumPostings(), seg.NumDocs())
	}
	sc, err := seg.ScanFrom(0)
	if err != nil {
		t.Fatalf("ScanFrom on empty segment failed: %v", err)
	}
	if sc.Next() {
		t.Fatal("ScanFrom on empty segment yielded a posting")
	}
}

func TestOpenFileSegmentRejectsCorruptHeader(t *testing.T) {
	dir := setupTempSegDir(t)
	path := filepath.Join(dir, "bad.seg")

	postings := buildPostings(6)
	if err := WriteFileSegment(path, postings, nil, nil, nil, VersionRange{First: 0, Last: 1}, 4); err != nil {
		t.Fatalf("WriteFileSegment failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[0] ^= 0xff // corrupt the magic
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := OpenFileSegment(path); err == nil {
		t.Fatal("OpenFileSegment with corrupted magic succeeded, want error")
	}
}

func TestOpenFileSegmentRejectsBodyChecksumMismatch(t *testing.T) {
	dir := setupTempSegDir(t)
	path := filepath.Join(dir, "bad-body.seg")

	postings := buildPostings(12)
	if err := WriteFileSegment(path, postings, nil, nil, nil, VersionRange{First: 0, Last: 1}, 4); err != nil {
		t.Fatalf("WriteFileSegment failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Flip a byte in the page padding just past the header (before the
	// first block), leaving the header checksum valid but the whole-file
	// footer checksum wrong.
	data[headerSize+8] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := OpenFileSegment(path); err == nil {
		t.Fatal("OpenFileSegment with corrupted body succeeded, want error")
	}
}
