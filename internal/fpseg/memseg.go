package fpseg

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// MemSegment is an immutable, RAM-backed segment with the same logical
// shape as a FileSegment (§4.3). It is produced by a Stage's Snapshot
// or Freeze; merge output is written straight to a FileSegment instead.
type MemSegment struct {
	postings     []Posting // sorted by (Hash, DocID)
	tombstones   *roaring.Bitmap
	attributes   Attributes
	versionRange VersionRange
	minDocID     uint32
	maxDocID     uint32
	numDocs      uint64
	docIDs       *roaring.Bitmap   // every DocID with a live posting, for Contains
	docVersions  map[uint32]uint64 // DocID -> version of its defining batch
}

// NewMemSegment builds a MemSegment from a postings buffer, sorting it
// by (Hash, DocID) if it is not sorted already. postings, tombstones,
// attributes and docVersions are taken by reference; callers must not
// mutate them afterwards. docVersions may be nil for every live DocID
// not present in it (VersionOf then reports false for that id).
func NewMemSegment(postings []Posting, tombstones *roaring.Bitmap, attributes Attributes, docVersions map[uint32]uint64, vr VersionRange) *MemSegment {
	if !sort.SliceIsSorted(postings, func(i, j int) bool { return less(postings[i], postings[j]) }) {
		sort.Slice(postings, func(i, j int) bool { return less(postings[i], postings[j]) })
	}

	if tombstones == nil {
		tombstones = roaring.New()
	}
	if attributes == nil {
		attributes = Attributes{}
	}
	if docVersions == nil {
		docVersions = map[uint32]uint64{}
	}

	docs := roaring.New()
	for _, p := range postings {
		docs.Add(p.DocID)
	}

	var minDoc, maxDoc uint32
	if !docs.IsEmpty() {
		minDoc = docs.Minimum()
		maxDoc = docs.Maximum()
	}

	return &MemSegment{
		postings:     postings,
		tombstones:   tombstones,
		attributes:   attributes,
		versionRange: vr,
		minDocID:     minDoc,
		maxDocID:     maxDoc,
		numDocs:      docs.GetCardinality(),
		docIDs:       docs,
		docVersions:  docVersions,
	}
}

func less(a, b Posting) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	return a.DocID < b.DocID
}

func (m *MemSegment) ScanFrom(hash uint32) (Scanner, error) {
	return newSliceScanner(m.postings, hash), nil
}

func (m *MemSegment) Contains(docID uint32) bool {
	return m.docIDs.Contains(docID)
}

func (m *MemSegment) DocIDs() *roaring.Bitmap { return m.docIDs }

// VersionOf returns the version of the batch that wrote docID's current
// live postings, if any.
func (m *MemSegment) VersionOf(docID uint32) (uint64, bool) {
	v, ok := m.docVersions[docID]
	return v, ok
}

// DocVersions exposes the DocID->version map for serialization to a
// FileSegment (WriteFileSegment).
func (m *MemSegment) DocVersions() map[uint32]uint64 { return m.docVersions }

func (m *MemSegment) Tombstones() *roaring.Bitmap { return m.tombstones }
func (m *MemSegment) Attributes() Attributes      { return m.attributes }
func (m *MemSegment) VersionRange() VersionRange  { return m.versionRange }
func (m *MemSegment) MinDocID() uint32            { return m.minDocID }
func (m *MemSegment) MaxDocID() uint32            { return m.maxDocID }
func (m *MemSegment) NumDocs() uint64             { return m.numDocs }
func (m *MemSegment) NumPostings() uint64         { return uint64(len(m.postings)) }
func (m *MemSegment) Close() error                { return nil }

// Postings exposes the sorted postings buffer for serialization to a
// FileSegment (WriteFileSegment) and for k-way merge participation.
func (m *MemSegment) Postings() []Posting { return m.postings }
