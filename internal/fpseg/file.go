package fpseg

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/acoustid/aindex/internal/vbyte"
)

const (
	fileMagic     = "IDX1"
	formatVersion = uint32(1)
	pageSize      = 4096

	// headerSize is the fixed on-disk size of the header described below.
	headerSize = 4 + 4 + 8 + 8 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 4
	footerSize = 4 + 8 + 4

	// DefaultBlockSize is the default number of postings packed into a
	// single block (§4.2).
	DefaultBlockSize = 1024
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type blockIndexEntry struct {
	firstHash  uint32
	fileOffset uint64
}

// FileSegment is the immutable, on-disk segment described in §4.2. It is
// opened read-only; scans are served via ReadAt against the open file
// handle without holding it exclusively, matching the teacher's
// ReadAt-based record access.
type FileSegment struct {
	file *os.File

	formatVersion uint32
	versionRange  VersionRange
	minDocID      uint32
	maxDocID      uint32
	numDocs       uint64
	numPostings   uint64
	blockSize     uint32

	blockIndex  []blockIndexEntry
	tombstones  *roaring.Bitmap
	attributes  Attributes
	docVersions map[uint32]uint64
	checksum    uint32

	docIDsOnce  sync.Once
	docIDsCache *roaring.Bitmap
}

// WriteFileSegment serializes postings (must already be sorted by
// (Hash, DocID)), tombstones, attributes and the per-DocId version of
// each live posting's defining batch to path as a new segment file,
// fsyncing before it returns. blockSize <= 0 selects DefaultBlockSize.
func WriteFileSegment(path string, postings []Posting, tombstones *roaring.Bitmap, attributes Attributes, docVersions map[uint32]uint64, vr VersionRange, blockSize int) (err error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
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

	var minDoc, maxDoc uint32
	docs := roaring.New()
	for _, p := range postings {
		docs.Add(p.DocID)
	}
	if !docs.IsEmpty() {
		minDoc, maxDoc = docs.Minimum(), docs.Maximum()
	}

	buf := make([]byte, headerSize)
	padTo(&buf, pageSize)

	var index []blockIndexEntry
	for i := 0; i < len(postings); i += blockSize {
		end := i + blockSize
		if end > len(postings) {
			end = len(postings)
		}
		index = append(index, blockIndexEntry{firstHash: postings[i].Hash, fileOffset: uint64(len(buf))})
		buf = append(buf, encodeBlock(postings[i:end])...)
		padTo(&buf, pageSize)
	}

	blockIndexOffset := uint64(len(buf))
	buf = appendBlockIndex(buf, index)

	tombstoneOffset := uint64(len(buf))
	buf = appendTombstones(buf, tombstones)

	docVersionOffset := uint64(len(buf))
	buf = appendDocVersions(buf, docVersions)

	attributeOffset := uint64(len(buf))
	buf = appendAttributes(buf, attributes)

	header := encodeHeader(headerFields{
		formatVersion:     formatVersion,
		versionRange:      vr,
		minDocID:          minDoc,
		maxDocID:          maxDoc,
		numDocs:           docs.GetCardinality(),
		numPostings:       uint64(len(postings)),
		blockSize:         uint32(blockSize),
		blockIndexOffset:  blockIndexOffset,
		tombstoneOffset:   tombstoneOffset,
		docVersionOffset:  docVersionOffset,
		attributeOffset:   attributeOffset,
	})
	copy(buf[:headerSize], header)

	footerOffset := len(buf)
	checksum := crc32.Checksum(buf[:footerOffset], crc32cTable)
	buf = append(buf, encodeFooter(checksum)...)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fpseg: create segment %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = f.Write(buf); err != nil {
		return fmt.Errorf("fpseg: write segment %q: %w", path, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fpseg: sync segment %q: %w", path, err)
	}
	return nil
}

func padTo(buf *[]byte, align int) {
	n := len(*buf)
	rem := n % align
	if rem == 0 {
		return
	}
	*buf = append(*buf, make([]byte, align-rem)...)
}

type headerFields struct {
	formatVersion    uint32
	versionRange     VersionRange
	minDocID         uint32
	maxDocID         uint32
	numDocs          uint64
	numPostings      uint64
	blockSize        uint32
	blockIndexOffset uint64
	tombstoneOffset  uint64
	docVersionOffset uint64
	attributeOffset  uint64
}

func encodeHeader(h headerFields) []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, fileMagic...)

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], h.formatVersion)
	buf = append(buf, u32[:]...)

	binary.LittleEndian.PutUint64(u64[:], h.versionRange.First)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.versionRange.Last)
	buf = append(buf, u64[:]...)

	binary.LittleEndian.PutUint32(u32[:], h.minDocID)
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], h.maxDocID)
	buf = append(buf, u32[:]...)

	binary.LittleEndian.PutUint64(u64[:], h.numDocs)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.numPostings)
	buf = append(buf, u64[:]...)

	binary.LittleEndian.PutUint32(u32[:], h.blockSize)
	buf = append(buf, u32[:]...)

	binary.LittleEndian.PutUint64(u64[:], h.blockIndexOffset)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.tombstoneOffset)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.docVersionOffset)
	buf = append(buf, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], h.attributeOffset)
	buf = append(buf, u64[:]...)

	crc := crc32.Checksum(buf, crc32cTable)
	binary.LittleEndian.PutUint32(u32[:], crc)
	buf = append(buf, u32[:]...)

	if len(buf) != headerSize {
		panic(fmt.Sprintf("fpseg: header encode produced %d bytes, want %d", len(buf), headerSize))
	}
	return buf
}

func decodeHeader(buf []byte) (headerFields, error) {
	if len(buf) < headerSize {
		return headerFields{}, fmt.Errorf("%w: header truncated", ErrCorruptSegment)
	}
	if string(buf[0:4]) != fileMagic {
		return headerFields{}, fmt.Errorf("%w: bad magic", ErrCorruptSegment)
	}

	crc := crc32.Checksum(buf[:headerSize-4], crc32cTable)
	if binary.LittleEndian.Uint32(buf[headerSize-4:headerSize]) != crc {
		return headerFields{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptSegment)
	}

	sb := buf[4:]
	h := headerFields{}
	h.formatVersion = binary.LittleEndian.Uint32(sb)
	sb = sb[4:]
	h.versionRange.First = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.versionRange.Last = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.minDocID = binary.LittleEndian.Uint32(sb)
	sb = sb[4:]
	h.maxDocID = binary.LittleEndian.Uint32(sb)
	sb = sb[4:]
	h.numDocs = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.numPostings = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.blockSize = binary.LittleEndian.Uint32(sb)
	sb = sb[4:]
	h.blockIndexOffset = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.tombstoneOffset = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.docVersionOffset = binary.LittleEndian.Uint64(sb)
	sb = sb[8:]
	h.attributeOffset = binary.LittleEndian.Uint64(sb)

	return h, nil
}

func encodeFooter(checksum uint32) []byte {
	buf := make([]byte, 0, footerSize)
	buf = append(buf, fileMagic...)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], 0) // header is always at offset 0
	buf = append(buf, u64[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], checksum)
	buf = append(buf, u32[:]...)
	return buf
}

func appendBlockIndex(buf []byte, index []blockIndexEntry) []byte {
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(index)))
	buf = append(buf, u32[:]...)
	for _, e := range index {
		binary.LittleEndian.PutUint32(u32[:], e.firstHash)
		buf = append(buf, u32[:]...)
		var u64 [8]byte
		binary.LittleEndian.PutUint64(u64[:], e.fileOffset)
		buf = append(buf, u64[:]...)
	}
	return buf
}

func appendTombstones(buf []byte, tombstones *roaring.Bitmap) []byte {
	ids := tombstones.ToArray()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	encoded := vbyte.Encode(ids, vbyte.Variant1234)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(ids)))
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(encoded)))
	buf = append(buf, u32[:]...)
	return append(buf, encoded...)
}

// appendDocVersions writes the per-DocId "last writing batch" version
// table: a sorted, vbyte-encoded DocId list (ids are unique so strictly
// increasing once sorted) followed by a parallel flat array of raw
// 8-byte LE version values, since versions are not monotonic per doc.
func appendDocVersions(buf []byte, docVersions map[uint32]uint64) []byte {
	ids := make([]uint32, 0, len(docVersions))
	for id := range docVersions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	encoded := vbyte.Encode(ids, vbyte.Variant1234)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(ids)))
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(encoded)))
	buf = append(buf, u32[:]...)
	buf = append(buf, encoded...)

	var u64 [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(u64[:], docVersions[id])
		buf = append(buf, u64[:]...)
	}
	return buf
}

func appendAttributes(buf []byte, attrs Attributes) []byte {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(names)))
	buf = append(buf, u32[:]...)
	for _, name := range names {
		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(name)))
		buf = append(buf, u16[:]...)
		buf = append(buf, name...)
		var u64 [8]byte
		binary.LittleEndian.PutUint64(u64[:], uint64(attrs[name]))
		buf = append(buf, u64[:]...)
	}
	return buf
}

// OpenFileSegment opens and validates a segment file: magic, header
// checksum and footer checksum must all match (§4.11 open validation).
// The block index, tombstones and attributes are fully loaded into
// memory; block postings are decoded on demand during scans.
func OpenFileSegment(path string) (fs *FileSegment, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fpseg: open segment %q: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("fpseg: stat segment %q: %w", path, err)
	}
	size := info.Size()
	if size < headerSize+footerSize {
		return nil, fmt.Errorf("%w: segment %q too small", ErrCorruptSegment, path)
	}

	headerBuf := make([]byte, headerSize)
	if _, err = f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("fpseg: read header %q: %w", path, err)
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}

	footerBuf := make([]byte, footerSize)
	if _, err = f.ReadAt(footerBuf, size-footerSize); err != nil {
		return nil, fmt.Errorf("fpseg: read footer %q: %w", path, err)
	}
	if string(footerBuf[0:4]) != fileMagic {
		return nil, fmt.Errorf("%w: segment %q bad footer magic", ErrCorruptSegment, path)
	}
	wantChecksum := binary.LittleEndian.Uint32(footerBuf[12:16])

	body := make([]byte, size-footerSize)
	if _, err = f.ReadAt(body, 0); err != nil {
		return nil, fmt.Errorf("fpseg: read body %q: %w", path, err)
	}
	if crc32.Checksum(body, crc32cTable) != wantChecksum {
		return nil, fmt.Errorf("%w: segment %q whole-file checksum mismatch", ErrCorruptSegment, path)
	}

	index, err := parseBlockIndex(body, h.blockIndexOffset, h.tombstoneOffset)
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}
	tombstones, err := parseTombstones(body, h.tombstoneOffset, h.docVersionOffset)
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}
	docVersions, err := parseDocVersions(body, h.docVersionOffset, h.attributeOffset)
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}
	attrs, err := parseAttributes(body, h.attributeOffset)
	if err != nil {
		return nil, fmt.Errorf("segment %q: %w", path, err)
	}

	return &FileSegment{
		file:          f,
		formatVersion: h.formatVersion,
		versionRange:  h.versionRange,
		minDocID:      h.minDocID,
		maxDocID:      h.maxDocID,
		numDocs:       h.numDocs,
		numPostings:   h.numPostings,
		blockSize:     h.blockSize,
		blockIndex:    index,
		tombstones:    tombstones,
		attributes:    attrs,
		docVersions:   docVersions,
		checksum:      wantChecksum,
	}, nil
}

func parseBlockIndex(body []byte, offset, end uint64) ([]blockIndexEntry, error) {
	if offset+4 > end {
		return nil, fmt.Errorf("%w: block index offset out of range", ErrCorruptSegment)
	}
	n := binary.LittleEndian.Uint32(body[offset : offset+4])
	pos := offset + 4
	index := make([]blockIndexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if pos+12 > end {
			return nil, fmt.Errorf("%w: block index entry truncated", ErrCorruptSegment)
		}
		firstHash := binary.LittleEndian.Uint32(body[pos : pos+4])
		fileOffset := binary.LittleEndian.Uint64(body[pos+4 : pos+12])
		index = append(index, blockIndexEntry{firstHash: firstHash, fileOffset: fileOffset})
		pos += 12
	}
	return index, nil
}

func parseTombstones(body []byte, offset, end uint64) (*roaring.Bitmap, error) {
	if offset+8 > end {
		return nil, fmt.Errorf("%w: tombstone offset out of range", ErrCorruptSegment)
	}
	count := binary.LittleEndian.Uint32(body[offset : offset+4])
	encLen := binary.LittleEndian.Uint32(body[offset+4 : offset+8])
	start := offset + 8
	if start+uint64(encLen) > end {
		return nil, fmt.Errorf("%w: tombstone stream truncated", ErrCorruptSegment)
	}
	ids, err := vbyte.Decode(body[start:start+uint64(encLen)], int(count), vbyte.Variant1234)
	if err != nil {
		return nil, fmt.Errorf("%w: tombstone decode: %v", ErrCorruptSegment, err)
	}
	bm := roaring.New()
	bm.AddMany(ids)
	return bm, nil
}

func parseDocVersions(body []byte, offset, end uint64) (map[uint32]uint64, error) {
	if offset+8 > end {
		return nil, fmt.Errorf("%w: doc version offset out of range", ErrCorruptSegment)
	}
	count := binary.LittleEndian.Uint32(body[offset : offset+4])
	encLen := binary.LittleEndian.Uint32(body[offset+4 : offset+8])
	start := offset + 8
	if start+uint64(encLen) > end {
		return nil, fmt.Errorf("%w: doc version id stream truncated", ErrCorruptSegment)
	}
	ids, err := vbyte.Decode(body[start:start+uint64(encLen)], int(count), vbyte.Variant1234)
	if err != nil {
		return nil, fmt.Errorf("%w: doc version id decode: %v", ErrCorruptSegment, err)
	}
	valuesStart := start + uint64(encLen)
	valuesEnd := valuesStart + uint64(count)*8
	if valuesEnd > end {
		return nil, fmt.Errorf("%w: doc version values truncated", ErrCorruptSegment)
	}
	out := make(map[uint32]uint64, count)
	for i, id := range ids {
		pos := valuesStart + uint64(i)*8
		out[id] = binary.LittleEndian.Uint64(body[pos : pos+8])
	}
	return out, nil
}

func parseAttributes(body []byte, offset uint64) (Attributes, error) {
	if offset+4 > uint64(len(body)) {
		return nil, fmt.Errorf("%w: attribute offset out of range", ErrCorruptSegment)
	}
	n := binary.LittleEndian.Uint32(body[offset : offset+4])
	pos := offset + 4
	attrs := make(Attributes, n)
	for i := uint32(0); i < n; i++ {
		if pos+2 > uint64(len(body)) {
			return nil, fmt.Errorf("%w: attribute name length truncated", ErrCorruptSegment)
		}
		nameLen := binary.LittleEndian.Uint16(body[pos : pos+2])
		pos += 2
		if pos+uint64(nameLen)+8 > uint64(len(body)) {
			return nil, fmt.Errorf("%w: attribute entry truncated", ErrCorruptSegment)
		}
		name := string(body[pos : pos+uint64(nameLen)])
		pos += uint64(nameLen)
		value := int64(binary.LittleEndian.Uint64(body[pos : pos+8]))
		pos += 8
		attrs[name] = value
	}
	return attrs, nil
}

func (s *FileSegment) blockAt(i int) ([]Posting, error) {
	entry := s.blockIndex[i]
	var end uint64
	if i+1 < len(s.blockIndex) {
		end = s.blockIndex[i+1].fileOffset
	} else {
		end = entry.fileOffset + 20 + uint64(s.blockSize)*12 // generous upper bound
	}
	info, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	if end > uint64(info.Size()) {
		end = uint64(info.Size())
	}
	buf := make([]byte, end-entry.fileOffset)
	if _, err := s.file.ReadAt(buf, int64(entry.fileOffset)); err != nil {
		return nil, fmt.Errorf("fpseg: read block %d: %w", i, err)
	}
	postings, _, err := decodeBlock(buf)
	if err != nil {
		return nil, err
	}
	return postings, nil
}

func (s *FileSegment) ScanFrom(hash uint32) (Scanner, error) {
	if len(s.blockIndex) == 0 {
		return &fileScanner{}, nil
	}
	lo, hi := 0, len(s.blockIndex)-1
	start := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if s.blockIndex[mid].firstHash <= hash {
			start = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	// A run of postings for one hash can straddle a block boundary, so
	// step back over blocks that begin exactly at hash: the run may start
	// at the tail of the block before them.
	for start > 0 && s.blockIndex[start].firstHash == hash {
		start--
	}

	return &fileScanner{seg: s, blockIdx: start, hash: hash, first: true}, nil
}

// fileScanner decodes blocks lazily as it is advanced, so that a query
// touching only a few hashes never pays for decoding the whole segment.
type fileScanner struct {
	seg      *FileSegment
	blockIdx int
	postings []Posting
	pos      int
	hash     uint32
	first    bool
	cur      Posting
	err      error
}

func (sc *fileScanner) Next() bool {
	if sc.err != nil || sc.seg == nil {
		return false
	}
	for {
		if sc.pos < len(sc.postings) {
			sc.cur = sc.postings[sc.pos]
			sc.pos++
			return true
		}
		if sc.blockIdx >= len(sc.seg.blockIndex) {
			return false
		}
		postings, err := sc.seg.blockAt(sc.blockIdx)
		if err != nil {
			sc.err = err
			return false
		}
		sc.blockIdx++
		if sc.first {
			lo, hi := 0, len(postings)
			for lo < hi {
				mid := (lo + hi) / 2
				if postings[mid].Hash < sc.hash {
					lo = mid + 1
				} else {
					hi = mid
				}
			}
			postings = postings[lo:]
			sc.first = false
		}
		sc.postings = postings
		sc.pos = 0
	}
}

func (sc *fileScanner) Posting() Posting { return sc.cur }
func (sc *fileScanner) Err() error       { return sc.err }

func (s *FileSegment) Contains(docID uint32) bool {
	if docID < s.minDocID || docID > s.maxDocID {
		return false
	}
	for i := range s.blockIndex {
		postings, err := s.blockAt(i)
		if err != nil {
			return false
		}
		for _, p := range postings {
			if p.DocID == docID {
				return true
			}
		}
	}
	return false
}

// DocIDs returns every DocId with a live posting, computed by scanning
// all blocks once and cached for the lifetime of the FileSegment (it is
// immutable, so the cache never goes stale).
func (s *FileSegment) DocIDs() *roaring.Bitmap {
	s.docIDsOnce.Do(func() {
		bm := roaring.New()
		for i := range s.blockIndex {
			postings, err := s.blockAt(i)
			if err != nil {
				continue
			}
			for _, p := range postings {
				bm.Add(p.DocID)
			}
		}
		s.docIDsCache = bm
	})
	return s.docIDsCache
}

// VersionOf returns the version of the batch that wrote docID's live
// postings at segment-write time, if any.
func (s *FileSegment) VersionOf(docID uint32) (uint64, bool) {
	v, ok := s.docVersions[docID]
	return v, ok
}

func (s *FileSegment) Tombstones() *roaring.Bitmap { return s.tombstones }
func (s *FileSegment) Attributes() Attributes      { return s.attributes }
func (s *FileSegment) VersionRange() VersionRange  { return s.versionRange }
func (s *FileSegment) MinDocID() uint32            { return s.minDocID }
func (s *FileSegment) MaxDocID() uint32            { return s.maxDocID }
func (s *FileSegment) NumDocs() uint64             { return s.numDocs }
func (s *FileSegment) NumPostings() uint64         { return s.numPostings }
func (s *FileSegment) Close() error                { return s.file.Close() }

// Checksum returns the whole-file CRC32C recorded in the footer and
// verified at open time, for the manifest descriptor's Checksum field
// (spec §4.7).
func (s *FileSegment) Checksum() uint32 { return s.checksum }

// Path returns the backing file's name, used by the segment set to
// unlink files once their refcount drops to zero.
func (s *FileSegment) Path() string { return s.file.Name() }
