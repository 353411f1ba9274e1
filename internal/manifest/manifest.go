// Package manifest implements the manifest format and publish protocol
// of spec §4.7: a msgpack header followed by an array of segment
// descriptors, published under a numbered file name with the
// fsync-rename-fsync sequence the teacher uses for its own manifest
// writes in core/db.go (there a flat text file of segment ids; here a
// msgpack header + descriptor array, per spec).
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/acoustid/aindex/internal/fpseg"
	"github.com/vmihailenco/msgpack/v5"
)

// Magic is the header's magic value, spec §4.7 ("0: magic=0x49445831").
const Magic = 0x49445831

// FormatVersion is this package's on-disk format version.
const FormatVersion = 1

// ErrCorruptManifest marks a manifest that failed validation on open.
var ErrCorruptManifest = errors.New("manifest: corrupt")

// SegmentDescriptor is one entry in the manifest's segment array
// (spec §3).
type SegmentDescriptor struct {
	SegmentID    string             `msgpack:"segment_id"`
	VersionRange fpseg.VersionRange `msgpack:"version_range"`
	MinDocID     uint32             `msgpack:"min_doc_id"`
	MaxDocID     uint32             `msgpack:"max_doc_id"`
	NumDocs      uint64             `msgpack:"num_docs"`
	NumPostings  uint64             `msgpack:"num_postings"`
	FileSize     int64              `msgpack:"file_size"`
	Checksum     uint64             `msgpack:"checksum"`
}

// Manifest is the decoded form of a manifest file: the current index
// version and its ordered segment list (oldest first).
type Manifest struct {
	IndexVersion uint64
	Segments     []SegmentDescriptor
}

type header struct {
	Magic         uint32 `msgpack:"0"`
	FormatVersion uint32 `msgpack:"1"`
	IndexVersion  uint64 `msgpack:"2"`
}

// Encode serializes m as a header map followed by the segment array, as
// two concatenated msgpack values (spec §4.7 lists them as ordered
// top-level items, not fields of one object).
func Encode(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(header{Magic: Magic, FormatVersion: FormatVersion, IndexVersion: m.IndexVersion}); err != nil {
		return nil, fmt.Errorf("manifest: encode header: %w", err)
	}
	if err := enc.Encode(m.Segments); err != nil {
		return nil, fmt.Errorf("manifest: encode segments: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a manifest file's bytes, validating the magic and
// format version.
func Decode(data []byte) (Manifest, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	var h header
	if err := dec.Decode(&h); err != nil {
		return Manifest{}, fmt.Errorf("%w: header decode: %v", ErrCorruptManifest, err)
	}
	if h.Magic != Magic {
		return Manifest{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptManifest, h.Magic)
	}
	if h.FormatVersion != FormatVersion {
		return Manifest{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptManifest, h.FormatVersion)
	}

	var segs []SegmentDescriptor
	if err := dec.Decode(&segs); err != nil {
		return Manifest{}, fmt.Errorf("%w: segments decode: %v", ErrCorruptManifest, err)
	}

	return Manifest{IndexVersion: h.IndexVersion, Segments: segs}, nil
}

func fileName(n uint64) string { return fmt.Sprintf("manifest.%d", n) }

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "manifest.") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, "manifest."), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Publish writes m as the next manifest version in dir, following the
// fsync/rename/fsync-directory sequence of spec §4.7's publish
// protocol, and returns the path it used along with the exact bytes
// written (so a caller building a Handle doesn't need to re-read the
// file back from disk).
func Publish(dir string, next uint64, m Manifest) (path string, data []byte, err error) {
	final := filepath.Join(dir, fileName(next))
	tmp := final + ".tmp"

	data, err = Encode(m)
	if err != nil {
		return "", nil, err
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("manifest: create %q: %w", tmp, err)
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return "", nil, fmt.Errorf("manifest: write %q: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return "", nil, fmt.Errorf("manifest: fsync %q: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return "", nil, fmt.Errorf("manifest: close %q: %w", tmp, err)
	}

	if err = os.Rename(tmp, final); err != nil {
		return "", nil, fmt.Errorf("manifest: rename %q -> %q: %w", tmp, final, err)
	}

	dirF, err := os.Open(dir)
	if err != nil {
		return "", nil, fmt.Errorf("manifest: open dir %q: %w", dir, err)
	}
	defer dirF.Close()
	if err = dirF.Sync(); err != nil {
		return "", nil, fmt.Errorf("manifest: fsync dir %q: %w", dir, err)
	}

	return final, data, nil
}

// OpenLatest scans dir for the highest-numbered manifest file, decodes
// it, and returns it along with its version, path and raw bytes. It is
// the only entry point index.Open uses to pick a starting manifest
// (spec §4.11).
func OpenLatest(dir string) (Manifest, uint64, string, []byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Manifest{}, 0, "", nil, fmt.Errorf("manifest: read dir %q: %w", dir, err)
	}

	var versions []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := parseFileName(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return Manifest{}, 0, "", nil, fmt.Errorf("manifest: no manifest found in %q", dir)
	}
	sort.Sort(sort.Reverse(uint64Slice(versions)))

	for _, v := range versions {
		path := filepath.Join(dir, fileName(v))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		m, err := Decode(data)
		if err != nil {
			continue
		}
		return m, v, path, data, nil
	}
	return Manifest{}, 0, "", nil, fmt.Errorf("%w: no valid manifest in %q", ErrCorruptManifest, dir)
}

// Handle is a refcounted reference to one published manifest version,
// mirroring segset.Entry's borrow-token pattern (spec §4.7 publish step
// 6: "after all readers of older manifests have drained, delete them").
// It starts with a single reference owned by whichever slot currently
// calls it "the current manifest"; Acquire/Release let a reader (e.g.
// WriteSnapshot) extend its lifetime past the point a newer manifest is
// published.
type Handle struct {
	Number   uint64
	Manifest Manifest
	Data     []byte
	path     string

	refs int64 // atomic
	dead int32 // atomic bool
}

// NewHandle wraps a just-published (or just-opened) manifest version.
func NewHandle(number uint64, m Manifest, data []byte, path string) *Handle {
	return &Handle{Number: number, Manifest: m, Data: data, path: path, refs: 1}
}

// Acquire takes a borrow token on h, delaying its file's deletion until a
// matching Release is called.
func (h *Handle) Acquire() { atomic.AddInt64(&h.refs, 1) }

// Release drops a borrow token. Once the refcount reaches zero and the
// handle has been marked dead (superseded by a newer publish), its file
// is unlinked.
func (h *Handle) Release() {
	if atomic.AddInt64(&h.refs, -1) == 0 && atomic.LoadInt32(&h.dead) == 1 {
		_ = os.Remove(h.path)
	}
}

// MarkDead marks h as superseded and releases the reference owned by the
// "current manifest" slot, unlinking its file immediately if no other
// borrow is outstanding, or once the last one drains otherwise.
func (h *Handle) MarkDead() {
	atomic.StoreInt32(&h.dead, 1)
	h.Release()
}

// Path returns the on-disk path for manifest version n within dir.
func Path(dir string, n uint64) string { return filepath.Join(dir, fileName(n)) }

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
