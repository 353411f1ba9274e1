// Package oplog implements the write-ahead log described in spec §4.4:
// a segmented, append-only sequence of files holding committed
// UpdateBatch records keyed by a strictly increasing version. Rotation,
// self-healing truncation of a torn tail, and forward iteration mirror
// the segmented-journal idiom in this retrieval pack's andreyvit-edb
// journal package, framed with the teacher's durable-file-write style.
package oplog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/acoustid/aindex/internal/change"
	"github.com/vmihailenco/msgpack/v5"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrIoError wraps the generic I/O failure kind from spec §7.
var ErrIoError = errors.New("oplog: io error")

// ErrWalFull is returned by Append when a disk-space reservation check
// fails (spec §4.4).
var ErrWalFull = errors.New("oplog: wal full")

// ErrCorruptRecord marks a record that failed its length/checksum check.
var ErrCorruptRecord = errors.New("oplog: corrupt record")

const (
	recordHeaderSize = 4 + 4 + 8 // len, crc32c checksum, version
	fileSuffix       = ".xlog"
)

// Options configures an Oplog. Dir is required; all other fields have
// teacher-compatible defaults.
type Options struct {
	Dir string

	// RolloverBytes is the size threshold that triggers rotation to a
	// new file (spec §4.4 "Rotation"). Default 64 MiB.
	RolloverBytes int64

	// Fsync, when true, syncs the active file after every Append before
	// it returns (spec §4.4's default policy). setDefaults leaves it as
	// given, so the zero value (false) turns fsync off.
	Fsync bool

	// MinFreeBytes, when > 0, makes Append fail with ErrWalFull if the
	// directory's free space (as reported by the caller-supplied
	// FreeBytes func) would drop below it. Nil FreeBytes disables the
	// check.
	MinFreeBytes int64
	FreeBytes    func(dir string) (int64, error)
}

func (o *Options) setDefaults() {
	if o.RolloverBytes <= 0 {
		o.RolloverBytes = 64 << 20
	}
}

type fileHandle struct {
	startVersion uint64
	path         string
	f            *os.File
	size         int64
}

// Oplog owns the active and historical .xlog files for one index. All
// methods are safe for concurrent use. Append holds o.mu while it writes
// but does not check that versions increase; callers append from inside
// their single-writer critical section (spec §5) so versions stay in
// order.
type Oplog struct {
	mu      sync.Mutex
	opts    Options
	active  *fileHandle
	history []string // paths of rotated-out files, oldest first, excluding active
}

// Open opens or creates the oplog directory, opening the highest
// numbered segment file for append (after truncating any torn tail)
// and cataloguing the rest for IterFrom/TruncateBefore.
func Open(opts Options) (*Oplog, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: mkdir %q: %w", opts.Dir, err)
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("oplog: read dir %q: %w", opts.Dir, err)
	}

	var starts []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		starts = append(starts, v)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	o := &Oplog{opts: opts}
	if len(starts) == 0 {
		if err := o.rotate(0); err != nil {
			return nil, err
		}
		return o, nil
	}

	for _, v := range starts[:len(starts)-1] {
		o.history = append(o.history, segmentPath(opts.Dir, v))
	}

	last := starts[len(starts)-1]
	path := segmentPath(opts.Dir, last)
	if err := healTail(path); err != nil {
		return nil, fmt.Errorf("oplog: heal %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("oplog: stat %q: %w", path, err)
	}
	o.active = &fileHandle{startVersion: last, path: path, f: f, size: info.Size()}
	return o, nil
}

func segmentPath(dir string, startVersion uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", startVersion, fileSuffix))
}

func parseSegmentName(name string) (uint64, bool) {
	if filepath.Ext(name) != fileSuffix {
		return 0, false
	}
	base := name[:len(name)-len(fileSuffix)]
	v, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// healTail scans path for a torn final record (length/checksum fails)
// and truncates the file to drop it, matching the journal package's
// self-healing-on-open behavior.
func healTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		recLen, ok, err := peekRecordLen(r)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		body := make([]byte, recLen)
		n, err := io.ReadFull(r, body)
		if err != nil {
			break
		}
		if !verifyRecord(body[:n]) {
			break
		}
		offset += int64(4 + n)
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != offset {
		if err := f.Truncate(offset); err != nil {
			return err
		}
		return f.Sync()
	}
	return nil
}

// peekRecordLen reads the 4-byte length prefix of the next record, if a
// full prefix is available.
func peekRecordLen(r *bufio.Reader) (uint32, bool, error) {
	head, err := r.Peek(4)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if _, err := r.Discard(4); err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(head), true, nil
}

func verifyRecord(rest []byte) bool {
	if len(rest) < recordHeaderSize-4 {
		return false
	}
	wantChecksum := binary.LittleEndian.Uint32(rest[0:4])
	payload := rest[4:]
	sum := crc32.Checksum(payload, crc32cTable)
	return sum == wantChecksum
}

// Append serializes batch as a record with the given version and writes
// it to the active file, fsyncing per Options.Fsync.
func (o *Oplog) Append(version uint64, batch change.UpdateBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.opts.FreeBytes != nil && o.opts.MinFreeBytes > 0 {
		free, err := o.opts.FreeBytes(o.opts.Dir)
		if err == nil && free < o.opts.MinFreeBytes {
			return ErrWalFull
		}
	}

	body, err := msgpack.Marshal(&batch)
	if err != nil {
		return fmt.Errorf("oplog: marshal batch: %w", err)
	}

	rest := make([]byte, 4+8+len(body))
	binary.LittleEndian.PutUint64(rest[4:12], version)
	copy(rest[12:], body)
	sum := crc32.Checksum(rest[4:], crc32cTable)
	binary.LittleEndian.PutUint32(rest[0:4], sum)

	record := make([]byte, 4+len(rest))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(rest)))
	copy(record[4:], rest)

	if o.active.size+int64(len(record)) > o.opts.RolloverBytes && o.active.size > 0 {
		if err := o.rotate(version); err != nil {
			return err
		}
	}

	n, err := o.active.f.Write(record)
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrIoError, err)
	}
	o.active.size += int64(n)

	if o.opts.Fsync {
		if err := o.active.f.Sync(); err != nil {
			return fmt.Errorf("%w: fsync: %v", ErrIoError, err)
		}
	}
	return nil
}

func (o *Oplog) rotate(startVersion uint64) error {
	if o.active != nil {
		if err := o.active.f.Close(); err != nil {
			return fmt.Errorf("oplog: close %q: %w", o.active.path, err)
		}
		o.history = append(o.history, o.active.path)
	}

	path := segmentPath(o.opts.Dir, startVersion)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("oplog: create %q: %w", path, err)
	}
	dir, err := os.Open(o.opts.Dir)
	if err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	o.active = &fileHandle{startVersion: startVersion, path: path, f: f}
	return nil
}

// Record is one decoded oplog entry, as returned by IterFrom.
type Record struct {
	Version uint64
	Batch   change.UpdateBatch
}

// IterFrom returns every record with Version >= from, in version order,
// read across however many segment files that spans. Used by recovery
// (spec §4.11).
func (o *Oplog) IterFrom(from uint64) ([]Record, error) {
	o.mu.Lock()
	paths := append(append([]string{}, o.history...), o.active.path)
	o.mu.Unlock()

	var out []Record
	for _, path := range paths {
		recs, err := readAllRecords(path)
		if err != nil {
			return nil, fmt.Errorf("oplog: read %q: %w", path, err)
		}
		for _, r := range recs {
			if r.Version >= from {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func readAllRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []Record
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		recLen := binary.LittleEndian.Uint32(lenBuf[:])
		rest := make([]byte, recLen)
		if _, err := io.ReadFull(r, rest); err != nil {
			break
		}
		if !verifyRecord(rest) {
			return nil, fmt.Errorf("%w: checksum mismatch in %q", ErrCorruptRecord, path)
		}
		version := binary.LittleEndian.Uint64(rest[4:12])
		var batch change.UpdateBatch
		if err := msgpack.Unmarshal(rest[12:], &batch); err != nil {
			return nil, fmt.Errorf("%w: body decode in %q: %v", ErrCorruptRecord, path, err)
		}
		out = append(out, Record{Version: version, Batch: batch})
	}
	return out, nil
}

// TruncateBefore deletes whole log files whose every record has a
// version strictly less than target, per spec §4.4. The active file is
// never deleted by this call even if it qualifies (a fresh stage always
// keeps at least one writable segment open).
func (o *Oplog) TruncateBefore(target uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var kept []string
	for _, path := range o.history {
		v, ok := parseSegmentName(filepath.Base(path))
		if !ok {
			kept = append(kept, path)
			continue
		}
		// A file's every record has version < target only if the *next*
		// file's starting version is also <= target (the file's range
		// ends where the next one begins); conservatively require the
		// file's own start to be < target and let lastVersionOf confirm.
		if v >= target {
			kept = append(kept, path)
			continue
		}
		last, err := lastVersionOf(path)
		if err != nil {
			return fmt.Errorf("oplog: inspect %q: %w", path, err)
		}
		if last < target {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("oplog: remove %q: %w", path, err)
			}
			continue
		}
		kept = append(kept, path)
	}
	o.history = kept
	return nil
}

func lastVersionOf(path string) (uint64, error) {
	recs, err := readAllRecords(path)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].Version, nil
}

// Files returns the paths of every segment file backing this oplog,
// oldest first, for the snapshot stream of spec §4.10.
func (o *Oplog) Files() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append(append([]string{}, o.history...), o.active.path)
}

// Close closes the active file handle.
func (o *Oplog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	return o.active.f.Close()
}
