package oplog

import (
	"os"
	"testing"

	"github.com/acoustid/aindex/internal/change"
)

func setupTempOplog(tb testing.TB, opts Options) (ol *Oplog, path string) {
	path, err := os.MkdirTemp("", "oplog_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	opts.Dir = path
	ol, err = Open(opts)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	tb.Cleanup(func() {
		_ = ol.Close()
		_ = os.RemoveAll(path)
	})

	return ol, path
}

func batchWithHashes(docID uint32, hashes ...uint32) change.UpdateBatch {
	return change.UpdateBatch{Changes: []change.Change{
		{Kind: change.Insert, DocID: docID, Hashes: hashes},
	}}
}

func TestOplogAppendAndIterFrom(t *testing.T) {
	ol, _ := setupTempOplog(t, Options{Fsync: true})

	for v := uint64(1); v <= 3; v++ {
		if err := ol.Append(v, batchWithHashes(uint32(v), v*10)); err != nil {
			t.Fatalf("Append(%d) failed: %v", v, err)
		}
	}

	recs, err := ol.IterFrom(1)
	if err != nil {
		t.Fatalf("IterFrom(1) failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		wantVersion := uint64(i + 1)
		if r.Version != wantVersion {
			t.Errorf("record %d: version = %d, want %d", i, r.Version, wantVersion)
		}
	}

	recs, err = ol.IterFrom(2)
	if err != nil {
		t.Fatalf("IterFrom(2) failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records from version 2, want 2", len(recs))
	}
}

func TestOplogRotation(t *testing.T) {
	ol, dir := setupTempOplog(t, Options{RolloverBytes: 64, Fsync: false})

	for v := uint64(1); v <= 10; v++ {
		if err := ol.Append(v, batchWithHashes(uint32(v), v, v+1, v+2, v+3)); err != nil {
			t.Fatalf("Append(%d) failed: %v", v, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce multiple segment files, got %d", len(entries))
	}

	recs, err := ol.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom(0) failed: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("got %d records across rotated segments, want 10", len(recs))
	}
}

func TestOplogReopenRecoversRecords(t *testing.T) {
	ol, dir := setupTempOplog(t, Options{Fsync: true})

	for v := uint64(1); v <= 2; v++ {
		if err := ol.Append(v, batchWithHashes(uint32(v), v)); err != nil {
			t.Fatalf("Append(%d) failed: %v", v, err)
		}
	}
	if err := ol.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom(0) failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records after reopen, want 2", len(recs))
	}
}

func TestOplogHealsTornTail(t *testing.T) {
	ol, dir := setupTempOplog(t, Options{Fsync: true})

	if err := ol.Append(1, batchWithHashes(1, 100)); err != nil {
		t.Fatalf("Append(1) failed: %v", err)
	}
	if err := ol.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one segment file, got %d", len(entries))
	}
	path := dir + string(os.PathSeparator) + entries[0].Name()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.Write([]byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3}); err != nil {
		t.Fatalf("write garbage tail failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen over torn tail failed: %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom(0) failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records after healing, want 1", len(recs))
	}

	if err := reopened.Append(2, batchWithHashes(2, 200)); err != nil {
		t.Fatalf("Append after heal failed: %v", err)
	}
}

func TestOplogTruncateBefore(t *testing.T) {
	ol, _ := setupTempOplog(t, Options{RolloverBytes: 48, Fsync: false})

	for v := uint64(1); v <= 6; v++ {
		if err := ol.Append(v, batchWithHashes(uint32(v), v, v+1, v+2)); err != nil {
			t.Fatalf("Append(%d) failed: %v", v, err)
		}
	}

	if err := ol.TruncateBefore(4); err != nil {
		t.Fatalf("TruncateBefore(4) failed: %v", err)
	}

	recs, err := ol.IterFrom(0)
	if err != nil {
		t.Fatalf("IterFrom(0) failed: %v", err)
	}
	for _, r := range recs {
		if r.Version < 4 {
			t.Errorf("found record with version %d after TruncateBefore(4)", r.Version)
		}
	}
}
