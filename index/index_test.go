package index

import (
	"errors"
	"os"
	"testing"

	"github.com/acoustid/aindex/internal/change"
	"github.com/acoustid/aindex/internal/stage"
)

func setupTempIndex(tb testing.TB, opts Options) (idx *Index, path string) {
	path, err := os.MkdirTemp("", "aindex_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	idx, err = Create(path, opts)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Create(%q) failed: %v", path, err)
	}

	tb.Cleanup(func() {
		_ = idx.Close()
		_ = os.RemoveAll(path)
	})

	return idx, path
}

func insertBatch(id uint32, hashes ...uint32) change.UpdateBatch {
	return change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: id, Hashes: hashes}}}
}

func TestIndexApplyAndSearch(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10, 20, 30)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	out, err := idx.Search([]uint32{10, 20, 30}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ID != 1 || out.Results[0].Score != 3 {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestIndexVersionConflict(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stale := uint64(0)
	batch := insertBatch(2, 20)
	batch.ExpectedVersion = &stale
	if _, err := idx.Apply(batch); !errors.Is(err, stage.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestIndexPersistsAcrossRestart(t *testing.T) {
	idx, path := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10, 20)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := idx.Apply(insertBatch(2, 20, 30)); err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	if err := idx.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := idx.Apply(insertBatch(3, 30, 40)); err != nil {
		t.Fatalf("apply 3: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	out, err := reopened.Search([]uint32{20}, 0, 0)
	if err != nil {
		t.Fatalf("search after reopen: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 docs matching hash 20 after reopen, got %+v", out.Results)
	}

	if v, err := reopened.GetVersion(3); err != nil || v != 3 {
		t.Fatalf("expected doc 3 at version 3, got %d, %v", v, err)
	}
}

func TestIndexGetVersionIsExactPerDoc(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10)); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if _, err := idx.Apply(insertBatch(2, 20)); err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	if _, err := idx.Apply(insertBatch(3, 30)); err != nil {
		t.Fatalf("apply 3: %v", err)
	}
	if err := idx.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// All three docs now live in the same checkpointed segment, whose
	// VersionRange spans all three batches; GetVersion must still report
	// each doc's own defining batch, not the segment's Last version.
	for id, want := range map[uint32]uint64{1: 1, 2: 2, 3: 3} {
		if v, err := idx.GetVersion(id); err != nil || v != want {
			t.Fatalf("doc %d: got version %d, %v; want %d", id, v, err, want)
		}
	}
}

func TestIndexGetVersionShadowedByNewerSegmentTombstone(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := idx.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := idx.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Delete, DocID: 1}}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := idx.Checkpoint(); err != nil {
		t.Fatalf("checkpoint 2: %v", err)
	}

	if _, err := idx.GetVersion(1); !errors.Is(err, ErrFingerprintNotFound) {
		t.Fatalf("expected ErrFingerprintNotFound for deleted doc, got %v", err)
	}
}

func TestIndexDeletePropagatesAfterCheckpoint(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{})

	if _, err := idx.Apply(insertBatch(1, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := idx.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := idx.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Delete, DocID: 1}}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	out, err := idx.Search([]uint32{10}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 0 {
		t.Fatalf("expected delete to shadow checkpointed segment, got %+v", out.Results)
	}
}

func TestIndexMergeRunsAcrossManyCheckpoints(t *testing.T) {
	idx, _ := setupTempIndex(t, Options{MergeRatio: 4, MergeFanIn: 2})

	var id uint32 = 1
	for i := 0; i < 8; i++ {
		if _, err := idx.Apply(insertBatch(id, id*10)); err != nil {
			t.Fatalf("apply %d: %v", id, err)
		}
		if err := idx.Checkpoint(); err != nil {
			t.Fatalf("checkpoint %d: %v", id, err)
		}
		id++
	}

	out, err := idx.Search([]uint32{10, 20, 30, 40, 50, 60, 70, 80}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 8 {
		t.Fatalf("expected all 8 docs to survive merging, got %+v", out.Results)
	}
}

func TestIndexBadName(t *testing.T) {
	if err := ValidateName("_bad"); !errors.Is(err, ErrBadIndexName) {
		t.Fatalf("expected ErrBadIndexName, got %v", err)
	}
	if err := ValidateName("good-name_1"); err != nil {
		t.Fatalf("expected valid name to pass, got %v", err)
	}
}
