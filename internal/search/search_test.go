package search

import (
	"testing"

	"github.com/acoustid/aindex/internal/change"
	"github.com/acoustid/aindex/internal/fpseg"
	"github.com/acoustid/aindex/internal/segset"
	"github.com/acoustid/aindex/internal/stage"
)

func TestSearchBasicInsert(t *testing.T) {
	st := stage.New(1)
	ss := segset.New()

	batch := change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: 1, Hashes: []uint32{100, 200, 300}}}}
	if _, err := st.Apply(batch, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}

	out, err := Search(st, ss, []uint32{100, 200, 300}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ID != 1 || out.Results[0].Score != 3 {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestSearchPartialUpdateRescoring(t *testing.T) {
	st := stage.New(1)
	ss := segset.New()

	if _, err := st.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: 1, Hashes: []uint32{100, 200, 300}}}}, 1); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if _, err := st.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: 1, Hashes: []uint32{100, 200, 999}}}}, 2); err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	out, err := Search(st, ss, []uint32{100, 200, 300}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Score != 2 {
		t.Fatalf("expected score 2 after replace, got %+v", out.Results)
	}
}

func TestSearchDeleteRemovesResult(t *testing.T) {
	st := stage.New(1)
	ss := segset.New()

	if _, err := st.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: 1, Hashes: []uint32{100}}}}, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := st.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Delete, DocID: 1}}}, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	out, err := Search(st, ss, []uint32{100}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 0 {
		t.Fatalf("expected no results after delete, got %+v", out.Results)
	}
}

func TestSearchDuplicateHashNotDoubleCounted(t *testing.T) {
	st := stage.New(1)
	ss := segset.New()

	// A fingerprint's hash multiset can repeat a value (spec §1); the
	// doc's score must still only count it once per distinct hash.
	batch := change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: 1, Hashes: []uint32{100, 100, 200}}}}
	if _, err := st.Apply(batch, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}

	out, err := Search(st, ss, []uint32{100, 200}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Score != 2 {
		t.Fatalf("expected score bounded by 2 distinct query hashes, got %+v", out.Results)
	}
}

func TestSearchAcrossSegmentSetAndStageTombstoneShadowing(t *testing.T) {
	oldSeg := fpseg.NewMemSegment([]fpseg.Posting{{Hash: 100, DocID: 1}}, nil, nil, nil, fpseg.VersionRange{First: 0, Last: 1})
	ss := segset.New()
	ss.Append("seg0", oldSeg)

	st := stage.New(2)
	if _, err := st.Apply(change.UpdateBatch{Changes: []change.Change{{Kind: change.Delete, DocID: 1}}}, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	out, err := Search(st, ss, []uint32{100}, 0, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out.Results) != 0 {
		t.Fatalf("expected stage tombstone to shadow older segment posting, got %+v", out.Results)
	}
}
