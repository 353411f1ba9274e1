package segset

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/acoustid/aindex/internal/fpseg"
)

func memEntry(id string, postings []fpseg.Posting, vr fpseg.VersionRange) *Entry {
	return newEntry(id, fpseg.NewMemSegment(postings, nil, nil, nil, vr))
}

func TestTierIsMonotonic(t *testing.T) {
	if Tier(0, 4) != 0 {
		t.Fatalf("tier(0) should be 0")
	}
	if Tier(4, 4) >= Tier(64, 4) {
		t.Fatalf("tier should grow with postings count")
	}
}

func TestPlanMergeFindsSharedTierRun(t *testing.T) {
	entries := []*Entry{
		memEntry("a", []fpseg.Posting{{Hash: 1, DocID: 1}}, fpseg.VersionRange{First: 0, Last: 1}),
		memEntry("b", []fpseg.Posting{{Hash: 1, DocID: 2}}, fpseg.VersionRange{First: 1, Last: 2}),
		memEntry("c", []fpseg.Posting{{Hash: 1, DocID: 3}}, fpseg.VersionRange{First: 2, Last: 3}),
		memEntry("d", []fpseg.Posting{{Hash: 1, DocID: 4}}, fpseg.VersionRange{First: 3, Last: 4}),
	}
	run := PlanMerge(entries, 4, 4)
	if len(run) != 4 {
		t.Fatalf("expected all 4 entries to merge, got %d", len(run))
	}
}

func TestSetReplacePreservesOrder(t *testing.T) {
	s := New()
	s.Append("a", fpseg.NewMemSegment([]fpseg.Posting{{Hash: 1, DocID: 1}}, nil, nil, nil, fpseg.VersionRange{First: 0, Last: 1}))
	s.Append("b", fpseg.NewMemSegment([]fpseg.Posting{{Hash: 1, DocID: 2}}, nil, nil, nil, fpseg.VersionRange{First: 1, Last: 2}))
	s.Append("c", fpseg.NewMemSegment([]fpseg.Posting{{Hash: 1, DocID: 3}}, nil, nil, nil, fpseg.VersionRange{First: 2, Last: 3}))

	merged := newEntry("ab", fpseg.NewMemSegment(
		[]fpseg.Posting{{Hash: 1, DocID: 1}, {Hash: 1, DocID: 2}}, nil, nil, nil, fpseg.VersionRange{First: 0, Last: 2}))
	if err := s.Replace([]string{"a", "b"}, merged); err != nil {
		t.Fatalf("replace: %v", err)
	}

	ids := make([]string, 0)
	for _, e := range s.Entries() {
		ids = append(ids, e.ID)
	}
	if len(ids) != 2 || ids[0] != "ab" || ids[1] != "c" {
		t.Fatalf("unexpected order after replace: %v", ids)
	}
}

func TestMergeAppliesTombstoneShadowing(t *testing.T) {
	older := memEntry("older", []fpseg.Posting{{Hash: 5, DocID: 1}}, fpseg.VersionRange{First: 0, Last: 1})

	newerTombstones := roaring.New()
	newerTombstones.Add(1)
	newer := newEntry("newer", fpseg.NewMemSegment(nil, newerTombstones, nil, nil, fpseg.VersionRange{First: 1, Last: 2}))

	res, err := Merge([]*Entry{older}, []*Entry{newer})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.Tombstones.Contains(1) {
		t.Fatalf("tombstone for doc 1 should be retained (older segment still references it)")
	}
}
