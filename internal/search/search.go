// Package search implements the multi-segment searcher of spec §4.9:
// deduplicate and sort the query, snapshot the segment set under a
// borrow token, scan every segment newest-first per query hash with
// tombstone/replace shadowing, and select the top-K by a bounded
// min-heap.
package search

import (
	"container/heap"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/acoustid/aindex/internal/fpseg"
	"github.com/acoustid/aindex/internal/segset"
	"github.com/acoustid/aindex/internal/stage"
)

// DefaultLimit and DefaultTimeout match spec §4.9's stated defaults.
const (
	DefaultLimit   = 40
	DefaultTimeout = 500 * time.Millisecond
)

// Result is one scored document.
type Result struct {
	ID    uint32
	Score int
}

// Outcome is the result of a search: the ranked results and whether the
// scan ran to completion before its deadline (spec §4.9 step 3, §7
// DeadlineExceeded).
type Outcome struct {
	Results  []Result
	Complete bool
}

// layer is one scan target ordered newest-first, carrying the set of
// DocIds any strictly newer layer has already settled (by tombstone or
// live replace) so that stale postings in this layer are skipped.
type layer struct {
	seg        fpseg.Segment
	superseded *roaring.Bitmap
}

// Search runs the algorithm of spec §4.9 against st (the current stage,
// treated as the newest segment) and ss (the published segment set).
// limit <= 0 and timeout <= 0 select the package defaults.
func Search(st *stage.Stage, ss *segset.Set, query []uint32, limit int, timeout time.Duration) (Outcome, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	hashes := dedupSorted(query)

	borrow := ss.Snapshot()
	defer borrow.Release()

	segs := make([]fpseg.Segment, 0, len(borrow.Entries)+1)
	segs = append(segs, st.Snapshot())
	for i := len(borrow.Entries) - 1; i >= 0; i-- {
		segs = append(segs, borrow.Entries[i].Segment)
	}

	layers := make([]layer, len(segs))
	superseded := roaring.New()
	for i, seg := range segs {
		layers[i] = layer{seg: seg, superseded: superseded.Clone()}
		superseded.Or(seg.Tombstones())
		superseded.Or(seg.DocIDs())
	}

	scores := make(map[uint32]int)
	complete := true

	for _, h := range hashes {
		if time.Now().After(deadline) {
			complete = false
			break
		}
		// counted tracks, for this hash only, which DocIds have already
		// contributed a point: a fingerprint's hash multiset can repeat a
		// value, which would otherwise yield a duplicate (Hash, DocId)
		// posting and double the doc's score for one distinct hash (spec
		// §4.9: score is "distinct hashes in intersect(query-as-set,
		// doc-as-set)").
		counted := make(map[uint32]struct{})
		for _, l := range layers {
			sc, err := l.seg.ScanFrom(h)
			if err != nil {
				return Outcome{}, err
			}
			for sc.Next() {
				p := sc.Posting()
				if p.Hash != h {
					break
				}
				if l.superseded.Contains(p.DocID) {
					continue
				}
				if _, seen := counted[p.DocID]; seen {
					continue
				}
				counted[p.DocID] = struct{}{}
				scores[p.DocID]++
			}
			if err := sc.Err(); err != nil {
				return Outcome{}, err
			}
		}
	}

	results := topK(scores, limit)
	return Outcome{Results: results, Complete: complete}, nil
}

func dedupSorted(query []uint32) []uint32 {
	if len(query) == 0 {
		return nil
	}
	cp := make([]uint32, len(query))
	copy(cp, query)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:1]
	for _, v := range cp[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// resultHeap is a bounded min-heap ordered so the worst entry (lowest
// score, ties broken toward the larger DocId) sits at the root and is
// evicted first once the heap exceeds the requested limit.
type resultHeap []Result

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].ID > h[j].ID
}
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func topK(scores map[uint32]int, limit int) []Result {
	h := make(resultHeap, 0, limit+1)
	for id, score := range scores {
		heap.Push(&h, Result{ID: id, Score: score})
		if h.Len() > limit {
			heap.Pop(&h)
		}
	}

	out := make([]Result, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
