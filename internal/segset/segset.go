// Package segset implements the ordered segment list, its tiered merge
// policy, and the borrow-token refcounting that lets readers scan
// segment files concurrently with a background merge deleting old ones
// (spec §4.6, §5). The refcount-then-deferred-unlink shape generalizes
// the teacher's stale-location guard in core/merge.go, which exists to
// solve the same problem (a reader mid-scan must not have its file
// pulled out from under it).
package segset

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/acoustid/aindex/internal/fpseg"
)

// Entry wraps one segment (memory or file) with the bookkeeping the set
// needs: a stable id for manifest descriptors, a tier for the merge
// policy, and a refcount gating file deletion.
type Entry struct {
	ID      string
	Segment fpseg.Segment

	refs int64 // atomic; starts at 1, owned by whichever Set currently lists it
	dead int32 // atomic bool; set once the entry is no longer in any live Set
}

func newEntry(id string, seg fpseg.Segment) *Entry {
	return &Entry{ID: id, Segment: seg, refs: 1}
}

// NewEntry builds a detached entry ready to be spliced into a Set via
// Replace (the checkpointer's merge-output path, spec §4.6, which needs
// an entry it controls the position of rather than one appended at the
// tail).
func NewEntry(id string, seg fpseg.Segment) *Entry {
	return newEntry(id, seg)
}

func (e *Entry) acquire() { atomic.AddInt64(&e.refs, 1) }

func (e *Entry) release() {
	if atomic.AddInt64(&e.refs, -1) == 0 && atomic.LoadInt32(&e.dead) == 1 {
		_ = e.Segment.Close()
		if fs, ok := e.Segment.(*fpseg.FileSegment); ok {
			_ = os.Remove(fs.Path())
		}
	}
}

// Tier returns floor(log_R(num_postings)) with R = ratio (spec §4.6);
// a segment with zero postings is tier 0.
func Tier(numPostings uint64, ratio float64) int {
	if numPostings == 0 {
		return 0
	}
	return int(math.Floor(math.Log(float64(numPostings)) / math.Log(ratio)))
}

// Set is the ordered, oldest-first list of segments backing one index.
// Mutation happens through Append, which adds a newest entry, and
// Replace, which atomically swaps a contiguous run of entries (merge
// participants, or none, for a plain append) for a new list.
type Set struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New returns an empty segment set.
func New() *Set { return &Set{} }

// Append adds seg as the newest entry (checkpoint publish, spec §4.8
// step 3).
func (s *Set) Append(id string, seg fpseg.Segment) *Entry {
	e := newEntry(id, seg)
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

// Entries returns a snapshot of the current ordered entry pointers
// without acquiring borrow tokens; safe for read-only inspection (e.g.
// building a manifest) but not for scanning across an I/O boundary.
func (s *Set) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Borrow is a segment-set snapshot held across a scan; Release must be
// called exactly once when the scan is done (spec §5).
type Borrow struct {
	Entries []*Entry
}

// Release drops the borrow's reference on every entry, allowing file
// deletion to proceed for any entry that has since been replaced.
func (b Borrow) Release() {
	for _, e := range b.Entries {
		e.release()
	}
}

// Snapshot takes a segment-set snapshot under a short read lock: the
// entry list is cloned (cheap, pointers only) and each entry's refcount
// is incremented before the lock is released (spec §5).
func (s *Set) Snapshot() Borrow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		e.acquire()
		out[i] = e
	}
	return Borrow{Entries: out}
}

// Replace atomically substitutes the contiguous run of entries whose
// IDs appear in oldIDs (in order) with replacement, preserving the
// position of the run. If oldIDs is empty, replacement is inserted at
// the newest position. Replaced entries are marked dead and have the set's own
// reference released; their files are deleted once any outstanding
// borrows drain.
func (s *Set) Replace(oldIDs []string, replacement *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(oldIDs) == 0 {
		s.entries = append(s.entries, replacement)
		return nil
	}

	start := -1
	for i, e := range s.entries {
		if e.ID == oldIDs[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(oldIDs) > len(s.entries) {
		return fmt.Errorf("segset: merge participants not found as a contiguous run")
	}
	for i, id := range oldIDs {
		if s.entries[start+i].ID != id {
			return fmt.Errorf("segset: merge participants are not contiguous (expected %q at position %d, found %q)", id, start+i, s.entries[start+i].ID)
		}
	}

	removed := s.entries[start : start+len(oldIDs)]
	next := make([]*Entry, 0, len(s.entries)-len(oldIDs)+1)
	next = append(next, s.entries[:start]...)
	next = append(next, replacement)
	next = append(next, s.entries[start+len(oldIDs):]...)
	s.entries = next

	for _, e := range removed {
		atomic.StoreInt32(&e.dead, 1)
		e.release()
	}
	return nil
}

// PlanMerge looks for the oldest contiguous run of at least fanIn
// entries sharing a tier and returns it, or nil if no merge is due
// (spec §4.6: "When >= K segments share a tier, merge them").
func PlanMerge(entries []*Entry, ratio float64, fanIn int) []*Entry {
	i := 0
	for i < len(entries) {
		tier := Tier(entries[i].Segment.NumPostings(), ratio)
		j := i + 1
		for j < len(entries) && Tier(entries[j].Segment.NumPostings(), ratio) == tier {
			j++
		}
		if j-i >= fanIn {
			return entries[i:j]
		}
		i = j
	}
	return nil
}
