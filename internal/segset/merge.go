package segset

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/acoustid/aindex/internal/fpseg"
)

// MergeResult is the candidate segment content produced by Merge,
// ready to be written out (fpseg.WriteFileSegment) and published via
// Set.Replace (spec §4.6 "Merge output").
type MergeResult struct {
	Postings     []fpseg.Posting
	Tombstones   *roaring.Bitmap
	Attributes   fpseg.Attributes
	DocVersions  map[uint32]uint64
	VersionRange fpseg.VersionRange
}

// Merge combines participants (a contiguous run from the live set,
// oldest first) into one candidate segment. olderEntries is every entry
// in the live set strictly older than participants[0]; it is consulted
// only to decide which tombstones are still load-bearing (spec §4.6).
func Merge(olderEntries []*Entry, participants []*Entry) (MergeResult, error) {
	decided := make(map[uint32]*Entry, 1024)

	// Decide, newest participant first, which entry owns each doc id:
	// the newest participant that either still has it live or has
	// tombstoned it wins; everything else is superseded history.
	for i := len(participants) - 1; i >= 0; i-- {
		p := participants[i]
		it := p.Segment.DocIDs().Iterator()
		for it.HasNext() {
			id := it.Next()
			if _, seen := decided[id]; !seen {
				decided[id] = p
			}
		}
		tomb := p.Segment.Tombstones()
		tit := tomb.Iterator()
		for tit.HasNext() {
			id := tit.Next()
			if _, seen := decided[id]; !seen {
				decided[id] = nil
			}
		}
	}

	var postings []fpseg.Posting
	docVersions := make(map[uint32]uint64, len(decided))
	for _, p := range participants {
		sc, err := p.Segment.ScanFrom(0)
		if err != nil {
			return MergeResult{}, err
		}
		for sc.Next() {
			post := sc.Posting()
			if decided[post.DocID] == p {
				postings = append(postings, post)
				if _, ok := docVersions[post.DocID]; !ok {
					if v, ok := p.Segment.VersionOf(post.DocID); ok {
						docVersions[post.DocID] = v
					}
				}
			}
		}
		if err := sc.Err(); err != nil {
			return MergeResult{}, err
		}
	}
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Hash != postings[j].Hash {
			return postings[i].Hash < postings[j].Hash
		}
		return postings[i].DocID < postings[j].DocID
	})

	tombstones := roaring.New()
	for _, p := range participants {
		tit := p.Segment.Tombstones().Iterator()
		for tit.HasNext() {
			id := tit.Next()
			if referencedByOlder(olderEntries, id) {
				tombstones.Add(id)
			}
		}
	}

	attrs := make(fpseg.Attributes)
	for _, p := range participants {
		for k, v := range p.Segment.Attributes() {
			attrs[k] = v
		}
	}

	vr := participants[0].Segment.VersionRange()
	for _, p := range participants[1:] {
		vr = vr.Union(p.Segment.VersionRange())
	}

	return MergeResult{Postings: postings, Tombstones: tombstones, Attributes: attrs, DocVersions: docVersions, VersionRange: vr}, nil
}

func referencedByOlder(olderEntries []*Entry, id uint32) bool {
	for _, e := range olderEntries {
		if e.Segment.DocIDs().Contains(id) {
			return true
		}
	}
	return false
}
