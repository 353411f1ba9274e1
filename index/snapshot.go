package index

import (
	"io"

	"github.com/acoustid/aindex/internal/fpseg"
	"github.com/acoustid/aindex/internal/snapshot"
)

// WriteSnapshot streams a point-in-time tar snapshot of this index to w:
// the current manifest, every segment file it references, and the tail
// of the oplog needed to replay from the newest segment to the current
// version (spec §4.10, §6.3).
//
// pubMu is held for the whole call, the same lock runCheckpoint holds
// across its segment-set append, manifest publish and oplog truncate
// (checkpoint.go), so the manifest handle, segment-set borrow and oplog
// file list read here always describe the same point in time: no
// checkpoint or merge can publish a new manifest, delete a superseded
// segment, or truncate the oplog between these three reads (spec §4.10
// step 1, §5). A borrow token on the manifest handle itself is also held
// for the duration, so even a caller that only takes pubMu briefly
// elsewhere can't race the file out from under an in-flight snapshot
// (spec §4.7 publish step 6).
func (idx *Index) WriteSnapshot(w io.Writer) error {
	idx.pubMu.Lock()
	defer idx.pubMu.Unlock()

	handle := idx.currentManifest.Load()
	handle.Acquire()
	defer handle.Release()

	borrow := idx.segs.Snapshot()
	defer borrow.Release()

	segmentFiles := make(map[string]string, len(handle.Manifest.Segments))
	for _, e := range borrow.Entries {
		if fs, ok := e.Segment.(*fpseg.FileSegment); ok {
			segmentFiles[e.ID] = fs.Path()
		}
	}

	return snapshot.Write(w, handle.Data, segmentFiles, idx.ops.Files())
}
