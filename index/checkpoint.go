package index

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acoustid/aindex/internal/fpseg"
	"github.com/acoustid/aindex/internal/manifest"
	"github.com/acoustid/aindex/internal/metrics"
	"github.com/acoustid/aindex/internal/segset"
	"github.com/acoustid/aindex/internal/stage"
)

// checkpointLoop runs the background task of spec §4.8: freeze the
// stage once it crosses the size threshold, serialize it to a segment
// file, publish the updated manifest, truncate the oplog, and run any
// merge the policy now calls for. It also services manual flush
// requests sent on checkpointNow (the supplemented _flush endpoint,
// SPEC_FULL.md §5) and exits when stopCh closes.
func (idx *Index) checkpointLoop() {
	defer idx.wg.Done()

	ticker := time.NewTicker(idx.opts.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stopCh:
			return
		case reply := <-idx.checkpointNow:
			reply <- idx.runCheckpoint()
		case <-idx.wake:
			if err := idx.maybeCheckpoint(); err != nil {
				idx.opts.Logger.Printf("index %s: checkpoint failed: %v", idx.Name, err)
			}
		case <-ticker.C:
			if err := idx.maybeCheckpoint(); err != nil {
				idx.opts.Logger.Printf("index %s: checkpoint failed: %v", idx.Name, err)
			}
		}
	}
}

func (idx *Index) maybeCheckpoint() error {
	if idx.stage.ByteSize() < idx.opts.RolloverBytes {
		return nil
	}
	return idx.runCheckpoint()
}

// Checkpoint forces an immediate checkpoint and waits for it to finish,
// the implementation behind the supplemented POST /{index}/_flush
// endpoint (SPEC_FULL.md §5).
func (idx *Index) Checkpoint() error {
	reply := make(chan error, 1)
	select {
	case idx.checkpointNow <- reply:
		return <-reply
	case <-idx.stopCh:
		return ErrShuttingDown
	}
}

// runCheckpoint implements spec §4.8's sequence. It is only ever called
// from checkpointLoop, so it does not need its own lock around the
// stage swap beyond writeMu (shared with Apply to keep the freeze point
// consistent with the last applied version).
func (idx *Index) runCheckpoint() error {
	idx.writeMu.Lock()
	frozen := idx.stage.Freeze()
	vr := frozen.VersionRange()
	if vr.First == vr.Last {
		idx.writeMu.Unlock()
		return nil
	}
	newStage := stage.New(vr.Last + 1)
	idx.stage = newStage
	idx.writeMu.Unlock()

	segID := NewSegmentID()
	path := filepath.Join(segmentsDir(idx.dir), segID+".seg")
	if err := fpseg.WriteFileSegment(path, frozen.Postings(), frozen.Tombstones(), frozen.Attributes(), frozen.DocVersions(), vr, idx.opts.BlockSize); err != nil {
		return fmt.Errorf("index: write segment %q: %w", segID, err)
	}
	fileSeg, err := fpseg.OpenFileSegment(path)
	if err != nil {
		return fmt.Errorf("index: reopen written segment %q: %w", segID, err)
	}

	// pubMu makes the segment-set append, manifest publish and oplog
	// truncate below a single unit with respect to WriteSnapshot, which
	// takes the same lock to read the matching (manifest, segset, oplog
	// tail) triple (spec §4.10 step 1).
	idx.pubMu.Lock()
	defer idx.pubMu.Unlock()

	idx.segs.Append(segID, fileSeg)

	if err := idx.publishManifest(); err != nil {
		return fmt.Errorf("index: publish manifest after checkpoint: %w", err)
	}
	if err := idx.ops.TruncateBefore(vr.Last + 1); err != nil {
		idx.opts.Logger.Printf("index %s: oplog truncate failed: %v", idx.Name, err)
	}
	metrics.CheckpointsTotal.Inc()

	return idx.maybeMerge()
}

// maybeMerge runs the tiered merge policy of spec §4.6 once per
// checkpoint: at most one merge per call, since a merge changes tiers
// and a fresh plan should be computed against the result before trying
// again.
func (idx *Index) maybeMerge() error {
	entries := idx.segs.Entries()
	run := segset.PlanMerge(entries, idx.opts.MergeRatio, idx.opts.MergeFanIn)
	if run == nil {
		return nil
	}

	olderCount := 0
	for _, e := range entries {
		if e == run[0] {
			break
		}
		olderCount++
	}
	older := entries[:olderCount]

	result, err := segset.Merge(older, run)
	if err != nil {
		return fmt.Errorf("index: merge: %w", err)
	}

	mergedID := NewSegmentID()
	path := filepath.Join(segmentsDir(idx.dir), mergedID+".seg")
	if err := fpseg.WriteFileSegment(path, result.Postings, result.Tombstones, result.Attributes, result.DocVersions, result.VersionRange, idx.opts.BlockSize); err != nil {
		return fmt.Errorf("index: write merged segment %q: %w", mergedID, err)
	}
	mergedSeg, err := fpseg.OpenFileSegment(path)
	if err != nil {
		return fmt.Errorf("index: reopen merged segment %q: %w", mergedID, err)
	}

	oldIDs := make([]string, len(run))
	for i, e := range run {
		oldIDs[i] = e.ID
	}

	mergedEntry := segset.NewEntry(mergedID, mergedSeg)
	if err := idx.segs.Replace(oldIDs, mergedEntry); err != nil {
		return fmt.Errorf("index: replace merge participants: %w", err)
	}

	metrics.MergesTotal.Inc()
	return idx.publishManifest()
}

// publishManifest writes the current segment set as the next manifest
// version (spec §4.7, §4.8 step 3) and swaps it in as the index's
// current manifest handle. The previous handle is marked dead rather
// than deleted outright: its file is only unlinked once every
// outstanding borrow on it (e.g. an in-flight WriteSnapshot) has
// released, per spec §4.7 publish step 6. Callers must hold pubMu.
func (idx *Index) publishManifest() error {
	entries := idx.segs.Entries()
	descs := make([]manifest.SegmentDescriptor, 0, len(entries))
	for _, e := range entries {
		fs, ok := e.Segment.(*fpseg.FileSegment)
		if !ok {
			continue
		}
		fi, err := os.Stat(fs.Path())
		if err != nil {
			return err
		}
		descs = append(descs, manifest.SegmentDescriptor{
			SegmentID:    e.ID,
			VersionRange: fs.VersionRange(),
			MinDocID:     fs.MinDocID(),
			MaxDocID:     fs.MaxDocID(),
			NumDocs:      fs.NumDocs(),
			NumPostings:  fs.NumPostings(),
			FileSize:     fi.Size(),
			Checksum:     uint64(fs.Checksum()),
		})
	}

	n := idx.nextManifestNum
	m := manifest.Manifest{IndexVersion: idx.stage.CurrentVersion(), Segments: descs}
	path, data, err := manifest.Publish(idx.manifestDir, n, m)
	if err != nil {
		return err
	}
	idx.nextManifestNum = n + 1

	newHandle := manifest.NewHandle(n, m, data, path)
	if old := idx.currentManifest.Swap(newHandle); old != nil {
		old.MarkDead()
	}
	return nil
}
