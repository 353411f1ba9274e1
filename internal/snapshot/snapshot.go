// Package snapshot implements the point-in-time tar stream of spec
// §4.10 / §6.3: the exact bytes of the current manifest, the segment
// files it references, and the tail of the oplog needed to reach the
// current version. Acquiring and releasing borrow tokens on the
// referenced segments is the caller's responsibility (index.Index owns
// the segment set); this package only knows how to lay the bytes out.
package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write emits a POSIX ustar stream to w containing:
//   - "manifest": manifestBytes, verbatim.
//   - "segments/<id>": the exact bytes of each file in segmentFiles
//     (segment id -> on-disk path).
//   - "oplog/<basename>": the exact bytes of each file in oplogFiles,
//     in the order given.
func Write(w io.Writer, manifestBytes []byte, segmentFiles map[string]string, oplogFiles []string) error {
	tw := tar.NewWriter(w)

	if err := writeEntry(tw, "manifest", manifestBytes); err != nil {
		return err
	}

	for id, path := range segmentFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("snapshot: read segment %q: %w", path, err)
		}
		if err := writeEntry(tw, filepath.Join("segments", id), data); err != nil {
			return err
		}
	}

	for _, path := range oplogFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("snapshot: read oplog file %q: %w", path, err)
		}
		name := filepath.Join("oplog", filepath.Base(path))
		if err := writeEntry(tw, name, data); err != nil {
			return err
		}
	}

	return tw.Close()
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("snapshot: write header %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("snapshot: write body %q: %w", name, err)
	}
	return nil
}
