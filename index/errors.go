package index

import "errors"

// Error kinds surfaced by the core, per spec §7. Wrapped with
// fmt.Errorf("...: %w", ...) at each boundary and matched with
// errors.Is, the way the teacher's core.Err* sentinels are used.
var (
	ErrIndexNotFound         = errors.New("index: not found")
	ErrIndexAlreadyExists    = errors.New("index: already exists")
	ErrFingerprintNotFound   = errors.New("index: fingerprint not found")
	ErrFingerprintOutOfRange = errors.New("index: fingerprint id out of range")
	ErrBadIndexName          = errors.New("index: bad index name")
	ErrBadRequest            = errors.New("index: bad request")
	ErrShuttingDown          = errors.New("index: shutting down")
)
