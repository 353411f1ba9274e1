// Package change holds the wire-level representation of writes to an
// index: the tagged Change union and the UpdateBatch that groups them
// (spec §3). It has no dependency on storage packages so that both the
// oplog and the stage can import it without a cycle.
package change

// Kind discriminates the Change union.
type Kind uint8

const (
	Insert Kind = iota
	Delete
	SetAttribute
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case SetAttribute:
		return "set_attribute"
	default:
		return "unknown"
	}
}

// Change is a tagged union: Insert carries DocID+Hashes, Delete carries
// DocID, SetAttribute carries Name+Value. Fields unused by Kind are
// zero. msgpack tags use the short keys spec §6.1 assigns to the
// MessagePack transport; JSON keys are the long form from the same
// section.
type Change struct {
	Kind   Kind     `msgpack:"k" json:"kind"`
	DocID  uint32   `msgpack:"i,omitempty" json:"id,omitempty"`
	Hashes []uint32 `msgpack:"h,omitempty" json:"hashes,omitempty"`
	Name   string   `msgpack:"n,omitempty" json:"name,omitempty"`
	Value  int64    `msgpack:"v,omitempty" json:"value,omitempty"`
}

// UpdateBatch is the unit applied by Stage.Apply and persisted to the
// oplog (spec §3, §4.4).
type UpdateBatch struct {
	Changes         []Change          `msgpack:"c" json:"changes"`
	Metadata        map[string]string `msgpack:"m,omitempty" json:"metadata,omitempty"`
	ExpectedVersion *uint64           `msgpack:"e,omitempty" json:"expected_version,omitempty"`
}

// IsMetadataOnly reports whether the batch carries no changes; it does
// not look at Metadata (spec §9: an empty-changes batch with metadata is a no-op
// that still advances the version; without metadata it is BadRequest).
func (b UpdateBatch) IsMetadataOnly() bool {
	return len(b.Changes) == 0
}
