package relation

// The COPY core talks to the rest of the database through these narrow
// interfaces; catalog lookups, expression evaluation and storage all live
// on the other side.

// PartitionResolver picks the leaf partition for a row of the root
// relation. A nil resolver (or a non-partitioned root) routes by the root's
// own policy.
type PartitionResolver interface {
	// ResolveLeaf maps partition-key values to the owning child relation.
	// values/nulls are indexed by 0-based attribute position of the root.
	ResolveLeaf(root *Relation, values [][]byte, nulls []bool) (*Relation, error)
}

// DefaultSource evaluates a column's default expression and returns its
// serialized text form. Non-constant defaults must be evaluated exactly
// once per row, on the coordinator, so primaries and mirrors observe the
// same value.
type DefaultSource interface {
	EvalDefault(rel *Relation, attno int) (value []byte, isNull bool, err error)
}

// TableAccess is the worker-side insert interface over the storage engines.
// Row-confined failures (type input, constraint violations) must come back
// as DataErrors so single-row error handling can absorb them.
type TableAccess interface {
	Insert(rel *Relation, values [][]byte, nulls []bool, oid uint32) error
}

// TableScanner streams the locally stored rows of a relation, leaf
// partitions included, for unload. Values arrive in the outbound external
// form of the running command: text serialization, or send-format images
// in BINARY mode. values/nulls are indexed by 0-based attribute position
// of the yielding relation.
type TableScanner interface {
	Scan(rel *Relation, fn func(rel *Relation, values [][]byte, nulls []bool, oid uint32) error) error
}

// BinaryInput validates and decodes one binary-mode field of the given
// type. It must consume the whole slice; decoders report how many bytes
// they actually used so short reads surface as data errors.
type BinaryInput interface {
	Decode(typeOID uint32, data []byte) (consumed int, err error)
}

// Transcoder converts one assembled row from the client encoding to the
// server encoding. Needed reports whether any conversion applies; when the
// encodings match, rows pass through untouched.
type Transcoder interface {
	Needed() bool
	Convert(line []byte) ([]byte, error)
}
