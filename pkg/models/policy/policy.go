package policy

import (
	"github.com/pg-sharding/mcopy/pkg/models/hashfunction"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// Policy is a relation's distribution policy: the ordered distribution-key
// attribute numbers with their cached hash types. An empty Attrs list means
// the relation has no hash key and rows go to the round-robin bucket.
type Policy struct {
	Attrs []int /* 1-based attribute numbers */
	Types []hashfunction.ColumnType
	Hash  hashfunction.HashFunctionType
}

// ForRelation builds the policy from relation metadata, normalizing each
// key column's type (domain to base type, arrays to anyarray).
func ForRelation(rel *relation.Relation) (*Policy, error) {
	hf, err := hashfunction.HashFunctionByName(rel.HashFunc)
	if err != nil {
		return nil, err
	}
	p := &Policy{
		Attrs: rel.DistKey,
		Types: make([]hashfunction.ColumnType, len(rel.DistKey)),
		Hash:  hf,
	}
	for i, attno := range rel.DistKey {
		p.Types[i] = rel.Attributes[attno-1].HashType()
	}
	return p, nil
}

// Equivalent reports whether two policies route identically: same key
// positions, same hash types, same hash function.
func (p *Policy) Equivalent(o *Policy) bool {
	if p.Hash != o.Hash || len(p.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range p.Attrs {
		if p.Attrs[i] != o.Attrs[i] || p.Types[i] != o.Types[i] {
			return false
		}
	}
	return true
}

// TargetSegment hashes the key columns of one row and returns the owning
// segment. values/nulls are indexed by 0-based attribute position; a key
// value failing its type's canonicalization is a data error.
func (p *Policy) TargetSegment(h *TupleHasher, values [][]byte, nulls []bool) (int, error) {
	return p.target(h, values, nulls, false)
}

// TargetSegmentBinary routes a row whose key values are binary wire images
// rather than text.
func (p *Policy) TargetSegmentBinary(h *TupleHasher, values [][]byte, nulls []bool) (int, error) {
	return p.target(h, values, nulls, true)
}

func (p *Policy) target(h *TupleHasher, values [][]byte, nulls []bool, bin bool) (int, error) {
	h.Init()
	if len(p.Attrs) == 0 {
		h.NoKey()
		return h.Reduce(), nil
	}
	for i, attno := range p.Attrs {
		if nulls[attno-1] {
			if err := h.FeedNull(); err != nil {
				return 0, err
			}
			continue
		}
		var err error
		if bin {
			err = h.FeedBinary(values[attno-1], p.Types[i])
		} else {
			err = h.Feed(values[attno-1], p.Types[i])
		}
		if err != nil {
			return 0, sreh.NewDataError("invalid distribution key value: %v", err)
		}
	}
	return h.Reduce(), nil
}
