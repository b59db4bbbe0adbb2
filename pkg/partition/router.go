package partition

import (
	"fmt"

	"github.com/pg-sharding/mcopy/pkg/models/policy"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
)

type cacheEntry struct {
	rel    *relation.Relation
	policy *policy.Policy
	hasher *policy.TupleHasher
}

// Router picks the target segment for a row, resolving the leaf partition
// first when the root is partitioned. One policy and hasher per child is
// built on first sight and cached for the life of the command; the whole
// cache is dropped with the command.
type Router struct {
	root     *relation.Relation
	resolver relation.PartitionResolver
	numsegs  int

	rootEntry *cacheEntry
	cache     map[uint32]*cacheEntry

	/* COPY ON SEGMENT requires children to route like the root */
	requireUniform bool

	/* key values arrive as binary wire images, not text */
	binary bool
}

func NewRouter(root *relation.Relation, resolver relation.PartitionResolver, numsegs int, requireUniform bool) (*Router, error) {
	p, err := policy.ForRelation(root)
	if err != nil {
		return nil, err
	}
	return &Router{
		root:     root,
		resolver: resolver,
		numsegs:  numsegs,
		rootEntry: &cacheEntry{
			rel:    root,
			policy: p,
			hasher: policy.NewTupleHasher(numsegs, p.Hash),
		},
		cache:          map[uint32]*cacheEntry{},
		requireUniform: requireUniform,
	}, nil
}

// Route returns the target segment and the relation the row lands in.
func (rt *Router) Route(values [][]byte, nulls []bool) (int, *relation.Relation, error) {
	entry := rt.rootEntry

	if rt.root.Partitioned && rt.resolver != nil {
		leaf, err := rt.resolver.ResolveLeaf(rt.root, values, nulls)
		if err != nil {
			return 0, nil, err
		}
		if leaf != nil && leaf.OID != rt.root.OID {
			entry, err = rt.childEntry(leaf)
			if err != nil {
				return 0, nil, err
			}
		}
	}

	target := entry.policy.TargetSegment
	if rt.binary {
		target = entry.policy.TargetSegmentBinary
	}
	seg, err := target(entry.hasher, values, nulls)
	if err != nil {
		return 0, nil, err
	}
	return seg, entry.rel, nil
}

// BinaryValues switches key canonicalization to the binary wire format for
// every relation this router touches.
func (rt *Router) BinaryValues() {
	rt.binary = true
}

func (rt *Router) childEntry(leaf *relation.Relation) (*cacheEntry, error) {
	if e, ok := rt.cache[leaf.OID]; ok {
		return e, nil
	}
	p, err := policy.ForRelation(leaf)
	if err != nil {
		return nil, err
	}
	if rt.requireUniform && !p.Equivalent(rt.rootEntry.policy) {
		return nil, fmt.Errorf(
			"partition %q has a distribution policy incompatible with its root; COPY ON SEGMENT cannot proceed",
			leaf.Name)
	}
	e := &cacheEntry{
		rel:    leaf,
		policy: p,
		hasher: policy.NewTupleHasher(rt.numsegs, p.Hash),
	}
	rt.cache[leaf.OID] = e
	return e, nil
}
