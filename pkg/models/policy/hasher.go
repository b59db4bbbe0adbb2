package policy

import (
	"math/rand"

	"github.com/pg-sharding/mcopy/pkg/models/hashfunction"
)

/* initial offset basis for the per-tuple hash (FNV-1 32-bit basis) */
const hashInitBasis = uint32(0x811c9dc5)

const rrIndexUpper = uint32(0xA0B0C0D1)

// TupleHasher carries the incremental routing-hash state for one command.
// Init resets it before each row; Feed/FeedNull fold the key columns in
// order; Reduce maps the accumulated hash onto a segment index.
//
// One hasher serves all rows of a command, so the no-key round-robin index
// advances across rows and spreads keyless tuples evenly.
type TupleHasher struct {
	hash    uint32
	numsegs int
	bitmask bool
	hf      hashfunction.HashFunctionType

	rrIndex uint32
}

func NewTupleHasher(numsegs int, hf hashfunction.HashFunctionType) *TupleHasher {
	return &TupleHasher{
		numsegs: numsegs,
		bitmask: numsegs&(numsegs-1) == 0,
		hf:      hf,
		/* seeded once per hasher: commands that reuse the hasher for all
		   rows distribute keyless tuples round-robin from a random start */
		rrIndex: rand.Uint32() % rrIndexUpper,
	}
}

func (h *TupleHasher) Init() {
	h.hash = hashInitBasis
}

func (h *TupleHasher) Feed(value []byte, ctype hashfunction.ColumnType) error {
	buf, err := hashfunction.Canonicalize(value, ctype)
	if err != nil {
		return err
	}
	h.hash, err = hashfunction.Fold(h.hash, buf, h.hf)
	return err
}

// FeedBinary folds a key column whose value is still the binary wire image.
func (h *TupleHasher) FeedBinary(value []byte, ctype hashfunction.ColumnType) error {
	buf, err := hashfunction.CanonicalizeBinary(value, ctype)
	if err != nil {
		return err
	}
	h.hash, err = hashfunction.Fold(h.hash, buf, h.hf)
	return err
}

func (h *TupleHasher) FeedNull() error {
	var err error
	h.hash, err = hashfunction.FoldNull(h.hash, h.hf)
	return err
}

// NoKey folds the round-robin index for a relation with an empty policy and
// advances it for the next row.
func (h *TupleHasher) NoKey() {
	h.hash, _ = hashfunction.Fold(h.hash, hashfunction.EncodeUInt64(uint64(h.rrIndex)), h.hf)
	h.rrIndex++
}

// Reduce maps the hash to [0, numsegs): bitmask when the segment count is a
// power of two, plain mod otherwise.
func (h *TupleHasher) Reduce() int {
	if h.bitmask {
		return int(h.hash & uint32(h.numsegs-1))
	}
	return int(h.hash % uint32(h.numsegs))
}

func (h *TupleHasher) Segments() int {
	return h.numsegs
}
