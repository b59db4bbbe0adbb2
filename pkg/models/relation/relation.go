package relation

import (
	"fmt"

	"github.com/pg-sharding/mcopy/pkg/models/hashfunction"
)

/* A few well-known type OIDs; everything else hashes as raw bytes. */
const (
	BoolOID    = uint32(16)
	CharOID    = uint32(18)
	Int8OID    = uint32(20)
	Int2OID    = uint32(21)
	Int4OID    = uint32(23)
	TextOID    = uint32(25)
	OIDOID     = uint32(26)
	Float4OID  = uint32(700)
	Float8OID  = uint32(701)
	BpcharOID  = uint32(1042)
	VarcharOID = uint32(1043)
	DateOID    = uint32(1082)
	UUIDOID    = uint32(2950)
)

// Attribute is one physical column, ordered by attribute number.
type Attribute struct {
	Name    string
	TypeOID uint32
	TypMod  int32
	Dropped bool
	NotNull bool

	/* opaque default-expression handle; evaluated via DefaultSource */
	HasDefault      bool
	DefaultConstant bool

	/* domain columns carry the base type the hasher should see */
	BaseTypeOID uint32
	IsArray     bool
}

// HashType reduces the attribute's type to the hasher's view of it.
func (a *Attribute) HashType() hashfunction.ColumnType {
	t := a.TypeOID
	if a.BaseTypeOID != 0 {
		t = a.BaseTypeOID
	}
	if a.IsArray {
		return hashfunction.ColumnTypeAnyArray
	}
	switch t {
	case Int2OID, Int4OID, Int8OID:
		return hashfunction.ColumnTypeInteger
	case OIDOID:
		return hashfunction.ColumnTypeUinteger
	case Float4OID, Float8OID:
		return hashfunction.ColumnTypeFloat
	case BoolOID:
		return hashfunction.ColumnTypeBoolean
	case BpcharOID:
		return hashfunction.ColumnTypeBpchar
	case UUIDOID:
		return hashfunction.ColumnTypeUUID
	case DateOID:
		return hashfunction.ColumnTypeDate
	default:
		return hashfunction.ColumnTypeVarchar
	}
}

// Relation describes one COPY target: its physical columns, distribution
// key and, for partitioned roots, the partition key.
type Relation struct {
	OID  uint32
	Name string

	Attributes []Attribute

	/* ordered 1-based attribute numbers; empty means no-key policy */
	DistKey  []int
	HashFunc string

	Partitioned  bool
	PartitionKey []int
}

// ActiveColumns returns the names of non-dropped columns in attribute order.
func (r *Relation) ActiveColumns() []string {
	cols := make([]string, 0, len(r.Attributes))
	for i := range r.Attributes {
		if r.Attributes[i].Dropped {
			continue
		}
		cols = append(cols, r.Attributes[i].Name)
	}
	return cols
}

// AttrByName resolves a column name to its 1-based attribute number.
func (r *Relation) AttrByName(name string) (int, error) {
	for i := range r.Attributes {
		if !r.Attributes[i].Dropped && r.Attributes[i].Name == name {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("column %q of relation %q does not exist", name, r.Name)
}

// RouteKey is the union of distribution and partition key attribute
// numbers: the columns the coordinator must parse to route a row.
func (r *Relation) RouteKey() []int {
	seen := map[int]bool{}
	var key []int
	for _, a := range r.DistKey {
		if !seen[a] {
			seen[a] = true
			key = append(key, a)
		}
	}
	for _, a := range r.PartitionKey {
		if !seen[a] {
			seen[a] = true
			key = append(key, a)
		}
	}
	return key
}

// MaxRouteAttr returns the highest attribute number routing needs, the
// "stop-after-column" hint for partial parsing. Zero means nothing to parse.
func (r *Relation) MaxRouteAttr() int {
	max := 0
	for _, a := range r.RouteKey() {
		if a > max {
			max = a
		}
	}
	return max
}
