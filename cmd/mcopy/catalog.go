package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/dispatch"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
	"github.com/pg-sharding/mcopy/pkg/worker"
)

// catalog is the static relation catalog built from the cluster config.
// It backs every narrow interface the copy core needs: name resolution,
// leaf-partition lookup, default evaluation and child enumeration.
type catalog struct {
	rels        map[string]*relation.Relation
	children    map[uint32][]*relation.Relation
	partAttno   map[uint32]int
	leafByValue map[uint32]map[string]*relation.Relation
	defaults    map[uint32]map[int]string
}

/* first OID assigned to a config relation, in declaration order */
const firstRelOID = uint32(16384)

func newCatalog(cfg *config.McopyConfig) (*catalog, error) {
	cat := &catalog{
		rels:        map[string]*relation.Relation{},
		children:    map[uint32][]*relation.Relation{},
		partAttno:   map[uint32]int{},
		leafByValue: map[uint32]map[string]*relation.Relation{},
		defaults:    map[uint32]map[int]string{},
	}

	oid := firstRelOID
	for i := range cfg.Relations {
		rc := &cfg.Relations[i]
		if cat.rels[rc.Name] != nil {
			return nil, fmt.Errorf("relation %q declared more than once", rc.Name)
		}

		attrs, defs, err := buildAttributes(rc)
		if err != nil {
			return nil, err
		}
		root := &relation.Relation{
			OID:        oid,
			Name:       rc.Name,
			Attributes: attrs,
			HashFunc:   rc.HashFunction,
		}
		oid++
		for _, key := range rc.DistributionKey {
			at, aerr := root.AttrByName(key)
			if aerr != nil {
				return nil, aerr
			}
			root.DistKey = append(root.DistKey, at)
		}
		cat.rels[rc.Name] = root
		cat.defaults[root.OID] = defs

		if rc.PartitionBy == "" {
			continue
		}
		at, aerr := root.AttrByName(rc.PartitionBy)
		if aerr != nil {
			return nil, aerr
		}
		root.Partitioned = true
		root.PartitionKey = []int{at}
		cat.partAttno[root.OID] = at

		byValue := map[string]*relation.Relation{}
		for _, pc := range rc.Partitions {
			if cat.rels[pc.Name] != nil {
				return nil, fmt.Errorf("relation %q declared more than once", pc.Name)
			}
			leaf := &relation.Relation{
				OID:        oid,
				Name:       pc.Name,
				Attributes: attrs,
				DistKey:    root.DistKey,
				HashFunc:   rc.HashFunction,
			}
			oid++
			cat.rels[pc.Name] = leaf
			cat.defaults[leaf.OID] = defs
			cat.children[root.OID] = append(cat.children[root.OID], leaf)
			for _, v := range pc.Values {
				if byValue[v] != nil {
					return nil, fmt.Errorf("partition value %q of relation %q declared more than once", v, rc.Name)
				}
				byValue[v] = leaf
			}
		}
		cat.leafByValue[root.OID] = byValue
	}
	return cat, nil
}

func buildAttributes(rc *config.Relation) ([]relation.Attribute, map[int]string, error) {
	if len(rc.Columns) == 0 {
		return nil, nil, fmt.Errorf("relation %q has no columns", rc.Name)
	}
	attrs := make([]relation.Attribute, len(rc.Columns))
	defs := map[int]string{}
	for i, c := range rc.Columns {
		t, isArray, err := resolveType(c.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("relation %q: %v", rc.Name, err)
		}
		attrs[i] = relation.Attribute{
			Name:    c.Name,
			TypeOID: t,
			TypMod:  -1,
			NotNull: c.NotNull,
			IsArray: isArray,
		}
		if c.Default != nil {
			attrs[i].HasDefault = true
			attrs[i].DefaultConstant = true
			defs[i+1] = *c.Default
		}
	}
	return attrs, defs, nil
}

var typeOIDs = map[string]uint32{
	"bool":              relation.BoolOID,
	"boolean":           relation.BoolOID,
	"char":              relation.CharOID,
	"smallint":          relation.Int2OID,
	"int2":              relation.Int2OID,
	"int":               relation.Int4OID,
	"integer":           relation.Int4OID,
	"int4":              relation.Int4OID,
	"bigint":            relation.Int8OID,
	"int8":              relation.Int8OID,
	"oid":               relation.OIDOID,
	"real":              relation.Float4OID,
	"float4":            relation.Float4OID,
	"double precision":  relation.Float8OID,
	"float8":            relation.Float8OID,
	"text":              relation.TextOID,
	"bpchar":            relation.BpcharOID,
	"character":         relation.BpcharOID,
	"varchar":           relation.VarcharOID,
	"character varying": relation.VarcharOID,
	"date":              relation.DateOID,
	"uuid":              relation.UUIDOID,
}

func resolveType(name string) (uint32, bool, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	isArray := strings.HasSuffix(n, "[]")
	if isArray {
		n = strings.TrimSpace(strings.TrimSuffix(n, "[]"))
	}
	t, ok := typeOIDs[n]
	if !ok {
		return 0, false, fmt.Errorf("unknown column type %q", name)
	}
	return t, isArray, nil
}

func (c *catalog) RelationByName(name string) (*relation.Relation, error) {
	if rel, ok := c.rels[name]; ok {
		return rel, nil
	}
	return nil, fmt.Errorf("relation %q does not exist", name)
}

// ResolveLeaf implements list partitioning: the partition-key value picks
// the owning child by exact match.
func (c *catalog) ResolveLeaf(root *relation.Relation, values [][]byte, nulls []bool) (*relation.Relation, error) {
	at := c.partAttno[root.OID]
	if at == 0 {
		return nil, nil
	}
	if nulls[at-1] {
		return nil, sreh.NewDataError(
			"no partition of relation %q found for a null partition key", root.Name)
	}
	leaf := c.leafByValue[root.OID][string(values[at-1])]
	if leaf == nil {
		return nil, sreh.NewDataError(
			"no partition of relation %q found for partition key value %q", root.Name, values[at-1])
	}
	return leaf, nil
}

func (c *catalog) EvalDefault(rel *relation.Relation, attno int) ([]byte, bool, error) {
	if v, ok := c.defaults[rel.OID][attno]; ok {
		return []byte(v), false, nil
	}
	return nil, false, fmt.Errorf(
		"column %q of relation %q has no default expression",
		rel.Attributes[attno-1].Name, rel.Name)
}

func (c *catalog) Children(root *relation.Relation) []*relation.Relation {
	return c.children[root.OID]
}

var (
	_ relation.PartitionResolver = (*catalog)(nil)
	_ relation.DefaultSource     = (*catalog)(nil)
)

/* binWidth: fixed-width wire sizes of the well-known types */
var binWidth = map[uint32]int{
	relation.BoolOID:   1,
	relation.CharOID:   1,
	relation.Int2OID:   2,
	relation.Int4OID:   4,
	relation.Int8OID:   8,
	relation.OIDOID:    4,
	relation.Float4OID: 4,
	relation.Float8OID: 8,
	relation.DateOID:   4,
	relation.UUIDOID:   16,
}

// typeChecker validates binary-mode field images: fixed-width types must
// arrive at exactly their wire size, varlena types accept any bytes.
type typeChecker struct{}

func (typeChecker) Decode(typeOID uint32, data []byte) (int, error) {
	if w, ok := binWidth[typeOID]; ok {
		if len(data) != w {
			return 0, fmt.Errorf("incorrect binary data format for type oid %d", typeOID)
		}
		return w, nil
	}
	return len(data), nil
}

var _ relation.BinaryInput = typeChecker{}

// stmtResolver is the worker daemon's SQL layer: it reads a dispatched
// statement back and resolves it against the local catalog.
type stmtResolver struct {
	cat *catalog
}

func (r *stmtResolver) Resolve(sql string) (*worker.Stmt, dialect.Direction, error) {
	ps, err := dispatch.ParseStatement(sql)
	if err != nil {
		return nil, 0, err
	}
	rel, err := r.cat.RelationByName(ps.Relation)
	if err != nil {
		return nil, 0, err
	}
	cols := ps.Columns
	if len(cols) == 0 {
		cols = rel.ActiveColumns()
	}
	d, err := dialect.Parse(ps.Dir, cols, ps.Options, false)
	if err != nil {
		return nil, 0, err
	}
	st := &worker.Stmt{
		Rel:      rel,
		Columns:  ps.Columns,
		D:        d,
		Filename: ps.Filename,
		Program:  ps.Program,
		XID:      uuid.NewString(),
	}
	return st, ps.Dir, nil
}

var _ worker.StmtResolver = (*stmtResolver)(nil)
