// Package tablestore is the file-backed storage engine behind the worker
// daemon: one append-only row file per relation under the segment data
// directory. Rows are kept in a fixed internal text serialization (tab
// delimited, backslash escaped, row OID first), so a stored file reads
// back with the same machinery that parses client input.
package tablestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/rowreader"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// ChildLister enumerates the leaf partitions of a partitioned root, so a
// scan of the root also visits rows that landed in its children.
type ChildLister interface {
	Children(root *relation.Relation) []*relation.Relation
}

/* the on-disk serialization; frozen, independent of any client dialect */
var storeDialect = &dialect.Dialect{
	Mode:         dialect.ModeText,
	Delim:        '\t',
	Null:         []byte(`\N`),
	Escape:       '\\',
	EOL:          dialect.EOLLF,
	WithOIDs:     true,
	ForceQuote:   map[int]bool{},
	ForceNotNull: map[int]bool{},
}

var storeEOL = []byte{'\n'}

type Store struct {
	dir      string
	bufSize  int
	maxLine  int
	children ChildLister

	mu     sync.Mutex
	files  map[string]*os.File
	buf    []byte
	oidSeq uint32
}

/* row OIDs below this are reserved for client-supplied ones */
const oidSeqBase = uint32(1 << 30)

func NewStore(dataDir string, bufSize, maxLineSize int, children ChildLister) *Store {
	return &Store{
		dir:      filepath.Join(dataDir, "base"),
		bufSize:  bufSize,
		maxLine:  maxLineSize,
		children: children,
		files:    map[string]*os.File{},
	}
}

// Insert appends one row to the relation's file. Constraint violations
// come back as data errors so single-row error handling can absorb them.
func (s *Store) Insert(rel *relation.Relation, values [][]byte, nulls []bool, oid uint32) error {
	for i := range rel.Attributes {
		at := &rel.Attributes[i]
		if at.NotNull && !at.Dropped && nulls[i] {
			return sreh.NewColumnDataError(at.Name,
				"null value in column %q violates not-null constraint", at.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(rel)
	if err != nil {
		return err
	}
	if oid == 0 {
		/* the serialization always carries a row OID; mint one when the
		   command did not supply it */
		s.oidSeq++
		oid = oidSeqBase + s.oidSeq
	}
	s.buf = attparse.FormatText(s.buf[:0], storeDialect, values, nulls, oid, storeEOL)
	if _, err := f.Write(s.buf); err != nil {
		return errors.Wrapf(err, "could not append to relation %q", rel.Name)
	}
	return nil
}

// Scan replays the stored rows of rel, leaf partitions included. A
// relation with no file yet simply yields nothing.
func (s *Store) Scan(rel *relation.Relation, fn func(rel *relation.Relation, values [][]byte, nulls []bool, oid uint32) error) error {
	rels := []*relation.Relation{rel}
	if rel.Partitioned && s.children != nil {
		rels = append(rels, s.children.Children(rel)...)
	}
	for _, r := range rels {
		if err := s.scanOne(r, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanOne(rel *relation.Relation, fn func(rel *relation.Relation, values [][]byte, nulls []bool, oid uint32) error) error {
	s.sync(rel)

	path := s.path(rel)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	p, err := frameio.OpenFile(path, frameio.ModeRead, s.bufSize)
	if err != nil {
		return errors.Wrapf(err, "could not open relation %q", rel.Name)
	}
	defer func() {
		_ = p.Close()
	}()

	reader := rowreader.New(storeDialect, p, s.bufSize, s.maxLine)
	res := attparse.NewResult(len(rel.Attributes))

	for {
		lb, rerr := reader.ReadLine()
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrapf(rerr, "relation %q is corrupted at line %d", rel.Name, reader.Lineno())
		}
		if lb.EndMarker {
			return nil
		}
		if perr := attparse.ParseText(lb, storeDialect, rel.Attributes, res, 0); perr != nil {
			return errors.Wrapf(perr, "relation %q is corrupted at line %d", rel.Name, reader.Lineno())
		}
		if err := fn(rel, res.Values, res.Nulls, res.OID); err != nil {
			return err
		}
	}
}

// Close flushes and releases every open relation file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for name, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, name)
	}
	return first
}

/* a scan must observe rows inserted earlier in the same command */
func (s *Store) sync(rel *relation.Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[rel.Name]; ok {
		_ = f.Sync()
	}
}

func (s *Store) file(rel *relation.Relation) (*os.File, error) {
	if f, ok := s.files[rel.Name]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "could not create storage directory")
	}
	f, err := os.OpenFile(s.path(rel), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open relation %q", rel.Name)
	}
	s.files[rel.Name] = f
	return f, nil
}

func (s *Store) path(rel *relation.Relation) string {
	return filepath.Join(s.dir, fileName(rel.Name))
}

func fileName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteString(fmt.Sprintf("_%04x", r))
		}
	}
	return sb.String() + ".dat"
}

var (
	_ relation.TableAccess  = (*Store)(nil)
	_ relation.TableScanner = (*Store)(nil)
)
