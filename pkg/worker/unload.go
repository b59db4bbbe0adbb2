package worker

import (
	"context"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// RunUnload formats this segment's rows of the target relation into dst.
// For a streamed unload the coordinator owns the stream-wide framing, so
// only rows leave here; an ON SEGMENT unload writes a complete standalone
// file, header and binary signature included.
func (w *Worker) RunUnload(ctx context.Context, st *Stmt, dst frameio.Peer) (*copywire.Report, error) {
	rel := st.Rel
	cols := st.Columns
	if len(cols) == 0 {
		cols = rel.ActiveColumns()
	}

	attnos := make([]int, len(cols))
	attrs := make([]relation.Attribute, len(cols))
	for i, name := range cols {
		at, err := rel.AttrByName(name)
		if err != nil {
			return nil, err
		}
		attnos[i] = at
		attrs[i] = rel.Attributes[at-1]
	}

	d := st.D
	eol := dialect.EOLBytes(d.EOL)
	report := copywire.NewReport()

	var buf []byte
	if d.OnSegment {
		if d.Mode == dialect.ModeBinary {
			buf = attparse.FormatBinaryHeader(buf, d.WithOIDs)
		} else if d.Header {
			buf = attparse.FormatHeader(buf, d, attrs, eol)
		}
	}

	if w.Scanner == nil {
		return nil, sreh.NewDataError("relation %q has no local storage to unload", rel.Name)
	}

	vals := make([][]byte, len(attrs))
	nls := make([]bool, len(attrs))

	err := w.Scanner.Scan(rel, func(src *relation.Relation, values [][]byte, nulls []bool, oid uint32) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		for i, at := range attnos {
			vals[i] = values[at-1]
			nls[i] = nulls[at-1]
		}
		switch d.Mode {
		case dialect.ModeText:
			buf = attparse.FormatText(buf, d, vals, nls, oid, eol)
		case dialect.ModeCSV:
			buf = attparse.FormatCSV(buf, d, vals, nls, oid, eol)
		case dialect.ModeBinary:
			buf = attparse.FormatBinary(buf, d.WithOIDs, vals, nls, oid)
		}
		report.NoteInserted(src.OID)

		if len(buf) >= w.Cfg.FlushThreshold {
			if _, werr := dst.Write(buf); werr != nil {
				return werr
			}
			buf = buf[:0]
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if d.OnSegment && d.Mode == dialect.ModeBinary {
		buf = attparse.FormatBinaryTrailer(buf)
	}
	if len(buf) > 0 {
		if _, werr := dst.Write(buf); werr != nil {
			return report, werr
		}
	}
	return report, dst.Flush()
}
