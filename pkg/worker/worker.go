// Package worker runs the receiving side of a distributed COPY on one
// segment: it re-splits the coordinator's framed stream (or reads its own
// per-segment file), parses every row in full, fills defaults, checks row
// ownership for ON SEGMENT loads and hands tuples to storage. Its final
// word on a command is the per-relation count report.
package worker

import (
	"context"
	"io"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/partition"
	"github.com/pg-sharding/mcopy/pkg/rowreader"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// Stmt is one COPY statement as the worker's SQL layer resolved it.
type Stmt struct {
	Rel *relation.Relation

	/* the dispatched column list: the client's columns plus any
	   coordinator-synthesized default columns */
	Columns []string

	D *dialect.Dialect

	/* ON SEGMENT source or sink, <SEGID> token unexpanded */
	Filename string
	Program  string

	XID string

	/* rows arrive framed from the coordinator rather than raw from a
	   file or program */
	Framed bool
}

// Worker is one segment's COPY executor. The interfaces connect it to the
// rest of the local database instance.
type Worker struct {
	ID  int
	Cfg *config.McopyConfig

	Table      relation.TableAccess
	Scanner    relation.TableScanner
	BinIn      relation.BinaryInput
	Resolver   relation.PartitionResolver
	Defaults   relation.DefaultSource
	Transcoder relation.Transcoder

	/* local reject-record persistence for LOG ERRORS */
	LogStore sreh.LogSink
}

/* per-command parse state */
type loadState struct {
	st     *Stmt
	d      *dialect.Dialect
	attnos []int
	attrs  []relation.Attribute

	/* attnos absent from the column list that carry a default */
	defaultAttnos []int
	constVal      map[int][]byte
	constNull     map[int]bool

	res       *attparse.Result
	relValues [][]byte
	relNulls  []bool

	router *partition.Router
}

// RunLoad consumes one COPY FROM stream and returns the per-relation count
// report. A returned error is terminal for the command; everything
// row-confined has already been absorbed or counted by then.
func (w *Worker) RunLoad(ctx context.Context, st *Stmt, src frameio.Peer) (*copywire.Report, error) {
	ls, err := w.planLoad(st)
	if err != nil {
		return nil, err
	}
	d := ls.d

	if mp, ok := src.(*frameio.MessagePeer); ok {
		mp.InterceptControl(func(p []byte) (bool, error) {
			if !copywire.IsLogRecord(p) {
				return false, nil
			}
			rec, derr := copywire.DecodeLogRecord(p)
			if derr != nil {
				return true, derr
			}
			if w.LogStore == nil {
				return true, nil
			}
			return true, w.LogStore.Persist(rec)
		})
	}

	report := copywire.NewReport()
	handler := sreh.NewHandler(d, st.Rel.Name, st.Filename, w.Cfg.RejectCheckMinRows, w.LogStore)
	reader := rowreader.New(d, src, w.Cfg.RawBufSize, w.Cfg.MaxCSVLineSize)
	if st.Framed && d.Mode == dialect.ModeBinary {
		reader.FramedBinary(d.WithOIDs)
	}

	/* the coordinator consumes the streamed header; a per-segment file
	   carries its own */
	headerPending := d.Header && !st.Framed && d.Mode != dialect.ModeBinary

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		lb, rerr := reader.ReadLine()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if !sreh.IsDataError(rerr) {
				return report, rerr
			}
			handler.NoteProcessed()
			if herr := handler.HandleError(reader.Lineno(), nil, false, rerr); herr != nil {
				return report, herr
			}
			continue
		}
		if lb.EndMarker {
			break
		}
		if headerPending {
			headerPending = false
			continue
		}

		lineno := reader.Lineno()
		if st.Framed {
			var merr error
			if d.Mode == dialect.ModeBinary {
				lineno, merr = copywire.ExtractBinaryMeta(lb)
			} else {
				lineno, merr = copywire.ExtractTextMeta(lb)
			}
			if merr != nil {
				handler.NoteProcessed()
				if herr := handler.HandleError(reader.Lineno(), lb.Data, false, merr); herr != nil {
					return report, herr
				}
				continue
			}
		}

		handler.NoteProcessed()
		if perr := w.processRow(ls, lb, report); perr != nil {
			if herr := handler.HandleError(lineno, lb.Rest(), lb.Converted, perr); herr != nil {
				return report, herr
			}
		}
	}

	report.Rejected = handler.Rejected()
	return report, nil
}

func (w *Worker) planLoad(st *Stmt) (*loadState, error) {
	rel := st.Rel
	cols := st.Columns
	if len(cols) == 0 {
		cols = rel.ActiveColumns()
	}

	attnos := make([]int, len(cols))
	attrs := make([]relation.Attribute, len(cols))
	present := map[int]bool{}
	for i, name := range cols {
		at, err := rel.AttrByName(name)
		if err != nil {
			return nil, err
		}
		if present[at] {
			return nil, sreh.NewDataError("column %q specified more than once", name)
		}
		present[at] = true
		attnos[i] = at
		attrs[i] = rel.Attributes[at-1]
	}

	var defaultAttnos []int
	for at := 1; at <= len(rel.Attributes); at++ {
		if present[at] || rel.Attributes[at-1].Dropped {
			continue
		}
		if rel.Attributes[at-1].HasDefault {
			defaultAttnos = append(defaultAttnos, at)
		}
	}

	d := st.D
	if st.Framed && d.Mode != dialect.ModeBinary {
		/* the coordinator normalizes frames to LF regardless of the
		   client's newline discipline */
		dd := *d
		dd.EOL = dialect.EOLLF
		d = &dd
	}

	ls := &loadState{
		st:            st,
		d:             d,
		attnos:        attnos,
		attrs:         attrs,
		defaultAttnos: defaultAttnos,
		constVal:      map[int][]byte{},
		constNull:     map[int]bool{},
		res:           attparse.NewResult(len(attrs)),
		relValues:     make([][]byte, len(rel.Attributes)),
		relNulls:      make([]bool, len(rel.Attributes)),
	}

	if d.OnSegment && !st.Framed && len(rel.DistKey) > 0 {
		/* ownership check: every row of a per-segment file must hash to
		   this very segment. A keyless relation has no owner; its rows
		   stay wherever the file put them. */
		rt, err := partition.NewRouter(rel, w.Resolver, len(w.Cfg.Segments),
			!w.Cfg.IgnorePartitionPolicyMismatch)
		if err != nil {
			return nil, err
		}
		if d.Mode == dialect.ModeBinary {
			rt.BinaryValues()
		}
		ls.router = rt
	}
	return ls, nil
}

func (w *Worker) processRow(ls *loadState, lb *linebuf.LineBuf, report *copywire.Report) error {
	d := ls.d

	if d.Mode != dialect.ModeBinary && !lb.Converted &&
		w.Transcoder != nil && w.Transcoder.Needed() {
		conv, err := w.Transcoder.Convert(lb.Rest())
		if err != nil {
			return sreh.NewDataError("%s", err.Error())
		}
		lb.Data = append(lb.Data[:lb.Cursor], conv...)
		lb.Converted = true
	}

	var err error
	switch d.Mode {
	case dialect.ModeText:
		err = attparse.ParseText(lb, d, ls.attrs, ls.res, 0)
	case dialect.ModeCSV:
		err = attparse.ParseCSV(lb, d, ls.attrs, ls.res, 0)
	case dialect.ModeBinary:
		err = attparse.ParseBinary(lb, d, ls.attrs, ls.res, 0, false, w.BinIn)
	}
	if err != nil {
		return err
	}

	for i := range ls.relNulls {
		ls.relValues[i] = nil
		ls.relNulls[i] = true
	}
	for i := 0; i < ls.res.Parsed; i++ {
		at := ls.attnos[i] - 1
		ls.relValues[at] = ls.res.Values[i]
		ls.relNulls[at] = ls.res.Nulls[i]
	}

	if err := w.fillDefaults(ls); err != nil {
		return err
	}

	rel := ls.st.Rel
	leaf := rel
	if ls.router != nil {
		seg, lrel, rerr := ls.router.Route(ls.relValues, ls.relNulls)
		if rerr != nil {
			return rerr
		}
		if seg != w.ID {
			return sreh.NewDataError(
				"value of distribution key doesn't belong to segment with ID %d, it belongs to segment with ID %d",
				w.ID, seg)
		}
		leaf = lrel
	} else if rel.Partitioned && w.Resolver != nil {
		lrel, rerr := w.Resolver.ResolveLeaf(rel, ls.relValues, ls.relNulls)
		if rerr != nil {
			return rerr
		}
		if lrel != nil {
			leaf = lrel
		}
	}

	if err := w.Table.Insert(leaf, ls.relValues, ls.relNulls, ls.res.OID); err != nil {
		return err
	}
	report.NoteInserted(leaf.OID)
	return nil
}

// fillDefaults evaluates the defaults of columns outside the dispatched
// column list. Constant defaults evaluate once per command; anything
// volatile in the routing key was already synthesized by the coordinator
// and is part of the column list.
func (w *Worker) fillDefaults(ls *loadState) error {
	for _, at := range ls.defaultAttnos {
		if v, ok := ls.constVal[at]; ok {
			ls.relValues[at-1] = v
			ls.relNulls[at-1] = ls.constNull[at]
			continue
		}
		if w.Defaults == nil {
			continue
		}
		v, isNull, err := w.Defaults.EvalDefault(ls.st.Rel, at)
		if err != nil {
			return err
		}
		ls.relValues[at-1] = v
		ls.relNulls[at-1] = isNull
		if ls.st.Rel.Attributes[at-1].DefaultConstant {
			ls.constVal[at] = v
			ls.constNull[at] = isNull
		}
	}
	return nil
}
