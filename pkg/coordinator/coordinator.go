// Package coordinator runs the dispatching side of a distributed COPY: it
// reads client rows, parses just enough of each one to pick a target
// segment, frames the row with its input line number and streams it to the
// worker session of that segment. The drain phase collects per-segment
// count reports and folds them into one result.
package coordinator

import (
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/copylog"
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/dispatch"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/partition"
	"github.com/pg-sharding/mcopy/pkg/rowreader"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// Stmt is one COPY statement after the SQL layer resolved it: the target
// relation, the client's column list and the frozen option set.
type Stmt struct {
	Rel *relation.Relation

	/* empty means all active columns in attribute order */
	Columns []string

	D *dialect.Dialect

	/* ON SEGMENT source or sink, <SEGID> token unexpanded; Program wins
	   when both are set */
	Filename string
	Program  string

	XID string
}

// Summary is the coordinator's final accounting for one command.
type Summary struct {
	Processed   int64
	Rejected    int64
	PerRelation map[uint32]int64
}

// Command is the coordinator-side execution state of one COPY.
type Command struct {
	cfg *config.McopyConfig
	st  *Stmt

	resolver   relation.PartitionResolver
	defaults   relation.DefaultSource
	transcoder relation.Transcoder

	/* input-ordered view of the column list */
	cols   []string
	attnos []int
	attrs  []relation.Attribute

	/* routing plan */
	stopAfter   int
	defaultCols []int /* attnos synthesized here, appended to each row */
	workerCols  []string

	sessions []*SegSession
	router   *partition.Router

	res       *attparse.Result
	relValues [][]byte
	relNulls  []bool
	frame     []byte
}

// NewCommand plans one COPY statement: resolves the column list, derives
// the partial-parse hint from the routing key and decides which absent
// routing columns the coordinator must synthesize from defaults.
func NewCommand(cfg *config.McopyConfig, st *Stmt,
	resolver relation.PartitionResolver, defaults relation.DefaultSource,
	transcoder relation.Transcoder) (*Command, error) {

	rel := st.Rel
	cols := st.Columns
	if len(cols) == 0 {
		cols = rel.ActiveColumns()
	}

	attnos := make([]int, len(cols))
	attrs := make([]relation.Attribute, len(cols))
	dup := map[int]bool{}
	for i, name := range cols {
		at, err := rel.AttrByName(name)
		if err != nil {
			return nil, err
		}
		if dup[at] {
			return nil, sreh.NewDataError("column %q specified more than once", name)
		}
		dup[at] = true
		attnos[i] = at
		attrs[i] = rel.Attributes[at-1]
	}

	posByAttno := map[int]int{}
	for i, at := range attnos {
		posByAttno[at] = i
	}

	stop := 0
	var defaultCols []int
	for _, at := range rel.RouteKey() {
		if p, ok := posByAttno[at]; ok {
			if p+1 > stop {
				stop = p + 1
			}
			continue
		}
		if rel.Attributes[at-1].HasDefault {
			defaultCols = append(defaultCols, at)
		}
		/* no default: the column is null in every row, nothing to parse */
	}
	sort.Ints(defaultCols)

	if len(defaultCols) > 0 {
		if st.D.Mode == dialect.ModeBinary {
			return nil, sreh.NewDataError(
				"BINARY mode cannot synthesize default values for distribution key columns")
		}
		if st.D.DelimOff {
			return nil, sreh.NewDataError(
				"DELIMITER 'off' cannot carry synthesized default columns")
		}
		if defaults == nil {
			return nil, sreh.NewDataError(
				"no default expression source for distribution key columns")
		}
	}

	workerCols := append([]string{}, cols...)
	for _, at := range defaultCols {
		workerCols = append(workerCols, rel.Attributes[at-1].Name)
	}

	return &Command{
		cfg:         cfg,
		st:          st,
		resolver:    resolver,
		defaults:    defaults,
		transcoder:  transcoder,
		cols:        cols,
		attnos:      attnos,
		attrs:       attrs,
		stopAfter:   stop,
		defaultCols: defaultCols,
		workerCols:  workerCols,
		res:         attparse.NewResult(len(attrs)),
		relValues:   make([][]byte, len(rel.Attributes)),
		relNulls:    make([]bool, len(rel.Attributes)),
	}, nil
}

// WorkerColumns is the column list of the dispatched statement: the
// client's columns plus the coordinator-synthesized default columns.
func (c *Command) WorkerColumns() []string {
	return c.workerCols
}

// RunLoad executes COPY FROM: streamed rows from src, or per-segment files
// and programs when ON SEGMENT was requested (src is ignored then).
func (c *Command) RunLoad(ctx context.Context, src frameio.Peer) (*Summary, error) {
	d := c.st.D

	sql := dispatch.RewriteCommand(c.st.Rel.Name, c.workerCols, d, dialect.DirectionLoad,
		c.st.Filename, c.st.Program)

	if err := c.openSessions(ctx, sql, !d.OnSegment, false); err != nil {
		c.closeSessions()
		return nil, err
	}
	defer c.closeSessions()

	if d.OnSegment {
		/* the workers read their own files; nothing to stream */
		return c.drain(false, nil)
	}

	rt, err := partition.NewRouter(c.st.Rel, c.resolver, len(c.sessions), false)
	if err != nil {
		c.abortSessions(err.Error())
		return nil, err
	}
	if d.Mode == dialect.ModeBinary {
		rt.BinaryValues()
	}
	c.router = rt

	var sink sreh.LogSink
	if d.LogErrors {
		sink = newRejectForwarder(c.sessions)
	}
	handler := sreh.NewHandler(d, c.st.Rel.Name, c.st.Filename, c.cfg.RejectCheckMinRows, sink)

	reader := rowreader.New(d, src, c.cfg.RawBufSize, c.cfg.MaxCSVLineSize)
	headerPending := d.Header && d.Mode != dialect.ModeBinary
	oidsChecked := d.Mode != dialect.ModeBinary

	for {
		if err := ctx.Err(); err != nil {
			c.abortSessions(err.Error())
			return nil, err
		}

		lb, rerr := reader.ReadLine()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if !sreh.IsDataError(rerr) {
				c.abortSessions(rerr.Error())
				return nil, rerr
			}
			handler.NoteProcessed()
			if herr := handler.HandleError(reader.Lineno(), nil, false, rerr); herr != nil {
				c.abortSessions(herr.Error())
				return nil, herr
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
		if !oidsChecked {
			oidsChecked = true
			/* the dispatched statement told the workers whether rows carry
			   OIDs; the stream header has to agree */
			if reader.WithOIDs() != d.WithOIDs {
				err := errors.New("OIDS setting in the binary stream header does not match the COPY command")
				c.abortSessions(err.Error())
				return nil, err
			}
		}

		handler.NoteProcessed()
		if perr := c.processRow(lb, reader.Lineno()); perr != nil {
			if herr := handler.HandleError(reader.Lineno(), lb.Data, lb.Converted, perr); herr != nil {
				c.abortSessions(herr.Error())
				return nil, herr
			}
		}
	}

	return c.drain(true, handler)
}

// processRow takes one client row from the line buffer to a worker
// session: encoding conversion, partial parse, default synthesis, routing
// and framing.
func (c *Command) processRow(lb *linebuf.LineBuf, lineno int64) error {
	d := c.st.D

	if d.Mode != dialect.ModeBinary && !lb.Converted &&
		c.transcoder != nil && c.transcoder.Needed() {
		conv, err := c.transcoder.Convert(lb.Data)
		if err != nil {
			return sreh.NewDataError("%s", err.Error())
		}
		lb.Data = conv
		lb.Converted = true
	}

	if c.stopAfter > 0 || len(c.defaultCols) > 0 {
		if err := c.parseRoutingColumns(lb); err != nil {
			return err
		}
	} else {
		for i := range c.relNulls {
			c.relValues[i] = nil
			c.relNulls[i] = true
		}
	}

	seg, _, err := c.router.Route(c.relValues, c.relNulls)
	if err != nil {
		return err
	}

	c.frame = c.frame[:0]
	if d.Mode == dialect.ModeBinary {
		c.frame = copywire.AppendBinaryFrame(c.frame, lineno, lb.Data)
	} else {
		c.frame = copywire.AppendTextFrame(c.frame, lineno, lb.Converted, lb.Data)
		/* rows are re-split on the worker; the frame always ends in LF */
		c.frame = append(c.frame, '\n')
	}
	return c.sessions[seg].SendRow(c.frame)
}

func (c *Command) parseRoutingColumns(lb *linebuf.LineBuf) error {
	d := c.st.D

	var err error
	switch d.Mode {
	case dialect.ModeText:
		err = attparse.ParseText(lb, d, c.attrs, c.res, c.stopAfter)
	case dialect.ModeCSV:
		err = attparse.ParseCSV(lb, d, c.attrs, c.res, c.stopAfter)
	case dialect.ModeBinary:
		/* the per-type input functions run on the workers */
		err = attparse.ParseBinary(lb, d, c.attrs, c.res, c.stopAfter, true, nil)
	}
	if err != nil {
		return err
	}

	for i := range c.relNulls {
		c.relValues[i] = nil
		c.relNulls[i] = true
	}
	for i := 0; i < c.res.Parsed; i++ {
		at := c.attnos[i] - 1
		c.relValues[at] = c.res.Values[i]
		c.relNulls[at] = c.res.Nulls[i]
	}

	/* synthesize absent routing columns exactly once, here, and splice
	   their serialized form onto the row so the workers see one value */
	for _, at := range c.defaultCols {
		v, isNull, derr := c.defaults.EvalDefault(c.st.Rel, at)
		if derr != nil {
			return derr
		}
		c.relValues[at-1] = v
		c.relNulls[at-1] = isNull
		lb.AppendByte(d.Delim)
		if d.Mode == dialect.ModeCSV {
			lb.Data = attparse.AppendCSVField(lb.Data, d, v, isNull)
		} else {
			lb.Data = attparse.AppendTextField(lb.Data, d, v, isNull)
		}
	}
	return nil
}

func (c *Command) openSessions(ctx context.Context, sql string, expectCopyIn, expectCopyOut bool) error {
	c.sessions = make([]*SegSession, len(c.cfg.Segments))
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Segments {
		s := NewSegSession(i, c.cfg.Segments[i], c.cfg.FlushThreshold)
		c.sessions[i] = s
		g.Go(func() error {
			return s.Open(gctx, sql, expectCopyIn, expectCopyOut)
		})
	}
	return g.Wait()
}

// drain finishes every session, fail-slow, then folds the reports and the
// recorded worker errors into the final verdict.
func (c *Command) drain(sendDone bool, handler *sreh.Handler) (*Summary, error) {
	var finErr error
	for _, s := range c.sessions {
		if err := s.Finish(sendDone); err != nil && finErr == nil {
			finErr = err
		}
	}
	if finErr != nil {
		return nil, finErr
	}
	return c.collect(handler)
}

// collect folds the per-segment reports and recorded worker errors into
// the final verdict. Sessions must already be past ReadyForQuery.
func (c *Command) collect(handler *sreh.Handler) (*Summary, error) {
	total := copywire.NewReport()
	for _, s := range c.sessions {
		if err := s.Err(); err != nil {
			return nil, err
		}
		if s.report != nil {
			total.Merge(s.report)
		}
	}

	rejected := total.Rejected
	if handler != nil {
		/* worker rejections count toward the same limit */
		if err := handler.AddRejected(total.Rejected); err != nil {
			return nil, err
		}
		rejected = handler.Rejected()
	}

	sum := &Summary{
		Processed:   total.Total(),
		Rejected:    rejected,
		PerRelation: total.Processed,
	}

	ev := copylog.Zero.Info().
		Str("relation", c.st.Rel.Name).
		Int64("rows", sum.Processed)
	if rejected > 0 {
		ev = ev.Int64("rejected", rejected)
	}
	ev.Msg("copy finished")

	return sum, nil
}

func (c *Command) abortSessions(reason string) {
	for _, s := range c.sessions {
		s.Abort(reason)
	}
}

func (c *Command) closeSessions() {
	for _, s := range c.sessions {
		if err := s.Close(); err != nil {
			copylog.Zero.Debug().Err(err).Str("segment", s.seg.Name).Msg("session close")
		}
	}
}
