package sreh

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pg-sharding/mcopy/pkg/copylog"
	"github.com/pg-sharding/mcopy/pkg/dialect"
)

// Record describes one rejected row. The Handler owns a single Record that
// is overwritten on every rejection; callers that need to keep one must copy
// it out before the next row.
type Record struct {
	Lineno    int64
	RawBytes  []byte
	Converted bool
	Column    string
	ErrMsg    string
	Rejected  int64
	Processed int64
}

// LogSink persists reject records when LOG ERRORS was requested. The
// coordinator's sink forwards the record to one worker segment so each
// rejection is stored exactly once.
type LogSink interface {
	Persist(rec *LogRecord) error
}

// LogRecord is the persisted form of a rejection.
type LogRecord struct {
	CommandID    uuid.UUID
	CommandStart time.Time
	Relation     string
	Filename     string
	Lineno       int64
	Column       string
	ErrCode      string
	ErrMsg       string
	RawBytes     []byte
	Converted    bool
}

// Handler implements the single-row error policy for one command. In
// all-or-nothing mode every data error escalates; in tolerant mode data
// errors are recorded and counted until the reject limit trips.
type Handler struct {
	tolerant  bool
	limit     int
	kind      dialect.RejectKind
	minSample int64

	cmdID    uuid.UUID
	cmdStart time.Time
	relation string
	filename string

	sink LogSink

	rejected  int64
	processed int64

	/* arena: one record plus its raw-bytes scratch, reused per reject */
	rec Record
	raw []byte
}

func NewHandler(d *dialect.Dialect, relation, filename string, minSample int, sink LogSink) *Handler {
	return &Handler{
		tolerant:  d.TolerantMode,
		limit:     d.RejectLimit,
		kind:      d.RejectKind,
		minSample: int64(minSample),
		cmdID:     uuid.New(),
		cmdStart:  time.Now(),
		relation:  relation,
		filename:  filename,
		sink:      sink,
	}
}

func (h *Handler) Rejected() int64  { return h.rejected }
func (h *Handler) Processed() int64 { return h.processed }

// NoteProcessed counts one input row, accepted or not. The percent-mode
// limit is evaluated against this total.
func (h *Handler) NoteProcessed() {
	h.processed++
}

// AddRejected folds in rejections that were counted elsewhere (worker
// reports); they participate in the limit like local ones but are not
// re-logged.
func (h *Handler) AddRejected(n int64) error {
	h.rejected += n
	return h.checkLimit()
}

// HandleError decides the fate of a row-level error. Non-data errors and
// limit overruns come back as terminal errors; an absorbed rejection
// returns nil and the caller moves to the next row.
func (h *Handler) HandleError(lineno int64, raw []byte, converted bool, err error) error {
	de := AsDataError(err)
	if de == nil {
		/* SREH covers data errors only */
		return err
	}
	if !h.tolerant {
		return err
	}

	h.rejected++

	/* reuse the scratch buffer for the saved row image */
	h.raw = append(h.raw[:0], raw...)
	h.rec = Record{
		Lineno:    lineno,
		RawBytes:  h.raw,
		Converted: converted,
		Column:    de.Column,
		ErrMsg:    de.Msg,
		Rejected:  h.rejected,
		Processed: h.processed,
	}

	ev := copylog.Zero.Debug()
	if ev.Enabled() {
		ev.Int64("lineno", lineno).
			Str("column", de.Column).
			Str("reason", de.Msg).
			Msg("row rejected")
	}

	if h.sink != nil {
		if serr := h.sink.Persist(h.logRecord(de)); serr != nil {
			return serr
		}
	}

	return h.checkLimit()
}

// LastRecord returns the record of the most recent rejection. Valid until
// the next HandleError call.
func (h *Handler) LastRecord() *Record {
	return &h.rec
}

func (h *Handler) logRecord(de *DataError) *LogRecord {
	return &LogRecord{
		CommandID:    h.cmdID,
		CommandStart: h.cmdStart,
		Relation:     h.relation,
		Filename:     h.filename,
		Lineno:       h.rec.Lineno,
		Column:       de.Column,
		ErrCode:      "22000",
		ErrMsg:       de.Msg,
		RawBytes:     h.rec.RawBytes,
		Converted:    h.rec.Converted,
	}
}

func (h *Handler) checkLimit() error {
	switch h.kind {
	case dialect.RejectRows:
		if h.rejected >= int64(h.limit) {
			return &LimitError{Rejected: h.rejected, Processed: h.processed, Limit: h.limit}
		}
	case dialect.RejectPercent:
		if h.processed < h.minSample {
			return nil
		}
		if h.rejected*100/h.processed >= int64(h.limit) {
			return &LimitError{Rejected: h.rejected, Processed: h.processed, Limit: h.limit, Percent: true}
		}
	}
	return nil
}

var _ zerolog.LogObjectMarshaler = (*Record)(nil)

// MarshalZerologObject lets a Record be attached to log events wholesale.
func (r *Record) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("lineno", r.Lineno).
		Str("column", r.Column).
		Str("error", r.ErrMsg).
		Int64("rejected", r.Rejected).
		Int64("processed", r.Processed)
}
