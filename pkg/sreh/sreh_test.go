package sreh_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

func tolerantDialect(t *testing.T, opts ...dialect.Option) *dialect.Dialect {
	t.Helper()
	d, err := dialect.Parse(dialect.DirectionLoad, []string{"a"}, opts, true)
	assert.NoError(t, err)
	return d
}

type recordingSink struct {
	recs []sreh.LogRecord
}

func (s *recordingSink) Persist(rec *sreh.LogRecord) error {
	s.recs = append(s.recs, *rec)
	return nil
}

func TestAllOrNothingEscalates(t *testing.T) {
	d := tolerantDialect(t)
	h := sreh.NewHandler(d, "orders", "", 100, nil)

	cause := sreh.NewDataError("bad row")
	err := h.HandleError(1, []byte("raw"), false, cause)
	assert.Equal(t, cause, err)
	assert.Equal(t, int64(0), h.Rejected())
}

func TestRowsLimit(t *testing.T) {
	d := tolerantDialect(t, dialect.Option{Name: "reject_limit", Arg: "2"})
	h := sreh.NewHandler(d, "orders", "", 100, nil)

	h.NoteProcessed()
	err := h.HandleError(1, []byte("first"), false, sreh.NewDataError("bad"))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), h.Rejected())

	h.NoteProcessed()
	err = h.HandleError(2, []byte("second"), false, sreh.NewDataError("bad"))
	var le *sreh.LimitError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, int64(2), le.Rejected)
	assert.False(t, le.Percent)
}

func TestPercentLimitWaitsForSample(t *testing.T) {
	d := tolerantDialect(t,
		dialect.Option{Name: "reject_limit", Arg: "50"},
		dialect.Option{Name: "reject_limit_kind", Arg: "percent"})
	h := sreh.NewHandler(d, "orders", "", 10, nil)

	/* every row rejected, but the sample is too small to judge */
	for i := int64(1); i <= 9; i++ {
		h.NoteProcessed()
		assert.NoError(t, h.HandleError(i, nil, false, sreh.NewDataError("bad")))
	}

	h.NoteProcessed()
	err := h.HandleError(10, nil, false, sreh.NewDataError("bad"))
	var le *sreh.LimitError
	assert.True(t, errors.As(err, &le))
	assert.True(t, le.Percent)
}

func TestPercentLimitBelowThreshold(t *testing.T) {
	d := tolerantDialect(t,
		dialect.Option{Name: "reject_limit", Arg: "50"},
		dialect.Option{Name: "reject_limit_kind", Arg: "percent"})
	h := sreh.NewHandler(d, "orders", "", 10, nil)

	for i := int64(1); i <= 20; i++ {
		h.NoteProcessed()
	}
	assert.NoError(t, h.HandleError(20, nil, false, sreh.NewDataError("bad")))
	assert.Equal(t, int64(1), h.Rejected())
}

func TestNonDataErrorPassesThrough(t *testing.T) {
	d := tolerantDialect(t, dialect.Option{Name: "reject_limit", Arg: "100"})
	h := sreh.NewHandler(d, "orders", "", 100, nil)

	cause := errors.New("connection reset")
	err := h.HandleError(1, nil, false, cause)
	assert.Equal(t, cause, err)
	assert.Equal(t, int64(0), h.Rejected())
}

func TestSinkReceivesRecord(t *testing.T) {
	d := tolerantDialect(t,
		dialect.Option{Name: "reject_limit", Arg: "100"},
		dialect.Option{Name: "log_errors"})
	sink := &recordingSink{}
	h := sreh.NewHandler(d, "orders", "/data/in.csv", 100, sink)

	h.NoteProcessed()
	err := h.HandleError(7, []byte("raw,row"), true,
		sreh.NewColumnDataError("qty", "invalid input"))
	assert.NoError(t, err)

	assert.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.Equal(t, "orders", rec.Relation)
	assert.Equal(t, "/data/in.csv", rec.Filename)
	assert.Equal(t, int64(7), rec.Lineno)
	assert.Equal(t, "qty", rec.Column)
	assert.Equal(t, "22000", rec.ErrCode)
	assert.Equal(t, "invalid input", rec.ErrMsg)
	assert.Equal(t, []byte("raw,row"), rec.RawBytes)
	assert.True(t, rec.Converted)
}

func TestAddRejectedCountsTowardLimit(t *testing.T) {
	d := tolerantDialect(t, dialect.Option{Name: "reject_limit", Arg: "5"})
	h := sreh.NewHandler(d, "orders", "", 100, nil)

	assert.NoError(t, h.AddRejected(3))
	h.NoteProcessed()
	assert.NoError(t, h.HandleError(1, nil, false, sreh.NewDataError("bad")))

	var le *sreh.LimitError
	assert.True(t, errors.As(h.AddRejected(1), &le))
	assert.Equal(t, int64(5), le.Rejected)
}

func TestLastRecordReused(t *testing.T) {
	d := tolerantDialect(t, dialect.Option{Name: "reject_limit", Arg: "100"})
	h := sreh.NewHandler(d, "orders", "", 100, nil)

	h.NoteProcessed()
	assert.NoError(t, h.HandleError(1, []byte("one"), false, sreh.NewDataError("bad one")))
	assert.Equal(t, []byte("one"), h.LastRecord().RawBytes)

	h.NoteProcessed()
	assert.NoError(t, h.HandleError(2, []byte("two"), false, sreh.NewDataError("bad two")))
	assert.Equal(t, int64(2), h.LastRecord().Lineno)
	assert.Equal(t, []byte("two"), h.LastRecord().RawBytes)
	assert.Equal(t, "bad two", h.LastRecord().ErrMsg)
}

func TestDataErrorHelpers(t *testing.T) {
	de := sreh.NewColumnDataError("qty", "invalid input syntax for %s", "integer")
	assert.True(t, sreh.IsDataError(de))
	assert.Equal(t, "qty", sreh.AsDataError(de).Column)

	wrapped := errors.Wrap(de, "while loading")
	assert.True(t, sreh.IsDataError(wrapped))

	assert.False(t, sreh.IsDataError(errors.New("plain")))
	assert.Nil(t, sreh.AsDataError(errors.New("plain")))
}
