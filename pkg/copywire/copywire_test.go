package copywire_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

func TestTextFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		lineno    int64
		converted bool
		line      string
	}{
		{"plain row", 1, false, "a\tb\tc"},
		{"converted row", 42, true, "x,y,z"},
		{"empty row", 7, false, ""},
		{"row starting with digits", 99, false, "123\tfoo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := copywire.AppendTextFrame(nil, tt.lineno, tt.converted, []byte(tt.line))

			lb := &linebuf.LineBuf{Data: frame}
			lineno, err := copywire.ExtractTextMeta(lb)
			assert.NoError(t, err)
			assert.Equal(t, tt.lineno, lineno)
			assert.Equal(t, tt.converted, lb.Converted)
			assert.Equal(t, []byte(tt.line), lb.Rest())
		})
	}
}

func TestTextFrameMalformed(t *testing.T) {
	lb := &linebuf.LineBuf{Data: []byte("no metadata here")}
	_, err := copywire.ExtractTextMeta(lb)
	assert.True(t, sreh.IsDataError(err))
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	row := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x01, 'x', 0xFF, 0xFF, 0xFF, 0xFF}
	frame := copywire.AppendBinaryFrame(nil, 123456789, row)

	lb := &linebuf.LineBuf{Data: frame}
	lineno, err := copywire.ExtractBinaryMeta(lb)
	assert.NoError(t, err)
	assert.Equal(t, int64(123456789), lineno)
	assert.Equal(t, row, lb.Rest())
}

func TestBinaryFrameTooShort(t *testing.T) {
	lb := &linebuf.LineBuf{Data: []byte{1, 2, 3}}
	_, err := copywire.ExtractBinaryMeta(lb)
	assert.True(t, sreh.IsDataError(err))
}

func TestReportRoundTrip(t *testing.T) {
	r := copywire.NewReport()
	r.NoteInserted(16384)
	r.NoteInserted(16384)
	r.NoteInserted(16401)
	r.Rejected = 3

	got, err := copywire.DecodeReport(copywire.EncodeReport(r))
	assert.NoError(t, err)
	assert.Equal(t, r.Processed, got.Processed)
	assert.Equal(t, int64(3), got.Rejected)
	assert.Equal(t, int64(3), got.Total())
}

func TestReportMerge(t *testing.T) {
	a := copywire.NewReport()
	a.NoteInserted(1)
	a.Rejected = 1
	b := copywire.NewReport()
	b.NoteInserted(1)
	b.NoteInserted(2)
	b.Rejected = 2

	a.Merge(b)
	assert.Equal(t, int64(2), a.Processed[1])
	assert.Equal(t, int64(1), a.Processed[2])
	assert.Equal(t, int64(3), a.Rejected)
	assert.Equal(t, int64(3), a.Total())
}

func TestDecodeReportRejectsGarbage(t *testing.T) {
	_, err := copywire.DecodeReport([]byte("1\x010\x01a\tb"))
	assert.Error(t, err)
	_, err = copywire.DecodeReport([]byte("MCRPT1"))
	assert.Error(t, err)
}

func TestLogRecordRoundTrip(t *testing.T) {
	rec := &sreh.LogRecord{
		CommandID:    uuid.New(),
		CommandStart: time.Unix(0, time.Now().UnixNano()),
		Relation:     "orders",
		Filename:     "/data/in.csv",
		Lineno:       4242,
		Column:       "qty",
		ErrCode:      "22000",
		ErrMsg:       `missing data for column "qty"`,
		RawBytes:     []byte("1,\x01weird\tbytes"),
		Converted:    true,
	}

	p := copywire.EncodeLogRecord(rec)
	assert.True(t, copywire.IsLogRecord(p))
	assert.False(t, copywire.IsReport(p))

	got, err := copywire.DecodeLogRecord(p)
	assert.NoError(t, err)
	assert.Equal(t, rec.CommandID, got.CommandID)
	assert.True(t, rec.CommandStart.Equal(got.CommandStart))
	assert.Equal(t, rec.Relation, got.Relation)
	assert.Equal(t, rec.Filename, got.Filename)
	assert.Equal(t, rec.Lineno, got.Lineno)
	assert.Equal(t, rec.Column, got.Column)
	assert.Equal(t, rec.ErrCode, got.ErrCode)
	assert.Equal(t, rec.ErrMsg, got.ErrMsg)
	assert.Equal(t, rec.RawBytes, got.RawBytes)
	assert.Equal(t, rec.Converted, got.Converted)
}

func TestLogRecordTruncated(t *testing.T) {
	p := copywire.EncodeLogRecord(&sreh.LogRecord{Relation: "t"})
	for _, cut := range []int{7, 20, len(p) - 1} {
		_, err := copywire.DecodeLogRecord(p[:cut])
		assert.Error(t, err)
	}
}

func TestFramesDoNotCollideWithControlPayloads(t *testing.T) {
	/* row batches always begin with a decimal line number, never with a
	   control magic */
	frame := copywire.AppendTextFrame(nil, 1, false, []byte("MCRPT1 looks like a report"))
	assert.False(t, copywire.IsReport(frame))
	assert.False(t, copywire.IsLogRecord(frame))
}
