package rowreader_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/rowreader"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

func mustDialect(t *testing.T, opts ...dialect.Option) *dialect.Dialect {
	t.Helper()
	d, err := dialect.Parse(dialect.DirectionLoad, []string{"a", "b"}, opts, true)
	assert.NoError(t, err)
	return d
}

func newReader(d *dialect.Dialect, input []byte, bufSize int) *rowreader.Reader {
	src := frameio.NewLegacyPeer(bytes.NewBuffer(input))
	return rowreader.New(d, src, bufSize, 1024)
}

func readAll(t *testing.T, r *rowreader.Reader) []string {
	t.Helper()
	var rows []string
	for {
		lb, err := r.ReadLine()
		if err == io.EOF {
			return rows
		}
		assert.NoError(t, err)
		if lb.EndMarker {
			return rows
		}
		rows = append(rows, string(lb.Data))
	}
}

func TestReadTextRows(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lf rows", "a\tb\nc\td\n", []string{"a\tb", "c\td"}},
		{"last row without newline", "a\tb\nc\td", []string{"a\tb", "c\td"}},
		{"empty rows kept", "\n\n", []string{"", ""}},
		{"cr rows", "a\rb\r", []string{"a", "b"}},
		{"crlf rows", "a\r\nb\r\n", []string{"a", "b"}},
		{"terminator stops the stream", "a\n\\.\nnever seen\n", []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReader(mustDialect(t), []byte(tt.input), 64*1024)
			assert.Equal(t, tt.want, readAll(t, r))
		})
	}
}

// Refills must not break rows that straddle the raw buffer boundary.
func TestReadTextRowsTinyBuffer(t *testing.T) {
	input := "first_long_row\tvalue\nsecond\trow\n"
	r := newReader(mustDialect(t), []byte(input), 8)
	assert.Equal(t, []string{"first_long_row\tvalue", "second\trow"}, readAll(t, r))
}

func TestEscapedNewlineIsData(t *testing.T) {
	r := newReader(mustDialect(t), []byte("a\\\nb\nx\n"), 64*1024)
	assert.Equal(t, []string{"a\\\nb", "x"}, readAll(t, r))
}

func TestEOLAutoDetection(t *testing.T) {
	r := newReader(mustDialect(t), []byte("a\r\nb\r\n"), 64*1024)
	_, err := r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, dialect.EOLCRLF, r.EOLKind())
}

func TestStrayNewlineAfterCRLF(t *testing.T) {
	r := newReader(mustDialect(t), []byte("a\r\nb\nc\r\n"), 64*1024)

	lb, err := r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "a", string(lb.Data))
	assert.Equal(t, int64(1), r.Lineno())

	/* the stray line is consumed whole, so reading can continue */
	_, err = r.ReadLine()
	assert.True(t, sreh.IsDataError(err))
	assert.Equal(t, int64(2), r.Lineno())

	lb, err = r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "c", string(lb.Data))
	assert.Equal(t, int64(3), r.Lineno())
}

func TestPinnedNewlineRejectsOther(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "newline", Arg: "LF"})
	r := newReader(d, []byte("a\r\nb\n"), 64*1024)

	_, err := r.ReadLine()
	assert.True(t, sreh.IsDataError(err))

	lb, err := r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "b", string(lb.Data))
}

func TestCSVQuotedNewlineSpansLines(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "csv"})
	r := newReader(d, []byte("1,\"a\nb\"\n2,c\n"), 64*1024)
	assert.Equal(t, []string{"1,\"a\nb\"", "2,c"}, readAll(t, r))
}

func TestCSVUnterminatedQuote(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "csv"})
	r := newReader(d, []byte("1,\"never closed\n"), 64*1024)
	_, err := r.ReadLine()
	assert.True(t, sreh.IsDataError(err))
}

func TestCSVTooLongQuotedRow(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "csv"})
	long := append([]byte("1,\""), bytes.Repeat([]byte{'x'}, 4096)...)
	long = append(long, "\"\n2,ok\n"...)

	src := frameio.NewLegacyPeer(bytes.NewBuffer(long))
	r := rowreader.New(d, src, 256, 1024)

	_, err := r.ReadLine()
	assert.True(t, sreh.IsDataError(err))
	assert.Contains(t, err.Error(), "too long")

	lb, err := r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, "2,ok", string(lb.Data))
}

func TestBinaryRows(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"})

	row1 := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("ab"), nil}, []bool{false, true}, 0)
	row2 := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("c"), []byte("d")}, []bool{false, false}, 0)

	stream := attparse.FormatBinaryHeader(nil, false)
	stream = append(stream, row1...)
	stream = append(stream, row2...)
	stream = attparse.FormatBinaryTrailer(stream)

	r := newReader(d, stream, 64*1024)

	lb, err := r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, row1, lb.Data)
	assert.Equal(t, int64(1), r.Lineno())

	lb, err = r.ReadLine()
	assert.NoError(t, err)
	assert.Equal(t, row2, lb.Data)

	_, err = r.ReadLine()
	assert.Equal(t, io.EOF, err)
	assert.False(t, r.WithOIDs())
}

func TestBinaryHeaderWithOIDs(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"}, dialect.Option{Name: "oids"})

	row := attparse.FormatBinary(nil, true,
		[][]byte{[]byte("x"), []byte("y")}, []bool{false, false}, 5)
	stream := attparse.FormatBinaryHeader(nil, true)
	stream = append(stream, row...)
	stream = attparse.FormatBinaryTrailer(stream)

	r := newReader(d, stream, 64*1024)
	lb, err := r.ReadLine()
	assert.NoError(t, err)
	assert.True(t, r.WithOIDs())
	assert.Equal(t, row, lb.Data)
}

func TestBinaryBadSignature(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"})
	r := newReader(d, []byte("NOTPGCOPY\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 64*1024)
	_, err := r.ReadLine()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestBinaryFramedRows(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"})

	row1 := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("ab"), nil}, []bool{false, true}, 0)
	row2 := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("c"), []byte("d")}, []bool{false, false}, 0)

	/* no signature, no trailer: each row rides behind its line number */
	stream := copywire.AppendBinaryFrame(nil, 41, row1)
	stream = copywire.AppendBinaryFrame(stream, 42, row2)

	r := newReader(d, stream, 64*1024)
	r.FramedBinary(false)

	lb, err := r.ReadLine()
	assert.NoError(t, err)
	lineno, err := copywire.ExtractBinaryMeta(lb)
	assert.NoError(t, err)
	assert.Equal(t, int64(41), lineno)
	assert.Equal(t, row1, lb.Rest())

	lb, err = r.ReadLine()
	assert.NoError(t, err)
	lineno, err = copywire.ExtractBinaryMeta(lb)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), lineno)
	assert.Equal(t, row2, lb.Rest())

	_, err = r.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestBinaryFramedTruncatedFrame(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"})

	row := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("ab"), []byte("cd")}, []bool{false, false}, 0)
	stream := copywire.AppendBinaryFrame(nil, 1, row)

	/* a frame cut inside the row image is a data error, not a clean end */
	r := newReader(d, stream[:len(stream)-3], 64*1024)
	r.FramedBinary(false)
	_, err := r.ReadLine()
	assert.True(t, sreh.IsDataError(err))
}

func TestBinaryTruncatedRow(t *testing.T) {
	d := mustDialect(t, dialect.Option{Name: "binary"})

	row := attparse.FormatBinary(nil, false,
		[][]byte{[]byte("abcdef"), nil}, []bool{false, true}, 0)
	stream := attparse.FormatBinaryHeader(nil, false)
	stream = append(stream, row[:len(row)-2]...)

	r := newReader(d, stream, 64*1024)
	_, err := r.ReadLine()
	assert.True(t, sreh.IsDataError(err))
}
