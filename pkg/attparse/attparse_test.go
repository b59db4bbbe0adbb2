package attparse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

var attrs = []relation.Attribute{
	{Name: "id", TypeOID: relation.Int4OID},
	{Name: "name", TypeOID: relation.TextOID},
	{Name: "payload", TypeOID: relation.TextOID},
}

func attNames() []string {
	names := make([]string, len(attrs))
	for i := range attrs {
		names[i] = attrs[i].Name
	}
	return names
}

func textDialect(t *testing.T, opts ...dialect.Option) *dialect.Dialect {
	t.Helper()
	d, err := dialect.Parse(dialect.DirectionLoad, attNames(), opts, true)
	assert.NoError(t, err)
	return d
}

func line(s string) *linebuf.LineBuf {
	return &linebuf.LineBuf{Data: []byte(s)}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name      string
		opts      []dialect.Option
		line      string
		wantVals  []string
		wantNulls []bool
	}{
		{
			"plain fields",
			nil,
			"1\tfoo\tbar",
			[]string{"1", "foo", "bar"},
			[]bool{false, false, false},
		},
		{
			"null marker",
			nil,
			"1\t\\N\tbar",
			[]string{"1", "", "bar"},
			[]bool{false, true, false},
		},
		{
			"control escapes decode",
			nil,
			"1\ta\\tb\\nc\tz",
			[]string{"1", "a\tb\nc", "z"},
			[]bool{false, false, false},
		},
		{
			"octal and hex escapes",
			nil,
			"1\t\\101\\x42\tz",
			[]string{"1", "AB", "z"},
			[]bool{false, false, false},
		},
		{
			"escaped null marker is data",
			nil,
			"1\t\\\\N\tz",
			[]string{"1", `\N`, "z"},
			[]bool{false, false, false},
		},
		{
			"escape at end of field stays literal",
			nil,
			"1\tfoo\tbar\\",
			[]string{"1", "foo", "bar\\"},
			[]bool{false, false, false},
		},
		{
			"custom delimiter and null",
			[]dialect.Option{{Name: "delimiter", Arg: "|"}, {Name: "null", Arg: "NULL"}},
			"1|NULL|x",
			[]string{"1", "", "x"},
			[]bool{false, true, false},
		},
		{
			"empty fields are empty strings",
			nil,
			"\t\t",
			[]string{"", "", ""},
			[]bool{false, false, false},
		},
		{
			"fill missing fields",
			[]dialect.Option{{Name: "fill_missing_fields"}},
			"1",
			[]string{"1", "", ""},
			[]bool{false, true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := textDialect(t, tt.opts...)
			res := attparse.NewResult(len(attrs))
			err := attparse.ParseText(line(tt.line), d, attrs, res, 0)
			assert.NoError(t, err)
			assert.Equal(t, len(attrs), res.Parsed)
			for i := range attrs {
				assert.Equal(t, tt.wantNulls[i], res.Nulls[i], "null flag of column %d", i)
				if !tt.wantNulls[i] {
					assert.Equal(t, tt.wantVals[i], string(res.Values[i]), "column %d", i)
				}
			}
		})
	}
}

func TestParseTextErrors(t *testing.T) {
	tests := []struct {
		name string
		opts []dialect.Option
		line string
		msg  string
	}{
		{"missing column", nil, "1\tfoo", `missing data for column "payload"`},
		{"extra data", nil, "1\tfoo\tbar\tbaz", "extra data after last expected column"},
		{"fill missing still rejects empty line",
			[]dialect.Option{{Name: "fill_missing_fields"}}, "", "missing data"},
		{"invalid server encoding", nil, "1\t\\377\\377\tz", "invalid byte sequence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := textDialect(t, tt.opts...)
			res := attparse.NewResult(len(attrs))
			err := attparse.ParseText(line(tt.line), d, attrs, res, 0)
			assert.True(t, sreh.IsDataError(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseTextPartial(t *testing.T) {
	d := textDialect(t)
	res := attparse.NewResult(len(attrs))

	/* trailing columns past the stop point are not even validated */
	err := attparse.ParseText(line("42\tjunk\textra\tmore\tstill more"), d, attrs, res, 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Equal(t, "42", string(res.Values[0]))
}

func TestParseTextWithOIDs(t *testing.T) {
	d := textDialect(t, dialect.Option{Name: "oids"})
	res := attparse.NewResult(len(attrs))

	err := attparse.ParseText(line("16385\t1\tfoo\tbar"), d, attrs, res, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint32(16385), res.OID)
	assert.Equal(t, "1", string(res.Values[0]))

	err = attparse.ParseText(line("\\N\t1\tfoo\tbar"), d, attrs, res, 0)
	assert.True(t, sreh.IsDataError(err))

	err = attparse.ParseText(line("0\t1\tfoo\tbar"), d, attrs, res, 0)
	assert.True(t, sreh.IsDataError(err))

	err = attparse.ParseText(line("abc\t1\tfoo\tbar"), d, attrs, res, 0)
	assert.True(t, sreh.IsDataError(err))
}

func csvDialect(t *testing.T, opts ...dialect.Option) *dialect.Dialect {
	t.Helper()
	all := append([]dialect.Option{{Name: "csv"}}, opts...)
	return textDialect(t, all...)
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name      string
		opts      []dialect.Option
		line      string
		wantVals  []string
		wantNulls []bool
	}{
		{
			"plain fields",
			nil,
			"1,foo,bar",
			[]string{"1", "foo", "bar"},
			[]bool{false, false, false},
		},
		{
			"unquoted empty field is null",
			nil,
			"1,,bar",
			[]string{"1", "", "bar"},
			[]bool{false, true, false},
		},
		{
			"quoted empty field is an empty string",
			nil,
			`1,"",bar`,
			[]string{"1", "", "bar"},
			[]bool{false, false, false},
		},
		{
			"quoted null marker is data",
			[]dialect.Option{{Name: "null", Arg: "NIL"}},
			`1,"NIL",bar`,
			[]string{"1", "NIL", "bar"},
			[]bool{false, false, false},
		},
		{
			"doubled quote decodes",
			nil,
			`1,"a""b",c`,
			[]string{"1", `a"b`, "c"},
			[]bool{false, false, false},
		},
		{
			"delimiter and newline inside quotes",
			nil,
			"1,\"a,b\nc\",d",
			[]string{"1", "a,b\nc", "d"},
			[]bool{false, false, false},
		},
		{
			"force not null keeps the empty string",
			[]dialect.Option{{Name: "force_not_null", Cols: []string{"name"}}},
			"1,,bar",
			[]string{"1", "", "bar"},
			[]bool{false, false, false},
		},
		{
			"distinct escape character",
			[]dialect.Option{{Name: "quote", Arg: `"`}, {Name: "escape", Arg: `\`}},
			`1,"a\"b",c`,
			[]string{"1", `a"b`, "c"},
			[]bool{false, false, false},
		},
		{
			"fill missing fields",
			[]dialect.Option{{Name: "fill_missing_fields"}},
			"1",
			[]string{"1", "", ""},
			[]bool{false, true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := csvDialect(t, tt.opts...)
			res := attparse.NewResult(len(attrs))
			err := attparse.ParseCSV(line(tt.line), d, attrs, res, 0)
			assert.NoError(t, err)
			for i := range attrs {
				assert.Equal(t, tt.wantNulls[i], res.Nulls[i], "null flag of column %d", i)
				if !tt.wantNulls[i] {
					assert.Equal(t, tt.wantVals[i], string(res.Values[i]), "column %d", i)
				}
			}
		})
	}
}

func TestParseCSVErrors(t *testing.T) {
	d := csvDialect(t)
	res := attparse.NewResult(len(attrs))

	err := attparse.ParseCSV(line("1,foo"), d, attrs, res, 0)
	assert.True(t, sreh.IsDataError(err))
	assert.Contains(t, err.Error(), "missing data")

	err = attparse.ParseCSV(line("1,foo,bar,baz"), d, attrs, res, 0)
	assert.True(t, sreh.IsDataError(err))
	assert.Contains(t, err.Error(), "extra data")
}

type widthChecker struct{}

func (widthChecker) Decode(typeOID uint32, data []byte) (int, error) {
	if typeOID == relation.Int4OID && len(data) != 4 {
		return 0, sreh.NewDataError("incorrect binary data format")
	}
	return len(data), nil
}

func TestParseBinary(t *testing.T) {
	d := textDialect(t, dialect.Option{Name: "binary"})
	res := attparse.NewResult(len(attrs))

	row := attparse.FormatBinary(nil, false,
		[][]byte{{0, 0, 0, 7}, []byte("foo"), nil},
		[]bool{false, false, true}, 0)

	err := attparse.ParseBinary(&linebuf.LineBuf{Data: row}, d, attrs, res, 0, false, widthChecker{})
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 7}, res.Values[0])
	assert.Equal(t, "foo", string(res.Values[1]))
	assert.True(t, res.Nulls[2])
}

func TestParseBinaryWithOIDs(t *testing.T) {
	d := textDialect(t, dialect.Option{Name: "binary"}, dialect.Option{Name: "oids"})
	res := attparse.NewResult(len(attrs))

	row := attparse.FormatBinary(nil, true,
		[][]byte{{0, 0, 0, 1}, []byte("x"), []byte("y")},
		[]bool{false, false, false}, 16390)

	err := attparse.ParseBinary(&linebuf.LineBuf{Data: row}, d, attrs, res, 0, false, widthChecker{})
	assert.NoError(t, err)
	assert.Equal(t, uint32(16390), res.OID)
}

func TestParseBinaryErrors(t *testing.T) {
	d := textDialect(t, dialect.Option{Name: "binary"})
	res := attparse.NewResult(len(attrs))

	/* two fields where the relation has three */
	row := attparse.FormatBinary(nil, false,
		[][]byte{{0, 0, 0, 1}, []byte("x")}, []bool{false, false}, 0)
	err := attparse.ParseBinary(&linebuf.LineBuf{Data: row}, d, attrs, res, 0, false, nil)
	assert.True(t, sreh.IsDataError(err))
	assert.Contains(t, err.Error(), "field count")

	/* int4 image of the wrong width */
	row = attparse.FormatBinary(nil, false,
		[][]byte{{0, 0, 1}, []byte("x"), []byte("y")}, []bool{false, false, false}, 0)
	err = attparse.ParseBinary(&linebuf.LineBuf{Data: row}, d, attrs, res, 0, false, widthChecker{})
	assert.True(t, sreh.IsDataError(err))

	/* the same image passes when the coordinator skips type input */
	err = attparse.ParseBinary(&linebuf.LineBuf{Data: row}, d, attrs, res, 0, true, widthChecker{})
	assert.NoError(t, err)
}

func TestFormatTextRoundTrip(t *testing.T) {
	d := textDialect(t)
	values := [][]byte{[]byte("1"), []byte("a\tb\nc\\d"), nil}
	nulls := []bool{false, false, true}

	out := attparse.FormatText(nil, d, values, nulls, 0, []byte("\n"))
	assert.Equal(t, byte('\n'), out[len(out)-1])

	res := attparse.NewResult(len(attrs))
	err := attparse.ParseText(line(string(out[:len(out)-1])), d, attrs, res, 0)
	assert.NoError(t, err)
	assert.Equal(t, "1", string(res.Values[0]))
	assert.Equal(t, "a\tb\nc\\d", string(res.Values[1]))
	assert.True(t, res.Nulls[2])
}

func TestFormatCSVRoundTrip(t *testing.T) {
	d, err := dialect.Parse(dialect.DirectionUnload, attNames(),
		[]dialect.Option{{Name: "csv"}, {Name: "force_quote", Cols: []string{"name"}}}, true)
	assert.NoError(t, err)

	values := [][]byte{[]byte("1"), []byte("plain"), []byte(`a,"b`)}
	nulls := []bool{false, false, false}

	out := attparse.FormatCSV(nil, d, values, nulls, 0, []byte("\n"))
	assert.Equal(t, "1,\"plain\",\"a,\"\"b\"\n", string(out))

	ld := csvDialect(t)
	res := attparse.NewResult(len(attrs))
	err = attparse.ParseCSV(line(string(out[:len(out)-1])), ld, attrs, res, 0)
	assert.NoError(t, err)
	assert.Equal(t, `a,"b`, string(res.Values[2]))
}

func TestFormatTextWithOIDs(t *testing.T) {
	d := textDialect(t, dialect.Option{Name: "oids"})
	out := attparse.FormatText(nil, d, [][]byte{[]byte("1"), []byte("x"), []byte("y")},
		[]bool{false, false, false}, 16401, []byte("\n"))
	assert.Equal(t, "16401\t1\tx\ty\n", string(out))

	res := attparse.NewResult(len(attrs))
	err := attparse.ParseText(line("16401\t1\tx\ty"), d, attrs, res, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint32(16401), res.OID)
}

func TestFormatHeader(t *testing.T) {
	d := textDialect(t)
	out := attparse.FormatHeader(nil, d, attrs, []byte("\n"))
	assert.Equal(t, "id\tname\tpayload\n", string(out))
}
