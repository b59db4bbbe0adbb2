package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/dispatch"
)

// The dispatched statement must read back into the exact same frozen
// option set: the worker may not fall back to any default of its own.
func TestRewriteParseRoundTrip(t *testing.T) {
	cols := []string{"id", "name", "payload"}

	tests := []struct {
		name     string
		dir      dialect.Direction
		opts     []dialect.Option
		filename string
		program  string
	}{
		{"text defaults", dialect.DirectionLoad, nil, "", ""},
		{"text custom delim and null", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "|"}, {Name: "null", Arg: "NULL"}}, "", ""},
		{"tab delimiter survives literal encoding", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "\t"}}, "", ""},
		{"quote characters in markers", dialect.DirectionLoad,
			[]dialect.Option{{Name: "null", Arg: "it's null"}}, "", ""},
		{"csv full surface", dialect.DirectionLoad,
			[]dialect.Option{
				{Name: "csv"},
				{Name: "delimiter", Arg: ";"},
				{Name: "null", Arg: "NIL"},
				{Name: "quote", Arg: "'"},
				{Name: "escape", Arg: "\\"},
				{Name: "force_not_null", Cols: []string{"name", "payload"}},
				{Name: "fill_missing_fields"},
			}, "", ""},
		{"csv force quote on unload", dialect.DirectionUnload,
			[]dialect.Option{{Name: "csv"}, {Name: "force_quote", Cols: []string{"id"}}}, "", ""},
		{"escape off", dialect.DirectionLoad,
			[]dialect.Option{{Name: "escape", Arg: "off"}}, "", ""},
		{"newline pinned", dialect.DirectionLoad,
			[]dialect.Option{{Name: "newline", Arg: "crlf"}}, "", ""},
		{"binary", dialect.DirectionLoad, []dialect.Option{{Name: "binary"}}, "", ""},
		{"binary with oids", dialect.DirectionUnload,
			[]dialect.Option{{Name: "binary"}, {Name: "oids"}}, "", ""},
		{"tolerant with log errors", dialect.DirectionLoad,
			[]dialect.Option{
				{Name: "reject_limit", Arg: "100"},
				{Name: "log_errors"},
			}, "", ""},
		{"percent limit", dialect.DirectionLoad,
			[]dialect.Option{
				{Name: "reject_limit", Arg: "10"},
				{Name: "reject_limit_kind", Arg: "percent"},
			}, "", ""},
		{"on segment file", dialect.DirectionLoad,
			[]dialect.Option{{Name: "on_segment"}, {Name: "header"}},
			"/data/load_<SEGID>.csv", ""},
		{"on segment unload file", dialect.DirectionUnload,
			[]dialect.Option{{Name: "on_segment"}},
			"/data/out_<SEGID>.txt.gz", ""},
		{"on segment program", dialect.DirectionLoad,
			[]dialect.Option{{Name: "on_segment"}},
			"", `zcat /data/part_<SEGID>.gz | awk '{print $1"\t"$2}'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dialect.Parse(tt.dir, cols, tt.opts, true)
			assert.NoError(t, err)

			sql := dispatch.RewriteCommand("orders", cols, d, tt.dir, tt.filename, tt.program)

			st, err := dispatch.ParseStatement(sql)
			assert.NoError(t, err)
			assert.Equal(t, "orders", st.Relation)
			assert.Equal(t, cols, st.Columns)
			assert.Equal(t, tt.dir, st.Dir)
			if d.OnSegment && tt.program == "" {
				assert.Equal(t, tt.filename, st.Filename)
			}
			assert.Equal(t, tt.program, st.Program)

			got, err := dialect.Parse(st.Dir, st.Columns, st.Options, true)
			assert.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
}

func TestRewriteQuotesIdentifiers(t *testing.T) {
	d, err := dialect.Parse(dialect.DirectionLoad, []string{`we"ird`}, nil, true)
	assert.NoError(t, err)

	sql := dispatch.RewriteCommand(`sales."Q1"`, []string{`we"ird`}, d, dialect.DirectionLoad, "", "")
	st, perr := dispatch.ParseStatement(sql)
	assert.NoError(t, perr)
	assert.Equal(t, `sales."Q1"`, st.Relation)
	assert.Equal(t, []string{`we"ird`}, st.Columns)
}

func TestParseStatementRejects(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"not copy", `SELECT 1`},
		{"missing source", `COPY "t" ("a") FROM WITH`},
		{"unterminated literal", `COPY "t" FROM E'/data ON SEGMENT WITH`},
		{"file without on segment", `COPY "t" FROM E'/data/x' WITH`},
		{"unknown option", `COPY "t" FROM STDIN WITH TURBO`},
		{"bad reject kind", `COPY "t" FROM STDIN WITH SEGMENT REJECT LIMIT 5 BYTES`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatch.ParseStatement(tt.sql)
			assert.Error(t, err)
		})
	}
}

func TestLiteralEscaping(t *testing.T) {
	d, err := dialect.Parse(dialect.DirectionLoad, []string{"a"},
		[]dialect.Option{{Name: "on_segment"}}, true)
	assert.NoError(t, err)

	name := "/tmp/with space/\tand'quote\\back_<SEGID>"
	sql := dispatch.RewriteCommand("t", []string{"a"}, d, dialect.DirectionLoad, name, "")
	st, perr := dispatch.ParseStatement(sql)
	assert.NoError(t, perr)
	assert.Equal(t, name, st.Filename)
}
