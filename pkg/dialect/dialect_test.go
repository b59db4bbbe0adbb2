package dialect_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/dialect"
)

var cols = []string{"id", "name", "payload"}

func TestParseTextDefaults(t *testing.T) {
	d, err := dialect.Parse(dialect.DirectionLoad, cols, nil, true)
	assert.NoError(t, err)
	assert.Equal(t, dialect.ModeText, d.Mode)
	assert.Equal(t, byte('\t'), d.Delim)
	assert.Equal(t, []byte(`\N`), d.Null)
	assert.Equal(t, byte('\\'), d.Escape)
	assert.Equal(t, dialect.EOLAuto, d.EOL)
	assert.False(t, d.TolerantMode)
}

func TestParseCSVDefaults(t *testing.T) {
	d, err := dialect.Parse(dialect.DirectionLoad, cols, []dialect.Option{{Name: "csv"}}, true)
	assert.NoError(t, err)
	assert.Equal(t, dialect.ModeCSV, d.Mode)
	assert.Equal(t, byte(','), d.Delim)
	assert.Equal(t, []byte{}, d.Null)
	assert.Equal(t, byte('"'), d.Quote)
	assert.Equal(t, byte('"'), d.Escape)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name  string
		dir   dialect.Direction
		opts  []dialect.Option
		check func(t *testing.T, d *dialect.Dialect)
	}{
		{
			"custom delimiter and null",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "|"}, {Name: "null", Arg: "NULL"}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.Equal(t, byte('|'), d.Delim)
				assert.Equal(t, []byte("NULL"), d.Null)
			},
		},
		{
			"delimiter off",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "off"}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.True(t, d.DelimOff)
			},
		},
		{
			"escape off",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "escape", Arg: "OFF"}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.True(t, d.EscapeOff)
			},
		},
		{
			"newline",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "newline", Arg: "CRLF"}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.Equal(t, dialect.EOLCRLF, d.EOL)
			},
		},
		{
			"reject limit rows",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "reject_limit", Arg: "5"}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.True(t, d.TolerantMode)
				assert.Equal(t, 5, d.RejectLimit)
				assert.Equal(t, dialect.RejectRows, d.RejectKind)
			},
		},
		{
			"reject limit percent",
			dialect.DirectionLoad,
			[]dialect.Option{
				{Name: "reject_limit", Arg: "10"},
				{Name: "reject_limit_kind", Arg: "percent"},
			},
			func(t *testing.T, d *dialect.Dialect) {
				assert.Equal(t, dialect.RejectPercent, d.RejectKind)
			},
		},
		{
			"force quote star",
			dialect.DirectionUnload,
			[]dialect.Option{{Name: "csv"}, {Name: "force_quote", Cols: []string{"*"}}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, d.ForceQuote)
			},
		},
		{
			"force not null resolves indices",
			dialect.DirectionLoad,
			[]dialect.Option{{Name: "csv"}, {Name: "force_not_null", Cols: []string{"name"}}},
			func(t *testing.T, d *dialect.Dialect) {
				assert.Equal(t, map[int]bool{1: true}, d.ForceNotNull)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dialect.Parse(tt.dir, cols, tt.opts, true)
			assert.NoError(t, err)
			tt.check(t, d)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name     string
		dir      dialect.Direction
		opts     []dialect.Option
		external bool
	}{
		{"delimiter in binary", dialect.DirectionLoad,
			[]dialect.Option{{Name: "binary"}, {Name: "delimiter", Arg: "|"}}, true},
		{"null in binary", dialect.DirectionLoad,
			[]dialect.Option{{Name: "binary"}, {Name: "null", Arg: "x"}}, true},
		{"reject limit in binary", dialect.DirectionLoad,
			[]dialect.Option{{Name: "binary"}, {Name: "reject_limit", Arg: "5"}}, true},
		{"log errors in binary", dialect.DirectionLoad,
			[]dialect.Option{{Name: "binary"}, {Name: "log_errors"}}, true},
		{"binary then csv", dialect.DirectionLoad,
			[]dialect.Option{{Name: "binary"}, {Name: "csv"}}, true},
		{"csv then binary", dialect.DirectionLoad,
			[]dialect.Option{{Name: "csv"}, {Name: "binary"}}, true},
		{"duplicate option", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "|"}, {Name: "delimiter", Arg: ","}}, true},
		{"multibyte delimiter", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "||"}}, true},
		{"newline delimiter", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "\n"}}, true},
		{"letter delimiter in text mode", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "a"}}, true},
		{"delimiter off without external", dialect.DirectionLoad,
			[]dialect.Option{{Name: "delimiter", Arg: "off"}}, false},
		{"delimiter inside null marker", dialect.DirectionLoad,
			[]dialect.Option{{Name: "null", Arg: "a|b"}, {Name: "delimiter", Arg: "|"}}, true},
		{"quote equals delimiter", dialect.DirectionLoad,
			[]dialect.Option{{Name: "csv"}, {Name: "quote", Arg: ","}}, true},
		{"quote outside csv", dialect.DirectionLoad,
			[]dialect.Option{{Name: "quote", Arg: "'"}}, true},
		{"force quote on load", dialect.DirectionLoad,
			[]dialect.Option{{Name: "csv"}, {Name: "force_quote", Cols: []string{"id"}}}, true},
		{"force not null on unload", dialect.DirectionUnload,
			[]dialect.Option{{Name: "csv"}, {Name: "force_not_null", Cols: []string{"id"}}}, true},
		{"force not null unknown column", dialect.DirectionLoad,
			[]dialect.Option{{Name: "csv"}, {Name: "force_not_null", Cols: []string{"nope"}}}, true},
		{"fill missing on unload", dialect.DirectionUnload,
			[]dialect.Option{{Name: "fill_missing_fields"}}, true},
		{"header on external unload", dialect.DirectionUnload,
			[]dialect.Option{{Name: "header"}}, true},
		{"bad newline", dialect.DirectionLoad,
			[]dialect.Option{{Name: "newline", Arg: "NEL"}}, true},
		{"reject limit of one row", dialect.DirectionLoad,
			[]dialect.Option{{Name: "reject_limit", Arg: "1"}}, true},
		{"reject percent above 100", dialect.DirectionLoad,
			[]dialect.Option{{Name: "reject_limit", Arg: "150"}, {Name: "reject_limit_kind", Arg: "percent"}}, true},
		{"log errors without limit", dialect.DirectionLoad,
			[]dialect.Option{{Name: "log_errors"}}, true},
		{"unknown option", dialect.DirectionLoad,
			[]dialect.Option{{Name: "frobnicate"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dialect.Parse(tt.dir, cols, tt.opts, tt.external)
			assert.Error(t, err)
		})
	}
}

func TestEOLBytes(t *testing.T) {
	assert.Equal(t, []byte("\n"), dialect.EOLBytes(dialect.EOLLF))
	assert.Equal(t, []byte("\r"), dialect.EOLBytes(dialect.EOLCR))
	assert.Equal(t, []byte("\r\n"), dialect.EOLBytes(dialect.EOLCRLF))
	assert.Equal(t, []byte("\n"), dialect.EOLBytes(dialect.EOLAuto))
}
