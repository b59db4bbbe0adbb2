package dialect

import (
	"fmt"
	"strings"
)

type Direction int

const (
	DirectionLoad = Direction(iota)
	DirectionUnload
)

type Mode int

const (
	ModeText = Mode(iota)
	ModeCSV
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeCSV:
		return "csv"
	case ModeBinary:
		return "binary"
	}
	return "unknown"
}

type EOLKind int

const (
	EOLAuto = EOLKind(iota)
	EOLLF
	EOLCR
	EOLCRLF
)

func (e EOLKind) String() string {
	switch e {
	case EOLLF:
		return "LF"
	case EOLCR:
		return "CR"
	case EOLCRLF:
		return "CRLF"
	}
	return "auto"
}

type RejectKind int

const (
	RejectRows = RejectKind(iota)
	RejectPercent
)

/* Option is one parsed WITH-clause entry. Cols is set for the
 * FORCE QUOTE / FORCE NOT NULL column lists. */
type Option struct {
	Name string
	Arg  string
	Cols []string
}

// Dialect is the frozen per-command option set. It is built once by Parse
// and never mutated afterwards; everything downstream shares the pointer.
type Dialect struct {
	Mode Mode

	Delim    byte
	DelimOff bool

	Null []byte

	Quote     byte
	Escape    byte
	EscapeOff bool

	EOL    EOLKind
	Header bool

	FillMissing bool
	WithOIDs    bool

	/* 0-based indices into the command's column list */
	ForceQuote   map[int]bool
	ForceNotNull map[int]bool

	RejectLimit  int
	RejectKind   RejectKind
	TolerantMode bool
	LogErrors    bool
	OnSegment    bool
}

var errConflictingOptions = fmt.Errorf("conflicting or redundant options")

func invalidOption(format string, args ...interface{}) error {
	return fmt.Errorf("invalid option: "+format, args...)
}

// Parse validates the option list against the command direction and the
// target column list and freezes the result into a Dialect. The external
// flag widens the accepted surface slightly: DELIMITER 'off' and unload
// headers exist only for external tables.
func Parse(dir Direction, cols []string, opts []Option, external bool) (*Dialect, error) {
	d := &Dialect{
		EOL:          EOLAuto,
		ForceQuote:   map[int]bool{},
		ForceNotNull: map[int]bool{},
	}

	var (
		delimSet, nullSet, quoteSet, escapeSet bool
		modeSet                                bool
		forceQuoteCols, forceNotNullCols       []string
		forceQuoteAll                          bool
		delimArg, nullArg, quoteArg, escapeArg string
		seen                                   = map[string]bool{}
	)

	for _, opt := range opts {
		name := strings.ToLower(opt.Name)
		if seen[name] {
			return nil, errConflictingOptions
		}
		seen[name] = true

		switch name {
		case "binary":
			if modeSet {
				return nil, errConflictingOptions
			}
			modeSet = true
			d.Mode = ModeBinary
		case "csv":
			if modeSet {
				return nil, errConflictingOptions
			}
			modeSet = true
			d.Mode = ModeCSV
		case "oids":
			d.WithOIDs = true
		case "header":
			d.Header = true
		case "delimiter":
			delimSet, delimArg = true, opt.Arg
		case "null":
			nullSet, nullArg = true, opt.Arg
		case "quote":
			quoteSet, quoteArg = true, opt.Arg
		case "escape":
			escapeSet, escapeArg = true, opt.Arg
		case "force_quote":
			forceQuoteCols = opt.Cols
			if len(opt.Cols) == 1 && opt.Cols[0] == "*" {
				forceQuoteAll = true
			}
		case "force_not_null":
			forceNotNullCols = opt.Cols
		case "fill_missing_fields":
			d.FillMissing = true
		case "newline":
			switch strings.ToLower(opt.Arg) {
			case "lf":
				d.EOL = EOLLF
			case "cr":
				d.EOL = EOLCR
			case "crlf":
				d.EOL = EOLCRLF
			default:
				return nil, invalidOption("newline requires one of LF, CR, CRLF (got %q)", opt.Arg)
			}
		case "on_segment":
			d.OnSegment = true
		case "log_errors":
			d.LogErrors = true
		case "reject_limit":
			n := 0
			if _, err := fmt.Sscanf(opt.Arg, "%d", &n); err != nil {
				return nil, invalidOption("reject limit must be an integer (got %q)", opt.Arg)
			}
			d.RejectLimit = n
			d.TolerantMode = true
		case "reject_limit_kind":
			switch strings.ToLower(opt.Arg) {
			case "rows":
				d.RejectKind = RejectRows
			case "percent":
				d.RejectKind = RejectPercent
			default:
				return nil, invalidOption("reject limit kind must be ROWS or PERCENT")
			}
		default:
			return nil, invalidOption("option %q not recognized", opt.Name)
		}
	}

	if d.Mode == ModeBinary {
		if delimSet {
			return nil, invalidOption("cannot specify DELIMITER in BINARY mode")
		}
		if nullSet {
			return nil, invalidOption("cannot specify NULL in BINARY mode")
		}
		if d.Header {
			return nil, invalidOption("cannot specify HEADER in BINARY mode")
		}
		if d.TolerantMode || d.LogErrors {
			return nil, invalidOption("single row error handling is available only in text and CSV modes")
		}
	}

	if d.Mode != ModeCSV {
		if quoteSet {
			return nil, invalidOption("QUOTE available only in CSV mode")
		}
		if forceQuoteCols != nil {
			return nil, invalidOption("FORCE QUOTE available only in CSV mode")
		}
		if forceNotNullCols != nil {
			return nil, invalidOption("FORCE NOT NULL available only in CSV mode")
		}
		if escapeSet && d.Mode == ModeBinary {
			return nil, invalidOption("cannot specify ESCAPE in BINARY mode")
		}
	}

	if d.Header && dir == DirectionUnload && external {
		return nil, invalidOption("HEADER is not supported for writable external tables")
	}
	if d.FillMissing && dir == DirectionUnload {
		return nil, invalidOption("FILL MISSING FIELDS available only on load")
	}
	if forceQuoteCols != nil && dir == DirectionLoad {
		return nil, invalidOption("FORCE QUOTE available only on unload")
	}
	if forceNotNullCols != nil && dir == DirectionUnload {
		return nil, invalidOption("FORCE NOT NULL available only on load")
	}

	/* delimiter */
	switch {
	case !delimSet:
		if d.Mode == ModeCSV {
			d.Delim = ','
		} else {
			d.Delim = '\t'
		}
	case strings.EqualFold(delimArg, "off"):
		if !external {
			return nil, invalidOption("DELIMITER 'off' is allowed only for external tables")
		}
		d.DelimOff = true
	case len(delimArg) == 1:
		d.Delim = delimArg[0]
	default:
		return nil, invalidOption("delimiter must be a single one-byte character")
	}
	if !d.DelimOff {
		if d.Delim == '\r' || d.Delim == '\n' {
			return nil, invalidOption("delimiter cannot be newline or carriage return")
		}
		if d.Mode != ModeCSV && isBadTextDelim(d.Delim) {
			return nil, invalidOption("delimiter cannot be backslash, letter, digit or dot in text mode")
		}
	}

	/* null marker */
	if nullSet {
		d.Null = []byte(nullArg)
	} else if d.Mode == ModeCSV {
		d.Null = []byte{}
	} else {
		d.Null = []byte(`\N`)
	}
	if strings.ContainsAny(string(d.Null), "\r\n") {
		return nil, invalidOption("NULL specification cannot contain newline or carriage return")
	}
	if !d.DelimOff && strings.IndexByte(string(d.Null), d.Delim) >= 0 {
		return nil, invalidOption("delimiter cannot appear in the NULL specification")
	}

	/* quote */
	if d.Mode == ModeCSV {
		if quoteSet {
			if len(quoteArg) != 1 {
				return nil, invalidOption("quote must be a single one-byte character")
			}
			d.Quote = quoteArg[0]
		} else {
			d.Quote = '"'
		}
		if d.Delim == d.Quote {
			return nil, invalidOption("delimiter and quote must be different")
		}
		if strings.IndexByte(string(d.Null), d.Quote) >= 0 {
			return nil, invalidOption("quote cannot appear in the NULL specification")
		}
	}

	/* escape */
	switch {
	case !escapeSet:
		if d.Mode == ModeCSV {
			d.Escape = d.Quote
		} else {
			d.Escape = '\\'
		}
	case d.Mode == ModeCSV:
		if len(escapeArg) != 1 {
			return nil, invalidOption("escape in CSV mode must be a single one-byte character")
		}
		d.Escape = escapeArg[0]
	case strings.EqualFold(escapeArg, "off"):
		d.EscapeOff = true
	case len(escapeArg) == 1:
		d.Escape = escapeArg[0]
	default:
		return nil, invalidOption("escape must be a single one-byte character or 'off'")
	}

	/* force quote / force not null resolve to column indices */
	if forceQuoteAll {
		for i := range cols {
			d.ForceQuote[i] = true
		}
	} else {
		for _, c := range forceQuoteCols {
			idx, err := columnIndex(cols, c)
			if err != nil {
				return nil, err
			}
			d.ForceQuote[idx] = true
		}
	}
	for _, c := range forceNotNullCols {
		idx, err := columnIndex(cols, c)
		if err != nil {
			return nil, err
		}
		d.ForceNotNull[idx] = true
	}

	if d.TolerantMode {
		switch d.RejectKind {
		case RejectRows:
			if d.RejectLimit < 2 {
				return nil, invalidOption("segment reject limit in ROWS must be 2 or larger")
			}
		case RejectPercent:
			if d.RejectLimit < 1 || d.RejectLimit > 100 {
				return nil, invalidOption("segment reject limit in PERCENT must be between 1 and 100")
			}
		}
	}
	if d.LogErrors && !d.TolerantMode {
		return nil, invalidOption("LOG ERRORS requires a SEGMENT REJECT LIMIT")
	}

	return d, nil
}

// EOLBytes returns the byte form of a resolved end-of-line kind.
func EOLBytes(k EOLKind) []byte {
	switch k {
	case EOLCR:
		return []byte{'\r'}
	case EOLCRLF:
		return []byte{'\r', '\n'}
	default:
		return []byte{'\n'}
	}
}

func isBadTextDelim(c byte) bool {
	if c == '\\' || c == '.' {
		return true
	}
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return false
}

func columnIndex(cols []string, name string) (int, error) {
	for i, c := range cols {
		if c == name {
			return i, nil
		}
	}
	return -1, invalidOption("column %q does not exist", name)
}
