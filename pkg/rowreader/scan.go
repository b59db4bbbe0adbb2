package rowreader

import (
	"io"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// readTextRow scans the raw buffer for the next TEXT or CSV row. The
// scanner works on single bytes, which is safe because the server encoding
// never embeds the ASCII bytes it looks for inside multibyte characters;
// client-only encodings that do are converted before rows reach parsing.
func (r *Reader) readTextRow() (*linebuf.LineBuf, error) {
	r.line.Reset()
	r.inQuote = false
	r.lastWasEsc = false

	csv := r.d.Mode == dialect.ModeCSV
	atEOF := false

	for {
		if r.raw.Index >= r.raw.Filled {
			got, err := r.refill()
			if err != nil {
				return nil, err
			}
			if got {
				continue
			}
			/* source exhausted */
			r.spill(r.raw.Filled)
			if r.inQuote {
				return nil, sreh.NewDataError("unterminated CSV quoted field")
			}
			if r.line.Len() == 0 {
				return nil, io.EOF
			}
			/* last row may legally lack a newline */
			return r.line, nil
		}

		if csv && r.inQuote && r.pendingLen() > r.maxCSVLine {
			return nil, r.recoverTooLongRow()
		}

		c := r.raw.Data[r.raw.Index]

		if r.lastWasEsc {
			r.lastWasEsc = false
			r.raw.Index++
			continue
		}

		if csv {
			if r.inQuote {
				switch {
				case c == r.d.Escape && r.d.Escape != r.d.Quote:
					r.lastWasEsc = true
				case c == r.d.Quote:
					r.inQuote = false
				}
				r.raw.Index++
				continue
			}
			if c == r.d.Quote {
				r.inQuote = true
				r.raw.Index++
				continue
			}
		} else if !r.d.EscapeOff && c == r.d.Escape {
			/* escape plus next char is a two-byte unit, so an escaped
			   newline is data, not an end of line */
			r.lastWasEsc = true
			r.raw.Index++
			continue
		}

		switch c {
		case '\n':
			switch r.eol {
			case dialect.EOLAuto:
				r.eol = dialect.EOLLF
				fallthrough
			case dialect.EOLLF:
				return r.endRow(1), nil
			default:
				return nil, r.recoverStrayEOL(csv, "newline")
			}
		case '\r':
			switch r.eol {
			case dialect.EOLCR:
				return r.endRow(1), nil
			case dialect.EOLLF:
				return nil, r.recoverStrayEOL(csv, "carriage return")
			}
			/* auto or crlf: the verdict needs the byte after the CR */
			if r.raw.Index+1 >= r.raw.Filled {
				if !atEOF {
					r.spill(r.raw.Index)
					got, err := r.refill()
					if err != nil {
						return nil, err
					}
					atEOF = !got
					continue
				}
				/* CR is the last byte of input */
				if r.eol == dialect.EOLCRLF {
					return nil, r.recoverStrayEOL(csv, "carriage return")
				}
				r.eol = dialect.EOLCR
				return r.endRow(1), nil
			}
			if r.raw.Data[r.raw.Index+1] == '\n' {
				if r.eol == dialect.EOLAuto {
					r.eol = dialect.EOLCRLF
				}
				return r.endRow(2), nil
			}
			if r.eol == dialect.EOLCRLF {
				return nil, r.recoverStrayEOL(csv, "carriage return")
			}
			r.eol = dialect.EOLCR
			return r.endRow(1), nil
		default:
			r.raw.Index++
		}
	}
}

// endRow completes the current row: everything up to the cursor is the row,
// the eolLen bytes after it are the terminator.
func (r *Reader) endRow(eolLen int) *linebuf.LineBuf {
	r.line.Append(r.raw.Data[r.raw.Begin:r.raw.Index])
	r.raw.Index += eolLen
	r.raw.Begin = r.raw.Index
	return r.line
}

func (r *Reader) pendingLen() int {
	return r.line.Len() + (r.raw.Index - r.raw.Begin)
}

func (r *Reader) strayEOLError(csv bool, what string) error {
	if csv {
		return sreh.NewDataError("unquoted %s found in data (expected %s end of line)", what, r.eol)
	}
	return sreh.NewDataError("literal %s found in data (expected %s end of line)", what, r.eol)
}

// recoverStrayEOL reports the stray end-of-line byte but first consumes the
// rest of the physical line, so tolerant mode resumes at the next row
// instead of re-reading the same byte forever.
func (r *Reader) recoverStrayEOL(csv bool, what string) error {
	err := r.strayEOLError(csv, what)
	r.line.Reset()
	r.inQuote = false
	r.lastWasEsc = false

	for {
		for r.raw.Index < r.raw.Filled {
			c := r.raw.Data[r.raw.Index]
			r.raw.Index++
			if c == '\n' || (c == '\r' && r.eol == dialect.EOLCR) {
				r.raw.Begin = r.raw.Index
				return err
			}
		}
		r.raw.Begin = r.raw.Index
		got, ferr := r.refill()
		if ferr != nil {
			return ferr
		}
		if !got {
			return err
		}
	}
}

// recoverTooLongRow discards the oversized row up to its end of line,
// ignoring quote state, so tolerant mode can continue with the next row.
func (r *Reader) recoverTooLongRow() error {
	r.line.Reset()
	r.inQuote = false
	r.lastWasEsc = false

	for {
		for r.raw.Index < r.raw.Filled {
			c := r.raw.Data[r.raw.Index]
			r.raw.Index++
			if c == '\n' || (c == '\r' && r.eol == dialect.EOLCR) {
				r.raw.Begin = r.raw.Index
				return sreh.NewDataError("data line too long, likely due to invalid csv data")
			}
		}
		r.raw.Begin = r.raw.Index
		got, err := r.refill()
		if err != nil {
			return err
		}
		if !got {
			return sreh.NewDataError("data line too long, likely due to invalid csv data")
		}
	}
}
