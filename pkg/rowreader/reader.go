// Package rowreader turns the raw byte stream of a COPY source into one
// line buffer per logical row. It understands the three dialect modes:
// TEXT (escape-aware), CSV (quote-aware, a row may span physical lines)
// and BINARY (length-prefixed fields behind a signature header).
package rowreader

import (
	"io"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// Reader extracts rows from one COPY source. The line buffer it returns is
// reused: a row is valid until the next ReadLine call.
type Reader struct {
	d   *dialect.Dialect
	src frameio.Peer

	raw  *linebuf.RawBuf
	line *linebuf.LineBuf

	/* resolved end-of-line kind; dialect EOLAuto until the first row */
	eol dialect.EOLKind

	maxCSVLine int

	lineno int64

	/* csv/text scan state that survives buffer refills */
	inQuote    bool
	lastWasEsc bool

	binHeaderRead bool
	binWithOIDs   bool
	binFramed     bool
	done          bool
}

func New(d *dialect.Dialect, src frameio.Peer, rawBufSize, maxCSVLine int) *Reader {
	return &Reader{
		d:          d,
		src:        src,
		raw:        linebuf.NewRawBuf(rawBufSize),
		line:       linebuf.New(1024),
		eol:        d.EOL,
		maxCSVLine: maxCSVLine,
	}
}

// Lineno is the 1-based input index of the row most recently returned.
func (r *Reader) Lineno() int64 {
	return r.lineno
}

// EOLKind is the resolved end-of-line discipline; meaningful after the
// first text/csv row.
func (r *Reader) EOLKind() dialect.EOLKind {
	return r.eol
}

// WithOIDs reports whether the binary stream header declared OIDs.
func (r *Reader) WithOIDs() bool {
	return r.binWithOIDs
}

// FramedBinary switches a binary reader to the dispatched row form: no
// signature header or trailer, and every row prefixed with its 8-byte input
// line number. The prefix stays at the front of the returned buffer for the
// caller to strip. OID presence comes from the statement rather than a
// stream header.
func (r *Reader) FramedBinary(withOIDs bool) {
	r.binFramed = true
	r.binHeaderRead = true
	r.binWithOIDs = withOIDs
}

// ReadLine returns the next logical row, io.EOF at end of input. The
// in-band terminator row comes back with EndMarker set; the caller is
// expected to drain the peer and stop.
func (r *Reader) ReadLine() (*linebuf.LineBuf, error) {
	if r.done {
		return nil, io.EOF
	}

	if r.d.Mode == dialect.ModeBinary {
		if !r.binHeaderRead {
			if err := r.readBinaryHeader(); err != nil {
				return nil, err
			}
		}
		lb, err := r.readBinaryRow()
		if err != nil {
			return nil, err
		}
		r.lineno++
		return lb, nil
	}

	lb, err := r.readTextRow()
	if err != nil {
		/* a recovered row-level error still consumed a physical line */
		if sreh.IsDataError(err) {
			r.lineno++
		}
		return nil, err
	}
	r.lineno++

	if isEndMarker(lb.Data) {
		lb.EndMarker = true
		r.done = true
		if d, ok := r.src.(frameio.Drainer); ok {
			if derr := d.Drain(); derr != nil {
				return nil, derr
			}
		}
	}
	return lb, nil
}

/* the three-byte terminator row */
func isEndMarker(line []byte) bool {
	return len(line) == 2 && line[0] == '\\' && line[1] == '.'
}

// refill tops up the raw buffer. Returns false when the source is
// exhausted and no new bytes arrived.
func (r *Reader) refill() (bool, error) {
	if !r.raw.Compact() {
		/* a single row larger than the chunk: grow into the line buffer
		   first, then compact succeeds */
		r.spill(r.raw.Filled)
		r.raw.Compact()
	}
	n, err := r.raw.Fill(r.src)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// spill moves raw[Begin:upto] into the line buffer and advances Begin.
func (r *Reader) spill(upto int) {
	r.line.Append(r.raw.Data[r.raw.Begin:upto])
	r.raw.Begin = upto
	if r.raw.Index < upto {
		r.raw.Index = upto
	}
}
