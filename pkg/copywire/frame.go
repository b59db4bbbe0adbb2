// Package copywire defines the private frames the coordinator and workers
// exchange inside the COPY data stream: the per-row metadata prefix that
// carries the original input line number, and the final per-relation count
// report.
package copywire

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// MetaDelim separates the metadata fields of a text/csv row frame. It is a
// control byte, so it cannot be the first byte of a well-formed user line
// once the line is in the server encoding.
const MetaDelim = byte(0x01)

/* lineno plus delimited converted flag: "123\x017\x01..." caps out well
   below this */
const maxMetaScan = 32

// AppendTextFrame prepends the text/csv metadata to a row:
// <lineno> 0x01 <converted:0|1> 0x01 <line>.
func AppendTextFrame(dst []byte, lineno int64, converted bool, line []byte) []byte {
	dst = strconv.AppendInt(dst, lineno, 10)
	dst = append(dst, MetaDelim)
	if converted {
		dst = append(dst, '1')
	} else {
		dst = append(dst, '0')
	}
	dst = append(dst, MetaDelim)
	return append(dst, line...)
}

// AppendBinaryFrame prepends the binary metadata to a row:
// <lineno:uint64 network order> <payload>.
func AppendBinaryFrame(dst []byte, lineno int64, row []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(lineno))
	dst = append(dst, hdr[:]...)
	return append(dst, row...)
}

// ExtractTextMeta strips the metadata prefix off a received text/csv row,
// advancing the line cursor past it, and restores the original line number
// and converted flag.
func ExtractTextMeta(line *linebuf.LineBuf) (int64, error) {
	data := line.Rest()
	limit := maxMetaScan
	if len(data) < limit {
		limit = len(data)
	}
	d1 := bytes.IndexByte(data[:limit], MetaDelim)
	if d1 < 0 {
		return 0, sreh.NewDataError("invalid object definition: COPY metadata not found")
	}
	lineno, err := strconv.ParseInt(string(data[:d1]), 10, 64)
	if err != nil {
		return 0, sreh.NewDataError("invalid object definition: COPY metadata not found")
	}

	rest := data[d1+1:]
	limit = maxMetaScan
	if len(rest) < limit {
		limit = len(rest)
	}
	d2 := bytes.IndexByte(rest[:limit], MetaDelim)
	if d2 < 0 {
		return 0, sreh.NewDataError("invalid object definition: COPY metadata not found")
	}
	conv, err := strconv.Atoi(string(rest[:d2]))
	if err != nil {
		return 0, sreh.NewDataError("invalid object definition: COPY metadata not found")
	}

	line.Converted = conv != 0
	line.Advance(d1 + 1 + d2 + 1)
	return lineno, nil
}

// ExtractBinaryMeta strips the 8-byte line number prefix off a received
// binary row.
func ExtractBinaryMeta(line *linebuf.LineBuf) (int64, error) {
	data := line.Rest()
	if len(data) < 8 {
		return 0, sreh.NewDataError("invalid object definition: COPY metadata not found")
	}
	lineno := int64(binary.BigEndian.Uint64(data[:8]))
	line.Advance(8)
	return lineno, nil
}
