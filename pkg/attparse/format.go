package attparse

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
)

// The formatting half of the package: unload is parse run backwards, and
// keeping both sides together is what makes the quote round-trip property
// checkable in one place.

// FormatText appends one TEXT-mode row, end of line included.
func FormatText(dst []byte, d *dialect.Dialect, values [][]byte, nulls []bool, oid uint32, eol []byte) []byte {
	if d.WithOIDs {
		dst = strconv.AppendUint(dst, uint64(oid), 10)
		dst = append(dst, d.Delim)
	}
	for i := range values {
		if i > 0 {
			dst = append(dst, d.Delim)
		}
		if nulls[i] {
			dst = append(dst, d.Null...)
			continue
		}
		dst = appendTextEscaped(dst, d, values[i])
	}
	return append(dst, eol...)
}

func appendTextEscaped(dst []byte, d *dialect.Dialect, v []byte) []byte {
	for _, c := range v {
		switch c {
		case '\b':
			dst = append(dst, d.Escape, 'b')
		case '\f':
			dst = append(dst, d.Escape, 'f')
		case '\n':
			dst = append(dst, d.Escape, 'n')
		case '\r':
			dst = append(dst, d.Escape, 'r')
		case '\t':
			dst = append(dst, d.Escape, 't')
		case '\v':
			dst = append(dst, d.Escape, 'v')
		case d.Delim, d.Escape:
			dst = append(dst, d.Escape, c)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// FormatCSV appends one CSV-mode row, end of line included. forceQuote is
// the dialect's resolved column-index set.
func FormatCSV(dst []byte, d *dialect.Dialect, values [][]byte, nulls []bool, oid uint32, eol []byte) []byte {
	if d.WithOIDs {
		dst = strconv.AppendUint(dst, uint64(oid), 10)
		dst = append(dst, d.Delim)
	}
	for i := range values {
		if i > 0 {
			dst = append(dst, d.Delim)
		}
		if nulls[i] {
			dst = append(dst, d.Null...)
			continue
		}
		dst = appendCSVField(dst, d, values[i], d.ForceQuote[i])
	}
	return append(dst, eol...)
}

func appendCSVField(dst []byte, d *dialect.Dialect, v []byte, force bool) []byte {
	quote := force ||
		bytes.IndexByte(v, d.Delim) >= 0 ||
		bytes.IndexByte(v, d.Quote) >= 0 ||
		bytes.IndexByte(v, '\n') >= 0 ||
		bytes.IndexByte(v, '\r') >= 0 ||
		(d.Escape != d.Quote && bytes.IndexByte(v, d.Escape) >= 0) ||
		/* an unquoted value identical to the null marker would load back
		   as null */
		bytes.Equal(v, d.Null)

	if !quote {
		return append(dst, v...)
	}
	dst = append(dst, d.Quote)
	for _, c := range v {
		if c == d.Quote || (c == d.Escape && d.Escape != d.Quote) {
			dst = append(dst, d.Escape)
		}
		dst = append(dst, c)
	}
	return append(dst, d.Quote)
}

// AppendTextField appends one escaped TEXT-mode field value, no delimiter.
// The coordinator uses it to splice pre-evaluated default columns onto the
// end of a row.
func AppendTextField(dst []byte, d *dialect.Dialect, v []byte, isNull bool) []byte {
	if isNull {
		return append(dst, d.Null...)
	}
	return appendTextEscaped(dst, d, v)
}

// AppendCSVField is the CSV counterpart of AppendTextField.
func AppendCSVField(dst []byte, d *dialect.Dialect, v []byte, isNull bool) []byte {
	if isNull {
		return append(dst, d.Null...)
	}
	return appendCSVField(dst, d, v, false)
}

// FormatHeader appends the header row for text or csv unload.
func FormatHeader(dst []byte, d *dialect.Dialect, attrs []relation.Attribute, eol []byte) []byte {
	for i := range attrs {
		if i > 0 {
			dst = append(dst, d.Delim)
		}
		if d.Mode == dialect.ModeCSV {
			dst = appendCSVField(dst, d, []byte(attrs[i].Name), false)
		} else {
			dst = appendTextEscaped(dst, d, []byte(attrs[i].Name))
		}
	}
	return append(dst, eol...)
}

// FormatBinaryHeader appends the PGCOPY signature, flags and an empty
// extension area.
func FormatBinaryHeader(dst []byte, withOIDs bool) []byte {
	dst = append(dst, "PGCOPY\n\xff\r\n\x00"...)
	flags := uint32(0)
	if withOIDs {
		flags |= 1 << 16
	}
	dst = binary.BigEndian.AppendUint32(dst, flags)
	return binary.BigEndian.AppendUint32(dst, 0)
}

// FormatBinary appends one binary row.
func FormatBinary(dst []byte, withOIDs bool, values [][]byte, nulls []bool, oid uint32) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(values)))
	if withOIDs {
		dst = binary.BigEndian.AppendUint32(dst, 4)
		dst = binary.BigEndian.AppendUint32(dst, oid)
	}
	for i := range values {
		if nulls[i] {
			dst = binary.BigEndian.AppendUint32(dst, 0xFFFFFFFF)
			continue
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(values[i])))
		dst = append(dst, values[i]...)
	}
	return dst
}

// FormatBinaryTrailer appends the -1 end-of-stream field count.
func FormatBinaryTrailer(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, 0xFFFF)
}
