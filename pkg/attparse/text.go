package attparse

import (
	"bytes"
	"strconv"
	"unicode/utf8"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// ParseText splits a TEXT-mode row. stopAfter > 0 limits the parse to that
// many leading attributes (the coordinator's routing hint); zero means all.
func ParseText(line *linebuf.LineBuf, d *dialect.Dialect, attrs []relation.Attribute, res *Result, stopAfter int) error {
	res.reset()
	data := line.Rest()
	natts := len(attrs)
	want := natts
	if stopAfter > 0 && stopAfter < natts {
		want = stopAfter
	}

	if d.WithOIDs {
		rest, _, err := scanTextField(data, d, res)
		if err != nil {
			return err
		}
		/* pop the field the scan recorded; the OID is metadata, not data */
		s, e := res.offs[len(res.offs)-2], res.offs[len(res.offs)-1]
		res.offs = res.offs[:len(res.offs)-2]
		if e < 0 {
			return sreh.NewDataError("null OID in COPY data")
		}
		oid, perr := strconv.ParseUint(string(res.buf[s:e]), 10, 32)
		if perr != nil || oid == 0 {
			return sreh.NewDataError("invalid OID in COPY data")
		}
		res.OID = uint32(oid)
		data = rest
	}

	if d.DelimOff {
		/* single-attribute fast path: the whole line is the one field */
		if natts != 1 {
			return sreh.NewDataError("extra data after last expected column")
		}
		if bytes.Equal(data, d.Null) {
			res.pushOff(0, -1)
		} else {
			start := len(res.buf)
			if err := unescapeText(data, d, res); err != nil {
				return err
			}
			res.pushOff(start, len(res.buf))
		}
		res.materialize()
		return nil
	}

	fieldno := 0
	for {
		if fieldno >= want {
			if want < natts {
				/* partial parse: routing needs no more columns */
				res.materialize()
				return nil
			}
			return sreh.NewDataError("extra data after last expected column")
		}
		rest, more, err := scanTextField(data, d, res)
		if err != nil {
			return sreh.NewColumnDataError(attrs[fieldno].Name, "%s", err.Error())
		}
		fieldno++
		data = rest
		if !more {
			break
		}
	}

	if fieldno < want {
		if !d.FillMissing || line.Len() == 0 {
			return sreh.NewDataError("missing data for column %q", attrs[fieldno].Name)
		}
		for ; fieldno < natts; fieldno++ {
			res.pushOff(0, -1)
		}
	}

	res.materialize()
	return validateHighBit(res, attrs)
}

// scanTextField consumes one field from data: raw null-marker comparison,
// escape decoding, delimiter split. Returns the remainder and whether a
// delimiter (hence another field) follows.
func scanTextField(data []byte, d *dialect.Dialect, res *Result) ([]byte, bool, error) {
	/* find the unescaped delimiter to learn the raw extent first */
	rawEnd := len(data)
	more := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if !d.EscapeOff && c == d.Escape {
			i++ /* skip the escaped byte, whatever it is */
			continue
		}
		if c == d.Delim {
			rawEnd = i
			more = true
			break
		}
	}

	raw := data[:rawEnd]
	rest := data[rawEnd:]
	if more {
		rest = rest[1:]
	}

	if bytes.Equal(raw, d.Null) {
		res.pushOff(0, -1)
		return rest, more, nil
	}

	start := len(res.buf)
	if err := unescapeText(raw, d, res); err != nil {
		return rest, more, err
	}
	res.pushOff(start, len(res.buf))
	return rest, more, nil
}

// unescapeText appends the decoded bytes of one raw field to the arena.
func unescapeText(raw []byte, d *dialect.Dialect, res *Result) error {
	if d.EscapeOff {
		res.buf = append(res.buf, raw...)
		return nil
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != d.Escape {
			res.buf = append(res.buf, c)
			continue
		}
		if i+1 >= len(raw) {
			/* escape at end of data is kept literal */
			res.buf = append(res.buf, c)
			continue
		}
		i++
		e := raw[i]
		switch {
		case e >= '0' && e <= '7':
			v := int(e - '0')
			for k := 0; k < 2 && i+1 < len(raw); k++ {
				n := raw[i+1]
				if n < '0' || n > '7' {
					break
				}
				v = v*8 + int(n-'0')
				i++
			}
			res.buf = append(res.buf, byte(v))
		case e == 'x' || e == 'X':
			v, digits := 0, 0
			for k := 0; k < 2 && i+1 < len(raw); k++ {
				n := raw[i+1]
				h := hexVal(n)
				if h < 0 {
					break
				}
				v = v*16 + h
				digits++
				i++
			}
			if digits == 0 {
				/* \x with no digits falls through to a literal x */
				res.buf = append(res.buf, e)
			} else {
				res.buf = append(res.buf, byte(v))
			}
		case e == 'b':
			res.buf = append(res.buf, '\b')
		case e == 'f':
			res.buf = append(res.buf, '\f')
		case e == 'n':
			res.buf = append(res.buf, '\n')
		case e == 'r':
			res.buf = append(res.buf, '\r')
		case e == 't':
			res.buf = append(res.buf, '\t')
		case e == 'v':
			res.buf = append(res.buf, '\v')
		default:
			/* escaped delimiter, escaped escape, or any other byte:
			   the next character taken literally */
			res.buf = append(res.buf, e)
		}
	}
	return nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// validateHighBit re-checks decoded values for server-encoding legality:
// octal and hex escapes can synthesize arbitrary high-bit bytes.
func validateHighBit(res *Result, attrs []relation.Attribute) error {
	for i := 0; i < res.Parsed; i++ {
		if res.Nulls[i] {
			continue
		}
		v := res.Values[i]
		hasHigh := false
		for _, b := range v {
			if b >= 0x80 {
				hasHigh = true
				break
			}
		}
		if hasHigh && !utf8.Valid(v) {
			return sreh.NewColumnDataError(attrs[i].Name,
				"invalid byte sequence for server encoding")
		}
	}
	return nil
}
