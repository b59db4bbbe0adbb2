package attparse

import (
	"bytes"
	"strconv"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// ParseCSV splits a CSV-mode row. Quote state is tracked per field; a field
// that was quoted never matches the null marker, even byte-identical.
func ParseCSV(line *linebuf.LineBuf, d *dialect.Dialect, attrs []relation.Attribute, res *Result, stopAfter int) error {
	res.reset()
	data := line.Rest()
	natts := len(attrs)
	want := natts
	if stopAfter > 0 && stopAfter < natts {
		want = stopAfter
	}

	if d.WithOIDs {
		rest, _, err := scanCSVField(data, d, res, false)
		if err != nil {
			return err
		}
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

	fieldno := 0
	for {
		if fieldno >= want {
			if want < natts {
				res.materialize()
				return nil
			}
			return sreh.NewDataError("extra data after last expected column")
		}
		rest, more, err := scanCSVField(data, d, res, d.ForceNotNull[fieldno])
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
	return nil
}

// scanCSVField consumes one field. forceNotNull suppresses the null-marker
// match, as though the field had been quoted.
func scanCSVField(data []byte, d *dialect.Dialect, res *Result, forceNotNull bool) ([]byte, bool, error) {
	start := len(res.buf)
	quoted := false
	inQuote := false
	more := false
	rawStart := 0
	i := 0

scan:
	for i < len(data) {
		c := data[i]
		if !inQuote {
			switch c {
			case d.Quote:
				quoted = true
				inQuote = true
				i++
			case d.Delim:
				more = true
				break scan
			default:
				res.buf = append(res.buf, c)
				i++
			}
			continue
		}

		/* inside quotes */
		if c == d.Escape && d.Escape != d.Quote && i+1 < len(data) &&
			(data[i+1] == d.Quote || data[i+1] == d.Escape) {
			res.buf = append(res.buf, data[i+1])
			i += 2
			continue
		}
		if c == d.Quote {
			if d.Escape == d.Quote && i+1 < len(data) && data[i+1] == d.Quote {
				/* doubled quote decodes to one literal */
				res.buf = append(res.buf, d.Quote)
				i += 2
				continue
			}
			inQuote = false
			i++
			continue
		}
		res.buf = append(res.buf, c)
		i++
	}

	if inQuote {
		return nil, false, sreh.NewDataError("unterminated CSV quoted field")
	}

	rest := data[i:]
	if more {
		rest = rest[1:]
	}

	raw := data[rawStart:i]
	if !quoted && !forceNotNull && bytes.Equal(raw, d.Null) {
		res.buf = res.buf[:start]
		res.pushOff(0, -1)
		return rest, more, nil
	}

	res.pushOff(start, len(res.buf))
	return rest, more, nil
}
