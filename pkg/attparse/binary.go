package attparse

import (
	"encoding/binary"

	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/models/relation"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// ParseBinary walks one buffered binary row: <int16 count> [oid field]
// <{int32 len, bytes}...>. Values alias the line buffer. skipParsing
// defers the per-type input functions (the coordinator only forwards the
// bytes); workers pass a BinaryInput to validate every field.
func ParseBinary(line *linebuf.LineBuf, d *dialect.Dialect, attrs []relation.Attribute, res *Result, stopAfter int, skipParsing bool, binIn relation.BinaryInput) error {
	res.reset()
	data := line.Rest()
	natts := len(attrs)
	want := natts
	if stopAfter > 0 && stopAfter < natts {
		want = stopAfter
	}

	if len(data) < 2 {
		return sreh.NewDataError("unexpected EOF in COPY data")
	}
	fieldCount := int16(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if int(fieldCount) != natts {
		return sreh.NewDataError("row field count is %d, expected %d", fieldCount, natts)
	}

	if d.WithOIDs {
		val, isNull, rest, err := binaryField(data)
		if err != nil {
			return err
		}
		if isNull {
			return sreh.NewDataError("null OID in COPY data")
		}
		if len(val) != 4 {
			return sreh.NewDataError("invalid OID in COPY data")
		}
		oid := binary.BigEndian.Uint32(val)
		if oid == 0 {
			return sreh.NewDataError("invalid OID in COPY data")
		}
		res.OID = oid
		data = rest
	}

	for fieldno := 0; fieldno < want; fieldno++ {
		val, isNull, rest, err := binaryField(data)
		if err != nil {
			return sreh.NewColumnDataError(attrs[fieldno].Name, "%s", err.Error())
		}
		data = rest
		if isNull {
			res.Nulls[fieldno] = true
			continue
		}
		if !skipParsing && binIn != nil {
			consumed, derr := binIn.Decode(attrs[fieldno].TypeOID, val)
			if derr != nil {
				return sreh.NewColumnDataError(attrs[fieldno].Name, "%s", derr.Error())
			}
			if consumed != len(val) {
				return sreh.NewColumnDataError(attrs[fieldno].Name, "incorrect binary data format")
			}
		}
		res.Values[fieldno] = val
	}

	res.Parsed = want
	return nil
}

/* one length-prefixed field; the value aliases data */
func binaryField(data []byte) ([]byte, bool, []byte, error) {
	if len(data) < 4 {
		return nil, false, nil, sreh.NewDataError("unexpected EOF in COPY data")
	}
	fieldLen := int32(binary.BigEndian.Uint32(data[:4]))
	data = data[4:]
	if fieldLen == -1 {
		return nil, true, data, nil
	}
	if fieldLen < 0 {
		return nil, false, nil, sreh.NewDataError("invalid field size %d in COPY data", fieldLen)
	}
	if int(fieldLen) > len(data) {
		return nil, false, nil, sreh.NewDataError("unexpected EOF in COPY data")
	}
	return data[:fieldLen], false, data[fieldLen:], nil
}
