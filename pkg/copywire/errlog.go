package copywire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pg-sharding/mcopy/pkg/sreh"
)

/* distinguishes forwarded reject-log records from row frames */
var errlogMagic = []byte("MCERR1")

// EncodeLogRecord serializes a reject record for forwarding to the worker
// segment that persists it.
func EncodeLogRecord(rec *sreh.LogRecord) []byte {
	buf := append([]byte{}, errlogMagic...)
	buf = append(buf, rec.CommandID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.CommandStart.UnixNano()))
	buf = appendLPString(buf, []byte(rec.Relation))
	buf = appendLPString(buf, []byte(rec.Filename))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.Lineno))
	buf = appendLPString(buf, []byte(rec.Column))
	buf = appendLPString(buf, []byte(rec.ErrCode))
	buf = appendLPString(buf, []byte(rec.ErrMsg))
	buf = appendLPString(buf, rec.RawBytes)
	if rec.Converted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// IsLogRecord reports whether a frame carries a reject-log record instead
// of a row.
func IsLogRecord(p []byte) bool {
	return len(p) >= len(errlogMagic) && string(p[:len(errlogMagic)]) == string(errlogMagic)
}

// DecodeLogRecord parses a payload produced by EncodeLogRecord.
func DecodeLogRecord(p []byte) (*sreh.LogRecord, error) {
	if !IsLogRecord(p) {
		return nil, fmt.Errorf("protocol violation: malformed reject-log record")
	}
	p = p[len(errlogMagic):]
	if len(p) < 16+8 {
		return nil, truncatedLogRecord()
	}
	rec := &sreh.LogRecord{}
	copy(rec.CommandID[:], p[:16])
	rec.CommandStart = time.Unix(0, int64(binary.BigEndian.Uint64(p[16:24])))
	p = p[24:]

	var (
		s   []byte
		err error
	)
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.Relation = string(s)
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.Filename = string(s)
	if len(p) < 8 {
		return nil, truncatedLogRecord()
	}
	rec.Lineno = int64(binary.BigEndian.Uint64(p[:8]))
	p = p[8:]
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.Column = string(s)
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.ErrCode = string(s)
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.ErrMsg = string(s)
	if s, p, err = readLPString(p); err != nil {
		return nil, err
	}
	rec.RawBytes = append([]byte{}, s...)
	if len(p) < 1 {
		return nil, truncatedLogRecord()
	}
	rec.Converted = p[0] != 0
	return rec, nil
}

func truncatedLogRecord() error {
	return fmt.Errorf("protocol violation: truncated reject-log record")
}

func appendLPString(buf, s []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readLPString(p []byte) ([]byte, []byte, error) {
	if len(p) < 4 {
		return nil, nil, truncatedLogRecord()
	}
	n := binary.BigEndian.Uint32(p[:4])
	p = p[4:]
	if len(p) < int(n) {
		return nil, nil, truncatedLogRecord()
	}
	return p[:n], p[n:], nil
}
