package copywire

import (
	"encoding/binary"
	"fmt"
	"sort"
)

/* distinguishes the report payload from row frames on the wire */
var reportMagic = []byte("MCRPT1")

// Report is a worker's final reply for one COPY command: tuples processed
// per relation OID (partitioned inserts touch several children) and the
// rows it rejected locally.
type Report struct {
	Processed map[uint32]int64
	Rejected  int64
}

func NewReport() *Report {
	return &Report{Processed: map[uint32]int64{}}
}

func (r *Report) NoteInserted(relOID uint32) {
	r.Processed[relOID]++
}

func (r *Report) Total() int64 {
	var t int64
	for _, n := range r.Processed {
		t += n
	}
	return t
}

// Merge folds another report into this one.
func (r *Report) Merge(o *Report) {
	for oid, n := range o.Processed {
		r.Processed[oid] += n
	}
	r.Rejected += o.Rejected
}

// EncodeReport serializes a report for the worker's final CopyData message.
// Relations are emitted in OID order so the encoding is deterministic.
func EncodeReport(r *Report) []byte {
	oids := make([]uint32, 0, len(r.Processed))
	for oid := range r.Processed {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	buf := append([]byte{}, reportMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(oids)))
	for _, oid := range oids {
		buf = binary.BigEndian.AppendUint32(buf, oid)
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.Processed[oid]))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Rejected))
	return buf
}

// IsReport reports whether a CopyData payload carries a count report.
func IsReport(p []byte) bool {
	return len(p) >= len(reportMagic) && string(p[:len(reportMagic)]) == string(reportMagic)
}

// DecodeReport parses a payload produced by EncodeReport.
func DecodeReport(p []byte) (*Report, error) {
	if !IsReport(p) {
		return nil, fmt.Errorf("protocol violation: malformed worker count report")
	}
	p = p[len(reportMagic):]
	if len(p) < 4 {
		return nil, fmt.Errorf("protocol violation: truncated worker count report")
	}
	n := binary.BigEndian.Uint32(p[:4])
	p = p[4:]
	if len(p) < int(n)*12+8 {
		return nil, fmt.Errorf("protocol violation: truncated worker count report")
	}
	r := NewReport()
	for i := uint32(0); i < n; i++ {
		oid := binary.BigEndian.Uint32(p[:4])
		cnt := int64(binary.BigEndian.Uint64(p[4:12]))
		r.Processed[oid] = cnt
		p = p[12:]
	}
	r.Rejected = int64(binary.BigEndian.Uint64(p[:8]))
	return r, nil
}
