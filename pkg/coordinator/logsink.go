package coordinator

import (
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// rejectForwarder ships coordinator-side reject records to a worker
// segment for persistence, so every record is stored exactly once and
// lives next to the worker-side ones. Records spread across segments by
// input line number.
type rejectForwarder struct {
	sessions []*SegSession
}

func newRejectForwarder(sessions []*SegSession) *rejectForwarder {
	return &rejectForwarder{sessions: sessions}
}

func (f *rejectForwarder) Persist(rec *sreh.LogRecord) error {
	seg := int(rec.Lineno % int64(len(f.sessions)))
	if seg < 0 {
		seg = 0
	}
	return f.sessions[seg].SendControl(copywire.EncodeLogRecord(rec))
}

var _ sreh.LogSink = (*rejectForwarder)(nil)
