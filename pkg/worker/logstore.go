package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// ErrorLog persists reject records under the segment's data directory,
// one append-only file per target relation. Records are stored as single
// CSV lines with the raw row data quoted, so the files read back with the
// same tooling that loads them.
type ErrorLog struct {
	dir string
	mu  sync.Mutex
}

func NewErrorLog(dataDir string) *ErrorLog {
	return &ErrorLog{dir: filepath.Join(dataDir, "mcopy_errlog")}
}

func (l *ErrorLog) Persist(rec *sreh.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return errors.Wrap(err, "could not create error log directory")
	}

	path := filepath.Join(l.dir, sanitizeRelName(rec.Relation)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "could not open error log")
	}
	defer func() {
		_ = f.Close()
	}()

	line := strings.Join([]string{
		rec.CommandStart.UTC().Format(time.RFC3339Nano),
		rec.CommandID.String(),
		csvField(rec.Relation),
		csvField(rec.Filename),
		strconv.FormatInt(rec.Lineno, 10),
		csvField(rec.Column),
		rec.ErrCode,
		csvField(rec.ErrMsg),
		strconv.Quote(string(rec.RawBytes)),
	}, ",") + "\n"

	if _, err := f.WriteString(line); err != nil {
		return errors.Wrap(err, "could not append to error log")
	}
	return nil
}

var _ sreh.LogSink = (*ErrorLog)(nil)

func csvField(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func sanitizeRelName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteString(fmt.Sprintf("_%04x", r))
		}
	}
	return sb.String()
}
