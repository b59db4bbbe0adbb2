package coordinator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/copylog"
	"github.com/pg-sharding/mcopy/pkg/copywire"
)

// SegSession is one coordinator-to-worker connection for the lifetime of a
// single COPY command. Outbound rows are staged in a local buffer and
// shipped as one CopyData message per flush threshold.
type SegSession struct {
	id  int
	seg config.Segment

	conn net.Conn
	fe   *pgproto3.Frontend

	out            []byte
	flushThreshold int

	report *copywire.Report

	/* worker-reported failure, classified by SQLSTATE category */
	dataErr bool
	ioErr   bool
	errMsg  string
}

func NewSegSession(id int, seg config.Segment, flushThreshold int) *SegSession {
	return &SegSession{
		id:             id,
		seg:            seg,
		flushThreshold: flushThreshold,
		out:            make([]byte, 0, flushThreshold),
	}
}

func (s *SegSession) ID() int                  { return s.id }
func (s *SegSession) Segment() config.Segment  { return s.seg }
func (s *SegSession) Report() *copywire.Report { return s.report }
func (s *SegSession) DataErr() bool            { return s.dataErr }

// Err surfaces the worker-reported failure, if any.
func (s *SegSession) Err() error {
	if s.errMsg == "" {
		return nil
	}
	return fmt.Errorf("segment %s: %s", s.seg.Name, s.errMsg)
}

func dialSegment(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	err := retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(100*time.Millisecond)), func(ctx context.Context) error {
		d := net.Dialer{}
		c, derr := d.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		conn = c
		return nil
	})
	return conn, err
}

// Open dials the worker, performs the startup exchange and dispatches the
// rewritten statement. For streamed COPY it waits for the worker to enter
// copy mode; ON SEGMENT commands run on their own and only report back, so
// the dispatch returns as soon as the statement is on the wire.
func (s *SegSession) Open(ctx context.Context, sql string, expectCopyIn, expectCopyOut bool) error {
	conn, err := dialSegment(ctx, s.seg.Addr())
	if err != nil {
		return errors.Wrapf(err, "dial segment %s", s.seg.Name)
	}
	s.conn = conn
	s.fe = pgproto3.NewFrontend(conn, conn)

	if err := s.startup(); err != nil {
		return errors.Wrapf(err, "segment %s startup", s.seg.Name)
	}

	copylog.Zero.Debug().
		Str("segment", s.seg.Name).
		Str("stmt", sql).
		Msg("dispatching copy command")

	s.fe.Send(&pgproto3.Query{String: sql})
	if err := s.fe.Flush(); err != nil {
		return errors.Wrapf(err, "segment %s", s.seg.Name)
	}

	if !expectCopyIn && !expectCopyOut {
		return nil
	}

	for {
		msg, err := s.fe.Receive()
		if err != nil {
			return errors.Wrapf(err, "segment %s", s.seg.Name)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyInResponse:
			if !expectCopyIn {
				return fmt.Errorf("segment %s entered copy-in mode on an unload", s.seg.Name)
			}
			return nil
		case *pgproto3.CopyOutResponse:
			if !expectCopyOut {
				return fmt.Errorf("segment %s entered copy-out mode on a load", s.seg.Name)
			}
			return nil
		case *pgproto3.NoticeResponse:
			copylog.Zero.Info().Str("segment", s.seg.Name).Str("notice", m.Message).Msg("segment notice")
		case *pgproto3.ParameterStatus:
			/* uninteresting */
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("segment %s: %s", s.seg.Name, m.Message)
		case *pgproto3.ReadyForQuery:
			return fmt.Errorf("segment %s did not enter copy mode", s.seg.Name)
		default:
			return fmt.Errorf("protocol violation: unexpected %T from segment %s", msg, s.seg.Name)
		}
	}
}

/* the interconnect is trusted; workers accept the startup message as-is */
func (s *SegSession) startup() error {
	s.fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{},
	})
	if err := s.fe.Flush(); err != nil {
		return err
	}
	for {
		msg, err := s.fe.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk, *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%s", m.Message)
		case *pgproto3.ReadyForQuery:
			return nil
		default:
			return fmt.Errorf("protocol violation: unexpected %T during startup", msg)
		}
	}
}

// SendRow stages one framed row for this segment.
func (s *SegSession) SendRow(frame []byte) error {
	s.out = append(s.out, frame...)
	if len(s.out) >= s.flushThreshold {
		return s.flushOut()
	}
	return nil
}

// SendControl ships an out-of-band payload in a CopyData message of its
// own, flushing staged rows first so the message boundary is clean.
func (s *SegSession) SendControl(payload []byte) error {
	if err := s.flushOut(); err != nil {
		return err
	}
	s.fe.Send(&pgproto3.CopyData{Data: payload})
	return s.fe.Flush()
}

func (s *SegSession) flushOut() error {
	if len(s.out) == 0 {
		return nil
	}
	s.fe.Send(&pgproto3.CopyData{Data: s.out})
	err := s.fe.Flush()
	s.out = s.out[:0]
	if err != nil {
		return errors.Wrapf(err, "segment %s", s.seg.Name)
	}
	return nil
}

// Finish ends the data stream (when one was open) and reads the worker's
// epilogue: the count report, CommandComplete and ReadyForQuery. Worker
// errors are recorded on the session rather than returned, so every
// segment drains fully before the command is judged.
func (s *SegSession) Finish(sendDone bool) error {
	if sendDone {
		if err := s.flushOut(); err != nil {
			return err
		}
		s.fe.Send(&pgproto3.CopyDone{})
		if err := s.fe.Flush(); err != nil {
			return errors.Wrapf(err, "segment %s", s.seg.Name)
		}
	}

	for {
		msg, err := s.fe.Receive()
		if err != nil {
			s.ioErr = true
			if s.errMsg == "" {
				s.errMsg = err.Error()
			}
			return errors.Wrapf(err, "segment %s", s.seg.Name)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if copywire.IsReport(m.Data) {
				rep, derr := copywire.DecodeReport(m.Data)
				if derr != nil {
					return errors.Wrapf(derr, "segment %s", s.seg.Name)
				}
				s.report = rep
			}
		case *pgproto3.CommandComplete, *pgproto3.EmptyQueryResponse:
		case *pgproto3.NoticeResponse:
			copylog.Zero.Info().Str("segment", s.seg.Name).Str("notice", m.Message).Msg("segment notice")
		case *pgproto3.ErrorResponse:
			s.recordError(m)
		case *pgproto3.ReadyForQuery:
			return nil
		default:
			return fmt.Errorf("protocol violation: unexpected %T from segment %s", msg, s.seg.Name)
		}
	}
}

// ReceiveRows is the unload-side receive loop: forwards each CopyData row
// batch into rows, keeps the count report for itself and returns once the
// worker reaches ReadyForQuery.
func (s *SegSession) ReceiveRows(ctx context.Context, rows chan<- []byte) error {
	for {
		msg, err := s.fe.Receive()
		if err != nil {
			s.ioErr = true
			if s.errMsg == "" {
				s.errMsg = err.Error()
			}
			return errors.Wrapf(err, "segment %s", s.seg.Name)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if copywire.IsReport(m.Data) {
				rep, derr := copywire.DecodeReport(m.Data)
				if derr != nil {
					return errors.Wrapf(derr, "segment %s", s.seg.Name)
				}
				s.report = rep
				continue
			}
			/* the receive buffer is reused; the chunk crosses a goroutine */
			chunk := append([]byte{}, m.Data...)
			select {
			case rows <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		case *pgproto3.CopyDone, *pgproto3.CommandComplete:
		case *pgproto3.NoticeResponse:
			copylog.Zero.Info().Str("segment", s.seg.Name).Str("notice", m.Message).Msg("segment notice")
		case *pgproto3.ErrorResponse:
			s.recordError(m)
		case *pgproto3.ReadyForQuery:
			return nil
		default:
			return fmt.Errorf("protocol violation: unexpected %T from segment %s", msg, s.seg.Name)
		}
	}
}

// Abort tells the worker to discard the copy. Best effort: the command is
// already failing, so replies are read with a short deadline and dropped.
func (s *SegSession) Abort(reason string) {
	if s.fe == nil {
		return
	}
	s.out = s.out[:0]
	s.fe.Send(&pgproto3.CopyFail{Message: reason})
	if err := s.fe.Flush(); err != nil {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		msg, err := s.fe.Receive()
		if err != nil {
			return
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return
		}
	}
}

func (s *SegSession) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *SegSession) recordError(m *pgproto3.ErrorResponse) {
	if strings.HasPrefix(m.Code, "22") {
		s.dataErr = true
	} else {
		s.ioErr = true
	}
	if s.errMsg == "" {
		s.errMsg = m.Message
	}
}
