package worker

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"

	"github.com/pg-sharding/mcopy/pkg/copylog"
	"github.com/pg-sharding/mcopy/pkg/copywire"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/frameio"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

// StmtResolver turns a dispatched statement back into a resolved Stmt
// using the segment's own catalog. It sits where the SQL layer would.
type StmtResolver interface {
	Resolve(sql string) (*Stmt, dialect.Direction, error)
}

// Server accepts coordinator connections and runs one COPY command per
// Query message.
type Server struct {
	w        *Worker
	resolver StmtResolver
}

func NewServer(w *Worker, resolver StmtResolver) *Server {
	return &Server{w: w, resolver: resolver}
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	be := pgproto3.NewBackend(conn, conn)
	if err := s.startup(be, conn); err != nil {
		copylog.Zero.Debug().Err(err).Msg("startup failed")
		return
	}

	for {
		msg, err := be.Receive()
		if err != nil {
			return
		}
		switch q := msg.(type) {
		case *pgproto3.Query:
			if err := s.runCommand(ctx, be, q.String); err != nil {
				copylog.Zero.Debug().Err(err).Msg("copy connection lost")
				return
			}
		case *pgproto3.Terminate:
			return
		case *pgproto3.Sync:
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := be.Flush(); err != nil {
				return
			}
		default:
			sendError(be, "08P01", fmt.Sprintf("unexpected message type %T", msg))
		}
	}
}

/* the interconnect is trusted; any startup message is accepted */
func (s *Server) startup(be *pgproto3.Backend, conn net.Conn) error {
	for {
		msg, err := be.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.StartupMessage:
			be.Send(&pgproto3.AuthenticationOk{})
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			return be.Flush()
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

// runCommand executes one dispatched COPY. A returned error means the
// connection itself is unusable; command failures are reported in-band.
func (s *Server) runCommand(ctx context.Context, be *pgproto3.Backend, sql string) error {
	st, dir, err := s.resolver.Resolve(sql)
	if err != nil {
		return sendError(be, "42601", err.Error())
	}

	if dir == dialect.DirectionLoad {
		return s.runLoad(ctx, be, st)
	}
	return s.runUnload(ctx, be, st)
}

func (s *Server) runLoad(ctx context.Context, be *pgproto3.Backend, st *Stmt) error {
	var (
		src frameio.Peer
		mp  *frameio.MessagePeer
	)
	st.Framed = !st.D.OnSegment

	if st.Framed {
		format, codes := copyFormats(st)
		be.Send(&pgproto3.CopyInResponse{OverallFormat: format, ColumnFormatCodes: codes})
		if err := be.Flush(); err != nil {
			return err
		}
		mp = frameio.NewMessagePeer(be)
		src = mp
	} else {
		p, perr := s.openSegmentPeer(st, frameio.ModeRead)
		if perr != nil {
			return sendError(be, "58030", perr.Error())
		}
		src = p
	}

	report, runErr := s.w.RunLoad(ctx, st, src)

	var copyFail *frameio.CopyFailError
	if runErr != nil {
		_ = errors.As(runErr, &copyFail)
	}

	if st.Framed {
		if runErr != nil && copyFail == nil && !mp.EOF() {
			/* keep reading the stream out so the coordinator never blocks
			   on a full send buffer */
			_ = mp.Drain()
		}
	} else {
		if cerr := src.Close(); cerr != nil && runErr == nil {
			runErr = cerr
		}
	}

	if runErr != nil {
		if copyFail != nil {
			return sendError(be, "57014", copyFail.Error())
		}
		return sendError(be, sqlstateFor(runErr), runErr.Error())
	}

	return sendReport(be, report)
}

func (s *Server) runUnload(ctx context.Context, be *pgproto3.Backend, st *Stmt) error {
	var dst frameio.Peer
	if st.D.OnSegment {
		p, perr := s.openSegmentPeer(st, frameio.ModeWrite)
		if perr != nil {
			return sendError(be, "58030", perr.Error())
		}
		dst = p
	} else {
		format, codes := copyFormats(st)
		be.Send(&pgproto3.CopyOutResponse{OverallFormat: format, ColumnFormatCodes: codes})
		if err := be.Flush(); err != nil {
			return err
		}
		dst = frameio.NewMessagePeer(be)
	}

	report, runErr := s.w.RunUnload(ctx, st, dst)
	if st.D.OnSegment {
		if cerr := dst.Close(); cerr != nil && runErr == nil {
			runErr = cerr
		}
	}
	if runErr != nil {
		return sendError(be, sqlstateFor(runErr), runErr.Error())
	}

	if !st.D.OnSegment {
		be.Send(&pgproto3.CopyData{Data: copywire.EncodeReport(report)})
		be.Send(&pgproto3.CopyDone{})
		be.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("COPY %d", report.Total()))})
		be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return be.Flush()
	}
	return sendReport(be, report)
}

// openSegmentPeer builds this segment's private source or sink for an
// ON SEGMENT command: a local file with the tokens expanded, or a program
// with the segment identity in its environment.
func (s *Server) openSegmentPeer(st *Stmt, mode frameio.OpenMode) (frameio.Peer, error) {
	seg := s.w.Cfg.Segments[s.w.ID]

	if st.Program != "" {
		cmd := strings.ReplaceAll(st.Program, "<SEGID>", fmt.Sprintf("%d", s.w.ID))
		cmd = strings.ReplaceAll(cmd, "<SEG_DATA_DIR>", seg.DataDir)
		env := frameio.ProgramEnv(s.w.ID, len(s.w.Cfg.Segments),
			s.w.Cfg.Database, s.w.Cfg.User, st.XID)
		return frameio.OpenProgram(cmd, mode, env)
	}

	path, err := frameio.ExpandSegmentPath(st.Filename, s.w.ID, seg.DataDir)
	if err != nil {
		return nil, err
	}
	return frameio.OpenFile(path, mode, s.w.Cfg.FileBufSize)
}

func copyFormats(st *Stmt) (byte, []uint16) {
	n := len(st.Columns)
	if n == 0 {
		n = len(st.Rel.ActiveColumns())
	}
	format := byte(0)
	if st.D.Mode == dialect.ModeBinary {
		format = 1
	}
	codes := make([]uint16, n)
	for i := range codes {
		codes[i] = uint16(format)
	}
	return format, codes
}

func sendReport(be *pgproto3.Backend, report *copywire.Report) error {
	be.Send(&pgproto3.CopyData{Data: copywire.EncodeReport(report)})
	be.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("COPY %d", report.Total()))})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return be.Flush()
}

func sendError(be *pgproto3.Backend, code, msg string) error {
	be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: msg})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return be.Flush()
}

func sqlstateFor(err error) string {
	var le *sreh.LimitError
	if sreh.IsDataError(err) || errors.As(err, &le) {
		return "22000"
	}
	return "XX000"
}
