package frameio

import (
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"
)

// LegacyPeer is the old-protocol client stream: a plain byte stream whose
// only terminator is EOF. Binary mode is rejected at dialect validation;
// this peer never sees it.
type LegacyPeer struct {
	rw  io.ReadWriter
	eof bool
}

func NewLegacyPeer(rw io.ReadWriter) *LegacyPeer {
	return &LegacyPeer{rw: rw}
}

func (p *LegacyPeer) Read(b []byte) (int, error) {
	n, err := p.rw.Read(b)
	if err == io.EOF {
		p.eof = true
	}
	return n, err
}

func (p *LegacyPeer) Write(b []byte) (int, error) {
	return p.rw.Write(b)
}

func (p *LegacyPeer) Flush() error {
	return nil
}

func (p *LegacyPeer) Close() error {
	if c, ok := p.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *LegacyPeer) EOF() bool {
	return p.eof
}

var _ Peer = (*LegacyPeer)(nil)

// CopyFailError carries the client's own failure message from a CopyFail
// frame.
type CopyFailError struct {
	Message string
}

func (e *CopyFailError) Error() string {
	return fmt.Sprintf("COPY from stdin failed: %s", e.Message)
}

// ControlFunc inspects one CopyData payload before it joins the byte
// stream. Returning handled diverts the payload entirely; the stream never
// sees it.
type ControlFunc func(payload []byte) (handled bool, err error)

// MessagePeer is the modern client stream: length-prefixed CopyData frames
// terminated by CopyDone. Flush and Sync are silently re-read; anything
// else is a protocol violation and the connection is past sync.
type MessagePeer struct {
	be *pgproto3.Backend

	ctrl ControlFunc

	rest []byte
	eof  bool
}

func NewMessagePeer(be *pgproto3.Backend) *MessagePeer {
	return &MessagePeer{be: be}
}

// InterceptControl installs a hook for out-of-band CopyData payloads, such
// as forwarded reject-log records. The sender must place each such payload
// in its own CopyData message.
func (p *MessagePeer) InterceptControl(fn ControlFunc) {
	p.ctrl = fn
}

func (p *MessagePeer) Read(b []byte) (int, error) {
	for len(p.rest) == 0 {
		if p.eof {
			return 0, io.EOF
		}
		msg, err := p.be.Receive()
		if err != nil {
			return 0, err
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if p.ctrl != nil {
				handled, cerr := p.ctrl(m.Data)
				if cerr != nil {
					return 0, cerr
				}
				if handled {
					continue
				}
			}
			p.rest = m.Data
		case *pgproto3.CopyDone:
			p.eof = true
			return 0, io.EOF
		case *pgproto3.CopyFail:
			return 0, &CopyFailError{Message: m.Message}
		case *pgproto3.Flush, *pgproto3.Sync:
			/* harmless in copy mode, keep reading */
		default:
			return 0, fmt.Errorf("protocol violation: unexpected message type %T during COPY", msg)
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *MessagePeer) Write(b []byte) (int, error) {
	p.be.Send(&pgproto3.CopyData{Data: b})
	return len(b), nil
}

func (p *MessagePeer) Flush() error {
	return p.be.Flush()
}

func (p *MessagePeer) Close() error {
	return p.be.Flush()
}

func (p *MessagePeer) EOF() bool {
	return p.eof
}

// Drain discards client bytes after the in-band terminator row until
// CopyDone arrives, keeping the session in sync.
func (p *MessagePeer) Drain() error {
	p.rest = nil
	for !p.eof {
		msg, err := p.be.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if p.ctrl != nil {
				if _, cerr := p.ctrl(m.Data); cerr != nil {
					return cerr
				}
			}
		case *pgproto3.Flush, *pgproto3.Sync:
			/* discarded */
		case *pgproto3.CopyDone:
			p.eof = true
		case *pgproto3.CopyFail:
			return &CopyFailError{Message: m.Message}
		default:
			return fmt.Errorf("protocol violation: unexpected message type %T during COPY", msg)
		}
	}
	return nil
}

var (
	_ Peer    = (*MessagePeer)(nil)
	_ Drainer = (*MessagePeer)(nil)
)
