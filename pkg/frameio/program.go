package frameio

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

/* keep at most this much of the child's stderr for the error message */
const maxStderrTail = 8 * 1024

// ProgramPeer runs `/bin/sh -c <command>` and streams bytes through one of
// its standard pipes. The runtime already turns SIGPIPE on a broken child
// pipe into an EPIPE write error, so a dying reader surfaces as an I/O
// error rather than killing the backend.
type ProgramPeer struct {
	cmd  *exec.Cmd
	mode OpenMode

	rd io.ReadCloser
	wr io.WriteCloser

	stderr tailBuffer
	eof    bool
}

// OpenProgram starts the command with the backend's environment plus the
// extra per-segment variables.
func OpenProgram(command string, mode OpenMode, extraEnv []string) (*ProgramPeer, error) {
	p := &ProgramPeer{mode: mode}
	p.cmd = exec.Command("/bin/sh", "-c", command)
	p.cmd.Env = append(os.Environ(), extraEnv...)
	p.cmd.Stderr = &p.stderr

	var err error
	switch mode {
	case ModeRead:
		p.rd, err = p.cmd.StdoutPipe()
	case ModeWrite:
		p.wr, err = p.cmd.StdinPipe()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not create pipe for program %q", command)
	}

	if err := p.cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "could not execute command %q", command)
	}
	return p, nil
}

func (p *ProgramPeer) Read(b []byte) (int, error) {
	n, err := p.rd.Read(b)
	if err == io.EOF {
		p.eof = true
	}
	return n, err
}

func (p *ProgramPeer) Write(b []byte) (int, error) {
	return p.wr.Write(b)
}

func (p *ProgramPeer) Flush() error {
	/* pipes are unbuffered on our side */
	return nil
}

// Close ends the stream and waits for the child. A non-zero exit becomes a
// terminal error carrying the tail of the child's stderr.
func (p *ProgramPeer) Close() error {
	if p.wr != nil {
		if err := p.wr.Close(); err != nil {
			_ = p.cmd.Wait()
			return errors.Wrap(err, "could not close pipe to program")
		}
	}

	if err := p.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(p.stderr.String())
		if msg != "" {
			return errors.Wrapf(err, "program failed: %s", msg)
		}
		return errors.Wrap(err, "program failed")
	}
	return nil
}

func (p *ProgramPeer) EOF() bool {
	return p.eof
}

var _ Peer = (*ProgramPeer)(nil)

// tailBuffer keeps the last maxStderrTail bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= maxStderrTail {
		t.buf.Reset()
		p = p[n-maxStderrTail:]
	} else if t.buf.Len()+n > maxStderrTail {
		rest := t.buf.Bytes()[t.buf.Len()+n-maxStderrTail:]
		trimmed := append([]byte{}, rest...)
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
