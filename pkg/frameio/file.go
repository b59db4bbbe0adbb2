package frameio

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// FilePeer is the local-file peer: standard buffered I/O with a large
// buffer. Files with a .gz suffix are decompressed on read and compressed
// on write transparently.
type FilePeer struct {
	f    *os.File
	mode OpenMode

	br *bufio.Reader
	bw *bufio.Writer

	gzr *gzip.Reader
	gzw *gzip.Writer

	eof bool
}

func OpenFile(path string, mode OpenMode, bufSize int) (*FilePeer, error) {
	p := &FilePeer{mode: mode}
	gz := strings.HasSuffix(path, ".gz")

	switch mode {
	case ModeRead:
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open file %q for reading", path)
		}
		p.f = f
		p.br = bufio.NewReaderSize(f, bufSize)
		if gz {
			gzr, err := gzip.NewReader(p.br)
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "could not open compressed file %q", path)
			}
			p.gzr = gzr
		}
	case ModeWrite:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open file %q for writing", path)
		}
		p.f = f
		p.bw = bufio.NewWriterSize(f, bufSize)
		if gz {
			p.gzw = gzip.NewWriter(p.bw)
		}
	}
	return p, nil
}

func (p *FilePeer) Read(b []byte) (int, error) {
	var (
		n   int
		err error
	)
	if p.gzr != nil {
		n, err = p.gzr.Read(b)
	} else {
		n, err = p.br.Read(b)
	}
	if err == io.EOF {
		p.eof = true
	}
	return n, err
}

func (p *FilePeer) Write(b []byte) (int, error) {
	if p.gzw != nil {
		return p.gzw.Write(b)
	}
	return p.bw.Write(b)
}

func (p *FilePeer) Flush() error {
	if p.mode != ModeWrite {
		return nil
	}
	if p.gzw != nil {
		if err := p.gzw.Flush(); err != nil {
			return err
		}
	}
	return p.bw.Flush()
}

// Close propagates buffered write errors; a load file closes quietly.
func (p *FilePeer) Close() error {
	if p.mode == ModeRead {
		if p.gzr != nil {
			_ = p.gzr.Close()
		}
		return p.f.Close()
	}

	var firstErr error
	if p.gzw != nil {
		firstErr = p.gzw.Close()
	}
	if err := p.bw.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return errors.Wrap(firstErr, "could not finish writing copy file")
}

func (p *FilePeer) EOF() bool {
	return p.eof
}

var _ Peer = (*FilePeer)(nil)
