// Package frameio moves framed byte chunks between a COPY command and one
// of its four peers: a local file, a subprocess pipe, a legacy client
// stream, or a modern length-prefixed client stream. It is pure byte
// transport; row boundaries are the row reader's business.
package frameio

import "io"

type OpenMode int

const (
	ModeRead = OpenMode(iota)
	ModeWrite
)

// Peer is the uniform transport interface. Read returns io.EOF after the
// peer's terminator (file end, pipe close, CopyDone) has been observed.
type Peer interface {
	io.Reader
	io.Writer
	Flush() error
	Close() error
	EOF() bool
}

// Drainer is implemented by peers that can discard trailing bytes after
// the in-band terminator row until the client ends the stream.
type Drainer interface {
	Drain() error
}
