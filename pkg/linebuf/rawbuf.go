package linebuf

import "io"

// RawBuf is the fixed-size input chunk the row reader scans. Three cursors
// track its state: Begin marks the start of the current candidate row, Index
// is the next byte to inspect, and the valid region ends at Filled.
type RawBuf struct {
	Data   []byte
	Begin  int
	Index  int
	Filled int

	eof bool
}

func NewRawBuf(size int) *RawBuf {
	return &RawBuf{Data: make([]byte, size)}
}

func (r *RawBuf) EOF() bool {
	return r.eof && r.Index >= r.Filled
}

// Unscanned reports how many inspected-but-unconsumed bytes remain.
func (r *RawBuf) Unscanned() int {
	return r.Filled - r.Index
}

// Compact slides the current candidate row to the front of the buffer so a
// refill has room. Returns false when the row already starts at offset zero
// and fills the buffer, i.e. the row is longer than the chunk size.
func (r *RawBuf) Compact() bool {
	if r.Begin == 0 && r.Filled == len(r.Data) {
		return false
	}
	copy(r.Data, r.Data[r.Begin:r.Filled])
	r.Filled -= r.Begin
	r.Index -= r.Begin
	r.Begin = 0
	return true
}

// Fill reads from src into the free tail of the buffer. io.EOF is absorbed
// and remembered; any other error is returned as is. A CR split off its LF
// or a multibyte character split across chunks is handled by the scanner:
// it leaves the partial sequence unconsumed and compacts before refilling.
func (r *RawBuf) Fill(src io.Reader) (int, error) {
	n, err := src.Read(r.Data[r.Filled:])
	r.Filled += n
	if err == io.EOF {
		r.eof = true
		return n, nil
	}
	return n, err
}
