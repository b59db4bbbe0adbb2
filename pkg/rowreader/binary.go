package rowreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pg-sharding/mcopy/pkg/linebuf"
	"github.com/pg-sharding/mcopy/pkg/sreh"
)

/* the 11-byte signature opening every binary COPY stream */
var binarySignature = []byte("PGCOPY\n\xff\r\n\x00")

const binaryOIDFlag = uint32(1 << 16)

// readBinaryHeader consumes the signature, the flags word and the header
// extension. Unknown critical flag bits are a terminal error.
func (r *Reader) readBinaryHeader() error {
	var sig [11]byte
	if err := r.binReadFull(sig[:]); err != nil {
		return fmt.Errorf("COPY file signature not recognized")
	}
	if !bytes.Equal(sig[:], binarySignature) {
		return fmt.Errorf("COPY file signature not recognized")
	}

	var word [4]byte
	if err := r.binReadFull(word[:]); err != nil {
		return fmt.Errorf("invalid COPY file header (missing flags)")
	}
	flags := binary.BigEndian.Uint32(word[:])
	r.binWithOIDs = flags&binaryOIDFlag != 0
	if flags&0xFFFF0000&^binaryOIDFlag != 0 {
		return fmt.Errorf("unrecognized critical flags in COPY file header")
	}

	if err := r.binReadFull(word[:]); err != nil {
		return fmt.Errorf("invalid COPY file header (missing length)")
	}
	extLen := binary.BigEndian.Uint32(word[:])
	if err := r.binSkip(int(extLen)); err != nil {
		return fmt.Errorf("invalid COPY file header (wrong length)")
	}

	r.binHeaderRead = true
	return nil
}

// readBinaryRow buffers one raw binary row into the line buffer:
// <int16 field count> [oid field] <{int32 len, bytes}...>. The buffered
// image is exactly what a worker reads back, so the coordinator can forward
// it without reassembly. A field count of -1 ends the stream.
func (r *Reader) readBinaryRow() (*linebuf.LineBuf, error) {
	r.line.Reset()

	if r.binFramed {
		var metaBuf [8]byte
		if err := r.binReadFull(metaBuf[:]); err != nil {
			/* the framed stream ends on a frame boundary, no trailer */
			return nil, io.EOF
		}
		r.line.Append(metaBuf[:])
	}

	var cntBuf [2]byte
	if err := r.binReadFull(cntBuf[:]); err != nil {
		if r.binFramed {
			return nil, sreh.NewDataError("unexpected EOF in COPY data")
		}
		/* clean end: stream may stop without the -1 trailer */
		return nil, io.EOF
	}
	fieldCount := int16(binary.BigEndian.Uint16(cntBuf[:]))
	if fieldCount == -1 {
		r.done = true
		return nil, io.EOF
	}
	if fieldCount < 0 {
		return nil, sreh.NewDataError("invalid field count %d in COPY data", fieldCount)
	}
	r.line.Append(cntBuf[:])

	nFields := int(fieldCount)
	if r.binWithOIDs {
		/* the OID travels as one extra field not included in the count */
		nFields++
	}

	var lenBuf [4]byte
	for i := 0; i < nFields; i++ {
		if err := r.binReadFull(lenBuf[:]); err != nil {
			return nil, sreh.NewDataError("unexpected EOF in COPY data")
		}
		r.line.Append(lenBuf[:])
		fieldLen := int32(binary.BigEndian.Uint32(lenBuf[:]))
		if fieldLen == -1 {
			continue
		}
		if fieldLen < 0 {
			return nil, sreh.NewDataError("invalid field size %d in COPY data", fieldLen)
		}
		if err := r.binCopy(int(fieldLen)); err != nil {
			return nil, sreh.NewDataError("unexpected EOF in COPY data")
		}
	}
	return r.line, nil
}

/* binary consumption never leaves a candidate row in the raw buffer, so
   Begin tracks Index and a compact always succeeds */

func (r *Reader) binFill() (bool, error) {
	r.raw.Begin = r.raw.Index
	r.raw.Compact()
	n, err := r.raw.Fill(r.src)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Reader) binReadFull(p []byte) error {
	off := 0
	for off < len(p) {
		if r.raw.Index >= r.raw.Filled {
			got, err := r.binFill()
			if err != nil {
				return err
			}
			if !got {
				return io.ErrUnexpectedEOF
			}
			continue
		}
		n := copy(p[off:], r.raw.Data[r.raw.Index:r.raw.Filled])
		r.raw.Index += n
		off += n
	}
	return nil
}

// binCopy appends n source bytes straight into the line buffer.
func (r *Reader) binCopy(n int) error {
	for n > 0 {
		if r.raw.Index >= r.raw.Filled {
			got, err := r.binFill()
			if err != nil {
				return err
			}
			if !got {
				return io.ErrUnexpectedEOF
			}
			continue
		}
		avail := r.raw.Filled - r.raw.Index
		if avail > n {
			avail = n
		}
		r.line.Append(r.raw.Data[r.raw.Index : r.raw.Index+avail])
		r.raw.Index += avail
		n -= avail
	}
	return nil
}

func (r *Reader) binSkip(n int) error {
	for n > 0 {
		if r.raw.Index >= r.raw.Filled {
			got, err := r.binFill()
			if err != nil {
				return err
			}
			if !got {
				return io.ErrUnexpectedEOF
			}
			continue
		}
		avail := r.raw.Filled - r.raw.Index
		if avail > n {
			avail = n
		}
		r.raw.Index += avail
		n -= avail
	}
	return nil
}
