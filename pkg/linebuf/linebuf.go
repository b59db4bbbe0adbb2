package linebuf

// LineBuf holds exactly one logical input row. It is reused across rows:
// Reset truncates without releasing the backing array.
type LineBuf struct {
	Data   []byte
	Cursor int

	/* row already translated to the server encoding */
	Converted bool
	/* row was the terminator sequence, not data */
	EndMarker bool
}

func New(capacity int) *LineBuf {
	return &LineBuf{Data: make([]byte, 0, capacity)}
}

func (b *LineBuf) Reset() {
	b.Data = b.Data[:0]
	b.Cursor = 0
	b.Converted = false
	b.EndMarker = false
}

func (b *LineBuf) Len() int {
	return len(b.Data)
}

func (b *LineBuf) Append(p []byte) {
	b.Data = append(b.Data, p...)
}

func (b *LineBuf) AppendByte(c byte) {
	b.Data = append(b.Data, c)
}

// Rest returns the unconsumed part of the row.
func (b *LineBuf) Rest() []byte {
	return b.Data[b.Cursor:]
}

// Advance moves the cursor forward by n bytes.
func (b *LineBuf) Advance(n int) {
	b.Cursor += n
}
