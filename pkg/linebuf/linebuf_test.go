package linebuf_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/mcopy/pkg/linebuf"
)

func TestLineBufCursor(t *testing.T) {
	b := linebuf.New(16)
	b.Append([]byte("42\x010\x01payload"))
	assert.Equal(t, 12, b.Len())

	b.Advance(5)
	assert.Equal(t, []byte("payload"), b.Rest())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Cursor)
	assert.False(t, b.Converted)
	assert.False(t, b.EndMarker)
}

func TestLineBufGrowsPastCapacity(t *testing.T) {
	b := linebuf.New(2)
	for i := 0; i < 100; i++ {
		b.AppendByte('x')
	}
	assert.Equal(t, 100, b.Len())
}

func TestRawBufFillAndCompact(t *testing.T) {
	r := linebuf.NewRawBuf(8)
	src := bytes.NewBufferString("abcdefghij")

	n, err := r.Fill(src)
	assert.NoError(t, err)
	assert.Equal(t, 8, n)

	/* consume five bytes, keep a three-byte candidate row */
	r.Index = 5
	r.Begin = 5
	assert.True(t, r.Compact())
	assert.Equal(t, 0, r.Begin)
	assert.Equal(t, 3, r.Filled)
	assert.Equal(t, []byte("fgh"), r.Data[:r.Filled])

	n, err = r.Fill(src)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("fghij"), r.Data[:r.Filled])
}

func TestRawBufFullRowCannotCompact(t *testing.T) {
	r := linebuf.NewRawBuf(4)
	_, err := r.Fill(bytes.NewBufferString("abcd"))
	assert.NoError(t, err)
	assert.False(t, r.Compact())
}

func TestRawBufEOF(t *testing.T) {
	r := linebuf.NewRawBuf(8)
	src := bytes.NewBufferString("ab")

	_, err := r.Fill(src)
	assert.NoError(t, err)
	assert.False(t, r.EOF())

	/* the terminal zero-byte read flips the flag */
	n, err := r.Fill(src)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	r.Index = r.Filled
	assert.True(t, r.EOF())
	assert.Equal(t, 0, r.Unscanned())
}
