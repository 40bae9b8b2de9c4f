// Package wire provides a bounds-checked cursor for decoding binary
// messages. Every read either consumes exactly the requested bytes or
// returns ErrShortBuffer without advancing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("wire: short buffer")

// Cursor reads fixed-size and length-prefixed fields from a byte slice.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int { return c.off }

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.buf) - c.off }

// Rest returns the unread bytes without consuming them.
func (c *Cursor) Rest() []byte { return c.buf[c.off:] }

// ReadBytes consumes n bytes. The returned slice aliases the input.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, c.off, c.Len())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// Expect consumes len(want) bytes and reports whether they equal want.
func (c *Cursor) Expect(want []byte) (bool, error) {
	b, err := c.ReadBytes(len(want))
	if err != nil {
		return false, err
	}
	return string(b) == string(want), nil
}

func (c *Cursor) Uint32BE() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Cursor) Uint32LE() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// LengthPrefixed consumes a big-endian uint32 length followed by that many
// bytes (the SSH "string" encoding). On a short read the cursor is left
// where it was.
func (c *Cursor) LengthPrefixed() ([]byte, error) {
	start := c.off
	n, err := c.Uint32BE()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(c.Len()) {
		c.off = start
		return nil, fmt.Errorf("%w: field of %d bytes at offset %d, have %d", ErrShortBuffer, n, start, c.Len())
	}
	return c.ReadBytes(int(n))
}

// ReadString is LengthPrefixed converted to a string.
func (c *Cursor) ReadString() (string, error) {
	b, err := c.LengthPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip consumes a length-prefixed field and discards it.
func (c *Cursor) Skip() error {
	_, err := c.LengthPrefixed()
	return err
}
