package signature

import (
	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/util"
)

var ErrShortBuffer = errors.New("structure extends beyond the buffer")

// Cursor walks a byte slice of guest-supplied data. Every descent
// checks the declared length against what actually remains, so a
// malformed length field surfaces as ErrShortBuffer instead of a
// read past the payload.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// Rest consumes and returns everything left.
func (c *Cursor) Rest() []byte {
	b := c.buf[c.off:]
	c.off = len(c.buf)
	return b
}

func (c *Cursor) Bytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(c.Remaining()) {
		return nil, errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", n, c.Remaining())
	}
	b := c.buf[c.off : c.off+int(n)]
	c.off += int(n)
	return b, nil
}

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (c *Cursor) GUID() (*util.EFIGUID, error) {
	b, err := c.Bytes(util.SizeofEFIGUID)
	if err != nil {
		return nil, err
	}
	return util.BytesToGUID(b), nil
}

func (c *Cursor) EFITime() (*util.EFITime, error) {
	b, err := c.Bytes(util.SizeofEFITime)
	if err != nil {
		return nil, err
	}
	return util.ReadEFITime(b)
}
