package smm

import (
	"context"
	"encoding/binary"

	"github.com/go-logr/logr"
)

// The BAR the service exposes is a doorbell, a status register, and a
// shared command buffer:
//
//	0x0  doorbell  (u32, any non-zero write dispatches the buffer)
//	0x4  status    (u32, 0 after a dispatched command, 1 for garbage
//	               the dispatcher could not frame)
//	0x8  command buffer, to the end of the BAR
const (
	RegDoorbell  = 0x0
	RegStatus    = 0x4
	BufferOffset = 0x8
)

// MMIOWindow adapts the dispatcher to BAR semantics. It implements
// the byte and long access widths; the PCI layer synthesizes 16-bit
// accesses.
type MMIOWindow struct {
	ctx    context.Context
	log    logr.Logger
	disp   *Dispatcher
	buf    []byte
	status uint32
}

// NewMMIOWindow sizes the command buffer to fill a BAR of 1<<order
// bytes.
func NewMMIOWindow(ctx context.Context, log logr.Logger, disp *Dispatcher, order uint) *MMIOWindow {
	return &MMIOWindow{
		ctx:  ctx,
		log:  log,
		disp: disp,
		buf:  make([]byte, (1<<order)-BufferOffset),
	}
}

// Buffer exposes the shared command buffer for in-process callers.
func (w *MMIOWindow) Buffer() []byte {
	return w.buf
}

func (w *MMIOWindow) ring() {
	w.status = 0
	if err := w.disp.Dispatch(w.ctx, w.buf); err != nil {
		w.log.Error(err, "could not dispatch command buffer")
		w.status = 1
	}
}

func (w *MMIOWindow) ReadByte(off uint32) uint8 {
	switch {
	case off < BufferOffset:
		var regs [BufferOffset]byte
		binary.LittleEndian.PutUint32(regs[RegStatus:], w.status)
		return regs[off]
	case int(off-BufferOffset) < len(w.buf):
		return w.buf[off-BufferOffset]
	}
	return 0xff
}

func (w *MMIOWindow) WriteByte(off uint32, val uint8) {
	switch {
	case off == RegDoorbell:
		if val != 0 {
			w.ring()
		}
	case off < BufferOffset:
		// Status is read-only, the rest of the doorbell word is
		// ignored.
	case int(off-BufferOffset) < len(w.buf):
		w.buf[off-BufferOffset] = val
	}
}

func (w *MMIOWindow) ReadLong(off uint32) uint32 {
	switch {
	case off == RegDoorbell:
		return 0
	case off == RegStatus:
		return w.status
	case off >= BufferOffset && int(off-BufferOffset)+4 <= len(w.buf):
		return binary.LittleEndian.Uint32(w.buf[off-BufferOffset:])
	}
	return ^uint32(0)
}

func (w *MMIOWindow) WriteLong(off uint32, val uint32) {
	switch {
	case off == RegDoorbell:
		if val != 0 {
			w.ring()
		}
	case off == RegStatus:
	case off >= BufferOffset && int(off-BufferOffset)+4 <= len(w.buf):
		binary.LittleEndian.PutUint32(w.buf[off-BufferOffset:], val)
	}
}
