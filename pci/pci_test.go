package pci

import (
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/hyper"
)

// ram is a byte-only BAR handler; wider accesses exercise the
// synthesized widths.
type ram struct {
	b []byte
}

func newRAM(order uint) *ram {
	return &ram{b: make([]byte, 1<<order)}
}

func (r *ram) ReadByte(off uint32) uint8 {
	if int(off) >= len(r.b) {
		return 0xff
	}
	return r.b[off]
}

func (r *ram) WriteByte(off uint32, val uint8) {
	if int(off) < len(r.b) {
		r.b[off] = val
	}
}

var testInfo = Info{
	Bus:      0,
	Device:   3,
	Function: 0,
	VendorID: 0x5853,
	DeviceID: 0xc110,
	IntPin:   1,
}

func newTestDevice(t *testing.T) (*Device, *hyper.Loopback) {
	t.Helper()
	lb, err := hyper.NewLoopback()
	require.NoError(t, err)
	t.Cleanup(func() { lb.Close() })
	dev, err := NewDevice(logr.Discard(), lb, testInfo)
	require.NoError(t, err)
	return dev, lb
}

func cfgAddr(bdf uint16, off uint32) uint64 {
	return uint64(bdf)<<32 | uint64(off)
}

func TestConfigHeader(t *testing.T) {
	dev, _ := newTestDevice(t)
	bdf := testInfo.BDF()

	assert.Equal(t, uint32(0x5853), dev.ConfigRead(cfgAddr(bdf, RegVendorID), 2))
	assert.Equal(t, uint32(0xc110), dev.ConfigRead(cfgAddr(bdf, RegDeviceID), 2))
	assert.Equal(t, uint32(0xc1105853), dev.ConfigRead(cfgAddr(bdf, RegVendorID), 4))

	// A cycle for a different function floats.
	assert.Equal(t, ^uint32(0), dev.ConfigRead(cfgAddr(bdf+1, RegVendorID), 2))

	// Unimplemented registers inside the header read zero.
	assert.Equal(t, uint32(0), dev.ConfigRead(cfgAddr(bdf, 0x30), 4))
}

func TestConfigWritableMask(t *testing.T) {
	dev, _ := newTestDevice(t)
	bdf := testInfo.BDF()

	// Vendor ID is read-only.
	dev.ConfigWrite(cfgAddr(bdf, RegVendorID), 2, 0xdead)
	assert.Equal(t, uint32(0x5853), dev.ConfigRead(cfgAddr(bdf, RegVendorID), 2))

	// Interrupt line and cache line size take writes.
	dev.ConfigWrite(cfgAddr(bdf, RegInterruptLine), 1, 0x0b)
	assert.Equal(t, uint32(0x0b), dev.ConfigRead(cfgAddr(bdf, RegInterruptLine), 1))

	// Command register only exposes the defined bits.
	dev.ConfigWrite(cfgAddr(bdf, RegCommand), 2, 0xffff)
	got := dev.ConfigRead(cfgAddr(bdf, RegCommand), 2)
	assert.Equal(t, uint32(CommandIO|CommandMemory|CommandMaster|CommandINTxDisable), got)
}

func TestBarSizingAndMapping(t *testing.T) {
	dev, lb := newTestDevice(t)
	bdf := testInfo.BDF()
	require.NoError(t, dev.RegisterBar(0, true, 12, newRAM(12)))

	// Sizing handshake: all-ones write, read back the mask.
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xffffffff)
	assert.Equal(t, ^uint32(1<<12-1), dev.ConfigRead(cfgAddr(bdf, RegBaseAddress0), 4))
	assert.False(t, lb.Mapped(true, 0xf0000000))

	// Program an address; nothing maps until memory decoding is on.
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xf0000000)
	assert.False(t, lb.Mapped(true, 0xf0000000))

	dev.ConfigWrite(cfgAddr(bdf, RegCommand), 2, CommandMemory)
	assert.True(t, lb.Mapped(true, 0xf0000000))
	assert.True(t, lb.Mapped(true, 0xf0000fff))
	assert.False(t, lb.Mapped(true, 0xf0001000))

	// Moving the BAR remaps it.
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xf0010000)
	assert.False(t, lb.Mapped(true, 0xf0000000))
	assert.True(t, lb.Mapped(true, 0xf0010000))

	// Dropping memory decode unmaps.
	dev.ConfigWrite(cfgAddr(bdf, RegCommand), 2, 0)
	assert.False(t, lb.Mapped(true, 0xf0010000))
}

func TestWidthSynthesis(t *testing.T) {
	dev, _ := newTestDevice(t)
	bdf := testInfo.BDF()
	mem := newRAM(12)
	require.NoError(t, dev.RegisterBar(0, true, 12, mem))
	dev.ConfigWrite(cfgAddr(bdf, RegCommand), 2, CommandMemory)
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xf0000000)

	ok := dev.IOWrite(true, 0xf0000010, 4, 0x04030201)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, mem.b[0x10:0x14])

	val, ok := dev.IORead(true, 0xf0000010, 4)
	require.True(t, ok)
	assert.Equal(t, uint32(0x04030201), val)

	val, ok = dev.IORead(true, 0xf0000012, 2)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0403), val)

	// Unaligned 16-bit write.
	ok = dev.IOWrite(true, 0xf0000011, 2, 0xbbaa)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 0xaa, 0xbb, 4}, mem.b[0x10:0x14])

	// Outside the BAR.
	_, ok = dev.IORead(true, 0xf0001000, 1)
	assert.False(t, ok)
}

func TestHandleRequest(t *testing.T) {
	dev, _ := newTestDevice(t)
	bdf := testInfo.BDF()

	req := &hyper.IORequest{IsConfig: true, Addr: cfgAddr(bdf, RegVendorID), Size: 2}
	dev.HandleRequest(req)
	assert.Equal(t, uint32(0x5853), req.Data)

	// Unclaimed MMIO reads float.
	req = &hyper.IORequest{IsMMIO: true, Addr: 0xdead0000, Size: 4}
	dev.HandleRequest(req)
	assert.Equal(t, ^uint32(0), req.Data)
}

func TestRestoreConfigReconcilesBars(t *testing.T) {
	dev, lb := newTestDevice(t)
	bdf := testInfo.BDF()
	require.NoError(t, dev.RegisterBar(0, true, 12, newRAM(12)))
	dev.ConfigWrite(cfgAddr(bdf, RegCommand), 2, CommandMemory)
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xf0000000)
	require.True(t, lb.Mapped(true, 0xf0000000))

	saved := dev.ConfigBytes()
	require.Len(t, saved, ConfigSize)

	// The guest moves the BAR, then we restore the snapshot.
	dev.ConfigWrite(cfgAddr(bdf, RegBaseAddress0), 4, 0xf0020000)
	require.NoError(t, dev.RestoreConfig(saved))
	assert.True(t, lb.Mapped(true, 0xf0000000))
	assert.False(t, lb.Mapped(true, 0xf0020000))

	got := binary.LittleEndian.Uint32(dev.ConfigBytes()[RegBaseAddress0:])
	assert.Equal(t, uint32(0xf0000000), got)
}
