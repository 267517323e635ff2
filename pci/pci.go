// Package pci models the synthetic PCI function that fronts the
// variable service: 256 bytes of configuration space guarded by
// per-byte writable masks, and up to six BARs whose mappings follow
// the guest's command-register and base-address writes.
package pci

import (
	"encoding/binary"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/hyper"
)

// Configuration-space offsets.
const (
	RegVendorID          = 0x00
	RegDeviceID          = 0x02
	RegCommand           = 0x04
	RegRevisionID        = 0x08
	RegProgIF            = 0x09
	RegSubclass          = 0x0a
	RegClass             = 0x0b
	RegCacheLineSize     = 0x0c
	RegHeaderType        = 0x0e
	RegBaseAddress0      = 0x10
	RegSubsystemVendorID = 0x2c
	RegSubsystemID       = 0x2e
	RegInterruptLine     = 0x3c
	RegInterruptPin      = 0x3d

	ConfigSize       = 256
	ConfigHeaderSize = 0x40
	NumBars          = 6
)

// Command-register bits the guest may toggle.
const (
	CommandIO          = 0x0001
	CommandMemory      = 0x0002
	CommandMaster      = 0x0004
	CommandINTxDisable = 0x0400
)

// Base-address register bits.
const (
	BarSpaceIO  = 0x00000001
	BarMemMask  = 0xfffffff0
	BarIOMask   = 0xfffffffc
	BarUnmapped = ^uint32(0)
)

type Info struct {
	Bus      uint8
	Device   uint8 // 0 - 31
	Function uint8 // 0 - 7

	VendorID    uint16
	DeviceID    uint16
	Revision    uint8
	ProgIF      uint8
	Class       uint8
	Subclass    uint8
	HeaderType  uint8
	SubvendorID uint16
	SubdeviceID uint16
	Command     uint16
	IntPin      uint8
}

// BDF packs the address triple the way config cycles carry it.
func (i Info) BDF() uint16 {
	return uint16(i.Bus)<<8 | uint16(i.Device&0x1f)<<3 | uint16(i.Function&0x07)
}

type bar struct {
	ops     BarHandler
	mmio    bool
	enabled bool
	addr    uint32
	size    uint32
}

// Device is one synthetic PCI function. It is not safe for concurrent
// use; the event loop is the only caller.
type Device struct {
	log       logr.Logger
	transport hyper.Transport
	bdf       uint16
	config    [ConfigSize]byte
	mask      [ConfigSize]byte
	bars      [NumBars]bar
}

// NewDevice registers the function with the hypervisor and seeds the
// configuration header. Only the command register, cache line size,
// interrupt line and the BARs accept guest writes.
func NewDevice(log logr.Logger, transport hyper.Transport, info Info) (*Device, error) {
	if info.Device > 0x1f || info.Function > 0x07 {
		return nil, errors.Errorf("bad device address %02x:%02x.%x", info.Bus, info.Device, info.Function)
	}
	d := &Device{log: log, transport: transport, bdf: info.BDF()}

	binary.LittleEndian.PutUint16(d.config[RegVendorID:], info.VendorID)
	binary.LittleEndian.PutUint16(d.config[RegDeviceID:], info.DeviceID)
	d.config[RegRevisionID] = info.Revision
	d.config[RegProgIF] = info.ProgIF
	d.config[RegClass] = info.Class
	d.config[RegSubclass] = info.Subclass
	d.config[RegHeaderType] = info.HeaderType
	binary.LittleEndian.PutUint16(d.config[RegSubsystemVendorID:], info.SubvendorID)
	binary.LittleEndian.PutUint16(d.config[RegSubsystemID:], info.SubdeviceID)
	binary.LittleEndian.PutUint16(d.config[RegCommand:], info.Command)
	d.config[RegInterruptPin] = info.IntPin

	d.mask[RegCacheLineSize] = 0xff
	d.mask[RegInterruptLine] = 0xff
	binary.LittleEndian.PutUint16(d.mask[RegCommand:],
		CommandIO|CommandMemory|CommandMaster|CommandINTxDisable)
	for i := ConfigHeaderSize; i < ConfigSize; i++ {
		d.mask[i] = 0xff
	}

	if err := transport.MapPCIDevice(d.bdf); err != nil {
		return nil, errors.Wrapf(err, "could not register %02x:%02x.%x", info.Bus, info.Device, info.Function)
	}
	log.Info("registered PCI function", "bus", info.Bus, "device", info.Device, "function", info.Function)
	return d, nil
}

// Close tears down whatever the device claimed from the hypervisor.
func (d *Device) Close() error {
	for i := range d.bars {
		if d.bars[i].enabled && d.bars[i].addr != BarUnmapped {
			d.unmapBar(i)
		}
	}
	return d.transport.UnmapPCIDevice(d.bdf)
}

// RegisterBar attaches a handler behind BAR index. The BAR spans
// 1<<order bytes; the guest discovers that by the usual all-ones
// write. Handlers must at least serve byte accesses; wider ones are
// synthesized when the handler does not provide them.
func (d *Device) RegisterBar(index int, mmio bool, order uint, ops BarHandler) error {
	if index < 0 || index >= NumBars {
		return errors.Errorf("no BAR %d", index)
	}
	b := &d.bars[index]
	if b.enabled {
		return errors.Errorf("BAR %d already registered", index)
	}
	if ops == nil {
		return errors.New("BAR handler required")
	}
	b.ops = ops
	b.mmio = mmio
	b.size = 1 << order
	b.addr = BarUnmapped
	b.enabled = true

	var typeBits uint32
	if !mmio {
		typeBits = BarSpaceIO
	}
	off := RegBaseAddress0 + index*4
	binary.LittleEndian.PutUint32(d.config[off:], typeBits)
	binary.LittleEndian.PutUint32(d.mask[off:], ^(b.size - 1))
	return nil
}

// ConfigRead serves a configuration-space read. Addr carries the
// target BDF in its upper half; a cycle for another function floats
// to all-ones. Bytes past the end of the 256-byte space read 0xff;
// registers inside it that were never seeded read zero.
func (d *Device) ConfigRead(addr uint64, size uint32) uint32 {
	if uint32(addr>>32)&0xffff != uint32(d.bdf) {
		return ^uint32(0)
	}
	off := uint32(addr & 0xff)
	var val uint32
	for i := uint32(0); i < size; i++ {
		b := byte(0xff)
		if off+i < ConfigSize {
			b = d.config[off+i]
		}
		val |= uint32(b) << (i * 8)
	}
	return val
}

// ConfigWrite serves a configuration-space write. The access is
// (offset, width); only bytes whose mask admits writes change. Any
// write may move a BAR or flip an enable bit, so the mappings are
// reconciled afterwards.
func (d *Device) ConfigWrite(addr uint64, size uint32, val uint32) {
	if uint32(addr>>32)&0xffff != uint32(d.bdf) {
		return
	}
	off := uint32(addr & 0xff)
	for i := uint32(0); i < size; i++ {
		if off+i >= ConfigSize {
			break
		}
		mask := d.mask[off+i]
		d.config[off+i] &^= mask
		d.config[off+i] |= byte(val>>(i*8)) & mask
	}
	d.updateBars()
}

// ConfigBytes is the current configuration space, for suspend.
func (d *Device) ConfigBytes() []byte {
	out := make([]byte, ConfigSize)
	copy(out, d.config[:])
	return out
}

// RestoreConfig replaces the configuration space, for resume, and
// reconciles the BAR mappings against it.
func (d *Device) RestoreConfig(b []byte) error {
	if len(b) != ConfigSize {
		return errors.Errorf("config blob is %d bytes, want %d", len(b), ConfigSize)
	}
	copy(d.config[:], b)
	d.updateBars()
	return nil
}

func (d *Device) updateBars() {
	for i := range d.bars {
		d.updateBar(i)
	}
}

// updateBar derives where BAR i should live from the configuration
// space and moves the hypervisor routing when that changed.
func (d *Device) updateBar(index int) {
	b := &d.bars[index]
	if !b.enabled {
		return
	}
	addr := binary.LittleEndian.Uint32(d.config[RegBaseAddress0+index*4:])
	cmd := binary.LittleEndian.Uint16(d.config[RegCommand:])

	if b.mmio {
		addr &= BarMemMask
	} else {
		addr &= BarIOMask
	}
	if (b.mmio && cmd&CommandMemory == 0) || (!b.mmio && cmd&CommandIO == 0) {
		addr = BarUnmapped
	}
	// All-zeros and all-ones are the sizing handshake, not a mapping.
	if addr == 0 || addr == ^(b.size-1) {
		addr = BarUnmapped
	}
	if b.addr == addr {
		return
	}
	if b.addr != BarUnmapped {
		d.unmapBar(index)
	}
	if addr != BarUnmapped {
		b.addr = addr
		d.mapBar(index)
	} else {
		b.addr = BarUnmapped
	}
}

func (d *Device) mapBar(index int) {
	b := &d.bars[index]
	d.log.V(1).Info("mapping BAR", "index", index, "addr", b.addr, "size", b.size)
	if m, ok := b.ops.(BarMapper); ok {
		m.Map(uint64(b.addr))
	}
	if err := d.transport.MapIORange(b.mmio, uint64(b.addr), uint64(b.addr)+uint64(b.size)-1); err != nil {
		d.log.Error(err, "could not map BAR range", "index", index)
	}
}

func (d *Device) unmapBar(index int) {
	b := &d.bars[index]
	d.log.V(1).Info("unmapping BAR", "index", index, "addr", b.addr)
	if err := d.transport.UnmapIORange(b.mmio, uint64(b.addr), uint64(b.addr)+uint64(b.size)-1); err != nil {
		d.log.Error(err, "could not unmap BAR range", "index", index)
	}
	if m, ok := b.ops.(BarMapper); ok {
		m.Unmap()
	}
}

func (d *Device) findBar(mmio bool, addr uint64) *bar {
	for i := range d.bars {
		b := &d.bars[i]
		if !b.enabled || b.mmio != mmio || b.addr == BarUnmapped {
			continue
		}
		if uint64(b.addr) <= addr && addr < uint64(b.addr)+uint64(b.size) {
			return b
		}
	}
	return nil
}

// IORead serves a BAR access. It reports false when no mapped BAR
// claims the address.
func (d *Device) IORead(mmio bool, addr uint64, size uint32) (uint32, bool) {
	b := d.findBar(mmio, addr)
	if b == nil {
		return 0, false
	}
	return readWidth(b.ops, uint32(addr-uint64(b.addr)), size), true
}

func (d *Device) IOWrite(mmio bool, addr uint64, size uint32, val uint32) bool {
	b := d.findBar(mmio, addr)
	if b == nil {
		return false
	}
	writeWidth(b.ops, uint32(addr-uint64(b.addr)), size, val)
	return true
}

// HandleRequest routes one descriptor from the I/O ring through the
// device and fills in read data.
func (d *Device) HandleRequest(req *hyper.IORequest) {
	switch {
	case req.IsConfig && req.IsWrite:
		d.ConfigWrite(req.Addr, req.Size, req.Data)
	case req.IsConfig:
		req.Data = d.ConfigRead(req.Addr, req.Size)
	case req.IsWrite:
		d.IOWrite(req.IsMMIO, req.Addr, req.Size, req.Data)
	default:
		if val, ok := d.IORead(req.IsMMIO, req.Addr, req.Size); ok {
			req.Data = val
		} else {
			req.Data = ^uint32(0)
		}
	}
}
