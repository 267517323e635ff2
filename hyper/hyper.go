// Package hyper declares the capabilities the variable service
// consumes from the hypervisor: synthetic device registration, I/O
// range routing, and the request ring with its completion doorbell.
// The real bindings live with the device model; the loopback
// implementation here backs tests and self-checks.
package hyper

import (
	"context"

	"github.com/pkg/errors"
)

// IORequest is one guest access pulled off the I/O ring. Addr is the
// guest address; for configuration-space accesses it carries the
// segment/bus/device/function in the upper 32 bits and the register
// offset below, the way the device model hands them over. Size is the
// access width in bytes: 1, 2 or 4.
type IORequest struct {
	IsConfig bool
	IsMMIO   bool
	IsWrite  bool
	Addr     uint64
	Size     uint32
	Data     uint32
}

// Transport is the hypervisor-facing surface.
type Transport interface {
	// MapPCIDevice routes configuration-space accesses for bdf to
	// this process.
	MapPCIDevice(bdf uint16) error
	UnmapPCIDevice(bdf uint16) error

	// MapIORange routes [lo, hi] (inclusive) guest accesses to this
	// process.
	MapIORange(mmio bool, lo, hi uint64) error
	UnmapIORange(mmio bool, lo, hi uint64) error

	// NextRequest blocks for the next guest access. It returns the
	// context error when the context ends first.
	NextRequest(ctx context.Context) (*IORequest, error)

	// Complete writes the response back to the ring slot and rings
	// the event channel. The response must be posted before the
	// notification so the guest never sees an incomplete reply.
	Complete(req *IORequest) error
}

var ErrNotMapped = errors.New("access outside any mapped range")

type ioRange struct {
	mmio   bool
	lo, hi uint64
}

// Loopback is an in-process Transport. The guest side injects
// requests with Submit and blocks until the service loop completes
// them; completions additionally pulse the doorbell so tests can
// observe the response ordering guarantee.
type Loopback struct {
	reqs     chan *IORequest
	done     chan *IORequest
	doorbell *EventFD

	pci    map[uint16]bool
	ranges []ioRange
}

func NewLoopback() (*Loopback, error) {
	efd, err := NewEventFD()
	if err != nil {
		return nil, err
	}
	return &Loopback{
		reqs:     make(chan *IORequest),
		done:     make(chan *IORequest),
		doorbell: efd,
		pci:      make(map[uint16]bool),
	}, nil
}

func (l *Loopback) Close() error {
	return l.doorbell.Close()
}

func (l *Loopback) MapPCIDevice(bdf uint16) error {
	l.pci[bdf] = true
	return nil
}

func (l *Loopback) UnmapPCIDevice(bdf uint16) error {
	delete(l.pci, bdf)
	return nil
}

func (l *Loopback) MapIORange(mmio bool, lo, hi uint64) error {
	l.ranges = append(l.ranges, ioRange{mmio, lo, hi})
	return nil
}

func (l *Loopback) UnmapIORange(mmio bool, lo, hi uint64) error {
	for i, r := range l.ranges {
		if r.mmio == mmio && r.lo == lo && r.hi == hi {
			l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
			return nil
		}
	}
	return ErrNotMapped
}

// Mapped reports whether an address is routed here.
func (l *Loopback) Mapped(mmio bool, addr uint64) bool {
	for _, r := range l.ranges {
		if r.mmio == mmio && r.lo <= addr && addr <= r.hi {
			return true
		}
	}
	return false
}

func (l *Loopback) NextRequest(ctx context.Context) (*IORequest, error) {
	select {
	case req := <-l.reqs:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loopback) Complete(req *IORequest) error {
	// Response first, then the doorbell.
	l.done <- req
	return l.doorbell.Signal()
}

// Submit plays the guest: it posts a request and blocks until the
// service loop completes it.
func (l *Loopback) Submit(ctx context.Context, req *IORequest) (*IORequest, error) {
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-l.done:
		if _, err := l.doorbell.Wait(); err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
