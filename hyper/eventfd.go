//go:build linux

package hyper

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFD is the completion doorbell: the service side signals it
// after posting a response, the guest side waits on it.
type EventFD struct {
	fd int
}

func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "eventfd")
	}
	return &EventFD{fd: fd}, nil
}

func (e *EventFD) Signal() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(e.fd, b[:]); err != nil {
		return errors.Wrapf(err, "eventfd write")
	}
	return nil
}

// Wait blocks until the doorbell rings and returns the accumulated
// signal count.
func (e *EventFD) Wait() (uint64, error) {
	var b [8]byte
	if _, err := unix.Read(e.fd, b[:]); err != nil {
		return 0, errors.Wrapf(err, "eventfd read")
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
