package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Section 8.2 - Time Services

type EFITime struct {
	Year       uint16 // 1900 - 9999
	Month      uint8  // 1 - 12
	Day        uint8  // 1 - 31
	Hour       uint8  // 0 - 23
	Minute     uint8  // 0 - 59
	Second     uint8  // 0 - 59
	Pad1       uint8
	Nanosecond uint32 // 0 - 999,999,999
	TimeZone   int16  // -1440 to 1440 or 2047
	Daylight   uint8
	Pad2       uint8
}

const SizeofEFITime uint32 = 16

func (e *EFITime) Format() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", e.Year, e.Month, e.Day, e.Hour, e.Minute, e.Second)
}

// NewEFITime returns the given instant as an EFI_TIME in the normalized
// form used by time-based authenticated writes: Pad1, Nanosecond,
// TimeZone, Daylight and Pad2 are all zero.
func NewEFITime(t time.Time) *EFITime {
	t = t.UTC()
	return &EFITime{
		Year:   uint16(t.Year()),
		Month:  uint8(t.Month()),
		Day:    uint8(t.Day()),
		Hour:   uint8(t.Hour()),
		Minute: uint8(t.Minute()),
		Second: uint8(t.Second()),
	}
}

// IsNormalized reports whether every field that does not participate in
// timestamp ordering is zero.
func (e *EFITime) IsNormalized() bool {
	return e.Pad1 == 0 && e.Nanosecond == 0 && e.TimeZone == 0 && e.Daylight == 0 && e.Pad2 == 0
}

// IsZero reports whether all ordering fields are zero.
func (e *EFITime) IsZero() bool {
	return e.Year == 0 && e.Month == 0 && e.Day == 0 && e.Hour == 0 && e.Minute == 0 && e.Second == 0
}

// Compare orders two timestamps lexicographically over
// (Year, Month, Day, Hour, Minute, Second). It returns -1 if e is
// earlier than t, 0 if they are equal, and 1 if e is later.
func (e *EFITime) Compare(t *EFITime) int {
	cmp := func(a, b uint16) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	for _, c := range [][2]uint16{
		{e.Year, t.Year},
		{uint16(e.Month), uint16(t.Month)},
		{uint16(e.Day), uint16(t.Day)},
		{uint16(e.Hour), uint16(t.Hour)},
		{uint16(e.Minute), uint16(t.Minute)},
		{uint16(e.Second), uint16(t.Second)},
	} {
		if r := cmp(c[0], c[1]); r != 0 {
			return r
		}
	}
	return 0
}

func (e *EFITime) Bytes() []byte {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, e); err != nil {
		panic(err)
	}
	return b.Bytes()
}

func ReadEFITime(f []byte) (*EFITime, error) {
	var e EFITime
	if err := binary.Read(bytes.NewReader(f), binary.LittleEndian, &e); err != nil {
		return nil, errors.Wrapf(err, "could not parse EFI_TIME")
	}
	return &e, nil
}
