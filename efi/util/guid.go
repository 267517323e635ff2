package util

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Defined two places

// Section 7.3 - Protocol Handler Services
// Appendix A - GUID and Time Formats

type EFIGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]uint8
}

const SizeofEFIGUID uint32 = 16

// Pretty print an EFIGUID struct
func (e EFIGUID) Format() string {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], e.Data1)
	binary.BigEndian.PutUint16(u[4:6], e.Data2)
	binary.BigEndian.PutUint16(u[6:8], e.Data3)
	copy(u[8:], e.Data4[:])
	return u.String()
}

// Bytes returns the wire representation. Data1 through Data3 are
// little-endian on the wire, Data4 is taken as-is.
func (e EFIGUID) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], e.Data1)
	binary.LittleEndian.PutUint16(b[4:6], e.Data2)
	binary.LittleEndian.PutUint16(b[6:8], e.Data3)
	copy(b[8:], e.Data4[:])
	return b
}

// Compare two EFIGUID structs
func CmpEFIGUID(cmp1 EFIGUID, cmp2 EFIGUID) bool {
	return cmp1.Data1 == cmp2.Data1 &&
		cmp1.Data2 == cmp2.Data2 &&
		cmp1.Data3 == cmp2.Data3 &&
		cmp1.Data4 == cmp2.Data4
}

// Convert a string on the usual 8-4-4-4-12 form to an EFIGUID
func StringToGUID(s string) (*EFIGUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse GUID %q", s)
	}
	g := BytesToGUID(swapGUID(u))
	return g, nil
}

// MustGUID is StringToGUID for compile-time constants.
func MustGUID(s string) EFIGUID {
	g, err := StringToGUID(s)
	if err != nil {
		panic(err)
	}
	return *g
}

// Convert a 16-byte wire representation to an EFIGUID
func BytesToGUID(s []byte) *EFIGUID {
	var efi EFIGUID
	efi.Data1 = binary.LittleEndian.Uint32(s[0:4])
	efi.Data2 = binary.LittleEndian.Uint16(s[4:6])
	efi.Data3 = binary.LittleEndian.Uint16(s[6:8])
	copy(efi.Data4[:], s[8:16])
	return &efi
}

func swapGUID(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}
