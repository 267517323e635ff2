package util

import (
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// Variable names cross the command buffer as UCS-2 little-endian code
// units. The store keys on the decoded Go string; framing stays here.

var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUCS2 converts a Go string to UCS-2 LE without a terminator.
func EncodeUCS2(s string) []byte {
	b, err := ucs2.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// UTF-16 encoding of a valid Go string cannot fail
		panic(err)
	}
	return b
}

// DecodeUCS2 converts UCS-2 LE bytes, without terminator, to a Go string.
func DecodeUCS2(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("UCS-2 sequence has odd length")
	}
	s, err := ucs2.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrapf(err, "could not decode UCS-2 sequence")
	}
	return string(s), nil
}

// DecodeUCS2Z converts a NUL-terminated UCS-2 LE sequence to a Go
// string. The terminator must be present.
func DecodeUCS2Z(b []byte) (string, error) {
	if len(b) < 2 || len(b)%2 != 0 {
		return "", errors.New("UCS-2 sequence has no terminator")
	}
	if b[len(b)-2] != 0 || b[len(b)-1] != 0 {
		return "", errors.New("UCS-2 sequence has no terminator")
	}
	return DecodeUCS2(b[:len(b)-2])
}

// UCS2Length returns the encoded length in bytes, without terminator.
func UCS2Length(s string) int {
	return len(EncodeUCS2(s))
}
