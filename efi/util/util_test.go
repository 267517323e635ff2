package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGUIDStringRoundtrip(t *testing.T) {
	g, err := StringToGUID("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8be4df61), g.Data1)
	assert.Equal(t, uint16(0x93ca), g.Data2)
	assert.Equal(t, uint16(0x11d2), g.Data3)
	assert.Equal(t, "8be4df61-93ca-11d2-aa0d-00e098032b8c", g.Format())
}

func TestGUIDWireRoundtrip(t *testing.T) {
	g := MustGUID("d719b2cb-3d3a-4596-a3bc-dad00e67656f")
	b := g.Bytes()
	require.Len(t, b, 16)
	// Mixed endianness on the wire: Data1 little-endian first.
	assert.Equal(t, []byte{0xcb, 0xb2, 0x19, 0xd7}, b[0:4])
	assert.True(t, CmpEFIGUID(g, *BytesToGUID(b)))
}

func TestEFITimeCompare(t *testing.T) {
	base := EFITime{Year: 2024, Month: 6, Day: 1, Hour: 12}
	later := base
	later.Second = 1
	assert.Equal(t, 0, base.Compare(&base))
	assert.Equal(t, -1, base.Compare(&later))
	assert.Equal(t, 1, later.Compare(&base))

	nextYear := base
	nextYear.Year++
	nextYear.Month = 1
	assert.Equal(t, 1, nextYear.Compare(&base))
}

func TestEFITimeNormalized(t *testing.T) {
	e := NewEFITime(time.Date(2024, 6, 1, 12, 30, 45, 999, time.UTC))
	assert.True(t, e.IsNormalized())
	assert.Equal(t, uint32(0), e.Nanosecond)

	e.TimeZone = 60
	assert.False(t, e.IsNormalized())
}

func TestEFITimeBytesRoundtrip(t *testing.T) {
	e := EFITime{Year: 2024, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 58}
	b := e.Bytes()
	require.Len(t, b, int(SizeofEFITime))
	got, err := ReadEFITime(b)
	require.NoError(t, err)
	assert.Equal(t, e, *got)
}

func TestUCS2Roundtrip(t *testing.T) {
	b := EncodeUCS2("PK")
	assert.Equal(t, []byte{'P', 0, 'K', 0}, b)

	s, err := DecodeUCS2(b)
	require.NoError(t, err)
	assert.Equal(t, "PK", s)

	s, err = DecodeUCS2Z(append(b, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "PK", s)

	_, err = DecodeUCS2Z(b)
	assert.Error(t, err)

	_, err = DecodeUCS2([]byte{1})
	assert.Error(t, err)
}
