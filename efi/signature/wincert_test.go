package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/efi/util"
)

func TestAuthentication2Roundtrip(t *testing.T) {
	ts := util.EFITime{Year: 2024, Month: 3, Day: 4, Hour: 5, Minute: 6, Second: 7}
	sig := []byte("detached pkcs7 signature")
	payload := []byte("the variable data")

	buf := append(NewEFIVariableAuthentication2(ts, sig).Bytes(), payload...)

	c := NewCursor(buf)
	auth, err := ReadEFIVariableAuthentication2(c)
	require.NoError(t, err)
	assert.Equal(t, ts, auth.Time)
	assert.Equal(t, WIN_CERTIFICATE_REVISION, auth.AuthInfo.Header.Revision)
	assert.Equal(t, WIN_CERT_TYPE_EFI_GUID, auth.AuthInfo.Header.CertType)
	assert.True(t, util.CmpEFIGUID(EFI_CERT_TYPE_PKCS7_GUID, auth.AuthInfo.CertType))
	assert.Equal(t, sig, []byte(auth.AuthInfo.CertData))
	assert.Equal(t, payload, c.Rest())
}

func TestAuthentication2LengthBeyondBuffer(t *testing.T) {
	ts := util.EFITime{Year: 2024, Month: 1, Day: 1}
	buf := NewEFIVariableAuthentication2(ts, []byte("sig")).Bytes()
	// Descriptor alone, with dwLength claiming more than remains.
	_, err := ReadEFIVariableAuthentication2(NewCursor(buf[:len(buf)-1]))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestAuthentication2LengthUnderflow(t *testing.T) {
	ts := util.EFITime{Year: 2024, Month: 1, Day: 1}
	buf := NewEFIVariableAuthentication2(ts, nil).Bytes()
	// dwLength shorter than the fixed header is never valid.
	buf[16] = 1
	buf[17], buf[18], buf[19] = 0, 0, 0
	_, err := ReadEFIVariableAuthentication2(NewCursor(buf))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestCursorBounds(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3})
	_, err := c.Uint32()
	assert.ErrorIs(t, err, ErrShortBuffer)

	b, err := c.Bytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
	assert.Equal(t, 0, c.Remaining())
}
