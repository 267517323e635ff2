package authenticate_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/authenticate"
	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
	"github.com/varstored/go-varstored/internal/authtest"
	"github.com/varstored/go-varstored/internal/certtest"
)

func kekRequest(data []byte, existing *util.EFITime, roots ...*x509.Certificate) *authenticate.Request {
	return &authenticate.Request{
		Name:     efivar.KEK.Name,
		GUID:     efivar.KEK.GUID,
		Attrs:    efivar.KEK.Attributes,
		Data:     data,
		Existing: existing,
		Roots:    roots,
	}
}

func TestVerifyAcceptsTrustedSigner(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 0, 0, 0)
	payload := authtest.CertPayload(cert)
	data := authtest.Envelope(t, key, cert, efivar.KEK, efivar.KEK.Attributes, ts, payload)

	res, err := authenticate.Verify(kekRequest(data, nil, cert))
	require.NoError(t, err)
	assert.Equal(t, payload, res.Payload)
	assert.Equal(t, ts, res.Timestamp)
}

func TestVerifyRejectsUntrustedSigner(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "intruder")
	_, pk := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 0, 0, 0)
	data := authtest.Envelope(t, key, cert, efivar.KEK, efivar.KEK.Attributes, ts, authtest.CertPayload(cert))

	_, err := authenticate.Verify(kekRequest(data, nil, pk))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestVerifyMonotonicity(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 12, 0, 0)
	payload := authtest.CertPayload(cert)
	data := authtest.Envelope(t, key, cert, efivar.KEK, efivar.KEK.Attributes, ts, payload)

	// Replaying the identical envelope fails: the timestamp has to
	// strictly advance.
	same := ts
	_, err := authenticate.Verify(kekRequest(data, &same, cert))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)

	earlier := authtest.Time(2024, 4, 30, 23, 59, 59)
	res, err := authenticate.Verify(kekRequest(data, &earlier, cert))
	require.NoError(t, err)
	assert.Equal(t, ts, res.Timestamp)
}

func TestVerifyAppendAllowsEqualTimestamp(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 12, 0, 0)
	attrs := efivar.KEK.Attributes | attributes.EFI_VARIABLE_APPEND_WRITE
	data := authtest.Envelope(t, key, cert, efivar.KEK, attrs, ts, authtest.CertPayload(cert))

	req := kekRequest(data, &ts, cert)
	req.Attrs = attrs
	_, err := authenticate.Verify(req)
	require.NoError(t, err)

	behind := authtest.Time(2024, 5, 1, 12, 0, 1)
	req = kekRequest(data, &behind, cert)
	req.Attrs = attrs
	_, err = authenticate.Verify(req)
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestVerifyRejectsDenormalizedTimestamp(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 12, 0, 0)
	ts.Nanosecond = 55
	data := authtest.Envelope(t, key, cert, efivar.KEK, efivar.KEK.Attributes, ts, authtest.CertPayload(cert))

	_, err := authenticate.Verify(kekRequest(data, nil, cert))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestVerifyRejectsWrongDescriptorTypes(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "PK")
	ts := authtest.Time(2024, 5, 1, 12, 0, 0)
	data := authtest.Envelope(t, key, cert, efivar.KEK, efivar.KEK.Attributes, ts, authtest.CertPayload(cert))

	// wRevision lives right after the timestamp and dwLength.
	bad := append([]byte{}, data...)
	bad[20] = 0x01
	_, err := authenticate.Verify(kekRequest(bad, nil, cert))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)

	// CertType GUID mangled.
	bad = append([]byte{}, data...)
	bad[24] ^= 0xff
	_, err = authenticate.Verify(kekRequest(bad, nil, cert))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestVerifyRejectsTruncatedDescriptor(t *testing.T) {
	_, err := authenticate.Verify(kekRequest([]byte{1, 2, 3}, nil))
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestVerifyUnverifiedStillChecksShape(t *testing.T) {
	ts := authtest.Time(2024, 5, 1, 12, 0, 0)
	payload := []byte("unsigned platform key payload")
	data := authtest.UnsignedEnvelope(ts, payload)

	req := &authenticate.Request{
		Name:       efivar.PK.Name,
		GUID:       efivar.PK.GUID,
		Attrs:      efivar.PK.Attributes,
		Data:       data,
		Unverified: true,
	}
	res, err := authenticate.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, payload, res.Payload)

	// Even unverified, the timestamp must advance.
	req.Existing = &ts
	_, err = authenticate.Verify(req)
	assert.ErrorIs(t, err, authenticate.ErrSecurityViolation)
}

func TestSignedMessageLayout(t *testing.T) {
	ts := authtest.Time(2024, 1, 2, 3, 4, 5)
	msg := authenticate.SignedMessage("db", efivar.Db.GUID, efivar.Db.Attributes, &ts, []byte{0xaa})

	require.Len(t, msg, 4+16+4+16+1)
	assert.Equal(t, util.EncodeUCS2("db"), msg[0:4])
	assert.Equal(t, efivar.Db.GUID.Bytes(), msg[4:20])
	assert.Equal(t, ts.Bytes(), msg[24:40])
	assert.Equal(t, byte(0xaa), msg[40])
}
