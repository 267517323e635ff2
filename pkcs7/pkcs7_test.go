package pkcs7

import (
	"crypto/x509"
	"testing"

	mozpkcs7 "go.mozilla.org/pkcs7"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/internal/certtest"
)

func TestSignAndVerify(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "signer")
	content := []byte("name and guid and attributes and payload")

	der, err := SignDetached(key, cert, content)
	require.NoError(t, err)

	p7, err := ParsePKCS7(der)
	require.NoError(t, err)
	require.True(t, p7.SHA256Digest())

	ok, err := p7.VerifyAgainst(cert, content)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p7.VerifyAgainst(cert, append(content, 'x'))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignNoAttr(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "signer")
	content := []byte("signed without authenticated attributes")

	der, err := SignDetached(key, cert, content, NoAttr())
	require.NoError(t, err)

	p7, err := ParsePKCS7(der)
	require.NoError(t, err)

	ok, err := p7.VerifyAgainst(cert, content)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWrongKey(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "signer")
	_, other := certtest.MkKeyPair(t, "someone else")
	content := []byte("content")

	der, err := SignDetached(key, cert, content)
	require.NoError(t, err)

	p7, err := ParsePKCS7(der)
	require.NoError(t, err)

	ok, err := p7.VerifyAgainst(other, content)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Trust is keyed on the public key, so a certificate re-issued around
// the same key still verifies.
func TestVerifyReissuedCertificate(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "signer")
	reissued := certtest.MkReissued(t, key, "signer again")
	content := []byte("content")

	der, err := SignDetached(key, cert, content)
	require.NoError(t, err)

	p7, err := ParsePKCS7(der)
	require.NoError(t, err)

	ok, err := p7.VerifyAgainst(reissued, content)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Envelopes produced by the build-time signer go through the mozilla
// library; the service-side verifier must accept them.
func TestVerifyMozillaSigned(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "authgen")
	content := []byte("tool-signed variable update")

	sd, err := mozpkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(mozpkcs7.OIDDigestAlgorithmSHA256)
	sd.SetEncryptionAlgorithm(mozpkcs7.OIDEncryptionAlgorithmRSA)
	require.NoError(t, sd.AddSigner(cert, key, mozpkcs7.SignerInfoConfig{}))
	sd.Detach()
	der, err := sd.Finish()
	require.NoError(t, err)

	p7, err := ParsePKCS7(der)
	require.NoError(t, err)
	require.True(t, p7.SHA256Digest())

	ok, err := p7.VerifyAgainst(cert, content)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAny(t *testing.T) {
	key, cert := certtest.MkKeyPair(t, "signer")
	_, other := certtest.MkKeyPair(t, "other")
	content := []byte("content")

	der, err := SignDetached(key, cert, content)
	require.NoError(t, err)
	p7, err := ParsePKCS7(der)
	require.NoError(t, err)

	_, err = p7.VerifyAny(nil, content)
	assert.ErrorIs(t, err, ErrNoCertificate)

	ok, err := p7.VerifyAny([]*x509.Certificate{other, cert}, content)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p7.VerifyAny([]*x509.Certificate{other}, content)
	require.NoError(t, err)
	assert.False(t, ok)
}
