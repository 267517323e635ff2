// Package authtest builds signed variable-update envelopes for tests,
// mirroring what the build-time generator produces.
package authtest

import (
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/varstored/go-varstored/authenticate"
	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
	"github.com/varstored/go-varstored/pkcs7"
)

// Owner is the SignatureOwner stamped on test payload entries.
var Owner = util.MustGUID("77fa9abd-0359-4d32-bd60-28f4e78f784b")

// CertPayload wraps a certificate as the single-entry X.509 signature
// list the hierarchy variables carry.
func CertPayload(cert *x509.Certificate) []byte {
	return signature.NewX509SignatureList(Owner, cert.Raw).Bytes()
}

// Envelope signs a variable update the way the build-time generator
// does and returns descriptor || signature || payload.
func Envelope(t *testing.T, key *rsa.PrivateKey, cert *x509.Certificate, v efivar.Efivar, attrs attributes.Attributes, ts util.EFITime, payload []byte) []byte {
	t.Helper()
	msg := authenticate.SignedMessage(v.Name, v.GUID, attrs, &ts, payload)
	der, err := pkcs7.SignDetached(key, cert, msg)
	if err != nil {
		t.Fatalf("Failed to sign update: %v", err)
	}
	return append(signature.NewEFIVariableAuthentication2(ts, der).Bytes(), payload...)
}

// UnsignedEnvelope is the Setup Mode shape: a well-formed descriptor
// with an empty signature.
func UnsignedEnvelope(ts util.EFITime, payload []byte) []byte {
	return append(signature.NewEFIVariableAuthentication2(ts, nil).Bytes(), payload...)
}

// Time builds a normalized timestamp from the ordering fields.
func Time(year uint16, month, day, hour, min, sec uint8) util.EFITime {
	return util.EFITime{Year: year, Month: month, Day: day, Hour: hour, Minute: min, Second: sec}
}
