// Package authenticate decides whether a time-based authenticated
// write is acceptable and, when it is, hands back the unwrapped
// payload. It never touches the store; trust roots are selected by the
// caller and passed in.
package authenticate

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/pkcs7"
)

// ErrSecurityViolation covers every rejection: malformed descriptor,
// untrusted signature, digest mismatch, or a timestamp that does not
// advance. Callers map it to EFI_SECURITY_VIOLATION wholesale; the
// cause stays in the wrapped error for logging.
var ErrSecurityViolation = errors.New("authentication failed")

// Request is one prospective time-authenticated write.
type Request struct {
	Name  string
	GUID  util.EFIGUID
	Attrs attributes.Attributes // exactly as supplied by the caller, APPEND included
	Data  []byte                // descriptor followed by the payload

	// Existing is the timestamp of the record being replaced, nil on
	// first write.
	Existing *util.EFITime

	// Roots are the certificates trusted for this target. Any single
	// match accepts the write.
	Roots []*x509.Certificate

	// Unverified skips the signature check while still requiring a
	// well-formed descriptor and an advancing timestamp. This is the
	// Setup Mode path for PK enrollment.
	Unverified bool
}

// Result is a verified write: the payload that follows the descriptor
// and the normalized timestamp to store with it.
type Result struct {
	Payload   []byte
	Timestamp util.EFITime
}

// Verify implements the EFI_VARIABLE_AUTHENTICATION_2 protocol for a
// single request.
func Verify(req *Request) (*Result, error) {
	c := signature.NewCursor(req.Data)
	auth, err := signature.ReadEFIVariableAuthentication2(c)
	if err != nil {
		return nil, errors.Wrapf(ErrSecurityViolation, "bad descriptor: %v", err)
	}
	if auth.AuthInfo.Header.Revision != signature.WIN_CERTIFICATE_REVISION {
		return nil, errors.Wrapf(ErrSecurityViolation, "wRevision %#x", auth.AuthInfo.Header.Revision)
	}
	if auth.AuthInfo.Header.CertType != signature.WIN_CERT_TYPE_EFI_GUID {
		return nil, errors.Wrapf(ErrSecurityViolation, "wCertificateType %#x", auth.AuthInfo.Header.CertType)
	}
	if !util.CmpEFIGUID(auth.AuthInfo.CertType, signature.EFI_CERT_TYPE_PKCS7_GUID) {
		return nil, errors.Wrapf(ErrSecurityViolation, "CertType %s is not PKCS7", auth.AuthInfo.CertType.Format())
	}
	if !auth.Time.IsNormalized() {
		return nil, errors.Wrapf(ErrSecurityViolation, "timestamp %s is not normalized", auth.Time.Format())
	}

	// Replays carry a timestamp that fails to advance. Appends may
	// reuse the stored timestamp but never regress.
	if req.Existing != nil {
		cmp := auth.Time.Compare(req.Existing)
		if req.Attrs.Has(attributes.EFI_VARIABLE_APPEND_WRITE) {
			if cmp < 0 {
				return nil, errors.Wrapf(ErrSecurityViolation, "timestamp %s behind %s", auth.Time.Format(), req.Existing.Format())
			}
		} else if cmp <= 0 {
			return nil, errors.Wrapf(ErrSecurityViolation, "timestamp %s does not advance %s", auth.Time.Format(), req.Existing.Format())
		}
	}

	payload := c.Rest()

	if !req.Unverified {
		msg := signedMessage(req.Name, req.GUID, req.Attrs, &auth.Time, payload)
		p7, err := pkcs7.ParsePKCS7(auth.AuthInfo.CertData)
		if err != nil {
			return nil, errors.Wrapf(ErrSecurityViolation, "bad PKCS7: %v", err)
		}
		ok, err := p7.VerifyAny(req.Roots, msg)
		if err != nil {
			return nil, errors.Wrapf(ErrSecurityViolation, "verification: %v", err)
		}
		if !ok {
			return nil, errors.Wrapf(ErrSecurityViolation, "no trusted signer for %s", req.Name)
		}
	}

	return &Result{Payload: payload, Timestamp: auth.Time}, nil
}

// signedMessage reconstructs the exact byte string the signer hashed:
// name without terminator, vendor GUID, attributes, timestamp,
// payload.
func signedMessage(name string, guid util.EFIGUID, attrs attributes.Attributes, t *util.EFITime, payload []byte) []byte {
	b := new(bytes.Buffer)
	b.Write(util.EncodeUCS2(name))
	b.Write(guid.Bytes())
	binary.Write(b, binary.LittleEndian, uint32(attrs))
	b.Write(t.Bytes())
	b.Write(payload)
	return b.Bytes()
}

// SignedMessage is the tool-facing twin of the verifier's message
// reconstruction, exported so signers produce bit-identical input.
func SignedMessage(name string, guid util.EFIGUID, attrs attributes.Attributes, t *util.EFITime, payload []byte) []byte {
	return signedMessage(name, guid, attrs, t, payload)
}
