package signature

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/util"
)

// Section 32.2.4 Code Definitions
// WIN_CERTIFICATE_UEFI_GUID

var WIN_CERTIFICATE_REVISION uint16 = 0x0200

type WINCertType uint16

// 0x0EF0 to 0x0EFF is the reserved range
var (
	WIN_CERT_TYPE_PKCS_SIGNED_DATA WINCertType = 0x0002
	WIN_CERT_TYPE_EFI_PKCS1_15     WINCertType = 0x0EF0
	WIN_CERT_TYPE_EFI_GUID         WINCertType = 0x0EF1
)

type WINCertificate struct {
	Length   uint32
	Revision uint16
	CertType WINCertType
}

const SizeofWINCertificate uint32 = 4 + 2 + 2

var (
	EFI_CERT_TYPE_RSA2048_SHA256_GUID = util.EFIGUID{Data1: 0xa7717414, Data2: 0xc616, Data3: 0x4977, Data4: [8]uint8{0x94, 0x20, 0x84, 0x47, 0x12, 0xa7, 0x35, 0xbf}}
	EFI_CERT_TYPE_PKCS7_GUID          = util.EFIGUID{Data1: 0x4aafd29d, Data2: 0x68df, Data3: 0x49ee, Data4: [8]uint8{0x8a, 0xa9, 0x34, 0x7d, 0x37, 0x56, 0x65, 0xa7}}
)

// Page 1707
type WinCertificateUEFIGUID struct {
	Header   WINCertificate
	CertType util.EFIGUID // One of the EFI_CERT types
	CertData []uint8
}

const SizeofWinCertificateUEFIGUID = SizeofWINCertificate + util.SizeofEFIGUID

// Section 8.2.2
// Only accepts the CertType EFI_CERT_TYPE_PKCS7_GUID
type EFIVariableAuthentication2 struct {
	Time     util.EFITime
	AuthInfo WinCertificateUEFIGUID
}

// NewEFIVariableAuthentication2 wraps a detached PKCS#7 signature into
// the descriptor that prefixes a time-based authenticated write.
func NewEFIVariableAuthentication2(t util.EFITime, pkcs7 []byte) *EFIVariableAuthentication2 {
	return &EFIVariableAuthentication2{
		Time: t,
		AuthInfo: WinCertificateUEFIGUID{
			Header: WINCertificate{
				Length:   SizeofWinCertificateUEFIGUID + uint32(len(pkcs7)),
				Revision: WIN_CERTIFICATE_REVISION,
				CertType: WIN_CERT_TYPE_EFI_GUID,
			},
			CertType: EFI_CERT_TYPE_PKCS7_GUID,
			CertData: pkcs7,
		},
	}
}

// ReadEFIVariableAuthentication2 parses the descriptor at the head of
// a SetVariable payload. The caller receives the descriptor and keeps
// the cursor positioned at the first payload byte. A dwLength that
// extends past the buffer fails; field-level validity is the
// authenticator's business.
func ReadEFIVariableAuthentication2(c *Cursor) (*EFIVariableAuthentication2, error) {
	var auth EFIVariableAuthentication2
	t, err := c.EFITime()
	if err != nil {
		return nil, err
	}
	auth.Time = *t
	if auth.AuthInfo.Header.Length, err = c.Uint32(); err != nil {
		return nil, err
	}
	if auth.AuthInfo.Header.Revision, err = c.Uint16(); err != nil {
		return nil, err
	}
	var certType uint16
	if certType, err = c.Uint16(); err != nil {
		return nil, err
	}
	auth.AuthInfo.Header.CertType = WINCertType(certType)
	guid, err := c.GUID()
	if err != nil {
		return nil, err
	}
	auth.AuthInfo.CertType = *guid
	if auth.AuthInfo.Header.Length < SizeofWinCertificateUEFIGUID {
		return nil, errors.Wrapf(ErrShortBuffer, "dwLength %d shorter than the certificate header", auth.AuthInfo.Header.Length)
	}
	if auth.AuthInfo.CertData, err = c.Bytes(auth.AuthInfo.Header.Length - SizeofWinCertificateUEFIGUID); err != nil {
		return nil, err
	}
	return &auth, nil
}

func (e *EFIVariableAuthentication2) Marshal(b *bytes.Buffer) {
	for _, v := range []interface{}{
		e.Time.Bytes(),
		e.AuthInfo.Header.Length,
		e.AuthInfo.Header.Revision,
		uint16(e.AuthInfo.Header.CertType),
		e.AuthInfo.CertType.Bytes(),
		e.AuthInfo.CertData,
	} {
		if err := binary.Write(b, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}
}

func (e *EFIVariableAuthentication2) Bytes() []byte {
	b := new(bytes.Buffer)
	e.Marshal(b)
	return b.Bytes()
}
