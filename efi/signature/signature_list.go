package signature

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/util"
)

// Section 32.4.1 Signature Database
var (
	CERT_SHA256_GUID = util.EFIGUID{Data1: 0xc1c41626, Data2: 0x504c, Data3: 0x4092, Data4: [8]uint8{0xac, 0xa9, 0x41, 0xf9, 0x36, 0x93, 0x43, 0x28}}
	CERT_X509_GUID   = util.EFIGUID{Data1: 0xa5c059a1, Data2: 0x94e4, Data3: 0x4aa7, Data4: [8]uint8{0x87, 0xb5, 0xab, 0x15, 0x5c, 0x2b, 0xf0, 0x72}}

	CERT_SHA384_GUID      = util.EFIGUID{Data1: 0xff3e5307, Data2: 0x9fd0, Data3: 0x48c9, Data4: [8]uint8{0x85, 0xf1, 0x8a, 0xd5, 0x6c, 0x70, 0x1e, 0x01}}
	CERT_SHA512_GUID      = util.EFIGUID{Data1: 0x93e0fae, Data2: 0xa6c4, Data3: 0x4f50, Data4: [8]uint8{0x9f, 0x1b, 0xd4, 0x1e, 0x2b, 0x89, 0xc1, 0x9a}}
	CERT_X509_SHA256_GUID = util.EFIGUID{Data1: 0x3bd2a492, Data2: 0x96c0, Data3: 0x4079, Data4: [8]uint8{0xb4, 0x20, 0xfc, 0xf9, 0x8e, 0xf1, 0x03, 0xed}}
)

var (
	ErrMalformedList = errors.New("malformed signature list")
)

// Section 32.4.1 - Signature Database
type SignatureData struct {
	Owner util.EFIGUID
	Data  []uint8
}

func (sd *SignatureData) Bytes() []byte {
	b := new(bytes.Buffer)
	b.Write(sd.Owner.Bytes())
	b.Write(sd.Data)
	return b.Bytes()
}

// Section 32.4.1 - Signature Database
type SignatureList struct {
	SignatureType   util.EFIGUID
	ListSize        uint32          // Total size of the signature list, including this header
	HeaderSize      uint32          // Size of SignatureHeader
	Size            uint32          // Size of each signature. At least the size of EFI_SIGNATURE_DATA
	SignatureHeader []uint8         // SignatureType defines the content of this header
	Signatures      []SignatureData // SignatureData List
}

// sizeof(SignatureType) + sizeof(uint32)*3
const SizeofSignatureList uint32 = util.SizeofEFIGUID + 4 + 4 + 4

func NewSignatureList(certtype util.EFIGUID) *SignatureList {
	return &SignatureList{
		SignatureType:   certtype,
		ListSize:        SizeofSignatureList,
		HeaderSize:      0,
		Size:            0,
		SignatureHeader: []uint8{},
		Signatures:      []SignatureData{},
	}
}

// NewX509SignatureList wraps a single DER certificate the way the
// hierarchy variables carry them: one list, one entry.
func NewX509SignatureList(owner util.EFIGUID, der []byte) *SignatureList {
	sl := NewSignatureList(CERT_X509_GUID)
	sl.AppendBytes(owner, der)
	return sl
}

// Compare the signature list headers to see if they hold the same shape
// of entries, which decides whether two lists can merge.
func (sl *SignatureList) CmpHeader(siglist *SignatureList) bool {
	if !util.CmpEFIGUID(sl.SignatureType, siglist.SignatureType) {
		return false
	}
	if sl.Size != siglist.Size {
		return false
	}
	if sl.HeaderSize != siglist.HeaderSize {
		return false
	}
	return true
}

// Exists checks if the signature data is present in the list.
func (sl *SignatureList) Exists(sig *SignatureData) bool {
	for _, s := range sl.Signatures {
		if util.CmpEFIGUID(sig.Owner, s.Owner) && bytes.Equal(sig.Data, s.Data) {
			return true
		}
	}
	return false
}

func (sl *SignatureList) AppendSignature(s SignatureData) {
	entry := util.SizeofEFIGUID + uint32(len(s.Data))
	if len(sl.Signatures) == 0 {
		sl.Size = entry
	}
	sl.Signatures = append(sl.Signatures, s)
	sl.ListSize += sl.Size
}

func (sl *SignatureList) AppendBytes(owner util.EFIGUID, data []byte) {
	sl.AppendSignature(SignatureData{Owner: owner, Data: data})
}

func WriteSignatureList(b io.Writer, s SignatureList) error {
	for _, v := range []interface{}{s.SignatureType.Bytes(), s.ListSize, s.HeaderSize, s.Size, s.SignatureHeader} {
		if err := binary.Write(b, binary.LittleEndian, v); err != nil {
			return errors.Wrapf(err, "could not write signature list")
		}
	}
	for _, l := range s.Signatures {
		if _, err := b.Write(l.Bytes()); err != nil {
			return errors.Wrapf(err, "could not write signature data")
		}
	}
	return nil
}

func (sl *SignatureList) Bytes() []byte {
	b := new(bytes.Buffer)
	if err := WriteSignatureList(b, *sl); err != nil {
		panic(err)
	}
	return b.Bytes()
}

// ReadSignatureList parses one EFI_SIGNATURE_LIST. Entries of
// unrecognized SignatureType GUIDs are carried opaquely; only the
// geometry is validated.
func ReadSignatureList(c *Cursor) (*SignatureList, error) {
	s := SignatureList{}
	guid, err := c.GUID()
	if err != nil {
		return nil, err
	}
	s.SignatureType = *guid
	for _, v := range []*uint32{&s.ListSize, &s.HeaderSize, &s.Size} {
		if *v, err = c.Uint32(); err != nil {
			return nil, err
		}
	}
	if s.ListSize < SizeofSignatureList || s.HeaderSize > s.ListSize-SizeofSignatureList {
		return nil, errors.Wrapf(ErrMalformedList, "list size %d, header size %d", s.ListSize, s.HeaderSize)
	}
	if s.SignatureHeader, err = c.Bytes(s.HeaderSize); err != nil {
		return nil, err
	}
	total := s.ListSize - SizeofSignatureList - s.HeaderSize
	if total > 0 {
		if s.Size < util.SizeofEFIGUID || total%s.Size != 0 {
			return nil, errors.Wrapf(ErrMalformedList, "entry size %d does not divide %d bytes", s.Size, total)
		}
	}
	for read := uint32(0); read < total; read += s.Size {
		owner, err := c.GUID()
		if err != nil {
			return nil, err
		}
		data, err := c.Bytes(s.Size - util.SizeofEFIGUID)
		if err != nil {
			return nil, err
		}
		sig := SignatureData{Owner: *owner, Data: append([]byte{}, data...)}
		s.Signatures = append(s.Signatures, sig)
	}
	return &s, nil
}
