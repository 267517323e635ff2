package signature

import (
	"bytes"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/util"
)

// SignatureDatabase is a list of EFI signature lists
type SignatureDatabase []*SignatureList

// ReadSignatureDatabase parses consecutive signature lists until the
// cursor is drained.
func ReadSignatureDatabase(c *Cursor) (SignatureDatabase, error) {
	sigdb := SignatureDatabase{}
	for c.Remaining() > 0 {
		sl, err := ReadSignatureList(c)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse signature lists")
		}
		sigdb = append(sigdb, sl)
	}
	return sigdb, nil
}

func ParseSignatureDatabase(b []byte) (SignatureDatabase, error) {
	return ReadSignatureDatabase(NewCursor(b))
}

func WriteSignatureDatabase(b io.Writer, sigdb SignatureDatabase) error {
	for _, l := range sigdb {
		if err := WriteSignatureList(b, *l); err != nil {
			return err
		}
	}
	return nil
}

func (sd SignatureDatabase) Bytes() []byte {
	b := new(bytes.Buffer)
	if err := WriteSignatureDatabase(b, sd); err != nil {
		panic(err)
	}
	return b.Bytes()
}

// AppendList merges a list into the database. Entries land on an
// existing list with the same header when one exists, and entries
// already present are dropped rather than duplicated.
func (sd *SignatureDatabase) AppendList(in *SignatureList) {
	for _, l := range *sd {
		if !l.CmpHeader(in) {
			continue
		}
		for _, sig := range in.Signatures {
			if l.Exists(&sig) {
				continue
			}
			l.AppendSignature(sig)
		}
		return
	}
	fresh := NewSignatureList(in.SignatureType)
	fresh.HeaderSize = in.HeaderSize
	fresh.SignatureHeader = in.SignatureHeader
	fresh.ListSize += in.HeaderSize
	fresh.Size = in.Size
	for _, sig := range in.Signatures {
		if fresh.Exists(&sig) {
			continue
		}
		fresh.AppendSignature(sig)
	}
	*sd = append(*sd, fresh)
}

// AppendDatabase merges every list of in, deduplicating entries.
func (sd *SignatureDatabase) AppendDatabase(in SignatureDatabase) {
	for _, l := range in {
		sd.AppendList(l)
	}
}

// Certificates returns the parsed X.509 entries of the database.
// Entries of other signature types do not participate in trust
// decisions and are skipped; entries that fail to parse are skipped
// as well, matching the behavior of verifying against a set where a
// damaged member simply never matches.
func (sd SignatureDatabase) Certificates() []*x509.Certificate {
	var certs []*x509.Certificate
	for _, l := range sd {
		if !util.CmpEFIGUID(l.SignatureType, CERT_X509_GUID) {
			continue
		}
		for _, sig := range l.Signatures {
			cert, err := x509.ParseCertificate(sig.Data)
			if err != nil {
				continue
			}
			certs = append(certs, cert)
		}
	}
	return certs
}
