package pkcs7

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

type Config struct {
	NoAttr  bool
	NoCerts bool
}

type Option func(*Config)

// NoAttr omits the authenticated attributes, leaving the signature
// directly over the content. This is the shape the build-time auth
// generator historically produced.
func NoAttr() Option {
	return func(c *Config) {
		c.NoAttr = true
	}
}

func NoCerts() Option {
	return func(c *Config) {
		c.NoCerts = true
	}
}

// SignDetached builds a SignedData over content with the content
// itself omitted. SHA-256 with RSA PKCS#1 v1.5 only; that is all the
// variable authentication format accepts.
func SignDetached(signer crypto.Signer, cert *x509.Certificate, content []byte, opts ...Option) ([]byte, error) {
	config := &Config{}
	for _, optFunc := range opts {
		optFunc(config)
	}

	var contentInfo cryptobyte.Builder

	h := crypto.SHA256.New()
	h.Write(content)

	var attributes []byte
	if !config.NoAttr {
		attrs := &Attributes{
			ContentType:   OIDData,
			MessageDigest: h.Sum(nil),
			SigningTime:   time.Now().UTC(),
		}
		attributes = attrs.Marshal()
		h = crypto.SHA256.New()
		h.Write(attributes)
	}

	sig, err := signer.Sign(rand.Reader, h.Sum(nil), crypto.SHA256)
	if err != nil {
		return nil, err
	}

	// ContentInfo ::= SEQUENCE
	contentInfo.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {

		// contentType ContentType,
		b.AddASN1ObjectIdentifier(OIDSignedData)

		// content [0] EXPLICIT DEFINED BY contentType OPTIONAL
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {

			// SignedData ::= SEQUENCE
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {

				// version Version,
				b.AddASN1Int64(1)

				// digestAlgorithms DigestAlgorithmIdentifiers,
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(OIDDigestAlgorithmSHA256)
						b.AddASN1NULL()
					})
				})

				// contentInfo ContentInfo -- detached, so no content
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(OIDData)
				})

				if !config.NoCerts {
					// certificates [0] IMPLICIT ExtendedCertificatesAndCertificates OPTIONAL
					b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddBytes(cert.Raw)
					})
				}

				// signerInfos SignerInfos
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					// SignerInfo ::= SEQUENCE
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						// version Version,
						b.AddASN1Int64(1)

						// issuerAndSerialNumber IssuerAndSerialNumber
						b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddBytes(cert.RawIssuer)
							b.AddASN1BigInt(cert.SerialNumber)
						})

						// digestAlgorithm DigestAlgorithmIdentifier
						b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddASN1ObjectIdentifier(OIDDigestAlgorithmSHA256)
							b.AddASN1NULL()
						})

						if !config.NoAttr {
							// authenticatedAttributes [0] IMPLICIT Attributes OPTIONAL
							b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
								attrsOuter := cryptobyte.String(attributes)
								var attrsInner cryptobyte.String
								attrsOuter.ReadASN1(&attrsInner, asn1.SET)
								b.AddBytes(attrsInner)
							})
						}

						// digestEncryptionAlgorithm DigestEncryptionAlgorithmIdentifier
						b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddASN1ObjectIdentifier(OIDEncryptionAlgorithmRSA)
							b.AddASN1NULL()
						})

						// encryptedDigest EncryptedDigest
						b.AddASN1OctetString(sig)
					})
				})
			})
		})
	})

	return contentInfo.Bytes()
}
