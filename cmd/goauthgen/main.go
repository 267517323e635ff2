// goauthgen prepares an "auth" file: an authentication descriptor, a
// PKCS#7 signature, and a signature-list payload, used to enroll PK,
// KEK, db and friends when a VM is provisioned. It runs at build time
// because the signing key is ephemeral.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/varstored/go-varstored/authenticate"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
)

// The platform key carries a vendor-specific owner; the exchange keys
// and databases carry the usual Microsoft owner GUID.
var (
	vendorOwnerGUID    = util.MustGUID("c0acc535-25c8-6446-925b-5dd7d0b2f5aa")
	microsoftOwnerGUID = util.MustGUID("77fa9abd-0359-4d32-bd60-28f4e78f784b")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-key <key>] [-cert <cert>] <name> <output> <cert> [cert...]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	keyPath := flag.String("key", "", "signing key (PEM)")
	certPath := flag.String("cert", "", "signing certificate (PEM)")
	flag.Parse()
	args := flag.Args()
	if len(args) < 3 {
		usage()
	}
	if (*keyPath == "") != (*certPath == "") {
		usage()
	}

	name, outFile := args[0], args[1]

	var target efivar.Efivar
	switch name {
	case "PK":
		target = efivar.PK
	case "KEK":
		target = efivar.KEK
	case "db":
		target = efivar.Db
	case "dbx":
		target = efivar.Dbx
	default:
		log.Fatalf("unsupported variable name %q", name)
	}

	owner := microsoftOwnerGUID
	if name == "PK" {
		owner = vendorOwnerGUID
	}

	// One X.509 list per certificate, like the enrollment files the
	// guest firmware expects.
	payload := new(bytes.Buffer)
	for _, path := range args[2:] {
		cert, err := util.ReadCertFromFile(path)
		if err != nil {
			log.Fatalf("%s: %v", path, err)
		}
		sl := signature.NewX509SignatureList(owner, cert.Raw)
		if err := signature.WriteSignatureList(payload, *sl); err != nil {
			log.Fatal(err)
		}
	}

	timestamp := util.NewEFITime(time.Now())
	attrs := target.Attributes

	var der []byte
	if *keyPath != "" {
		key, err := util.ReadKeyFromFile(*keyPath)
		if err != nil {
			log.Fatalf("%s: %v", *keyPath, err)
		}
		cert, err := util.ReadCertFromFile(*certPath)
		if err != nil {
			log.Fatalf("%s: %v", *certPath, err)
		}
		msg := authenticate.SignedMessage(name, target.GUID, attrs, timestamp, payload.Bytes())
		sd, err := pkcs7.NewSignedData(msg)
		if err != nil {
			log.Fatal(err)
		}
		sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
		sd.SetEncryptionAlgorithm(pkcs7.OIDEncryptionAlgorithmRSA)
		if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
			log.Fatalf("cannot add signer: %v", err)
		}
		sd.Detach()
		if der, err = sd.Finish(); err != nil {
			log.Fatal(err)
		}
	}

	out := new(bytes.Buffer)
	out.Write(signature.NewEFIVariableAuthentication2(*timestamp, der).Bytes())
	out.Write(payload.Bytes())

	if err := os.WriteFile(outFile, out.Bytes(), 0o644); err != nil {
		log.Fatal(err)
	}
}
