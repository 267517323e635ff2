package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/efi/util"
)

var owner = util.MustGUID("77fa9abd-0359-4d32-bd60-28f4e78f784b")

func TestSignatureListRoundtrip(t *testing.T) {
	sl := NewX509SignatureList(owner, []byte("not really a certificate"))
	b := sl.Bytes()
	require.Equal(t, int(sl.ListSize), len(b))

	got, err := ReadSignatureList(NewCursor(b))
	require.NoError(t, err)
	assert.True(t, util.CmpEFIGUID(CERT_X509_GUID, got.SignatureType))
	require.Len(t, got.Signatures, 1)
	assert.Equal(t, []byte("not really a certificate"), []byte(got.Signatures[0].Data))
}

func TestSignatureListTruncated(t *testing.T) {
	sl := NewX509SignatureList(owner, []byte("certificate bytes"))
	b := sl.Bytes()
	_, err := ReadSignatureList(NewCursor(b[:len(b)-1]))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestSignatureListBadGeometry(t *testing.T) {
	sl := NewX509SignatureList(owner, []byte("certificate bytes"))
	b := sl.Bytes()
	// Shrink the declared entry size so it no longer divides the
	// entry region.
	b[24]--
	_, err := ReadSignatureList(NewCursor(b))
	assert.Error(t, err)
}

func TestDatabaseAppendDeduplicates(t *testing.T) {
	certA := []byte("certificate A")
	certB := []byte("certificate B")

	var db SignatureDatabase
	db.AppendList(NewX509SignatureList(owner, certA))

	in := NewSignatureList(CERT_X509_GUID)
	in.AppendBytes(owner, certA)
	db.AppendDatabase(SignatureDatabase{in})
	require.Len(t, db, 1)
	assert.Len(t, db[0].Signatures, 1)

	db.AppendList(NewX509SignatureList(owner, certB))
	require.Len(t, db, 1)
	assert.Len(t, db[0].Signatures, 2)

	// Different entry size lands on its own list.
	db.AppendList(NewX509SignatureList(owner, []byte("certificate with longer bytes")))
	assert.Len(t, db, 2)
}

func TestDatabaseRoundtrip(t *testing.T) {
	var db SignatureDatabase
	db.AppendList(NewX509SignatureList(owner, []byte("first")))
	db.AppendList(NewX509SignatureList(owner, []byte("second")))

	got, err := ParseSignatureDatabase(db.Bytes())
	require.NoError(t, err)
	assert.Equal(t, db.Bytes(), got.Bytes())
}

func TestOpaqueSignatureTypePreserved(t *testing.T) {
	unknown := util.MustGUID("11111111-2222-3333-4444-555555555555")
	sl := NewSignatureList(unknown)
	sl.AppendBytes(owner, make([]byte, 32))

	got, err := ParseSignatureDatabase(sl.Bytes())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, util.CmpEFIGUID(unknown, got[0].SignatureType))
	assert.Equal(t, sl.Bytes(), got.Bytes())
	// Unknown types never contribute trust roots.
	assert.Empty(t, got.Certificates())
}
