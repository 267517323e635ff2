package varstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/util"
)

var (
	guidA = util.MustGUID("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	guidB = util.MustGUID("d719b2cb-3d3a-4596-a3bc-dad00e67656f")
)

const bsrt = attributes.EFI_VARIABLE_BOOTSERVICE_ACCESS | attributes.EFI_VARIABLE_RUNTIME_ACCESS

func nvRecord(name string, data []byte) *Record {
	return &Record{
		Name:  name,
		GUID:  guidA,
		Attrs: attributes.EFI_VARIABLE_NON_VOLATILE | bsrt,
		Data:  data,
	}
}

func TestStoreSetGetDelete(t *testing.T) {
	s := NewStore(0, 0)
	require.NoError(t, s.Set(nvRecord("Lang", []byte("en"))))

	rec := s.Get("Lang", guidA)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("en"), rec.Data)
	assert.Nil(t, s.Get("Lang", guidB))

	used := s.Used()
	assert.Equal(t, 2*len("Lang")+len("en"), used)

	require.NoError(t, s.Delete("Lang", guidA))
	assert.Zero(t, s.Used())
	assert.ErrorIs(t, s.Delete("Lang", guidA), ErrNotFound)
}

func TestStoreQuota(t *testing.T) {
	s := NewStore(64, 32)

	nv := attributes.EFI_VARIABLE_NON_VOLATILE | bsrt
	assert.ErrorIs(t, s.Fits("v", guidA, nv, make([]byte, 40)), ErrQuota)

	require.NoError(t, s.Set(nvRecord("a", make([]byte, 30))))
	require.NoError(t, s.Set(nvRecord("b", make([]byte, 28))))
	// 2+30 + 2+28 = 62; "c" costs 2+1 = 3 more and overflows the
	// 64-byte pool.
	err := s.Set(nvRecord("c", make([]byte, 1)))
	assert.ErrorIs(t, err, ErrQuota)

	// Replacing an existing record credits its old size first.
	require.NoError(t, s.Set(nvRecord("a", make([]byte, 2))))
	require.NoError(t, s.Set(nvRecord("c", make([]byte, 1))))
}

func TestStoreNextStableOrder(t *testing.T) {
	s := NewStore(0, 0)
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, s.Set(nvRecord(name, []byte{1})))
	}

	rec, err := s.Next("", util.EFIGUID{})
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Name)

	rec, err = s.Next("first", guidA)
	require.NoError(t, err)
	assert.Equal(t, "second", rec.Name)

	// Updating a record must not move it in the enumeration.
	require.NoError(t, s.Set(nvRecord("second", []byte{2})))
	rec, err = s.Next("second", guidA)
	require.NoError(t, err)
	assert.Equal(t, "third", rec.Name)

	_, err = s.Next("third", guidA)
	assert.ErrorIs(t, err, ErrNotFound)

	// A vanished predecessor ends the traversal rather than
	// restarting it.
	require.NoError(t, s.Delete("second", guidA))
	_, err = s.Next("second", guidA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreQueryPartitionsByVolatility(t *testing.T) {
	s := NewStore(1024, 512)
	require.NoError(t, s.Set(nvRecord("nv", make([]byte, 10))))
	require.NoError(t, s.Set(&Record{Name: "vol", GUID: guidA, Attrs: bsrt, Data: make([]byte, 20)}))

	max, remaining, maxVar := s.Query(attributes.EFI_VARIABLE_NON_VOLATILE | bsrt)
	assert.Equal(t, uint64(1024), max)
	assert.Equal(t, uint64(1024-(4+10)), remaining)
	assert.Equal(t, uint64(512), maxVar)

	_, remaining, _ = s.Query(bsrt)
	assert.Equal(t, uint64(1024-(6+20)), remaining)
}
