// Package varstore holds the in-memory variable database: records
// keyed on (name, vendor GUID), quota accounting, stable enumeration,
// and the snapshot codec the persistence adapter writes out.
package varstore

import (
	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/util"
)

const (
	// Total persistent storage for all variables together.
	DefaultMaxStorage = 64 * 1024
	// Largest name+data a single variable may hold.
	DefaultMaxVariableSize = 32 * 1024
)

var (
	ErrNotFound = errors.New("variable not found")
	ErrQuota    = errors.New("variable storage quota exceeded")
)

// Record is one stored variable. The store owns the byte buffers;
// readers borrow them and must not hold on to them across mutations.
type Record struct {
	Name      string
	GUID      util.EFIGUID
	Attrs     attributes.Attributes
	Data      []byte
	Timestamp util.EFITime // meaningful iff the record is time-authenticated
}

// Size is the quota charge: UCS-2 name bytes plus data bytes.
func (r *Record) Size() int {
	return util.UCS2Length(r.Name) + len(r.Data)
}

func (r *Record) IsNV() bool {
	return r.Attrs.Has(attributes.EFI_VARIABLE_NON_VOLATILE)
}

type key struct {
	name string
	guid util.EFIGUID
}

// Store maps (name, guid) to records. Enumeration follows insertion
// order, which does not depend on lookup history, so an interleaved
// traversal sees each surviving record exactly once.
type Store struct {
	maxStorage int
	maxVarSize int
	used       int

	order   []key
	records map[key]*Record
}

func NewStore(maxStorage, maxVarSize int) *Store {
	if maxStorage <= 0 {
		maxStorage = DefaultMaxStorage
	}
	if maxVarSize <= 0 {
		maxVarSize = DefaultMaxVariableSize
	}
	return &Store{
		maxStorage: maxStorage,
		maxVarSize: maxVarSize,
		records:    make(map[key]*Record),
	}
}

func (s *Store) Get(name string, guid util.EFIGUID) *Record {
	return s.records[key{name, guid}]
}

// Fits reports whether replacing the current data of (name, guid)
// with data stays inside both quotas. The check runs before any
// mutation so an oversized write leaves the store untouched. Only
// non-volatile records draw from the persistent pool; the per-variable
// limit applies to everything.
func (s *Store) Fits(name string, guid util.EFIGUID, attrs attributes.Attributes, data []byte) error {
	size := util.UCS2Length(name) + len(data)
	if size > s.maxVarSize {
		return errors.Wrapf(ErrQuota, "variable size %d exceeds %d", size, s.maxVarSize)
	}
	if !attrs.Has(attributes.EFI_VARIABLE_NON_VOLATILE) {
		return nil
	}
	used := s.used
	if existing := s.Get(name, guid); existing != nil && existing.IsNV() {
		used -= existing.Size()
	}
	if used+size > s.maxStorage {
		return errors.Wrapf(ErrQuota, "store size %d exceeds %d", used+size, s.maxStorage)
	}
	return nil
}

// Set creates or replaces the record for (rec.Name, rec.GUID). The
// quota must have been checked; Set re-checks and refuses rather than
// over-commit.
func (s *Store) Set(rec *Record) error {
	if err := s.Fits(rec.Name, rec.GUID, rec.Attrs, rec.Data); err != nil {
		return err
	}
	k := key{rec.Name, rec.GUID}
	if existing, ok := s.records[k]; ok {
		if existing.IsNV() {
			s.used -= existing.Size()
		}
	} else {
		s.order = append(s.order, k)
	}
	s.records[k] = rec
	if rec.IsNV() {
		s.used += rec.Size()
	}
	return nil
}

// Delete removes the record and returns its bytes to the quota pool.
func (s *Store) Delete(name string, guid util.EFIGUID) error {
	k := key{name, guid}
	rec, ok := s.records[k]
	if !ok {
		return ErrNotFound
	}
	if rec.IsNV() {
		s.used -= rec.Size()
	}
	delete(s.records, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Next enumerates records. An empty previous name starts the
// traversal; otherwise the record after the previous one is returned.
// A previous record that no longer exists ends the traversal.
func (s *Store) Next(prevName string, prevGUID util.EFIGUID) (*Record, error) {
	if prevName == "" {
		if len(s.order) == 0 {
			return nil, ErrNotFound
		}
		return s.records[s.order[0]], nil
	}
	prev := key{prevName, prevGUID}
	for i, k := range s.order {
		if k != prev {
			continue
		}
		if i+1 == len(s.order) {
			return nil, ErrNotFound
		}
		return s.records[s.order[i+1]], nil
	}
	return nil, ErrNotFound
}

// Records returns every record in enumeration order.
func (s *Store) Records() []*Record {
	out := make([]*Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}

// Used is the current quota charge across the non-volatile records.
func (s *Store) Used() int {
	return s.used
}

func (s *Store) MaxVariableSize() int {
	return s.maxVarSize
}

// Query reports the storage figures for the class of variables the
// mask selects. Only volatility partitions storage here, so the count
// covers records whose NV bit matches the mask's.
func (s *Store) Query(mask attributes.Attributes) (maxStorage, remaining, maxVarSize uint64) {
	nv := mask.Has(attributes.EFI_VARIABLE_NON_VOLATILE)
	var used int
	for _, rec := range s.records {
		if rec.IsNV() == nv {
			used += rec.Size()
		}
	}
	return uint64(s.maxStorage), uint64(s.maxStorage - used), uint64(s.maxVarSize)
}
