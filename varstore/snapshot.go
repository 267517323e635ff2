package varstore

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/util"
)

// The snapshot is the persistence wire format: for every non-volatile
// record, in enumeration order,
//
//	name_len(u32) || name_ucs2 || guid(16) || attrs(u32) ||
//	timestamp(16) || data_len(u32) || data
//
// all little-endian. Loading an empty blob yields an empty store.

// Snapshot serializes the non-volatile records.
func (s *Store) Snapshot() []byte {
	b := new(bytes.Buffer)
	for _, rec := range s.Records() {
		if !rec.IsNV() {
			continue
		}
		name := util.EncodeUCS2(rec.Name)
		for _, v := range []interface{}{
			uint32(len(name)),
			name,
			rec.GUID.Bytes(),
			uint32(rec.Attrs),
			rec.Timestamp.Bytes(),
			uint32(len(rec.Data)),
			rec.Data,
		} {
			if err := binary.Write(b, binary.LittleEndian, v); err != nil {
				panic(err)
			}
		}
	}
	return b.Bytes()
}

// Restore replaces the store contents with the records of a snapshot.
func (s *Store) Restore(blob []byte) error {
	recs, err := parseSnapshot(blob)
	if err != nil {
		return err
	}
	s.records = make(map[key]*Record, len(recs))
	s.order = s.order[:0]
	s.used = 0
	for _, rec := range recs {
		if err := s.Set(rec); err != nil {
			return errors.Wrapf(err, "snapshot does not fit the configured quota")
		}
	}
	return nil
}

func parseSnapshot(blob []byte) ([]*Record, error) {
	c := signature.NewCursor(blob)
	var recs []*Record
	for c.Remaining() > 0 {
		nameLen, err := c.Uint32()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		nameBytes, err := c.Bytes(nameLen)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		name, err := util.DecodeUCS2(nameBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		guid, err := c.GUID()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		attrs, err := c.Uint32()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		ts, err := c.EFITime()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		dataLen, err := c.Uint32()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		data, err := c.Bytes(dataLen)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt snapshot")
		}
		recs = append(recs, &Record{
			Name:      name,
			GUID:      *guid,
			Attrs:     attributes.Attributes(attrs),
			Data:      append([]byte{}, data...),
			Timestamp: *ts,
		})
	}
	return recs, nil
}
