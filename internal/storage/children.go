package storage

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// RootEntry is one mounted root listed on the pseudo-root.
type RootEntry struct {
	NameID int32 // interned root URL
	ID     RecordID
}

func encodeChildren(ids []RecordID) []byte {
	buf := make([]byte, 4+4*len(ids))
	binary.BigEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(id))
	}
	return buf
}

func decodeChildren(buf []byte) ([]RecordID, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: children payload of %d bytes", ErrCorrupt, len(buf))
	}
	n := int(int32(binary.BigEndian.Uint32(buf)))
	if n < 0 || len(buf) < 4+4*n {
		return nil, fmt.Errorf("%w: children count %d in %d bytes", ErrCorrupt, n, len(buf))
	}
	ids := make([]RecordID, n)
	for i := range ids {
		ids[i] = RecordID(binary.BigEndian.Uint32(buf[4+4*i:]))
	}
	return ids, nil
}

func encodeRoots(roots []RootEntry) []byte {
	buf := make([]byte, 4+8*len(roots))
	binary.BigEndian.PutUint32(buf, uint32(len(roots)))
	for i, r := range roots {
		binary.BigEndian.PutUint32(buf[4+8*i:], uint32(r.NameID))
		binary.BigEndian.PutUint32(buf[8+8*i:], uint32(r.ID))
	}
	return buf
}

func decodeRoots(buf []byte) ([]RootEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: roots payload of %d bytes", ErrCorrupt, len(buf))
	}
	n := int(int32(binary.BigEndian.Uint32(buf)))
	if n < 0 || len(buf) < 4+8*n {
		return nil, fmt.Errorf("%w: roots count %d in %d bytes", ErrCorrupt, n, len(buf))
	}
	roots := make([]RootEntry, n)
	for i := range roots {
		roots[i] = RootEntry{
			NameID: int32(binary.BigEndian.Uint32(buf[4+8*i:])),
			ID:     RecordID(binary.BigEndian.Uint32(buf[8+8*i:])),
		}
	}
	return roots, nil
}

// ListChildRecordIDs returns the stored children of id, empty when the
// children attribute was never written.
func (s *Store) ListChildRecordIDs(id RecordID) ([]RecordID, error) {
	data, err := s.ReadAttributeBytes(id, AttrChildren)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return []RecordID{}, nil
	}
	return decodeChildren(data)
}

// UpdateChildList replaces the children of id. An entry equal to id is
// logged and dropped.
func (s *Store) UpdateChildList(id RecordID, children []RecordID) error {
	kept := make([]RecordID, 0, len(children))
	for _, c := range children {
		if c == id {
			log.WithField("record", id).Error("dropping record from its own child list")
			continue
		}
		kept = append(kept, c)
	}
	return s.WriteAttributeBytes(id, AttrChildren, encodeChildren(kept))
}

// ListRoots returns the roots attached to the pseudo-root.
func (s *Store) ListRoots() ([]RootEntry, error) {
	data, err := s.ReadAttributeBytes(PseudoRoot, AttrRoots)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return []RootEntry{}, nil
	}
	return decodeRoots(data)
}

// FindRootRecord returns the record of the root identified by url,
// creating and registering it on first use.
func (s *Store) FindRootRecord(url string) (RecordID, error) {
	nameID, err := s.Enumerate(url)
	if err != nil {
		return NullRecord, err
	}
	if err := s.acquire(); err != nil {
		return NullRecord, err
	}
	defer s.Unlock()

	roots, err := s.ListRoots()
	if err != nil {
		return NullRecord, err
	}
	for _, r := range roots {
		if r.NameID == nameID {
			return r.ID, nil
		}
	}

	id, err := s.CreateRecord()
	if err != nil {
		return NullRecord, err
	}
	if err := s.SetName(id, nameID); err != nil {
		return NullRecord, err
	}
	if err := s.SetFlags(id, FlagIsDirectory); err != nil {
		return NullRecord, err
	}
	roots = append(roots, RootEntry{NameID: nameID, ID: id})
	if err := s.WriteAttributeBytes(PseudoRoot, AttrRoots, encodeRoots(roots)); err != nil {
		return NullRecord, err
	}
	log.WithFields(log.Fields{"url": url, "record": id}).Debug("created root record")
	return id, nil
}

// DeleteRootRecord removes id from the roots list. The record itself is
// left for DeleteRecordRecursively.
func (s *Store) DeleteRootRecord(id RecordID) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.Unlock()

	roots, err := s.ListRoots()
	if err != nil {
		return err
	}
	kept := roots[:0]
	for _, r := range roots {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(roots) {
		log.WithField("record", id).Warn("record is not a registered root")
		return nil
	}
	return s.WriteAttributeBytes(PseudoRoot, AttrRoots, encodeRoots(kept))
}
