package storage

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Record is a snapshot of one slot of records.dat.
type Record struct {
	ID            RecordID
	Parent        RecordID
	Name          int32
	Flags         Flags
	AttributeHead int32
	CRC           int64
	Timestamp     int64
	ModCount      int32
	Length        int32
}

// IsDirectory reports whether FlagIsDirectory is set.
func (r Record) IsDirectory() bool { return r.Flags.Has(FlagIsDirectory) }

// IsFree reports whether the record sits on the free list.
func (r Record) IsFree() bool { return r.Flags.Has(FlagFreeRecord) }

func (r Record) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[offParent:], uint32(r.Parent))
	binary.BigEndian.PutUint32(buf[offName:], uint32(r.Name))
	binary.BigEndian.PutUint32(buf[offFlags:], uint32(r.Flags))
	binary.BigEndian.PutUint32(buf[offAttributeHead:], uint32(r.AttributeHead))
	binary.BigEndian.PutUint64(buf[offCRC:], uint64(r.CRC))
	binary.BigEndian.PutUint64(buf[offTimestamp:], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[offModCount:], uint32(r.ModCount))
	binary.BigEndian.PutUint32(buf[offLength:], uint32(r.Length))
}

func decodeRecord(id RecordID, buf []byte) Record {
	return Record{
		ID:            id,
		Parent:        RecordID(binary.BigEndian.Uint32(buf[offParent:])),
		Name:          int32(binary.BigEndian.Uint32(buf[offName:])),
		Flags:         Flags(binary.BigEndian.Uint32(buf[offFlags:])),
		AttributeHead: int32(binary.BigEndian.Uint32(buf[offAttributeHead:])),
		CRC:           int64(binary.BigEndian.Uint64(buf[offCRC:])),
		Timestamp:     int64(binary.BigEndian.Uint64(buf[offTimestamp:])),
		ModCount:      int32(binary.BigEndian.Uint32(buf[offModCount:])),
		Length:        int32(binary.BigEndian.Uint32(buf[offLength:])),
	}
}

// --- raw slot I/O, lock must be held ---

func (s *Store) validID(id RecordID) bool {
	return id > NullRecord && int32(id) < s.recordCount
}

func (s *Store) readRecord(id RecordID) (Record, error) {
	if !s.validID(id) {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidRecord, id)
	}
	var buf [RecordSize]byte
	if _, err := s.records.ReadAt(buf[:], int64(id)*RecordSize); err != nil {
		return Record{}, fmt.Errorf("read record %d: %w", id, err)
	}
	return decodeRecord(id, buf[:]), nil
}

func (s *Store) writeRecord(r Record) error {
	var buf [RecordSize]byte
	r.encode(buf[:])
	if _, err := s.records.WriteAt(buf[:], int64(r.ID)*RecordSize); err != nil {
		return fmt.Errorf("write record %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) readHeader() error {
	var buf [RecordSize]byte
	if _, err := s.records.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	s.header = header{
		version:          int32(binary.BigEndian.Uint32(buf[offVersion:])),
		freeListHead:     RecordID(binary.BigEndian.Uint32(buf[offFreeListHead:])),
		globalModCount:   int32(binary.BigEndian.Uint32(buf[offGlobalModCount:])),
		connectionStatus: int32(binary.BigEndian.Uint32(buf[offConnectionStatus:])),
	}
	return nil
}

func (s *Store) writeHeader() error {
	var buf [RecordSize]byte
	binary.BigEndian.PutUint32(buf[offVersion:], uint32(s.header.version))
	binary.BigEndian.PutUint32(buf[offFreeListHead:], uint32(s.header.freeListHead))
	binary.BigEndian.PutUint32(buf[offGlobalModCount:], uint32(s.header.globalModCount))
	binary.BigEndian.PutUint32(buf[offConnectionStatus:], uint32(s.header.connectionStatus))
	if _, err := s.records.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// maxDepth bounds every ancestor walk; a longer chain must contain a cycle.
func (s *Store) maxDepth() int {
	return int(s.recordCount) + 1
}

// stamp bumps the global mod count by one and writes the new value into r
// and every ancestor of r. r itself is written by stamp.
func (s *Store) stamp(r Record) error {
	s.header.globalModCount++
	if err := s.writeHeader(); err != nil {
		return err
	}
	count := s.header.globalModCount

	r.ModCount = count
	if err := s.writeRecord(r); err != nil {
		return err
	}

	cur := r
	for depth := 0; cur.Parent != NullRecord; depth++ {
		if cur.Parent == cur.ID {
			log.WithField("record", cur.ID).Error("record is its own parent")
			return fmt.Errorf("%w: %d", ErrSelfParent, cur.ID)
		}
		if depth > s.maxDepth() {
			log.WithField("record", r.ID).Error("cycle in parent chain")
			return fmt.Errorf("%w: from %d", ErrCyclicParent, r.ID)
		}
		parent, err := s.readRecord(cur.Parent)
		if err != nil {
			return err
		}
		parent.ModCount = count
		if err := s.writeRecord(parent); err != nil {
			return err
		}
		cur = parent
	}
	return nil
}

// --- record lifecycle ---

// CreateRecord returns a zeroed record, reusing the most recently freed id
// when one exists.
func (s *Store) CreateRecord() (RecordID, error) {
	if err := s.acquire(); err != nil {
		return NullRecord, err
	}
	defer s.Unlock()

	if head := s.header.freeListHead; head != NullRecord {
		r, err := s.readRecord(head)
		if err != nil {
			return NullRecord, err
		}
		if !r.IsFree() {
			log.WithField("record", head).Error("free list head is not a free record")
			return NullRecord, fmt.Errorf("%w: free list head %d is live", ErrCorrupt, head)
		}
		s.header.freeListHead = r.Parent
		if err := s.writeHeader(); err != nil {
			return NullRecord, err
		}
		if err := s.writeRecord(Record{ID: head}); err != nil {
			return NullRecord, err
		}
		return head, nil
	}

	id := RecordID(s.recordCount)
	s.recordCount++
	if err := s.writeRecord(Record{ID: id}); err != nil {
		s.recordCount--
		return NullRecord, err
	}
	return id, nil
}

// DeleteRecordRecursively frees id and its whole subtree, children first.
// Mod counts are stamped along the chain id had before deletion.
func (s *Store) DeleteRecordRecursively(id RecordID) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.Unlock()

	if id == PseudoRoot {
		return fmt.Errorf("%w: cannot delete the pseudo-root", ErrInvalidRecord)
	}
	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if r.IsFree() {
		log.WithField("record", id).Error("delete of a free record")
		return fmt.Errorf("%w: %d", ErrFreeRecord, id)
	}
	if err := s.stamp(r); err != nil {
		return err
	}
	return s.deleteSubtree(id, make(map[RecordID]struct{}))
}

func (s *Store) deleteSubtree(id RecordID, visited map[RecordID]struct{}) error {
	if _, seen := visited[id]; seen {
		log.WithField("record", id).Error("record reached twice while deleting")
		return nil
	}
	visited[id] = struct{}{}

	children, err := s.ListChildRecordIDs(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child == id {
			continue
		}
		cr, err := s.readRecord(child)
		if err != nil {
			log.WithFields(log.Fields{"record": id, "child": child}).WithError(err).Error("skip unreadable child")
			continue
		}
		if cr.IsFree() {
			log.WithFields(log.Fields{"record": id, "child": child}).Error("child already freed")
			continue
		}
		if err := s.deleteSubtree(child, visited); err != nil {
			return err
		}
	}
	return s.freeRecord(id)
}

func (s *Store) freeRecord(id RecordID) error {
	if err := s.releaseAttributes(id); err != nil {
		return err
	}
	if err := s.writeRecord(Record{ID: id, Parent: s.header.freeListHead, Flags: FlagFreeRecord}); err != nil {
		return err
	}
	s.header.freeListHead = id
	return s.writeHeader()
}

// --- accessors ---

// Record returns a snapshot of id.
func (s *Store) Record(id RecordID) (Record, error) {
	if err := s.acquire(); err != nil {
		return Record{}, err
	}
	defer s.Unlock()
	return s.readRecord(id)
}

func (s *Store) Parent(id RecordID) (RecordID, error) {
	r, err := s.Record(id)
	return r.Parent, err
}

func (s *Store) Name(id RecordID) (int32, error) {
	r, err := s.Record(id)
	return r.Name, err
}

func (s *Store) Flags(id RecordID) (Flags, error) {
	r, err := s.Record(id)
	return r.Flags, err
}

func (s *Store) AttributeHead(id RecordID) (int32, error) {
	r, err := s.Record(id)
	return r.AttributeHead, err
}

func (s *Store) Length(id RecordID) (int32, error) {
	r, err := s.Record(id)
	return r.Length, err
}

func (s *Store) Timestamp(id RecordID) (int64, error) {
	r, err := s.Record(id)
	return r.Timestamp, err
}

func (s *Store) CRC(id RecordID) (int64, error) {
	r, err := s.Record(id)
	return r.CRC, err
}

func (s *Store) ModCount(id RecordID) (int32, error) {
	r, err := s.Record(id)
	return r.ModCount, err
}

// GlobalModCount returns the store-wide mutation counter.
func (s *Store) GlobalModCount() (int32, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.Unlock()
	return s.header.globalModCount, nil
}

// RecordCount returns the number of slots in records.dat, header included.
func (s *Store) RecordCount() (int32, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.Unlock()
	return s.recordCount, nil
}

// FreeRecords returns the free list, most recently freed first.
func (s *Store) FreeRecords() ([]RecordID, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.Unlock()

	var ids []RecordID
	for cur := s.header.freeListHead; cur != NullRecord; {
		if len(ids) > s.maxDepth() {
			return ids, fmt.Errorf("%w: cycle in free list", ErrCorrupt)
		}
		r, err := s.readRecord(cur)
		if err != nil {
			return ids, err
		}
		ids = append(ids, cur)
		cur = r.Parent
	}
	return ids, nil
}

// --- mutators; each bumps the global mod count exactly once ---

// update applies fn to a live record and stamps it.
func (s *Store) update(id RecordID, fn func(r *Record) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.Unlock()

	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if r.IsFree() {
		log.WithField("record", id).Error("mutation of a free record")
		return fmt.Errorf("%w: %d", ErrFreeRecord, id)
	}
	if err := fn(&r); err != nil {
		return err
	}
	return s.stamp(r)
}

// SetParent re-parents id. Self-parenting and cycles are rejected.
func (s *Store) SetParent(id, parent RecordID) error {
	return s.update(id, func(r *Record) error {
		if parent == id {
			log.WithFields(log.Fields{"record": id, "parent": parent}).Error("refusing to make record its own parent")
			return fmt.Errorf("%w: %d", ErrSelfParent, id)
		}
		for cur, depth := parent, 0; cur != NullRecord; depth++ {
			if cur == id || depth > s.maxDepth() {
				log.WithFields(log.Fields{"record": id, "parent": parent}).Error("refusing parent that closes a cycle")
				return fmt.Errorf("%w: %d under %d", ErrCyclicParent, id, parent)
			}
			pr, err := s.readRecord(cur)
			if err != nil {
				return err
			}
			cur = pr.Parent
		}
		r.Parent = parent
		return nil
	})
}

func (s *Store) SetName(id RecordID, name int32) error {
	return s.update(id, func(r *Record) error {
		r.Name = name
		return nil
	})
}

// SetFlags replaces the whole flag word. FlagFreeRecord cannot be set.
func (s *Store) SetFlags(id RecordID, flags Flags) error {
	return s.update(id, func(r *Record) error {
		r.Flags = flags &^ FlagFreeRecord
		return nil
	})
}

func (s *Store) SetLength(id RecordID, length int32) error {
	return s.update(id, func(r *Record) error {
		r.Length = length
		return nil
	})
}

func (s *Store) SetTimestamp(id RecordID, ts int64) error {
	return s.update(id, func(r *Record) error {
		r.Timestamp = ts
		return nil
	})
}

func (s *Store) SetCRC(id RecordID, crc int64) error {
	return s.update(id, func(r *Record) error {
		r.CRC = crc
		return nil
	})
}
