package storage

import (
	"encoding/binary"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Attribute heap layout (big-endian).
//
//	heap header (96 bytes): magic | version | freeHeads[sizeClasses]
//	page:                   next | attrID | class | length | payload (64<<class bytes)
//
// Pages start on 16-byte boundaries; a page id is its offset / 16.
const (
	heapMagic      int32 = 0x56415452
	heapVersion    int32 = 1
	heapHeaderSize       = 96
	pageAlign            = 16
	pageHeaderSize       = 16
	minPayloadSize       = 64
	sizeClasses          = 20

	// MaxAttributeSize is the payload capacity of the largest size class.
	MaxAttributeSize = minPayloadSize << (sizeClasses - 1)
)

type pageHeader struct {
	next   int32
	attrID int32
	class  int32
	length int32
}

func payloadCapacity(class int32) int {
	return minPayloadSize << class
}

func pageSpan(class int32) int64 {
	return int64(pageHeaderSize + payloadCapacity(class))
}

// classFor returns the smallest size class holding n bytes.
func classFor(n int) (int32, bool) {
	for c := int32(0); c < sizeClasses; c++ {
		if n <= payloadCapacity(c) {
			return c, true
		}
	}
	return 0, false
}

type attributeHeap struct {
	f         *os.File
	size      int64
	freeHeads [sizeClasses]int32
}

// openAttributeHeap opens attributes.dat. fresh truncates it: a brand new
// records file cannot reference older pages.
func openAttributeHeap(path string, fresh bool) (*attributeHeap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open attributes: %w", err)
	}
	h := &attributeHeap{f: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat attributes: %w", err)
	}
	if fresh || info.Size() == 0 {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate attributes: %w", err)
		}
		h.size = heapHeaderSize
		if err := h.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return h, nil
	}

	if info.Size() < heapHeaderSize || info.Size()%pageAlign != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: attribute heap size %d", ErrCorrupt, info.Size())
	}
	h.size = info.Size()

	var buf [heapHeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read attribute heap header: %w", err)
	}
	if magic := int32(binary.BigEndian.Uint32(buf[0:])); magic != heapMagic {
		f.Close()
		return nil, fmt.Errorf("%w: attribute heap magic %#x", ErrCorrupt, magic)
	}
	if version := int32(binary.BigEndian.Uint32(buf[4:])); version != heapVersion {
		f.Close()
		return nil, fmt.Errorf("%w: attribute heap version %d", ErrCorrupt, version)
	}
	for c := range h.freeHeads {
		h.freeHeads[c] = int32(binary.BigEndian.Uint32(buf[8+4*c:]))
	}
	return h, nil
}

func (h *attributeHeap) writeHeader() error {
	var buf [heapHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(heapMagic))
	binary.BigEndian.PutUint32(buf[4:], uint32(heapVersion))
	for c, head := range h.freeHeads {
		binary.BigEndian.PutUint32(buf[8+4*c:], uint32(head))
	}
	if _, err := h.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write attribute heap header: %w", err)
	}
	return nil
}

func (h *attributeHeap) validPage(page int32) bool {
	off := int64(page) * pageAlign
	return page > 0 && off >= heapHeaderSize && off+pageHeaderSize <= h.size
}

func (h *attributeHeap) readPageHeader(page int32) (pageHeader, error) {
	if !h.validPage(page) {
		return pageHeader{}, fmt.Errorf("%w: attribute page %d out of range", ErrCorrupt, page)
	}
	var buf [pageHeaderSize]byte
	if _, err := h.f.ReadAt(buf[:], int64(page)*pageAlign); err != nil {
		return pageHeader{}, fmt.Errorf("read attribute page %d: %w", page, err)
	}
	ph := pageHeader{
		next:   int32(binary.BigEndian.Uint32(buf[0:])),
		attrID: int32(binary.BigEndian.Uint32(buf[4:])),
		class:  int32(binary.BigEndian.Uint32(buf[8:])),
		length: int32(binary.BigEndian.Uint32(buf[12:])),
	}
	if ph.class < 0 || ph.class >= sizeClasses || ph.length < 0 || int(ph.length) > payloadCapacity(ph.class) {
		return pageHeader{}, fmt.Errorf("%w: attribute page %d header", ErrCorrupt, page)
	}
	return ph, nil
}

func (h *attributeHeap) writePageHeader(page int32, ph pageHeader) error {
	var buf [pageHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(ph.next))
	binary.BigEndian.PutUint32(buf[4:], uint32(ph.attrID))
	binary.BigEndian.PutUint32(buf[8:], uint32(ph.class))
	binary.BigEndian.PutUint32(buf[12:], uint32(ph.length))
	if _, err := h.f.WriteAt(buf[:], int64(page)*pageAlign); err != nil {
		return fmt.Errorf("write attribute page %d: %w", page, err)
	}
	return nil
}

func (h *attributeHeap) readPayload(page int32, ph pageHeader) ([]byte, error) {
	data := make([]byte, ph.length)
	if ph.length == 0 {
		return data, nil
	}
	if _, err := h.f.ReadAt(data, int64(page)*pageAlign+pageHeaderSize); err != nil {
		return nil, fmt.Errorf("read attribute page %d: %w", page, err)
	}
	return data, nil
}

func (h *attributeHeap) writePage(page int32, ph pageHeader, data []byte) error {
	ph.length = int32(len(data))
	if err := h.writePageHeader(page, ph); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := h.f.WriteAt(data, int64(page)*pageAlign+pageHeaderSize); err != nil {
		return fmt.Errorf("write attribute page %d: %w", page, err)
	}
	return nil
}

// alloc pops the class free list or appends a new page.
func (h *attributeHeap) alloc(class int32) (int32, error) {
	if head := h.freeHeads[class]; head != 0 {
		ph, err := h.readPageHeader(head)
		if err != nil {
			return 0, err
		}
		if ph.attrID != 0 || ph.class != class {
			log.WithFields(log.Fields{"page": head, "class": class}).Error("attribute free list head is in use")
			return 0, fmt.Errorf("%w: free page %d in use", ErrCorrupt, head)
		}
		h.freeHeads[class] = ph.next
		if err := h.writeHeader(); err != nil {
			return 0, err
		}
		return head, nil
	}

	off := h.size
	page := int32(off / pageAlign)
	h.size += pageSpan(class)
	// extend the file so the page is readable even before its payload is written
	if err := h.f.Truncate(h.size); err != nil {
		h.size = off
		return 0, fmt.Errorf("grow attribute heap: %w", err)
	}
	return page, nil
}

func (h *attributeHeap) free(page int32) error {
	ph, err := h.readPageHeader(page)
	if err != nil {
		return err
	}
	if ph.attrID == 0 {
		log.WithField("page", page).Error("double free of attribute page")
		return fmt.Errorf("%w: page %d already free", ErrCorrupt, page)
	}
	if err := h.writePageHeader(page, pageHeader{next: h.freeHeads[ph.class], class: ph.class}); err != nil {
		return err
	}
	h.freeHeads[ph.class] = page
	return h.writeHeader()
}

func (h *attributeHeap) sync() error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("sync attributes: %w", err)
	}
	return nil
}

func (h *attributeHeap) close() {
	h.f.Close()
}

// --- per-record attribute chains, lock must be held ---

// findAttribute walks the chain of id looking for attrID. prev is the page
// linking to the match, 0 when the match is the chain head.
func (s *Store) findAttribute(r Record, attrID int32) (page, prev int32, ph pageHeader, err error) {
	limit := int(s.heap.size/pageAlign) + 1
	for cur, steps := r.AttributeHead, 0; cur != 0; steps++ {
		if steps > limit {
			log.WithField("record", r.ID).Error("cycle in attribute chain")
			return 0, 0, pageHeader{}, fmt.Errorf("%w: attribute chain of %d", ErrCorrupt, r.ID)
		}
		h, err := s.heap.readPageHeader(cur)
		if err != nil {
			return 0, 0, pageHeader{}, err
		}
		if h.attrID == attrID {
			return cur, prev, h, nil
		}
		prev, cur = cur, h.next
	}
	return 0, 0, pageHeader{}, nil
}

func (s *Store) readAttributeLocked(id RecordID, attrID int32) ([]byte, bool, error) {
	r, err := s.readRecord(id)
	if err != nil {
		return nil, false, err
	}
	page, _, ph, err := s.findAttribute(r, attrID)
	if err != nil || page == 0 {
		return nil, false, err
	}
	data, err := s.heap.readPayload(page, ph)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// writeAttributeLocked stores data in place when it fits the current page,
// otherwise moves it to a page of a fitting class at the front of the chain.
func (s *Store) writeAttributeLocked(id RecordID, attrID int32, data []byte) error {
	if len(data) > MaxAttributeSize {
		return fmt.Errorf("%w: %d bytes", ErrAttributeTooLarge, len(data))
	}
	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if r.IsFree() {
		return fmt.Errorf("%w: %d", ErrFreeRecord, id)
	}

	page, prev, ph, err := s.findAttribute(r, attrID)
	if err != nil {
		return err
	}
	if page != 0 && len(data) <= payloadCapacity(ph.class) {
		return s.heap.writePage(page, ph, data)
	}

	if page != 0 {
		if prev == 0 {
			r.AttributeHead = ph.next
		} else {
			prevHdr, err := s.heap.readPageHeader(prev)
			if err != nil {
				return err
			}
			prevHdr.next = ph.next
			if err := s.heap.writePageHeader(prev, prevHdr); err != nil {
				return err
			}
		}
		if err := s.heap.free(page); err != nil {
			return err
		}
	}

	class, _ := classFor(len(data))
	newPage, err := s.heap.alloc(class)
	if err != nil {
		return err
	}
	if err := s.heap.writePage(newPage, pageHeader{next: r.AttributeHead, attrID: attrID, class: class}, data); err != nil {
		return err
	}
	r.AttributeHead = newPage
	return s.writeRecord(r)
}

// releaseAttributes returns every page of the chain of id to the free lists.
func (s *Store) releaseAttributes(id RecordID) error {
	r, err := s.readRecord(id)
	if err != nil {
		return err
	}
	limit := int(s.heap.size/pageAlign) + 1
	for cur, steps := r.AttributeHead, 0; cur != 0; steps++ {
		if steps > limit {
			log.WithField("record", id).Error("cycle in attribute chain")
			break
		}
		ph, err := s.heap.readPageHeader(cur)
		if err != nil {
			return err
		}
		if err := s.heap.free(cur); err != nil {
			return err
		}
		cur = ph.next
	}
	r.AttributeHead = 0
	return s.writeRecord(r)
}

// attributePages counts the pages chained off id.
func (s *Store) attributePages(id RecordID) (int, error) {
	r, err := s.readRecord(id)
	if err != nil {
		return 0, err
	}
	n := 0
	limit := int(s.heap.size/pageAlign) + 1
	for cur := r.AttributeHead; cur != 0; n++ {
		if n > limit {
			return n, fmt.Errorf("%w: attribute chain of %d", ErrCorrupt, id)
		}
		ph, err := s.heap.readPageHeader(cur)
		if err != nil {
			return n, err
		}
		cur = ph.next
	}
	return n, nil
}

// AttributePages returns the number of heap pages owned by id.
func (s *Store) AttributePages(id RecordID) (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.Unlock()
	return s.attributePages(id)
}

// HeapSize returns the size of attributes.dat in bytes.
func (s *Store) HeapSize() (int64, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.Unlock()
	return s.heap.size, nil
}
