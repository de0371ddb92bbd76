package storage

import (
	"bytes"
	"io"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// streamHold is the store-lock hold owned by an open attribute stream.
type streamHold struct {
	store *Store
	owner int64
	id    RecordID
	attr  string
	once  sync.Once
}

func (h *streamHold) release() {
	h.once.Do(func() {
		if !h.store.lock.releaseAs(h.owner) {
			log.WithFields(log.Fields{"record": h.id, "attribute": h.attr}).Error("attribute stream closed without holding the store lock")
		}
	})
}

// leak is the finalizer of an unclosed stream.
func (h *streamHold) leak() {
	released := false
	h.once.Do(func() {
		released = true
		h.store.leaked.Add(1)
		h.store.lock.releaseAs(h.owner)
	})
	if released {
		log.WithFields(log.Fields{"record": h.id, "attribute": h.attr}).Error("attribute stream was never closed")
	}
}

// AttributeReader reads one attribute payload while holding the store lock.
// Close releases the lock; closing twice is a no-op.
type AttributeReader struct {
	*bytes.Reader
	hold *streamHold
}

// Close releases the store lock held by the reader.
func (r *AttributeReader) Close() error {
	r.hold.release()
	runtime.SetFinalizer(r, nil)
	return nil
}

// AttributeWriter buffers an attribute payload while holding the store lock.
// The payload is stored on Close.
type AttributeWriter struct {
	bytes.Buffer
	hold   *streamHold
	attrID int32
	err    error
	closed bool
}

// Close stores the buffered payload and releases the store lock. Only the
// first call writes; later calls return the first result.
func (w *AttributeWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	runtime.SetFinalizer(w, nil)
	defer w.hold.release()

	w.err = w.hold.store.writeAttributeLocked(w.hold.id, w.attrID, w.Bytes())
	if w.err != nil {
		log.WithFields(log.Fields{"record": w.hold.id, "attribute": w.hold.attr}).WithError(w.err).Debug("attribute write failed")
	}
	return w.err
}

// ReadAttribute opens the attribute attr of id for reading. It returns a nil
// reader when the attribute was never written. A non-nil reader keeps the
// store lock until it is closed.
func (s *Store) ReadAttribute(id RecordID, attr string) (*AttributeReader, error) {
	attrID, err := s.attributeID(attr)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	owner := goid()

	data, found, err := s.readAttributeLocked(id, attrID)
	if err != nil || !found {
		s.Unlock()
		return nil, err
	}

	r := &AttributeReader{
		Reader: bytes.NewReader(data),
		hold:   &streamHold{store: s, owner: owner, id: id, attr: attr},
	}
	runtime.SetFinalizer(r, func(r *AttributeReader) { r.hold.leak() })
	return r, nil
}

// WriteAttribute opens the attribute attr of id for writing. The writer
// keeps the store lock until it is closed.
func (s *Store) WriteAttribute(id RecordID, attr string) (*AttributeWriter, error) {
	attrID, err := s.attributeID(attr)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	if _, err := s.readRecord(id); err != nil {
		s.Unlock()
		return nil, err
	}

	w := &AttributeWriter{
		hold:   &streamHold{store: s, owner: goid(), id: id, attr: attr},
		attrID: attrID,
	}
	runtime.SetFinalizer(w, func(w *AttributeWriter) { w.hold.leak() })
	return w, nil
}

// ReadAttributeBytes returns the whole payload of attr, nil when absent.
func (s *Store) ReadAttributeBytes(id RecordID, attr string) ([]byte, error) {
	r, err := s.ReadAttribute(id, attr)
	if err != nil || r == nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteAttributeBytes replaces the payload of attr.
func (s *Store) WriteAttributeBytes(id RecordID, attr string, data []byte) error {
	w, err := s.WriteAttribute(id, attr)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
