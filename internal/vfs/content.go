package vfs

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"vfsindex/internal/common"
	"vfsindex/internal/storage"
)

// Contents returns the content of file f. Cached content is served unless
// the record is flagged for reload; otherwise the delegate is read and the
// content cached when it fits ContentCacheLimit.
func (p *PersistentFS) Contents(f *VirtualFile) ([]byte, error) {
	r, err := p.Attributes(f)
	if err != nil {
		return nil, err
	}
	if r.IsDirectory() {
		return nil, fmt.Errorf("%s: %w", f.URL(), common.ErrIsDir)
	}
	if !r.Flags.Has(storage.FlagMustReloadContent) {
		data, err := p.store.ReadAttributeBytes(f.ID(), storage.AttrContent)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
	}

	data, err := p.loadContent(f)
	if err != nil {
		return nil, err
	}
	crc, err := contentChecksum(data)
	if err != nil {
		return nil, err
	}

	p.store.Lock()
	defer p.store.Unlock()

	if !f.IsValid() {
		return data, nil
	}
	if len(data) <= p.opts.ContentCacheLimit {
		if err := p.store.WriteAttributeBytes(f.ID(), storage.AttrContent, data); err != nil {
			return nil, err
		}
		flags, err := p.store.Flags(f.ID())
		if err != nil {
			return nil, err
		}
		if err := p.store.SetFlags(f.ID(), flags&^storage.FlagMustReloadContent); err != nil {
			return nil, err
		}
	}
	if err := p.store.SetCRC(f.ID(), crc); err != nil {
		return nil, err
	}
	if err := p.store.SetLength(f.ID(), clampLength(int64(len(data)))); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"record": f.ID(), "bytes": len(data)}).Trace("content loaded")
	return data, nil
}

func (p *PersistentFS) loadContent(f *VirtualFile) ([]byte, error) {
	rc, err := f.Delegate().Open(f.Path())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.URL(), err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.URL(), err)
	}
	return data, nil
}

// ContentChecksum returns the checksum stored by the last content load.
func (p *PersistentFS) ContentChecksum(f *VirtualFile) (int64, error) {
	r, err := p.Attributes(f)
	return r.CRC, err
}

// Length returns the stored length of f, asking the delegate when the
// record was flagged with length -1.
func (p *PersistentFS) Length(f *VirtualFile) (int64, error) {
	r, err := p.Attributes(f)
	if err != nil {
		return 0, err
	}
	if r.Length != -1 {
		return int64(r.Length), nil
	}
	n := f.Delegate().Length(f.Path())
	if err := p.store.SetLength(f.ID(), clampLength(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteContents replaces the content of f on its delegate and records the
// change as a content-change event.
func (p *PersistentFS) WriteContents(f *VirtualFile, data []byte) error {
	r, err := p.Attributes(f)
	if err != nil {
		return err
	}
	if r.IsDirectory() {
		return fmt.Errorf("%s: %w", f.URL(), common.ErrIsDir)
	}
	if r.Flags.Has(storage.FlagIsReadOnly) {
		return fmt.Errorf("%s: %w", f.URL(), common.ErrReadOnly)
	}
	if err := writeDelegate(f.Delegate(), f.Path(), data); err != nil {
		return fmt.Errorf("write %s: %w", f.URL(), err)
	}
	info, err := f.Delegate().Stat(f.Path())
	if err != nil {
		return err
	}
	p.ApplyEvents([]Event{ContentChangeEvent(f, r.Timestamp, info.Timestamp, int64(r.Length), info.Length, false)})
	return nil
}

// CreateChildFile writes a new file name under parent and indexes it.
func (p *PersistentFS) CreateChildFile(parent *VirtualFile, name string, data []byte) (*VirtualFile, error) {
	if !p.IsDirectory(parent) {
		return nil, fmt.Errorf("%s: %w", parent.URL(), common.ErrNotDir)
	}
	path := common.ChildPath(parent.Path(), name)
	if parent.Delegate().Exists(path) {
		return nil, fmt.Errorf("%s: %w", path, common.ErrExists)
	}
	if err := writeDelegate(parent.Delegate(), path, data); err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	p.ApplyEvents([]Event{CreateEvent(parent, name, false, false)})
	return p.FindChild(parent, name)
}

func writeDelegate(d Delegate, path string, data []byte) error {
	w, err := d.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// MarkForContentReload flags f and every stored file below it so the next
// Contents call reads the delegate again.
func (p *PersistentFS) MarkForContentReload(f *VirtualFile) error {
	if err := checkHandle(f); err != nil {
		return err
	}
	p.store.Lock()
	defer p.store.Unlock()

	ids, err := p.subtreeIDs(f.ID())
	if err != nil {
		return err
	}
	for _, id := range ids {
		flags, err := p.store.Flags(id)
		if err != nil {
			return err
		}
		if flags.Has(storage.FlagIsDirectory) {
			continue
		}
		if err := p.store.SetFlags(id, flags|storage.FlagMustReloadContent); err != nil {
			return err
		}
		if err := p.store.SetLength(id, -1); err != nil {
			return err
		}
	}
	return nil
}

// Refresh marks files dirty, scans them against their delegates and applies
// the resulting events. It returns the applied events.
func (p *PersistentFS) Refresh(ctx context.Context, recursive bool, files ...*VirtualFile) ([]Event, error) {
	var all []Event
	for _, f := range files {
		if err := checkHandle(f); err != nil {
			return all, err
		}
		if recursive {
			if err := p.MarkDirtyRecursively(f); err != nil {
				return all, err
			}
		} else {
			f.MarkDirty()
		}
		events, err := NewRefreshWorker(p, f, recursive).Scan(ctx)
		if err != nil {
			return all, err
		}
		all = append(all, p.ApplyEvents(events)...)
	}
	return all, nil
}
