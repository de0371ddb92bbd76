package vfs

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"vfsindex/internal/common"
	"vfsindex/internal/storage"
)

// prefetched holds delegate state gathered for a create or copy before the
// store lock is taken.
type prefetched struct {
	info     FileInfo
	emptyDir bool
	err      error
}

// ApplyEvents validates events, notifies subscribers and applies the
// surviving events to the store under one lock hold. It returns the events
// that were delivered. An event that fails to apply is logged and skipped.
func (p *PersistentFS) ApplyEvents(events []Event) []Event {
	valid := p.validate(events)
	if len(valid) == 0 {
		return nil
	}
	pre := p.prefetch(valid)

	subs := p.subscribersSnapshot()
	for _, s := range subs {
		s.Before(valid)
	}

	p.store.Lock()
	for i, e := range valid {
		if err := p.apply(e, pre[i]); err != nil {
			log.WithFields(log.Fields{"event": e.String(), "error": err}).Warn("skipping event")
		}
	}
	p.store.Unlock()

	for _, s := range subs {
		s.After(valid)
	}
	return valid
}

func (p *PersistentFS) validate(events []Event) []Event {
	deleted := make(map[storage.RecordID]bool)
	for _, e := range events {
		if e.Kind == EventDelete && e.File != nil && e.File.IsValid() {
			deleted[e.File.ID()] = true
		}
	}

	type createKey struct {
		parent storage.RecordID
		name   string
	}
	created := make(map[createKey]bool)

	out := make([]Event, 0, len(events))
	for _, e := range events {
		switch e.Kind {
		case EventCreate:
			if checkHandle(e.Parent) != nil || e.Name == "" {
				continue
			}
			key := createKey{e.Parent.ID(), e.Name}
			if !e.Parent.Delegate().CaseSensitive() {
				key.name = foldName(e.Name)
			}
			if created[key] {
				continue
			}
			created[key] = true
		case EventDelete:
			if checkHandle(e.File) != nil || underDeleted(e.File, deleted) {
				continue
			}
		case EventCopy, EventMove:
			if checkHandle(e.File) != nil || checkHandle(e.NewParent) != nil {
				continue
			}
		default:
			if checkHandle(e.File) != nil {
				continue
			}
		}
		out = append(out, e)
	}
	if dropped := len(events) - len(out); dropped > 0 {
		log.WithField("dropped", dropped).Debug("events dropped by validation")
	}
	return out
}

// underDeleted reports whether a strict ancestor of f is deleted too.
func underDeleted(f *VirtualFile, deleted map[storage.RecordID]bool) bool {
	for cur := f.Parent(); cur != nil; cur = cur.Parent() {
		if deleted[cur.ID()] {
			return true
		}
	}
	return false
}

func (p *PersistentFS) prefetch(events []Event) []prefetched {
	pre := make([]prefetched, len(events))
	for i, e := range events {
		var parent *VirtualFile
		var name string
		switch e.Kind {
		case EventCreate:
			parent, name = e.Parent, e.Name
		case EventCopy:
			parent, name = e.NewParent, e.NewName
		default:
			continue
		}
		d := parent.Delegate()
		path := common.ChildPath(parent.Path(), name)
		info, err := d.Stat(path)
		if err != nil {
			pre[i].err = err
			continue
		}
		info.Name = name
		pre[i].info = info
		if info.IsDirectory {
			names, err := d.List(path)
			pre[i].emptyDir = err == nil && len(names) == 0
		}
	}
	return pre
}

func (p *PersistentFS) apply(e Event, pre prefetched) error {
	switch e.Kind {
	case EventCreate:
		return p.applyCreate(e.Parent, pre)
	case EventCopy:
		return p.applyCreate(e.NewParent, pre)
	case EventDelete:
		return p.applyDelete(e.File)
	case EventContentChange:
		return p.applyContentChange(e)
	case EventMove:
		return p.applyMove(e.File, e.NewParent)
	case EventRename:
		return p.applyRename(e.File, e.NewName)
	case EventWritableChange:
		return p.applyWritable(e.File, e.NewWritable)
	default:
		return fmt.Errorf("unknown event kind %s", e.Kind)
	}
}

func (p *PersistentFS) childIDs(dir storage.RecordID) ([]storage.RecordID, error) {
	return p.store.ListChildRecordIDs(dir)
}

func (p *PersistentFS) applyCreate(parent *VirtualFile, pre prefetched) error {
	if pre.err != nil {
		return pre.err
	}
	if p.excluded(parent, pre.info.Name, pre.info.IsDirectory) {
		return nil
	}
	entries, err := p.cachedChildren(parent.ID())
	if err != nil {
		return err
	}
	if _, ok := findEntry(entries, pre.info.Name, parent.Delegate().CaseSensitive()); ok {
		log.WithFields(log.Fields{"parent": parent.ID(), "name": pre.info.Name}).Debug("create of existing child")
		return nil
	}

	id, err := p.createChildRecord(parent.ID(), pre.info)
	if err != nil {
		return err
	}
	if pre.emptyDir {
		if err := p.store.UpdateChildList(id, nil); err != nil {
			return err
		}
		flags, err := p.store.Flags(id)
		if err != nil {
			return err
		}
		if err := p.store.SetFlags(id, flags|storage.FlagChildrenCached); err != nil {
			return err
		}
	}
	ids := make([]storage.RecordID, 0, len(entries)+1)
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return p.store.UpdateChildList(parent.ID(), append(ids, id))
}

func (p *PersistentFS) applyDelete(f *VirtualFile) error {
	id := f.ID()
	if f.IsRoot() {
		if err := p.store.DeleteRootRecord(id); err != nil {
			return err
		}
		p.roots.Delete(f.URL())
	} else if parent := f.Parent(); parent != nil {
		if err := p.removeChild(parent.ID(), id); err != nil {
			return err
		}
	}

	ids, err := p.subtreeIDs(id)
	if err != nil {
		return err
	}
	if err := p.store.DeleteRecordRecursively(id); err != nil {
		return err
	}
	for _, gone := range ids {
		if h, ok := p.handles.LoadAndDelete(gone); ok {
			h.invalidate()
		}
	}
	return nil
}

func (p *PersistentFS) removeChild(parent, child storage.RecordID) error {
	ids, err := p.childIDs(parent)
	if err != nil {
		return err
	}
	kept := make([]storage.RecordID, 0, len(ids))
	for _, id := range ids {
		if id != child {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return p.store.UpdateChildList(parent, kept)
}

func (p *PersistentFS) applyContentChange(e Event) error {
	id := e.File.ID()
	flags, err := p.store.Flags(id)
	if err != nil {
		return err
	}
	if err := p.store.SetFlags(id, flags|storage.FlagMustReloadContent); err != nil {
		return err
	}
	if err := p.store.SetLength(id, clampLength(e.NewLength)); err != nil {
		return err
	}
	return p.store.SetTimestamp(id, e.NewTimestamp)
}

func (p *PersistentFS) applyMove(f, newParent *VirtualFile) error {
	if f.IsRoot() {
		return fmt.Errorf("move %s: %w", f.URL(), common.ErrInvalidPath)
	}
	entries, err := p.cachedChildren(newParent.ID())
	if err != nil {
		return err
	}
	if _, ok := findEntry(entries, f.Name(), newParent.Delegate().CaseSensitive()); ok {
		return fmt.Errorf("move %s: %w", f.URL(), common.ErrExists)
	}
	// SetParent validates the new chain before anything is unlinked
	if err := p.store.SetParent(f.ID(), newParent.ID()); err != nil {
		return err
	}
	if old := f.Parent(); old != nil {
		if err := p.removeChild(old.ID(), f.ID()); err != nil {
			return err
		}
	}
	ids, err := p.childIDs(newParent.ID())
	if err != nil {
		return err
	}
	if err := p.store.UpdateChildList(newParent.ID(), append(ids, f.ID())); err != nil {
		return err
	}
	f.setParent(newParent)
	return nil
}

func (p *PersistentFS) applyRename(f *VirtualFile, newName string) error {
	if newName == "" {
		return common.ErrInvalidPath
	}
	if f.IsRoot() {
		return fmt.Errorf("rename %s: %w", f.URL(), common.ErrInvalidPath)
	}
	nameID, err := p.store.Enumerate(newName)
	if err != nil {
		return err
	}
	if err := p.store.SetName(f.ID(), nameID); err != nil {
		return err
	}
	f.setName(newName)
	return nil
}

func (p *PersistentFS) applyWritable(f *VirtualFile, writable bool) error {
	flags, err := p.store.Flags(f.ID())
	if err != nil {
		return err
	}
	next := flags | storage.FlagIsReadOnly
	if writable {
		next = flags &^ storage.FlagIsReadOnly
	}
	if next == flags {
		return nil
	}
	return p.store.SetFlags(f.ID(), next)
}

// isGone reports errors meaning the record vanished under the caller.
func isGone(err error) bool {
	return errors.Is(err, common.ErrNotFound) || errors.Is(err, storage.ErrFreeRecord) ||
		errors.Is(err, storage.ErrInvalidRecord)
}
