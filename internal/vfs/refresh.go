package vfs

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vfsindex/internal/common"
	"vfsindex/internal/storage"
)

// RefreshWorker scans one handle (and, when recursive, its dirty
// subdirectories) against the delegate and produces the events that bring
// the store in line with it. Scanning never mutates the store.
type RefreshWorker struct {
	pfs       *PersistentFS
	root      *VirtualFile
	recursive bool
	session   string
	log       *log.Entry

	events []Event
}

// NewRefreshWorker prepares a scan of root.
func NewRefreshWorker(pfs *PersistentFS, root *VirtualFile, recursive bool) *RefreshWorker {
	session := uuid.NewString()
	return &RefreshWorker{
		pfs:       pfs,
		root:      root,
		recursive: recursive,
		session:   session,
		log:       log.WithFields(log.Fields{"session": session, "url": root.URL()}),
	}
}

// Session returns the id tagging this scan's log entries.
func (w *RefreshWorker) Session() string { return w.session }

// Scan walks the work stack and returns the collected events in emission
// order. It stops early when ctx is cancelled.
func (w *RefreshWorker) Scan(ctx context.Context) ([]Event, error) {
	w.log.WithField("recursive", w.recursive).Debug("refresh started")
	stack := []*VirtualFile{w.root}
	scanned := 0
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return w.events, err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !f.IsValid() || (f != w.root && !f.IsDirty()) {
			continue
		}
		pushed, err := w.process(f)
		if err != nil {
			return w.events, err
		}
		stack = append(stack, pushed...)
		scanned++
	}
	w.log.WithFields(log.Fields{"scanned": scanned, "events": len(w.events)}).Debug("refresh finished")
	return w.events, nil
}

func (w *RefreshWorker) emit(e Event) {
	w.log.WithField("event", e.String()).Trace("refresh event")
	w.events = append(w.events, e)
}

// process handles one popped file and returns the directories to descend.
func (w *RefreshWorker) process(f *VirtualFile) ([]*VirtualFile, error) {
	defer f.markClean()

	stored, err := w.pfs.Attributes(f)
	if err != nil {
		if isGone(err) {
			return nil, nil
		}
		return nil, err
	}
	info, err := f.Delegate().Stat(f.Path())
	if errors.Is(err, common.ErrNotFound) {
		w.emit(DeleteEvent(f, true))
		return nil, nil
	}
	if err != nil {
		w.log.WithFields(log.Fields{"record": f.ID(), "error": err}).Warn("stat failed, skipping")
		return nil, nil
	}

	// Directories pushed from a listing were already compared by
	// compareChild; only the scan root is checked here.
	if f == w.root {
		if stored.IsDirectory() != info.IsDirectory {
			w.replace(f, info.IsDirectory)
			return nil, nil
		}
		w.compareWritable(f, stored, info)
		if !info.IsDirectory {
			w.compareFile(f, stored, info)
			return nil, nil
		}
	} else if stored.IsDirectory() != info.IsDirectory {
		return nil, nil
	}
	if stored.Flags.Has(storage.FlagChildrenCached) {
		return w.diffFull(f)
	}
	return w.diffLazy(f)
}

// replace emits delete then create for an entry whose kind flipped.
func (w *RefreshWorker) replace(f *VirtualFile, isDirectory bool) {
	w.emit(DeleteEvent(f, true))
	if parent := f.Parent(); parent != nil {
		w.emit(CreateEvent(parent, f.Name(), isDirectory, true))
	}
}

func (w *RefreshWorker) compareWritable(f *VirtualFile, stored storage.Record, info FileInfo) {
	writable := !stored.Flags.Has(storage.FlagIsReadOnly)
	if writable != info.Writable {
		w.emit(WritableChangeEvent(f, writable, info.Writable, true))
	}
}

func (w *RefreshWorker) compareFile(f *VirtualFile, stored storage.Record, info FileInfo) {
	if stored.Timestamp != info.Timestamp {
		w.emit(ContentChangeEvent(f, stored.Timestamp, info.Timestamp, int64(stored.Length), info.Length, true))
	}
}

// compareChild checks a child present on both sides and returns it when it
// is a directory to descend into.
func (w *RefreshWorker) compareChild(child *VirtualFile, info FileInfo) *VirtualFile {
	stored, err := w.pfs.Attributes(child)
	if err != nil {
		return nil
	}
	if stored.IsDirectory() != info.IsDirectory {
		w.replace(child, info.IsDirectory)
		return nil
	}
	w.compareWritable(child, stored, info)
	if !info.IsDirectory {
		w.compareFile(child, stored, info)
		child.markClean()
		return nil
	}
	if w.recursive && child.IsDirty() {
		return child
	}
	return nil
}

func (w *RefreshWorker) storedChildren(dir *VirtualFile) ([]childEntry, error) {
	w.pfs.store.Lock()
	defer w.pfs.store.Unlock()
	return w.pfs.cachedChildren(dir.ID())
}

// diffFull compares a fully cached directory with a complete listing.
func (w *RefreshWorker) diffFull(dir *VirtualFile) ([]*VirtualFile, error) {
	live, err := w.pfs.liveChildren(dir)
	if err != nil {
		w.log.WithFields(log.Fields{"record": dir.ID(), "error": err}).Warn("list failed, skipping")
		return nil, nil
	}
	cached, err := w.storedChildren(dir)
	if err != nil {
		return nil, err
	}

	caseSensitive := dir.Delegate().CaseSensitive()
	byName := make(map[string]FileInfo, len(live))
	for _, info := range live {
		byName[info.Name] = info
	}
	matched := make(map[string]bool, len(live))

	var push []*VirtualFile
	for _, e := range cached {
		child := w.pfs.handleFor(dir, e)
		info, ok := byName[e.name]
		if !ok && !caseSensitive {
			if alt, found := lookupFold(live, e.name, matched); found {
				w.emit(RenameEvent(child, e.name, alt.Name, true))
				info, ok = alt, true
			}
		}
		if !ok {
			w.emit(DeleteEvent(child, true))
			continue
		}
		matched[info.Name] = true
		if next := w.compareChild(child, info); next != nil {
			push = append(push, next)
		}
	}

	var added []FileInfo
	for _, info := range live {
		if !matched[info.Name] {
			added = append(added, info)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
	for _, info := range added {
		w.emit(CreateEvent(dir, info.Name, info.IsDirectory, true))
	}
	return push, nil
}

// lookupFold finds an unmatched live entry equal to name ignoring case.
func lookupFold(live []FileInfo, name string, matched map[string]bool) (FileInfo, bool) {
	for _, info := range live {
		if !matched[info.Name] && common.NamesEqual(info.Name, name, false) {
			return info, true
		}
	}
	return FileInfo{}, false
}

// diffLazy checks the materialized children of a partially cached
// directory and looks up again the names that were missing on earlier lookups.
func (w *RefreshWorker) diffLazy(dir *VirtualFile) ([]*VirtualFile, error) {
	cached, err := w.storedChildren(dir)
	if err != nil {
		return nil, err
	}
	d := dir.Delegate()
	dirPath := dir.Path()

	var push []*VirtualFile
	for _, e := range cached {
		child := w.pfs.handleFor(dir, e)
		info, err := d.Stat(common.ChildPath(dirPath, e.name))
		if errors.Is(err, common.ErrNotFound) {
			w.emit(DeleteEvent(child, true))
			continue
		}
		if err != nil {
			w.log.WithFields(log.Fields{"record": child.ID(), "error": err}).Warn("stat failed, skipping")
			continue
		}
		if next := w.compareChild(child, info); next != nil {
			push = append(push, next)
		}
	}

	for _, name := range dir.takeSuspicious() {
		if _, ok := findEntry(cached, name, d.CaseSensitive()); ok {
			continue
		}
		info, err := d.Stat(common.ChildPath(dirPath, name))
		if err != nil {
			continue
		}
		if w.pfs.excluded(dir, name, info.IsDirectory) {
			continue
		}
		w.emit(CreateEvent(dir, name, info.IsDirectory, true))
	}
	return push, nil
}
