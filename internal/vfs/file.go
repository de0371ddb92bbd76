package vfs

import (
	"sort"
	"sync"
	"sync/atomic"

	"vfsindex/internal/common"
	"vfsindex/internal/storage"
)

// VirtualFile is the in-memory handle of one record. There is at most one
// handle per record id; handles of deleted records become invalid.
type VirtualFile struct {
	id       storage.RecordID
	delegate Delegate
	rootPath string // set on roots only

	mu         sync.RWMutex
	name       string
	parent     *VirtualFile
	suspicious map[string]struct{}

	dirty atomic.Bool
	valid atomic.Bool
}

func newVirtualFile(id storage.RecordID, name string, parent *VirtualFile, delegate Delegate) *VirtualFile {
	f := &VirtualFile{id: id, name: name, parent: parent, delegate: delegate}
	f.valid.Store(true)
	return f
}

func newRootFile(id storage.RecordID, rootPath string, delegate Delegate) *VirtualFile {
	f := newVirtualFile(id, rootPath, nil, delegate)
	f.rootPath = rootPath
	return f
}

func (f *VirtualFile) ID() storage.RecordID { return f.id }

// Delegate returns the live file system the handle belongs to.
func (f *VirtualFile) Delegate() Delegate { return f.delegate }

func (f *VirtualFile) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// Parent returns nil for roots.
func (f *VirtualFile) Parent() *VirtualFile {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parent
}

func (f *VirtualFile) IsRoot() bool { return f.rootPath != "" }

// Root returns the root handle f hangs under.
func (f *VirtualFile) Root() *VirtualFile {
	cur := f
	for p := cur.Parent(); p != nil; p = cur.Parent() {
		cur = p
	}
	return cur
}

// Path returns the delegate path of f.
func (f *VirtualFile) Path() string {
	if f.IsRoot() {
		return f.rootPath
	}
	parent := f.Parent()
	if parent == nil {
		return f.Name()
	}
	return common.ChildPath(parent.Path(), f.Name())
}

// URL returns protocol://path for f.
func (f *VirtualFile) URL() string {
	return common.RootURL(f.delegate.Protocol(), f.Path())
}

func (f *VirtualFile) IsValid() bool { return f.valid.Load() }
func (f *VirtualFile) IsDirty() bool { return f.dirty.Load() }

// MarkDirty flags f and every ancestor for the next refresh.
func (f *VirtualFile) MarkDirty() {
	for cur := f; cur != nil; cur = cur.Parent() {
		cur.dirty.Store(true)
	}
}

func (f *VirtualFile) markClean() { f.dirty.Store(false) }

func (f *VirtualFile) invalidate() { f.valid.Store(false) }

func (f *VirtualFile) setName(name string) {
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
}

func (f *VirtualFile) setParent(parent *VirtualFile) {
	f.mu.Lock()
	f.parent = parent
	f.mu.Unlock()
}

// addSuspicious remembers a name looked up under f that the delegate did
// not have, so the next refresh checks it again.
func (f *VirtualFile) addSuspicious(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suspicious == nil {
		f.suspicious = make(map[string]struct{})
	}
	f.suspicious[name] = struct{}{}
}

// takeSuspicious returns and clears the suspicious names, sorted.
func (f *VirtualFile) takeSuspicious() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.suspicious))
	for name := range f.suspicious {
		names = append(names, name)
	}
	f.suspicious = nil
	sort.Strings(names)
	return names
}

// SuspiciousNames returns the pending suspicious names without clearing them.
func (f *VirtualFile) SuspiciousNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.suspicious))
	for name := range f.suspicious {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *VirtualFile) String() string { return f.URL() }
