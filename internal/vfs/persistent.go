// Copyright 2026 vfsindex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vfs mirrors live file systems (delegates) into a storage.Store and
// keeps the mirror current through change events and refresh scans.
package vfs

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"

	"vfsindex/internal/common"
	"vfsindex/internal/storage"
)

// Options configure a PersistentFS.
type Options struct {
	Filter            *NameFilter
	ContentCacheLimit int // largest content cached in the store, bytes
}

// PersistentFS is the identity index over a Store: one VirtualFile per
// record id and one root handle per root URL.
type PersistentFS struct {
	store *storage.Store
	opts  Options

	handles *xsync.Map[storage.RecordID, *VirtualFile]
	roots   *xsync.Map[string, *VirtualFile]

	subsMu      sync.RWMutex
	subscribers []Subscriber
}

// New creates the index over store.
func New(store *storage.Store, opts Options) *PersistentFS {
	return &PersistentFS{
		store:   store,
		opts:    opts,
		handles: xsync.NewMap[storage.RecordID, *VirtualFile](),
		roots:   xsync.NewMap[string, *VirtualFile](),
	}
}

// Store returns the backing record store.
func (p *PersistentFS) Store() *storage.Store { return p.store }

// Subscribe registers s for every later ApplyEvents batch.
func (p *PersistentFS) Subscribe(s Subscriber) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

func (p *PersistentFS) subscribersSnapshot() []Subscriber {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return append([]Subscriber(nil), p.subscribers...)
}

func checkHandle(f *VirtualFile) error {
	if f == nil || !f.IsValid() {
		return common.ErrInvalidHandle
	}
	return nil
}

func clampLength(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < 0 {
		return -1
	}
	return int32(n)
}

// --- roots ---

// FindRoot returns the root handle of rootPath on d, registering the root
// on first use. A root whose stored timestamp differs from the live one is
// marked dirty recursively.
func (p *PersistentFS) FindRoot(d Delegate, rootPath string) (*VirtualFile, error) {
	rootPath = common.TrimTrailingSlashes(rootPath)
	if rootPath == "" {
		return nil, common.ErrInvalidPath
	}
	url := common.RootURL(d.Protocol(), rootPath)
	if f, ok := p.roots.Load(url); ok && f.IsValid() {
		return f, nil
	}

	info, err := d.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root %s: %w", url, err)
	}
	if !info.IsDirectory {
		return nil, fmt.Errorf("root %s: %w", url, common.ErrNotDir)
	}

	p.store.Lock()
	defer p.store.Unlock()

	if f, ok := p.roots.Load(url); ok && f.IsValid() {
		return f, nil
	}

	id, err := p.store.FindRootRecord(url)
	if err != nil {
		return nil, err
	}
	stored, err := p.store.Timestamp(id)
	if err != nil {
		return nil, err
	}
	if err := p.writeFileAttributes(id, info); err != nil {
		return nil, err
	}

	f := newRootFile(id, rootPath, d)
	p.handles.Store(id, f)
	p.roots.Store(url, f)

	if stored != info.Timestamp || p.store.Rebuilt() {
		if err := p.MarkDirtyRecursively(f); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"url": url, "record": id}).Debug("root attached")
	return f, nil
}

// Roots returns the attached roots ordered by URL.
func (p *PersistentFS) Roots() []*VirtualFile {
	var roots []*VirtualFile
	p.roots.Range(func(_ string, f *VirtualFile) bool {
		if f.IsValid() {
			roots = append(roots, f)
		}
		return true
	})
	sort.Slice(roots, func(i, j int) bool { return roots[i].URL() < roots[j].URL() })
	return roots
}

// --- record attributes ---

// writeFileAttributes syncs the stored flags, timestamp and length of id
// with info, writing only fields that differ.
func (p *PersistentFS) writeFileAttributes(id storage.RecordID, info FileInfo) error {
	r, err := p.store.Record(id)
	if err != nil {
		return err
	}
	flags := r.Flags &^ (storage.FlagIsDirectory | storage.FlagIsReadOnly)
	if info.IsDirectory {
		flags |= storage.FlagIsDirectory
	}
	if !info.Writable {
		flags |= storage.FlagIsReadOnly
	}
	if flags != r.Flags {
		if err := p.store.SetFlags(id, flags); err != nil {
			return err
		}
	}
	if r.Timestamp != info.Timestamp {
		if err := p.store.SetTimestamp(id, info.Timestamp); err != nil {
			return err
		}
	}
	length := int32(0)
	if !info.IsDirectory {
		length = clampLength(info.Length)
	}
	if r.Length != length {
		if err := p.store.SetLength(id, length); err != nil {
			return err
		}
	}
	return nil
}

// Attributes returns the stored record of f.
func (p *PersistentFS) Attributes(f *VirtualFile) (storage.Record, error) {
	if err := checkHandle(f); err != nil {
		return storage.Record{}, err
	}
	return p.store.Record(f.ID())
}

func (p *PersistentFS) IsDirectory(f *VirtualFile) bool {
	r, err := p.Attributes(f)
	return err == nil && r.IsDirectory()
}

func (p *PersistentFS) IsWritable(f *VirtualFile) bool {
	r, err := p.Attributes(f)
	return err == nil && !r.Flags.Has(storage.FlagIsReadOnly)
}

func (p *PersistentFS) Timestamp(f *VirtualFile) int64 {
	r, _ := p.Attributes(f)
	return r.Timestamp
}

// --- children ---

type childEntry struct {
	id   storage.RecordID
	name string
}

// cachedChildren reads the stored child list of dir with names resolved.
func (p *PersistentFS) cachedChildren(dir storage.RecordID) ([]childEntry, error) {
	ids, err := p.store.ListChildRecordIDs(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]childEntry, 0, len(ids))
	for _, id := range ids {
		nameID, err := p.store.Name(id)
		if err != nil {
			return nil, err
		}
		name, err := p.store.ValueOf(nameID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, childEntry{id: id, name: name})
	}
	return entries, nil
}

func findEntry(entries []childEntry, name string, caseSensitive bool) (childEntry, bool) {
	for _, e := range entries {
		if common.NamesEqual(e.name, name, caseSensitive) {
			return e, true
		}
	}
	return childEntry{}, false
}

// handleFor returns the unique handle of a child record.
func (p *PersistentFS) handleFor(parent *VirtualFile, e childEntry) *VirtualFile {
	if f, ok := p.handles.Load(e.id); ok && f.IsValid() {
		return f
	}
	f := newVirtualFile(e.id, e.name, parent, parent.Delegate())
	if parent.IsDirty() {
		// nothing below a dirty directory is known to be current
		f.dirty.Store(true)
	}
	f, _ = p.handles.LoadOrStore(e.id, f)
	if !f.IsValid() {
		f = newVirtualFile(e.id, e.name, parent, parent.Delegate())
		p.handles.Store(e.id, f)
	}
	return f
}

func foldName(name string) string { return strings.ToLower(name) }

// relativePath returns the path of f below its root.
func relativePath(f *VirtualFile) string {
	var parts []string
	for cur := f; cur != nil && !cur.IsRoot(); cur = cur.Parent() {
		parts = append(parts, cur.Name())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

func (p *PersistentFS) excluded(dir *VirtualFile, name string, isDir bool) bool {
	rel := relativePath(dir)
	if rel == "" {
		rel = name
	} else {
		rel = rel + "/" + name
	}
	return p.opts.Filter.Excluded(rel, isDir)
}

// liveChildren lists dir on its delegate, applies the name filter and
// stats every remaining child. Runs without the store lock.
func (p *PersistentFS) liveChildren(dir *VirtualFile) ([]FileInfo, error) {
	d := dir.Delegate()
	dirPath := dir.Path()
	names, err := d.List(dirPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir.URL(), err)
	}
	infos := make([]FileInfo, 0, len(names))
	for _, name := range names {
		info, err := d.Stat(common.ChildPath(dirPath, name))
		if err != nil {
			// vanished between List and Stat
			continue
		}
		info.Name = name
		if p.excluded(dir, name, info.IsDirectory) {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// createChildRecord makes a record for info under parent. Lock must be held.
func (p *PersistentFS) createChildRecord(parent storage.RecordID, info FileInfo) (storage.RecordID, error) {
	nameID, err := p.store.Enumerate(info.Name)
	if err != nil {
		return storage.NullRecord, err
	}
	id, err := p.store.CreateRecord()
	if err != nil {
		return storage.NullRecord, err
	}
	if err := p.store.SetParent(id, parent); err != nil {
		return storage.NullRecord, err
	}
	if err := p.store.SetName(id, nameID); err != nil {
		return storage.NullRecord, err
	}
	if err := p.writeFileAttributes(id, info); err != nil {
		return storage.NullRecord, err
	}
	return id, nil
}

// persistAllChildren merges a full delegate listing into the child list of
// dir and marks it fully cached. Existing children keep their ids; new ones
// are appended in id order.
func (p *PersistentFS) persistAllChildren(dir *VirtualFile, live []FileInfo) ([]childEntry, error) {
	p.store.Lock()
	defer p.store.Unlock()

	existing, err := p.cachedChildren(dir.ID())
	if err != nil {
		return nil, err
	}
	flags, err := p.store.Flags(dir.ID())
	if err != nil {
		return nil, err
	}
	if flags.Has(storage.FlagChildrenCached) {
		return existing, nil
	}

	caseSensitive := dir.Delegate().CaseSensitive()
	var added []childEntry
	for _, info := range live {
		if _, ok := findEntry(existing, info.Name, caseSensitive); ok {
			continue
		}
		if _, ok := findEntry(added, info.Name, caseSensitive); ok {
			continue
		}
		id, err := p.createChildRecord(dir.ID(), info)
		if err != nil {
			return nil, err
		}
		added = append(added, childEntry{id: id, name: info.Name})
	}
	sort.Slice(added, func(i, j int) bool { return added[i].id < added[j].id })

	merged := append(existing, added...)
	ids := make([]storage.RecordID, len(merged))
	for i, e := range merged {
		ids[i] = e.id
	}
	if err := p.store.UpdateChildList(dir.ID(), ids); err != nil {
		return nil, err
	}
	if err := p.store.SetFlags(dir.ID(), flags|storage.FlagChildrenCached); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"record": dir.ID(), "children": len(ids), "added": len(added)}).Trace("children cached")
	return merged, nil
}

// children returns the child entries of dir, materializing all of them on
// first use.
func (p *PersistentFS) children(dir *VirtualFile) ([]childEntry, error) {
	if err := checkHandle(dir); err != nil {
		return nil, err
	}
	r, err := p.store.Record(dir.ID())
	if err != nil {
		return nil, err
	}
	if !r.IsDirectory() {
		return nil, fmt.Errorf("%s: %w", dir.URL(), common.ErrNotDir)
	}
	if r.Flags.Has(storage.FlagChildrenCached) {
		p.store.Lock()
		defer p.store.Unlock()
		return p.cachedChildren(dir.ID())
	}

	live, err := p.liveChildren(dir)
	if err != nil {
		return nil, err
	}
	return p.persistAllChildren(dir, live)
}

// List returns the child names of dir.
func (p *PersistentFS) List(dir *VirtualFile) ([]string, error) {
	entries, err := p.children(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

// Children returns handles for every child of dir.
func (p *PersistentFS) Children(dir *VirtualFile) ([]*VirtualFile, error) {
	entries, err := p.children(dir)
	if err != nil {
		return nil, err
	}
	files := make([]*VirtualFile, len(entries))
	for i, e := range entries {
		files[i] = p.handleFor(dir, e)
	}
	return files, nil
}

// FindChild returns the child name of parent, materializing its record
// when the delegate has it. A miss on a partially cached directory is
// remembered for the next refresh.
func (p *PersistentFS) FindChild(parent *VirtualFile, name string) (*VirtualFile, error) {
	if err := checkHandle(parent); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, common.ErrInvalidPath
	}
	caseSensitive := parent.Delegate().CaseSensitive()

	p.store.Lock()
	entries, err := p.cachedChildren(parent.ID())
	var r storage.Record
	if err == nil {
		r, err = p.store.Record(parent.ID())
	}
	p.store.Unlock()
	if err != nil {
		return nil, err
	}
	if e, ok := findEntry(entries, name, caseSensitive); ok {
		return p.handleFor(parent, e), nil
	}
	if !r.IsDirectory() {
		return nil, fmt.Errorf("%s: %w", parent.URL(), common.ErrNotDir)
	}
	if r.Flags.Has(storage.FlagChildrenCached) {
		return nil, common.ErrNotFound
	}

	info, err := parent.Delegate().Stat(common.ChildPath(parent.Path(), name))
	if errors.Is(err, common.ErrNotFound) {
		parent.addSuspicious(name)
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.Name = name
	if p.excluded(parent, name, info.IsDirectory) {
		return nil, common.ErrNotFound
	}

	p.store.Lock()
	defer p.store.Unlock()

	// another goroutine may have materialized it meanwhile
	entries, err = p.cachedChildren(parent.ID())
	if err != nil {
		return nil, err
	}
	if e, ok := findEntry(entries, name, caseSensitive); ok {
		return p.handleFor(parent, e), nil
	}
	id, err := p.createChildRecord(parent.ID(), info)
	if err != nil {
		return nil, err
	}
	ids := make([]storage.RecordID, 0, len(entries)+1)
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	if err := p.store.UpdateChildList(parent.ID(), append(ids, id)); err != nil {
		return nil, err
	}
	return p.handleFor(parent, childEntry{id: id, name: name}), nil
}

// FindFileByPath resolves rel (slash separated) below the root rootPath of d.
func (p *PersistentFS) FindFileByPath(d Delegate, rootPath, rel string) (*VirtualFile, error) {
	f, err := p.FindRoot(d, rootPath)
	if err != nil {
		return nil, err
	}
	for _, part := range common.SplitPath(rel) {
		if f, err = p.FindChild(f, part); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// FindFileByID returns the handle of id, rebuilding the handle chain from
// the store when needed. The record's root must be attached.
func (p *PersistentFS) FindFileByID(id storage.RecordID) (*VirtualFile, error) {
	if f, ok := p.handles.Load(id); ok && f.IsValid() {
		return f, nil
	}

	p.store.Lock()
	defer p.store.Unlock()

	var chain []storage.Record
	for cur := id; ; {
		if f, ok := p.handles.Load(cur); ok && f.IsValid() {
			return p.descend(f, chain)
		}
		r, err := p.store.Record(cur)
		if err != nil {
			return nil, err
		}
		if r.IsFree() {
			return nil, common.ErrNotFound
		}
		if r.Parent == storage.NullRecord {
			// a root that was never attached in this process
			return nil, fmt.Errorf("record %d: %w", id, common.ErrNotRoot)
		}
		chain = append(chain, r)
		if len(chain) > 1<<16 {
			return nil, fmt.Errorf("record %d: %w", id, storage.ErrCyclicParent)
		}
		cur = r.Parent
	}
}

// descend creates handles for chain (deepest first) below top.
func (p *PersistentFS) descend(top *VirtualFile, chain []storage.Record) (*VirtualFile, error) {
	f := top
	for i := len(chain) - 1; i >= 0; i-- {
		name, err := p.store.ValueOf(chain[i].Name)
		if err != nil {
			return nil, err
		}
		f = p.handleFor(f, childEntry{id: chain[i].ID, name: name})
	}
	return f, nil
}

// --- dirty tracking ---

// MarkDirtyRecursively flags f, its ancestors and every loaded descendant.
func (p *PersistentFS) MarkDirtyRecursively(f *VirtualFile) error {
	if err := checkHandle(f); err != nil {
		return err
	}
	f.MarkDirty()
	ids, err := p.subtreeIDs(f.ID())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if h, ok := p.handles.Load(id); ok {
			h.dirty.Store(true)
		}
	}
	return nil
}

// subtreeIDs returns id and every stored descendant, parents first.
func (p *PersistentFS) subtreeIDs(id storage.RecordID) ([]storage.RecordID, error) {
	p.store.Lock()
	defer p.store.Unlock()

	ids := []storage.RecordID{id}
	seen := map[storage.RecordID]bool{id: true}
	for i := 0; i < len(ids); i++ {
		children, err := p.store.ListChildRecordIDs(ids[i])
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if !seen[c] {
				seen[c] = true
				ids = append(ids, c)
			}
		}
	}
	return ids, nil
}
