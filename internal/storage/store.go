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

// Package storage implements the persistent record store behind the VFS
// index: fixed-size records in records.dat, a paged attribute heap in
// attributes.dat and an interned name table in names.db.
//
// All record, attribute and header access is serialized by one reentrant
// lock per Store. Attribute streams keep that lock until they are closed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"vfsindex/internal/cache"
	"vfsindex/internal/util"
)

// Options tune a store connection.
type Options struct {
	LockTimeout   time.Duration // wait for another process holding store.lock
	NameCacheSize int           // entries kept by each name cache, 0 = unlimited
}

// DefaultOptions returns the options used by Connect.
func DefaultOptions() Options {
	return Options{
		LockTimeout:   2 * time.Second,
		NameCacheSize: 65536,
	}
}

// header mirrors slot 0 of records.dat.
type header struct {
	version          int32
	freeListHead     RecordID
	globalModCount   int32
	connectionStatus int32
}

// Store owns the backing files of one index directory.
type Store struct {
	dir  string
	opts Options

	lock     *reentrantMutex
	fileLock *flock.Flock

	records     *os.File
	recordCount int32
	header      header

	heap      *attributeHeap
	names     *NameTable
	attrNames *cache.NameCache

	rebuilt bool
	closed  bool
	refs    int
	leaked  atomic.Int64
}

var registry = struct {
	sync.Mutex
	stores map[string]*Store
}{stores: make(map[string]*Store)}

// Connect opens the store in dir with default options.
func Connect(dir string) (*Store, error) {
	return ConnectWithOptions(dir, DefaultOptions())
}

// ConnectWithOptions opens the store in dir, or returns the instance already
// open in this process with its reference count raised. Every successful
// call must be paired with Dispose.
func ConnectWithOptions(dir string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}

	registry.Lock()
	defer registry.Unlock()

	if s, ok := registry.stores[abs]; ok {
		s.refs++
		return s, nil
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	fl := flock.New(filepath.Join(abs, LockFile))
	if err := acquireFileLock(fl, opts.LockTimeout); err != nil {
		return nil, err
	}

	s := &Store{
		dir:       abs,
		opts:      opts,
		lock:      newReentrantMutex(),
		fileLock:  fl,
		attrNames: cache.NewNameCache(opts.NameCacheSize),
		refs:      1,
	}

	err = s.open()
	if errors.Is(err, ErrCorrupt) {
		log.WithFields(log.Fields{"dir": abs, "reason": err}).Warn("rebuilding vfs index store")
		s.closeFiles()
		if rmErr := removeBackingFiles(abs); rmErr != nil {
			fl.Unlock()
			return nil, rmErr
		}
		// attribute ids of the discarded name table are meaningless now
		s.attrNames.Invalidate()
		s.rebuilt = true
		err = s.open()
	}
	if err != nil {
		s.closeFiles()
		fl.Unlock()
		return nil, err
	}

	s.header.connectionStatus = ConnectionConnected
	if err := s.writeHeader(); err != nil {
		s.closeFiles()
		fl.Unlock()
		return nil, err
	}
	if err := s.records.Sync(); err != nil {
		s.closeFiles()
		fl.Unlock()
		return nil, fmt.Errorf("sync records: %w", err)
	}

	registry.stores[abs] = s
	log.WithFields(log.Fields{
		"dir":     abs,
		"records": s.recordCount,
		"rebuilt": s.rebuilt,
	}).Debug("store connected")
	return s, nil
}

func acquireFileLock(fl *flock.Flock, timeout time.Duration) error {
	ctx := context.Background()
	err := util.Retry(ctx, func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrLockBusy
		}
		return nil
	}, util.FileLockRetryOptions(ctx, timeout)...)
	if errors.Is(err, util.ErrLockBusy) {
		return fmt.Errorf("%w: %s", ErrStoreLocked, fl.Path())
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	return nil
}

// open opens and validates the three backing files. Errors wrapping
// ErrCorrupt mean the files must be discarded.
func (s *Store) open() error {
	fresh, err := s.openRecords()
	if err != nil {
		return err
	}
	heap, err := openAttributeHeap(filepath.Join(s.dir, AttributesFile), fresh)
	if err != nil {
		return err
	}
	s.heap = heap
	names, err := OpenNameTable(filepath.Join(s.dir, NamesFile), s.opts.NameCacheSize)
	if err != nil {
		return err
	}
	s.names = names
	return nil
}

func (s *Store) openRecords() (fresh bool, err error) {
	f, err := os.OpenFile(filepath.Join(s.dir, RecordsFile), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, fmt.Errorf("open records: %w", err)
	}
	s.records = f

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat records: %w", err)
	}

	if info.Size() == 0 {
		s.header = header{version: FormatVersion, connectionStatus: ConnectionConnected}
		s.recordCount = int32(firstRecord)
		if err := s.writeHeader(); err != nil {
			return false, err
		}
		// slot 1 is the pseudo-root
		if err := s.writeRecord(Record{ID: PseudoRoot, Flags: FlagIsDirectory}); err != nil {
			return false, err
		}
		return true, nil
	}

	if info.Size()%RecordSize != 0 || info.Size() < int64(firstRecord)*RecordSize {
		return false, fmt.Errorf("%w: records file size %d", ErrCorrupt, info.Size())
	}
	s.recordCount = int32(info.Size() / RecordSize)

	if err := s.readHeader(); err != nil {
		return false, err
	}
	if s.header.version != FormatVersion {
		return false, fmt.Errorf("%w: format version %d, want %d", ErrCorrupt, s.header.version, FormatVersion)
	}
	if s.header.connectionStatus != ConnectionSafelyClosed {
		return false, fmt.Errorf("%w: not safely closed (status %#x)", ErrCorrupt, s.header.connectionStatus)
	}
	if s.header.freeListHead < 0 || int32(s.header.freeListHead) >= s.recordCount {
		return false, fmt.Errorf("%w: free list head %d", ErrCorrupt, s.header.freeListHead)
	}
	return false, nil
}

func (s *Store) closeFiles() {
	if s.names != nil {
		if err := s.names.Close(); err != nil {
			log.WithError(err).Warn("close name table")
		}
		s.names = nil
	}
	if s.heap != nil {
		s.heap.close()
		s.heap = nil
	}
	if s.records != nil {
		s.records.Close()
		s.records = nil
	}
}

func removeBackingFiles(dir string) error {
	for _, name := range []string{RecordsFile, AttributesFile, NamesFile, NamesFile + "-wal", NamesFile + "-shm"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// Dispose releases one reference. The last release marks the store safely
// closed, syncs and closes the backing files and drops the file lock.
func (s *Store) Dispose() error {
	registry.Lock()
	defer registry.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(registry.stores, s.dir)

	s.lock.Lock()
	defer s.lock.Unlock()

	var errs []error
	s.header.connectionStatus = ConnectionSafelyClosed
	if err := s.writeHeader(); err != nil {
		errs = append(errs, err)
	}
	if err := s.heap.sync(); err != nil {
		errs = append(errs, err)
	}
	if err := s.records.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync records: %w", err))
	}
	s.closeFiles()
	if err := s.fileLock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock store: %w", err))
	}
	s.closed = true

	if n := s.leaked.Load(); n > 0 {
		log.WithFields(log.Fields{"dir": s.dir, "leaked": n}).Warn("attribute streams were leaked")
	}
	log.WithField("dir", s.dir).Debug("store disposed")
	return errors.Join(errs...)
}

// Flush syncs the backing files without closing them.
func (s *Store) Flush() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.Unlock()
	if err := s.heap.sync(); err != nil {
		return err
	}
	if err := s.records.Sync(); err != nil {
		return fmt.Errorf("sync records: %w", err)
	}
	return nil
}

// Lock acquires the store lock. The holder may call any Store method.
func (s *Store) Lock() { s.lock.Lock() }

// Unlock releases one hold of the store lock.
func (s *Store) Unlock() { s.lock.Unlock() }

// LockDepth returns the current hold count of the store lock.
func (s *Store) LockDepth() int { return s.lock.Depth() }

// acquire takes the lock and fails once the store is closed.
func (s *Store) acquire() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}
	return nil
}

// Dir returns the absolute store directory.
func (s *Store) Dir() string { return s.dir }

// Rebuilt reports whether Connect discarded unusable files and started cold.
func (s *Store) Rebuilt() bool { return s.rebuilt }

// LeakedStreams returns how many attribute streams were reclaimed by the
// garbage collector instead of being closed.
func (s *Store) LeakedStreams() int64 { return s.leaked.Load() }

// Enumerate interns a file name.
func (s *Store) Enumerate(name string) (int32, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.Unlock()
	return s.names.Enumerate(name)
}

// ValueOf resolves a name id.
func (s *Store) ValueOf(id int32) (string, error) {
	if err := s.acquire(); err != nil {
		return "", err
	}
	defer s.Unlock()
	return s.names.ValueOf(id)
}

// attributeID maps an attribute name into the reserved attr/ namespace.
func (s *Store) attributeID(name string) (int32, error) {
	if id, ok := s.attrNames.ID(name); ok {
		return id, nil
	}
	id, err := s.Enumerate(attributeNamePrefix + name)
	if err != nil {
		return 0, err
	}
	s.attrNames.Put(name, id)
	return id, nil
}
