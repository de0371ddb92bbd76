package vfs

import (
	"bytes"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing/iotest"

	"vfsindex/internal/common"
)

type fakeEntry struct {
	dir      bool
	readOnly bool
	ts       int64
	data     []byte
	readErr  error
}

// fakeDelegate is an in-memory tree with an explicit clock so tests control
// every timestamp.
type fakeDelegate struct {
	mu            sync.Mutex
	protocol      string
	caseSensitive bool
	clock         int64
	entries       map[string]*fakeEntry
	stats         int
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{protocol: "fake", caseSensitive: true, entries: map[string]*fakeEntry{}}
}

func (d *fakeDelegate) tick() int64 {
	d.clock += 1000
	return d.clock
}

func (d *fakeDelegate) mkdir(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cur := p; cur != "/" && cur != "."; cur = path.Dir(cur) {
		if _, ok := d.entries[cur]; !ok {
			d.entries[cur] = &fakeEntry{dir: true, ts: d.tick()}
		}
	}
}

func (d *fakeDelegate) write(p, data string) {
	d.mkdir(path.Dir(p))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p] = &fakeEntry{ts: d.tick(), data: []byte(data)}
}

// touch bumps the timestamp of p without changing its content.
func (d *fakeDelegate) touch(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p].ts = d.tick()
}

func (d *fakeDelegate) setContent(p, data string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p].data = []byte(data)
}

func (d *fakeDelegate) setReadOnly(p string, ro bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p].readOnly = ro
}

// failReads makes reads of p fail with err after its data.
func (d *fakeDelegate) failReads(p string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p].readErr = err
}

func (d *fakeDelegate) remove(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.entries {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(d.entries, k)
		}
	}
}

func (d *fakeDelegate) rename(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.entries {
		if k == from || strings.HasPrefix(k, from+"/") {
			delete(d.entries, k)
			d.entries[to+strings.TrimPrefix(k, from)] = e
		}
	}
}

func (d *fakeDelegate) statCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *fakeDelegate) Protocol() string    { return d.protocol }
func (d *fakeDelegate) CaseSensitive() bool { return d.caseSensitive }

func (d *fakeDelegate) List(p string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[p]; !ok || !e.dir {
		return nil, common.ErrNotFound
	}
	var names []string
	for k := range d.entries {
		if path.Dir(k) == p && k != p {
			names = append(names, path.Base(k))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *fakeDelegate) Stat(p string) (FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats++
	e, ok := d.entries[p]
	if !ok {
		return FileInfo{}, common.ErrNotFound
	}
	return FileInfo{
		Name:        path.Base(p),
		IsDirectory: e.dir,
		Writable:    !e.readOnly,
		Timestamp:   e.ts,
		Length:      int64(len(e.data)),
	}, nil
}

func (d *fakeDelegate) Exists(p string) bool {
	_, err := d.Stat(p)
	return err == nil
}

func (d *fakeDelegate) IsDirectory(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.IsDirectory
}

func (d *fakeDelegate) IsWritable(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.Writable
}

func (d *fakeDelegate) Timestamp(p string) int64 {
	info, _ := d.Stat(p)
	return info.Timestamp
}

func (d *fakeDelegate) Length(p string) int64 {
	info, _ := d.Stat(p)
	return info.Length
}

func (d *fakeDelegate) Open(p string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[p]
	if !ok {
		return nil, common.ErrNotFound
	}
	if e.dir {
		return nil, common.ErrIsDir
	}
	r := io.Reader(bytes.NewReader(append([]byte(nil), e.data...)))
	if e.readErr != nil {
		r = io.MultiReader(r, iotest.ErrReader(e.readErr))
	}
	return io.NopCloser(r), nil
}

type fakeWriter struct {
	bytes.Buffer
	d *fakeDelegate
	p string
}

func (w *fakeWriter) Close() error {
	w.d.write(w.p, w.String())
	return nil
}

func (d *fakeDelegate) Create(p string) (io.WriteCloser, error) {
	return &fakeWriter{d: d, p: p}, nil
}

var _ Delegate = (*fakeDelegate)(nil)
