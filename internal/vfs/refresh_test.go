package vfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsindex/internal/storage"
)

func eventKinds(events []Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// listedRoot returns /p with its children fully cached and scanned once.
func listedRoot(t *testing.T, p *PersistentFS, d *fakeDelegate) *VirtualFile {
	t.Helper()
	root := mustRoot(t, p, d)
	_, err := p.List(root)
	require.NoError(t, err)
	_, err = p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	return root
}

func TestRefreshTimestampChangeEmitsOneContentChange(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)
	before := p.Timestamp(a)

	d.touch("/p/a.txt")
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, EventContentChange, e.Kind)
	assert.Same(t, a, e.File)
	assert.Equal(t, before, e.OldTimestamp)
	assert.Equal(t, d.Timestamp("/p/a.txt"), e.NewTimestamp)
	assert.True(t, e.FromRefresh)

	r, err := p.Attributes(a)
	require.NoError(t, err)
	assert.Equal(t, e.NewTimestamp, r.Timestamp)
	assert.True(t, r.Flags.Has(storage.FlagMustReloadContent))
}

func TestRefreshFileReplacedByDirectory(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	old, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)

	d.remove("/p/a.txt")
	d.mkdir("/p/a.txt")
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventDelete, EventCreate}, eventKinds(events))
	assert.Same(t, old, events[0].File)
	assert.Equal(t, "a.txt", events[1].Name)
	assert.True(t, events[1].IsDirectory)

	assert.False(t, old.IsValid())
	dir, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)
	assert.True(t, p.IsDirectory(dir))

	names, err := p.List(dir)
	require.NoError(t, err)
	assert.Empty(t, names)
	r, err := p.Attributes(dir)
	require.NoError(t, err)
	assert.True(t, r.Flags.Has(storage.FlagChildrenCached), "empty directory is cached on create")
}

func TestRefreshIsIdempotent(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/d/e/f.txt", "f")
	d.write("/p/d/g.txt", "g")
	root := listedRoot(t, p, d)

	d.write("/p/d/new.txt", "n")
	d.touch("/p/d/e/f.txt")
	d.remove("/p/a.txt")

	first, err := p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Zero(t, p.Store().LockDepth())
}

func TestRefreshCreatesAndDeletes(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/b.txt", "b")
	root := listedRoot(t, p, d)
	b, err := p.FindChild(root, "b.txt")
	require.NoError(t, err)

	d.remove("/p/b.txt")
	d.write("/p/c.txt", "c")
	d.mkdir("/p/sub")

	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventDelete, EventCreate, EventCreate}, eventKinds(events))
	assert.Equal(t, "c.txt", events[1].Name)
	assert.Equal(t, "sub", events[2].Name)
	assert.True(t, events[2].IsDirectory)

	names, err := p.List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "c.txt", "sub"}, names)

	c, err := p.FindChild(root, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, b.ID(), c.ID(), "the freed record is reused first")
	free, err := p.Store().FreeRecords()
	require.NoError(t, err)
	assert.Empty(t, free)
}

func TestRefreshMissingRootEmitsDelete(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)

	d.remove("/p")
	events, err := p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventDelete}, eventKinds(events))
	assert.Empty(t, p.Roots())
	assert.False(t, root.IsValid())

	roots, err := p.Store().ListRoots()
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestRefreshCaseOnlyRename(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.caseSensitive = false
	root := listedRoot(t, p, d)
	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)

	d.rename("/p/a.txt", "/p/A.txt")
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventRename}, eventKinds(events))
	assert.Equal(t, "a.txt", events[0].Name)
	assert.Equal(t, "A.txt", events[0].NewName)

	assert.True(t, a.IsValid(), "rename keeps the record")
	assert.Equal(t, "A.txt", a.Name())
	names, err := p.List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.txt"}, names)
}

func TestRefreshCaseSensitiveDeleteCreate(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)

	d.rename("/p/a.txt", "/p/A.txt")
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventDelete, EventCreate}, eventKinds(events))
}

func TestRefreshWritableChange(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)
	require.True(t, p.IsWritable(a))

	d.setReadOnly("/p/a.txt", true)
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventWritableChange}, eventKinds(events))
	assert.True(t, events[0].OldWritable)
	assert.False(t, events[0].NewWritable)
	assert.False(t, p.IsWritable(a))
}

func TestRefreshRecursiveDirectoryWritableChangeEmittedOnce(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/d/f.txt", "f")
	root := listedRoot(t, p, d)
	dir, err := p.FindChild(root, "d")
	require.NoError(t, err)

	d.setReadOnly("/p/d", true)
	events, err := p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventWritableChange}, eventKinds(events))
	assert.Same(t, dir, events[0].File)
	assert.False(t, p.IsWritable(dir))

	events, err = p.Refresh(t.Context(), true, dir)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRefreshLazyDirectory(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/keep.txt", "k")
	root := mustRoot(t, p, d)

	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)
	_, err = p.FindChild(root, "keep.txt")
	require.NoError(t, err)
	_, err = p.FindChild(root, "later.txt")
	require.Error(t, err)

	d.remove("/p/a.txt")
	d.write("/p/later.txt", "now here")
	d.write("/p/unrelated.txt", "never looked up")

	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventDelete, EventCreate}, eventKinds(events))
	assert.Same(t, a, events[0].File)
	assert.Equal(t, "later.txt", events[1].Name)
	assert.Empty(t, root.SuspiciousNames())

	later, err := p.FindChild(root, "later.txt")
	require.NoError(t, err)
	assert.Equal(t, "later.txt", later.Name())

	r, err := p.Attributes(root)
	require.NoError(t, err)
	assert.False(t, r.Flags.Has(storage.FlagChildrenCached))
}

func TestRefreshNonRecursiveSkipsSubdirectories(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/d/f.txt", "f")
	root := listedRoot(t, p, d)
	_, err := p.FindFileByPath(d, "/p", "d/f.txt")
	require.NoError(t, err)

	d.touch("/p/d/f.txt")
	events, err := p.Refresh(t.Context(), false, root)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = p.Refresh(t.Context(), true, root)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventContentChange}, eventKinds(events))
}

func TestRefreshWorkerDoesNotMutateStore(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	d.touch("/p/a.txt")
	d.write("/p/b.txt", "b")

	before, err := p.Store().GlobalModCount()
	require.NoError(t, err)

	root.MarkDirty()
	w := NewRefreshWorker(p, root, true)
	assert.NotEmpty(t, w.Session())
	events, err := w.Scan(t.Context())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	after, err := p.Store().GlobalModCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRefreshWorkerHonorsCancellation(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewRefreshWorker(p, root, true).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
