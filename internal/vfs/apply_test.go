package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsindex/internal/storage"
)

type recordingSubscriber struct {
	calls   []string
	batches [][]Event
	// children of the watched directory seen in each callback
	seen  []int
	store *storage.Store
	dir   storage.RecordID
}

func (s *recordingSubscriber) observe(phase string, events []Event) {
	s.calls = append(s.calls, phase)
	s.batches = append(s.batches, events)
	ids, _ := s.store.ListChildRecordIDs(s.dir)
	s.seen = append(s.seen, len(ids))
}

func (s *recordingSubscriber) Before(events []Event) { s.observe("before", events) }
func (s *recordingSubscriber) After(events []Event)  { s.observe("after", events) }

func TestApplyEventsNotifiesSubscribersAroundMutation(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	sub := &recordingSubscriber{store: p.Store(), dir: root.ID()}
	p.Subscribe(sub)

	d.write("/p/b.txt", "b")
	d.write("/p/c.txt", "c")
	applied := p.ApplyEvents([]Event{
		CreateEvent(root, "b.txt", false, false),
		CreateEvent(root, "c.txt", false, false),
	})
	require.Len(t, applied, 2)

	assert.Equal(t, []string{"before", "after"}, sub.calls)
	assert.Equal(t, []int{1, 3}, sub.seen)
	assert.Len(t, sub.batches[0], 2)
	assert.Zero(t, p.Store().LockDepth())
}

func TestApplyEventsSubscriberFuncs(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)

	var after []Event
	p.Subscribe(SubscriberFuncs{AfterFunc: func(events []Event) { after = events }})
	d.write("/p/b.txt", "b")
	p.ApplyEvents([]Event{CreateEvent(root, "b.txt", false, false)})
	require.Len(t, after, 1)
	assert.Equal(t, "b.txt", after[0].Name)
}

func TestApplyEventsValidation(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/d/f.txt", "f")
	d.write("/p/d/g.txt", "g")
	root := listedRoot(t, p, d)
	dir, err := p.FindChild(root, "d")
	require.NoError(t, err)
	f, err := p.FindChild(dir, "f.txt")
	require.NoError(t, err)
	g, err := p.FindChild(dir, "g.txt")
	require.NoError(t, err)

	d.write("/p/new.txt", "n")
	applied := p.ApplyEvents([]Event{
		DeleteEvent(f, false),
		DeleteEvent(dir, false),
		CreateEvent(root, "new.txt", false, false),
		CreateEvent(root, "new.txt", false, false),
	})
	assert.Equal(t, []EventKind{EventDelete, EventCreate}, eventKinds(applied))
	assert.Same(t, dir, applied[0].File, "nested delete is dropped")

	for _, h := range []*VirtualFile{dir, f, g} {
		assert.False(t, h.IsValid(), h.Path())
	}
	free, err := p.Store().FreeRecords()
	require.NoError(t, err)
	assert.Len(t, free, 2, "three freed records, one reused by the create")

	// events on invalid handles are dropped without touching subscribers
	called := false
	p.Subscribe(SubscriberFuncs{BeforeFunc: func([]Event) { called = true }})
	assert.Empty(t, p.ApplyEvents([]Event{DeleteEvent(f, false), WritableChangeEvent(g, true, false, false)}))
	assert.False(t, called)
}

func TestApplyEventsCreateOfExistingChildIsIgnored(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	before, err := p.Store().RecordCount()
	require.NoError(t, err)

	p.ApplyEvents([]Event{CreateEvent(root, "a.txt", false, false)})
	after, err := p.Store().RecordCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyEventsSkipsFailingEvent(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	d.write("/p/b.txt", "b")

	// ghost.txt is gone by the time the batch is applied
	applied := p.ApplyEvents([]Event{
		CreateEvent(root, "ghost.txt", false, false),
		CreateEvent(root, "b.txt", false, false),
	})
	assert.Len(t, applied, 2)
	names, err := p.List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)
}

func TestApplyEventsMoveRenameCopy(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.write("/p/d1/f.txt", "f")
	d.mkdir("/p/d2")
	root := listedRoot(t, p, d)
	d1, err := p.FindChild(root, "d1")
	require.NoError(t, err)
	d2, err := p.FindChild(root, "d2")
	require.NoError(t, err)
	f, err := p.FindChild(d1, "f.txt")
	require.NoError(t, err)

	p.ApplyEvents([]Event{MoveEvent(f, d1, d2)})
	assert.Same(t, d2, f.Parent())
	parent, err := p.Store().Parent(f.ID())
	require.NoError(t, err)
	assert.Equal(t, d2.ID(), parent)
	ids, err := p.Store().ListChildRecordIDs(d1.ID())
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = p.Store().ListChildRecordIDs(d2.ID())
	require.NoError(t, err)
	assert.Equal(t, []storage.RecordID{f.ID()}, ids)

	p.ApplyEvents([]Event{RenameEvent(f, "f.txt", "g.txt", false)})
	assert.Equal(t, "g.txt", f.Name())
	nameID, err := p.Store().Name(f.ID())
	require.NoError(t, err)
	name, err := p.Store().ValueOf(nameID)
	require.NoError(t, err)
	assert.Equal(t, "g.txt", name)
	assert.Equal(t, "/p/d2/g.txt", f.Path())

	d.write("/p/d1/copy.txt", "f")
	p.ApplyEvents([]Event{CopyEvent(f, d1, "copy.txt")})
	cp, err := p.FindChild(d1, "copy.txt")
	require.NoError(t, err)
	assert.NotEqual(t, f.ID(), cp.ID())
	assert.Same(t, d1, cp.Parent())
}

func TestApplyEventsMoveIntoOwnSubtreeIsRejected(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	d.mkdir("/p/d1/inner")
	root := listedRoot(t, p, d)
	d1, err := p.FindChild(root, "d1")
	require.NoError(t, err)
	inner, err := p.FindChild(d1, "inner")
	require.NoError(t, err)

	p.ApplyEvents([]Event{MoveEvent(d1, root, inner)})
	assert.Same(t, root, d1.Parent())
	ids, err := p.Store().ListChildRecordIDs(root.ID())
	require.NoError(t, err)
	assert.Contains(t, ids, d1.ID())

	report, err := p.Store().CheckSanity()
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Problems)
}

func TestApplyEventsWritableAndContentChange(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)

	p.ApplyEvents([]Event{WritableChangeEvent(a, true, false, false)})
	assert.False(t, p.IsWritable(a))
	p.ApplyEvents([]Event{WritableChangeEvent(a, false, true, false)})
	assert.True(t, p.IsWritable(a))

	p.ApplyEvents([]Event{ContentChangeEvent(a, 1, 99, 5, 7, false)})
	r, err := p.Attributes(a)
	require.NoError(t, err)
	assert.Equal(t, int64(99), r.Timestamp)
	assert.Equal(t, int32(7), r.Length)
	assert.True(t, r.Flags.Has(storage.FlagMustReloadContent))
}

func TestDeleteRootEvent(t *testing.T) {
	t.Parallel()

	p, d := newTestFS(t, testOptions())
	root := listedRoot(t, p, d)
	a, err := p.FindChild(root, "a.txt")
	require.NoError(t, err)

	p.ApplyEvents([]Event{DeleteEvent(root, false)})
	assert.False(t, root.IsValid())
	assert.False(t, a.IsValid())
	assert.Empty(t, p.Roots())

	// the root can be attached again and gets a fresh record
	again, err := p.FindRoot(d, "/p")
	require.NoError(t, err)
	assert.NotSame(t, root, again)
	names, err := p.List(again)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)
}
