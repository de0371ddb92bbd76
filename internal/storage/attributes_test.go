package storage

import (
	"bytes"
	"io"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n     int
		class int32
		ok    bool
	}{
		{0, 0, true},
		{64, 0, true},
		{65, 1, true},
		{128, 1, true},
		{4096, 6, true},
		{MaxAttributeSize, sizeClasses - 1, true},
		{MaxAttributeSize + 1, 0, false},
	}
	for _, tt := range tests {
		class, ok := classFor(tt.n)
		assert.Equal(t, tt.ok, ok, "n=%d", tt.n)
		if tt.ok {
			assert.Equal(t, tt.class, class, "n=%d", tt.n)
		}
	}
	assert.Zero(t, pageSpan(3)%pageAlign)
}

func TestAttributeRoundTrip(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)

	missing, err := s.ReadAttribute(id, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, 0, s.LockDepth())

	payload := bytes.Repeat([]byte("abc"), 100)
	w, err := s.WriteAttribute(id, "blob")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := s.ReadAttribute(id, "blob")
	require.NoError(t, err)
	require.NotNil(t, r)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, s.LockDepth())
}

func TestAttributeOverwriteInPlace(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)

	require.NoError(t, s.WriteAttributeBytes(id, "blob", []byte("first value")))
	heapBefore, err := s.HeapSize()
	require.NoError(t, err)

	require.NoError(t, s.WriteAttributeBytes(id, "blob", []byte("second")))

	pages, err := s.AttributePages(id)
	require.NoError(t, err)
	assert.Equal(t, 1, pages, "overwrite must not add a page")
	heapAfter, err := s.HeapSize()
	require.NoError(t, err)
	assert.Equal(t, heapBefore, heapAfter)

	got, err := s.ReadAttributeBytes(id, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestAttributeGrowthMovesPage(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)

	require.NoError(t, s.WriteAttributeBytes(id, "a", []byte("small")))
	require.NoError(t, s.WriteAttributeBytes(id, "b", []byte("other")))
	big := bytes.Repeat([]byte{7}, 1000)
	require.NoError(t, s.WriteAttributeBytes(id, "a", big))

	pages, err := s.AttributePages(id)
	require.NoError(t, err)
	assert.Equal(t, 2, pages)

	got, err := s.ReadAttributeBytes(id, "a")
	require.NoError(t, err)
	assert.Equal(t, big, got)
	got, err = s.ReadAttributeBytes(id, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), got)

	// the freed small page is reused by the next small attribute
	heapBefore, err := s.HeapSize()
	require.NoError(t, err)
	other, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributeBytes(other, "c", []byte("tiny")))
	heapAfter, err := s.HeapSize()
	require.NoError(t, err)
	assert.Equal(t, heapBefore, heapAfter)
}

func TestAttributeTooLarge(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)

	err = s.WriteAttributeBytes(id, "huge", make([]byte, MaxAttributeSize+1))
	assert.ErrorIs(t, err, ErrAttributeTooLarge)
	assert.Equal(t, 0, s.LockDepth())
}

func TestDeletedRecordReleasesPages(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributeBytes(id, "x", []byte("one")))
	require.NoError(t, s.WriteAttributeBytes(id, "y", []byte("two")))
	require.NoError(t, s.DeleteRecordRecursively(id))

	heapBefore, err := s.HeapSize()
	require.NoError(t, err)
	next, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributeBytes(next, "x", []byte("again")))
	require.NoError(t, s.WriteAttributeBytes(next, "y", []byte("again")))
	heapAfter, err := s.HeapSize()
	require.NoError(t, err)
	assert.Equal(t, heapBefore, heapAfter)
}

func TestAttributeStreamHoldsLock(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributeBytes(id, "blob", []byte("data")))

	r, err := s.ReadAttribute(id, "blob")
	require.NoError(t, err)
	assert.Equal(t, 1, s.LockDepth())

	var done atomic.Bool
	go func() {
		_, _ = s.CreateRecord()
		done.Store(true)
	}()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, done.Load(), "other goroutines wait while a stream is open")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "double close is a no-op")

	g := gomega.NewWithT(t)
	g.Eventually(done.Load).WithTimeout(5 * time.Second).Should(gomega.BeTrue())
	g.Eventually(s.LockDepth).Should(gomega.Equal(0))
}

func TestAttributeWriterCloseTwice(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)

	w, err := s.WriteAttribute(id, "blob")
	require.NoError(t, err)
	_, err = w.WriteString("x")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 0, s.LockDepth())
}

//go:noinline
func leakReader(t *testing.T, s *Store, id RecordID) {
	r, err := s.ReadAttribute(id, "blob")
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestLeakedStreamIsReclaimed(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	id, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributeBytes(id, "blob", []byte("data")))

	leakReader(t, s, id)

	g := gomega.NewWithT(t)
	g.Eventually(func() int64 {
		runtime.GC()
		return s.LeakedStreams()
	}).WithTimeout(5 * time.Second).Should(gomega.Equal(int64(1)))
	g.Eventually(s.LockDepth).Should(gomega.Equal(0))
}
