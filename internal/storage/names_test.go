package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vfsindex/internal/common"
)

func testNameTable(t *testing.T) *NameTable {
	t.Helper()
	nt, err := OpenNameTable(filepath.Join(t.TempDir(), NamesFile), 0)
	require.NoError(t, err)
	t.Cleanup(func() { nt.Close() })
	return nt
}

func TestEnumerateIsIdempotent(t *testing.T) {
	t.Parallel()

	nt := testNameTable(t)
	a, err := nt.Enumerate("a.txt")
	require.NoError(t, err)
	assert.Positive(t, a)

	again, err := nt.Enumerate("a.txt")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := nt.Enumerate("b.txt")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	name, err := nt.ValueOf(b)
	require.NoError(t, err)
	assert.Equal(t, "b.txt", name)

	count, err := nt.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEnumerateEmptyName(t *testing.T) {
	t.Parallel()

	nt := testNameTable(t)
	id, err := nt.Enumerate("")
	require.NoError(t, err)
	assert.Zero(t, id)

	name, err := nt.ValueOf(0)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestValueOfUnknownID(t *testing.T) {
	t.Parallel()

	nt := testNameTable(t)
	_, err := nt.ValueOf(4242)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestNamesAreCaseSensitive(t *testing.T) {
	t.Parallel()

	nt := testNameTable(t)
	lower, err := nt.Enumerate("readme")
	require.NoError(t, err)
	upper, err := nt.Enumerate("README")
	require.NoError(t, err)
	assert.NotEqual(t, lower, upper)
}

func TestNamesPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), NamesFile)
	nt, err := OpenNameTable(path, 0)
	require.NoError(t, err)
	id, err := nt.Enumerate("persisted")
	require.NoError(t, err)
	require.NoError(t, nt.Close())

	nt, err = OpenNameTable(path, 0)
	require.NoError(t, err)
	defer nt.Close()
	name, err := nt.ValueOf(id)
	require.NoError(t, err)
	assert.Equal(t, "persisted", name)
	again, err := nt.Enumerate("persisted")
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestNameTableRejectsForeignVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), NamesFile)
	nt, err := OpenNameTable(path, 0)
	require.NoError(t, err)
	require.NoError(t, nt.bunDB.SetSchemaInfo(t.Context(), "version", "99"))
	require.NoError(t, nt.Close())

	_, err = OpenNameTable(path, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestAttributeNamesDoNotCollideWithFileNames(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	fileName, err := s.Enumerate(AttrChildren)
	require.NoError(t, err)
	attrID, err := s.attributeID(AttrChildren)
	require.NoError(t, err)
	assert.NotEqual(t, fileName, attrID)

	name, err := s.ValueOf(attrID)
	require.NoError(t, err)
	assert.Equal(t, "attr/children", name)
}
