package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSanityClean(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	root, err := s.FindRootRecord("file:///p")
	require.NoError(t, err)
	dir := mkdir(t, s, root)
	mkfile(t, s, dir)
	gone := mkfile(t, s, root)
	children, err := s.ListChildRecordIDs(root)
	require.NoError(t, err)
	require.NoError(t, s.UpdateChildList(root, children[:1]))
	require.NoError(t, s.DeleteRecordRecursively(gone))

	// root records are flagged as directories, so its child list is checked too
	report, err := s.CheckSanity()
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	assert.Equal(t, 1, report.Roots)
	assert.Equal(t, 1, report.FreeRecords)
	assert.Equal(t, 3, report.Records)
}

func TestCheckSanityDetectsBrokenChildLink(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	dir, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.SetFlags(dir, FlagIsDirectory))
	stray, err := s.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, s.UpdateChildList(dir, []RecordID{stray}))

	report, err := s.CheckSanity()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Contains(t, report.Problems[0], "has parent")
}

func TestCheckSanityDetectsParentedRoot(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	other, err := s.FindRootRecord("file:///q")
	require.NoError(t, err)
	root, err := s.FindRootRecord("file:///p")
	require.NoError(t, err)
	require.NoError(t, s.SetParent(root, other))
	require.NoError(t, s.UpdateChildList(other, []RecordID{root}))

	report, err := s.CheckSanity()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Contains(t, report.Problems, "roots: record 3 has parent 2")
}
