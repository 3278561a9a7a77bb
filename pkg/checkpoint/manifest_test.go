package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containerPath(dir, record string) string {
	return filepath.Join(dir, record+".arrow")
}

func openTemp(t *testing.T) (*Manifest, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := OpenDir(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func TestPutGetOverwrite(t *testing.T) {
	m, _ := openTemp(t)

	require.NoError(t, m.Put(Entry{Record: "100", Status: StatusFailed, Error: "boom"}))
	require.NoError(t, m.Put(Entry{Record: "100", Status: StatusEncoded, Windows: 10, Entries: 1, Digest: "abc"}))

	e, err := m.Get("100")
	require.NoError(t, err)
	assert.Equal(t, StatusEncoded, e.Status)
	assert.Equal(t, 10, e.Windows)
	assert.Empty(t, e.Error)
	assert.False(t, e.UpdatedAt.IsZero())

	_, err = m.Get("999")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete("100"))
	_, err = m.Get("100")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllSorted(t *testing.T) {
	m, _ := openTemp(t)
	for _, r := range []string{"203", "100", "117"} {
		require.NoError(t, m.Put(Entry{Record: r, Status: StatusSkipped}))
	}
	all, err := m.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "100", all[0].Record)
	assert.Equal(t, "117", all[1].Record)
	assert.Equal(t, "203", all[2].Record)
}

func TestFileDigest(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0644))

	da, err := FileDigest(a)
	require.NoError(t, err)
	db, err := FileDigest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	_, err = FileDigest(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerify(t *testing.T) {
	m, dir := openTemp(t)

	good := containerPath(dir, "100")
	require.NoError(t, os.WriteFile(good, []byte("payload"), 0644))
	digest, err := FileDigest(good)
	require.NoError(t, err)

	changed := containerPath(dir, "101")
	require.NoError(t, os.WriteFile(changed, []byte("old"), 0644))
	oldDigest, err := FileDigest(changed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(changed, []byte("new"), 0644))

	require.NoError(t, m.Put(Entry{Record: "100", Status: StatusEncoded, Digest: digest}))
	require.NoError(t, m.Put(Entry{Record: "101", Status: StatusEncoded, Digest: oldDigest}))
	require.NoError(t, m.Put(Entry{Record: "102", Status: StatusEncoded, Digest: "x"}))
	require.NoError(t, m.Put(Entry{Record: "103", Status: StatusSkipped}))

	mismatches, err := m.Verify(dir, containerPath)
	require.NoError(t, err)
	assert.Equal(t, []Mismatch{
		{Record: "101", Reason: "digest mismatch"},
		{Record: "102", Reason: "container missing"},
	}, mismatches)
}
