package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreDataRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("hello")))

	err := s.StoreData("n1", []byte("other bytes"))
	var taken *NameTakenError
	assert.ErrorAs(t, err, &taken)
	assert.Equal(t, "n1", taken.Name)
}

func TestDeduplicatesIdenticalBytes(t *testing.T) {
	s := openTestStore(t)
	data := []byte("identical payload")
	require.NoError(t, s.StoreData("n1", data))
	require.NoError(t, s.StoreData("n2", data))

	entries, err := os.ReadDir(s.blobDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("payload")))

	entries, err := s.LoadData("n1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].Name)
	assert.Equal(t, []byte("payload"), entries[0].Data)
}

func TestPrefixReturnsExactSet(t *testing.T) {
	s := openTestStore(t)
	names := map[string][]byte{
		"job-1/a": []byte("a"),
		"job-1/b": []byte("b"),
		"job-2/a": []byte("c"),
	}
	for n, b := range names {
		require.NoError(t, s.StoreData(n, b))
	}

	entries, err := s.LoadData("job-1/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Name] = true
	}
	assert.True(t, got["job-1/a"])
	assert.True(t, got["job-1/b"])
	assert.False(t, got["job-2/a"])
}

func TestFindMissing(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("present", []byte("x")))

	missing, err := s.FindMissing([]string{"present", "absent1", "absent2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"absent1", "absent2"}, missing)
}

func TestCopyToFile(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("copy me")))

	dst := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, s.CopyToFile("n1", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("copy me"), got)
}

func TestCopyToFileNoSuchName(t *testing.T) {
	s := openTestStore(t)
	err := s.CopyToFile("never-stored", filepath.Join(t.TempDir(), "out.bin"))
	var noSuch *NoSuchNameError
	assert.ErrorAs(t, err, &noSuch)
}

func TestSelfHealsMissingBlobOnLoad(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("will vanish")))

	// Simulate the backing blob disappearing without the index knowing.
	entries, err := os.ReadDir(s.blobDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.Remove(filepath.Join(s.blobDir, entries[0].Name())))

	result, err := s.LoadData("n1")
	require.NoError(t, err)
	assert.Empty(t, result)

	missing, err := s.FindMissing([]string{"n1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, missing)
}

func TestSelfHealsMissingBlobOnCopy(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("will vanish")))

	entries, err := os.ReadDir(s.blobDir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.blobDir, entries[0].Name())))

	err = s.CopyToFile("n1", filepath.Join(t.TempDir(), "out.bin"))
	var noSuch *NoSuchNameError
	assert.True(t, errors.As(err, &noSuch))

	missing, err := s.FindMissing([]string{"n1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, missing)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreData("n1", []byte("12345")))
	require.NoError(t, s.StoreData("n2", []byte("67890")))

	entries, totalBytes, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(10), totalBytes)
}
