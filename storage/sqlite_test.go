package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscope-project/acqengine"
)

func newSQLiteStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "acq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	s := newSQLiteStorage(t)
	coords := acqengine.Coords(acqengine.Ax("time", 2), acqengine.Ax("channel", "DAPI"))
	image := []byte{0, 1, 2, 3, 255}
	meta := acqengine.Metadata{"exposure": 12.5, "camera": "sim"}

	require.NoError(t, s.Put(coords, image, meta))
	assert.True(t, s.Contains(coords))

	data, err := s.GetData(coords)
	require.NoError(t, err)
	assert.Equal(t, image, data)

	metadata, err := s.GetMetadata(coords)
	require.NoError(t, err)
	assert.Equal(t, 12.5, metadata["exposure"])
	assert.Equal(t, "sim", metadata["camera"])
}

func TestSQLiteStorageMissing(t *testing.T) {
	s := newSQLiteStorage(t)
	coords := acqengine.Coords(acqengine.Ax("time", 404))

	assert.False(t, s.Contains(coords))
	_, err := s.GetData(coords)
	require.ErrorIs(t, err, acqengine.ErrNotFound)
	_, err = s.GetMetadata(coords)
	require.ErrorIs(t, err, acqengine.ErrNotFound)
}

func TestSQLiteStorageNilMetadata(t *testing.T) {
	s := newSQLiteStorage(t)
	coords := acqengine.Coords(acqengine.Ax("time", 0))
	require.NoError(t, s.Put(coords, []byte{1}, nil))

	metadata, err := s.GetMetadata(coords)
	require.NoError(t, err)
	assert.Nil(t, metadata)
}

func TestSQLiteStorageFinish(t *testing.T) {
	s := newSQLiteStorage(t)

	finished, err := s.Finished()
	require.NoError(t, err)
	assert.False(t, finished)

	require.NoError(t, s.Finish())
	finished, err = s.Finished()
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acq.db")
	coords := acqengine.Coords(acqengine.Ax("z", 1))

	first, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(coords, []byte{7}, acqengine.Metadata{"n": 1.0}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer second.Close()
	data, err := second.GetData(coords)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, data)

	count, err := second.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
