package raft

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotStorageNoSnapshotYet(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewSnapshotStorage(tmpDir)

	require.NoError(t, store.Open())
	require.NoError(t, store.Replay())
	defer func() { require.NoError(t, store.Close()) }()

	file, err := store.SnapshotFile()
	require.NoError(t, err)
	require.Nil(t, file)
}

func TestSnapshotStorageWriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewSnapshotStorage(tmpDir)

	require.NoError(t, store.Open())
	require.NoError(t, store.Replay())
	defer func() { require.NoError(t, store.Close()) }()

	snap, err := store.NewSnapshotFile(5, 2)
	require.NoError(t, err)

	n, err := snap.Write([]byte("hello state"))
	require.NoError(t, err)
	require.Equal(t, len("hello state"), n)
	require.NoError(t, snap.Close())

	// The snapshot is not visible until it has been committed by Close.
	latest, err := store.SnapshotFile()
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, SnapshotMetadata{LastIncludedIndex: 5, LastIncludedTerm: 2}, latest.Metadata())

	data, err := io.ReadAll(latest)
	require.NoError(t, err)
	require.Equal(t, "hello state", string(data))
	require.NoError(t, latest.Close())
}

func TestSnapshotStorageKeepsMostRecentByIndex(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewSnapshotStorage(tmpDir)

	require.NoError(t, store.Open())
	require.NoError(t, store.Replay())
	defer func() { require.NoError(t, store.Close()) }()

	first, err := store.NewSnapshotFile(3, 1)
	require.NoError(t, err)
	_, err = first.Write([]byte("old"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := store.NewSnapshotFile(10, 2)
	require.NoError(t, err)
	_, err = second.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	latest, err := store.SnapshotFile()
	require.NoError(t, err)
	require.Equal(t, uint64(10), latest.Metadata().LastIncludedIndex)
	data, err := io.ReadAll(latest)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
	require.NoError(t, latest.Close())
}

func TestSnapshotStorageDiscardAbandonsFile(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewSnapshotStorage(tmpDir)

	require.NoError(t, store.Open())
	require.NoError(t, store.Replay())
	defer func() { require.NoError(t, store.Close()) }()

	snap, err := store.NewSnapshotFile(1, 1)
	require.NoError(t, err)
	_, err = snap.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, snap.Discard())

	latest, err := store.SnapshotFile()
	require.NoError(t, err)
	require.Nil(t, latest)
}

func TestSnapshotStorageSurvivesReopen(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewSnapshotStorage(tmpDir)
	require.NoError(t, store.Open())
	require.NoError(t, store.Replay())

	snap, err := store.NewSnapshotFile(7, 3)
	require.NoError(t, err)
	_, err = snap.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, snap.Close())
	require.NoError(t, store.Close())

	reopened := NewSnapshotStorage(tmpDir)
	require.NoError(t, reopened.Open())
	require.NoError(t, reopened.Replay())
	defer func() { require.NoError(t, reopened.Close()) }()

	latest, err := reopened.SnapshotFile()
	require.NoError(t, err)
	require.Equal(t, uint64(7), latest.Metadata().LastIncludedIndex)
	require.NoError(t, latest.Close())
}
