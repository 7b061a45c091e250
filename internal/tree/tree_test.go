package tree

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateRootValidation(t *testing.T) {
	m := newTestManager(t)

	root, err := m.CreateRoot("room-1")
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	for _, bad := range []string{"", "..", "a/b", "../escape"} {
		_, err := m.CreateRoot(bad)
		assert.Error(t, err, "room id %q", bad)
	}
}

func TestCreateAndRead(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	require.NoError(t, m.Create(root, "main.py", KindFile))

	err = m.Create(root, "main.py", KindFile)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, m.Create(root, "lib/nested", KindDirectory))
	err = m.Create(root, "lib/nested", KindDirectory)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = m.Read(root, "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.WriteExisting(root, "main.py", []byte("print(1)\n")))
	data, err := m.Read(root, "main.py")
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(data))
}

func TestWriteExistingRequiresFile(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	err = m.WriteExisting(root, "never-created.py", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.Exists(root, "never-created.py"), "failed write must not create the file")

	require.NoError(t, m.Create(root, "dir", KindDirectory))
	err = m.WriteExisting(root, "dir", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotOrderingDeterministic(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	require.NoError(t, m.Create(root, "zeta.py", KindFile))
	require.NoError(t, m.Create(root, "alpha.py", KindFile))
	require.NoError(t, m.Create(root, "src", KindDirectory))
	require.NoError(t, m.Create(root, "src/b.py", KindFile))
	require.NoError(t, m.Create(root, "src/a.py", KindFile))

	nodes, err := m.Snapshot(root)
	require.NoError(t, err)

	// Directories first, then files, lexicographic within each group.
	require.Len(t, nodes, 3)
	assert.Equal(t, "src", nodes[0].Name)
	assert.Equal(t, KindDirectory, nodes[0].Type)
	assert.Equal(t, "alpha.py", nodes[1].Name)
	assert.Equal(t, "zeta.py", nodes[2].Name)

	require.Len(t, nodes[0].Children, 2)
	assert.Equal(t, "src/a.py", nodes[0].Children[0].Path)
	assert.Equal(t, "src/b.py", nodes[0].Children[1].Path)

	again, err := m.Snapshot(root)
	require.NoError(t, err)
	assert.Equal(t, nodes, again)
}

func TestSnapshotSeesNewFiles(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	nodes, err := m.Snapshot(root)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, m.Create(root, "new.py", KindFile))

	// Create invalidates the cached snapshot directly, no watcher delay.
	nodes, err = m.Snapshot(root)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "new.py", nodes[0].Name)
}

func TestConcurrentCreateSamePath(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Create(root, "contested.py", KindFile)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one create must win")

	nodes, err := m.Snapshot(root)
	require.NoError(t, err)
	count := 0
	for _, n := range nodes {
		if n.Name == "contested.py" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWriteFileCreatesWhenAbsent(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)

	require.NoError(t, m.WriteFile(root, "fresh.py", []byte("a = 1\n")))
	data, err := m.Read(root, "fresh.py")
	require.NoError(t, err)
	assert.Equal(t, "a = 1\n", string(data))

	require.NoError(t, m.WriteFile(root, "fresh.py", []byte("a = 2\n")))
	data, err = m.Read(root, "fresh.py")
	require.NoError(t, err)
	assert.Equal(t, "a = 2\n", string(data))
}

func TestReleaseRootKeepsDisk(t *testing.T) {
	m := newTestManager(t)
	root, err := m.CreateRoot("r1")
	require.NoError(t, err)
	require.NoError(t, m.Create(root, "kept.py", KindFile))

	m.ReleaseRoot(root)

	_, err = os.Stat(filepath.Join(root, "kept.py"))
	assert.NoError(t, err, "teardown must not delete on-disk files")
}
