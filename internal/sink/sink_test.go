package sink

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestMirrorsAllRecordKinds(t *testing.T) {
	s := newTestStore(t)

	s.InsertWorkspace("r1", "r1", "owner-1", nil)
	s.InsertFile("main.py", "workspaces/r1/main.py", "r1", "file", nil)
	s.InsertMembership("user-2", "viewer", "r1", nil)
	s.InsertChatMessage("r1", "alice", "hello", time.Now(), nil)
	s.Flush()

	assert.Equal(t, 1, countRows(t, s.db, "workspaces"))
	assert.Equal(t, 1, countRows(t, s.db, "files"))
	assert.Equal(t, 1, countRows(t, s.db, "workspace_members"))
	assert.Equal(t, 1, countRows(t, s.db, "chat_messages"))
}

func TestWorkspaceValues(t *testing.T) {
	s := newTestStore(t)

	s.InsertWorkspace("room-9", "room-9", "owner-abc", nil)
	s.Flush()

	var name, owner string
	require.NoError(t, s.db.QueryRow(
		"SELECT name, owner_id FROM workspaces WHERE id = ?", "room-9").Scan(&name, &owner))
	assert.Equal(t, "room-9", name)
	assert.Equal(t, "owner-abc", owner)
}

func TestFailureReportedNotFatal(t *testing.T) {
	s := newTestStore(t)

	errCh := make(chan error, 2)
	report := func(err error) { errCh <- err }

	// Duplicate primary key makes the second insert fail.
	s.InsertWorkspace("dup", "dup", "o1", report)
	s.InsertWorkspace("dup", "dup", "o2", report)
	s.Flush()

	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "sink write failed")
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure report")
	}

	// The store keeps working after a failed write.
	s.InsertWorkspace("next", "next", "o3", report)
	s.Flush()
	assert.Equal(t, 2, countRows(t, s.db, "workspaces"))
}

func TestDiscardIsInert(t *testing.T) {
	var d Discard
	d.InsertWorkspace("a", "b", "c", nil)
	d.InsertChatMessage("a", "b", "c", time.Time{}, nil)
	assert.NoError(t, d.Close())
}
