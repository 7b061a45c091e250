package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/coderoom/internal/crdt"
	"github.com/codefionn/coderoom/internal/pathguard"
	"github.com/codefionn/coderoom/internal/sandbox"
	"github.com/codefionn/coderoom/internal/tree"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	events []string
}

func (f *fakeBroadcaster) Join(roomID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, roomID+"/"+clientID)
}

func (f *fakeBroadcaster) Leave(roomID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, roomID+"/"+clientID)
}

func (f *fakeBroadcaster) Publish(roomID, event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, roomID+"/"+event)
}

func (f *fakeBroadcaster) PublishExcept(roomID, exceptID, event string, data interface{}) {
	f.Publish(roomID, event, data)
}

type sinkCall struct {
	kind string
	args []string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) record(kind string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{kind: kind, args: args})
}

func (r *recordingSink) InsertWorkspace(id, name, ownerID string, _ func(error)) {
	r.record("workspace", id, name, ownerID)
}

func (r *recordingSink) InsertFile(name, path, workspaceID, kind string, _ func(error)) {
	r.record("file", name, path, workspaceID, kind)
}

func (r *recordingSink) InsertMembership(userID, role, workspaceID string, _ func(error)) {
	r.record("membership", userID, role, workspaceID)
}

func (r *recordingSink) InsertChatMessage(roomID, username, message string, _ time.Time, _ func(error)) {
	r.record("chat", roomID, username, message)
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) ofKind(kind string) []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sinkCall
	for _, c := range r.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroadcaster, *recordingSink) {
	t.Helper()

	trees, err := tree.NewManager(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trees.Close() })

	runner := sandbox.NewRunner(trees, "sh", 2*time.Second, 4096)
	bcast := &fakeBroadcaster{}
	rec := &recordingSink{}

	reg := New(trees, runner, crdt.NewEngine(), rec)
	reg.SetBroadcaster(bcast)
	return reg, bcast, rec
}

func TestCreateRoomSeedsEntryFile(t *testing.T) {
	reg, bcast, rec := newTestRegistry(t)

	snapshot, err := reg.CreateRoom("r1", "owner-1", nil)
	require.NoError(t, err)

	require.Len(t, snapshot, 1)
	assert.Equal(t, SeedFileName, snapshot[0].Name)
	assert.Equal(t, tree.KindFile, snapshot[0].Type)

	content, err := reg.ReadFile("r1", SeedFileName)
	require.NoError(t, err)
	assert.Equal(t, SeedFileContent, content)

	assert.Contains(t, bcast.joins, "r1/owner-1")

	ws := rec.ofKind("workspace")
	require.Len(t, ws, 1)
	assert.Equal(t, []string{"r1", "r1", "owner-1"}, ws[0].args)
	files := rec.ofKind("file")
	require.Len(t, files, 1)
	assert.Equal(t, "workspaces/r1/main.py", files[0].args[1])
}

func TestCreateRoomDuplicateFails(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.CreateRoom("r1", "owner-1", nil)
	require.NoError(t, err)

	_, err = reg.CreateRoom("r1", "intruder", nil)
	assert.ErrorIs(t, err, ErrRoomExists)

	// Original membership is untouched.
	members, err := reg.Members("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner-1"}, members)
}

func TestJoinRoomAbsentFails(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.JoinRoom("ghost", "u1", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoomMirrorsMembership(t *testing.T) {
	reg, bcast, rec := newTestRegistry(t)

	_, err := reg.CreateRoom("r1", "owner-1", nil)
	require.NoError(t, err)

	snapshot, err := reg.JoinRoom("r1", "viewer-1", nil)
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)
	assert.Contains(t, bcast.joins, "r1/viewer-1")

	ms := rec.ofKind("membership")
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"viewer-1", RoleViewer, "r1"}, ms[0].args)
}

func TestUpdateFileRequiresExistingFile(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	err = reg.UpdateFile("r1", "nope.py", "x = 1")
	assert.ErrorIs(t, err, tree.ErrNotFound)

	_, err = reg.ReadFile("r1", "nope.py")
	assert.ErrorIs(t, err, tree.ErrNotFound)

	require.NoError(t, reg.UpdateFile("r1", SeedFileName, "print('hi')\n"))
	content, err := reg.ReadFile("r1", SeedFileName)
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", content)
}

func TestPathTraversalRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	_, err = reg.ReadFile("r1", "../../etc/passwd")
	assert.ErrorIs(t, err, pathguard.ErrEscapesRoot)

	err = reg.UpdateFile("r1", "../escape.py", "x")
	assert.ErrorIs(t, err, pathguard.ErrEscapesRoot)

	_, err = reg.CreateFile("r1", "../escape.py", tree.KindFile, nil)
	assert.ErrorIs(t, err, pathguard.ErrEscapesRoot)
}

func TestCreateFileConflict(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	snapshot, err := reg.CreateFile("r1", "util.py", tree.KindFile, nil)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	_, err = reg.CreateFile("r1", "util.py", tree.KindFile, nil)
	assert.ErrorIs(t, err, tree.ErrAlreadyExists)
}

func TestExecuteCode(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	res, err := reg.ExecuteCode(context.Background(), "r1", "run.sh", "echo from the room\n")
	require.NoError(t, err)
	assert.Equal(t, "from the room\n", res.Stdout)
	assert.False(t, res.TimedOut)

	// The sandbox write behaves as an implicit file update.
	content, err := reg.ReadFile("r1", "run.sh")
	require.NoError(t, err)
	assert.Equal(t, "echo from the room\n", content)
}

func TestDisconnectTeardown(t *testing.T) {
	reg, bcast, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "owner-1", nil)
	require.NoError(t, err)
	_, err = reg.JoinRoom("r1", "viewer-1", nil)
	require.NoError(t, err)

	reg.OpenDocument("r1", SeedFileName)

	reg.Disconnect("viewer-1")
	assert.Equal(t, 1, reg.RoomCount(), "room stays active while members remain")

	reg.Disconnect("owner-1")
	assert.Equal(t, 0, reg.RoomCount(), "empty room transitions to absent")
	assert.Contains(t, bcast.leaves, "r1/owner-1")

	_, err = reg.JoinRoom("r1", "late", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// A new create-room for the same id succeeds; the seeded file
	// survived on disk.
	_, err = reg.CreateRoom("r1", "owner-2", nil)
	require.NoError(t, err)
	content, err := reg.ReadFile("r1", SeedFileName)
	require.NoError(t, err)
	assert.Equal(t, SeedFileContent, content)
}

func TestChatValidation(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	err = reg.Chat("r1", "alice", "hello", time.Now(), nil)
	require.NoError(t, err)
	assert.Len(t, rec.ofKind("chat"), 1)

	err = reg.Chat("r1", "", "hello", time.Now(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = reg.Chat("ghost", "alice", "hello", time.Now(), nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestDocumentSeededFromFile(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "o", nil)
	require.NoError(t, err)

	doc, err := reg.OpenDocument("r1", SeedFileName)
	require.NoError(t, err)
	assert.Equal(t, SeedFileContent, doc.Text())

	// Edits from a client replica merge and are flagged for fan-out.
	replica := crdt.NewDocument("client-a")
	for _, op := range doc.History() {
		replica.Apply(op)
	}
	op := replica.LocalInsert(0, "#")

	_, fresh, err := reg.ApplyEdit("r1", SeedFileName, op)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, replica.Text(), doc.Text())

	// Re-applying the same op is not fresh and must not be re-broadcast.
	_, fresh, err = reg.ApplyEdit("r1", SeedFileName, op)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDocumentsDroppedOnTeardown(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.CreateRoom("r1", "solo", nil)
	require.NoError(t, err)

	doc, err := reg.OpenDocument("r1", SeedFileName)
	require.NoError(t, err)
	replica := crdt.NewDocument("client")
	for _, op := range doc.History() {
		replica.Apply(op)
	}
	reg.ApplyEdit("r1", SeedFileName, replica.LocalInsert(0, "x"))

	reg.Disconnect("solo")

	// Recreating the room builds a fresh document from disk, without
	// the discarded in-memory edits.
	_, err = reg.CreateRoom("r1", "next", nil)
	require.NoError(t, err)
	doc2, err := reg.OpenDocument("r1", SeedFileName)
	require.NoError(t, err)
	assert.Equal(t, SeedFileContent, doc2.Text())
}
