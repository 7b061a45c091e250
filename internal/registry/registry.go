// Package registry owns the mapping from room id to workspace state. It
// is the sole authority on room existence and membership, and it wires
// client actions through the path guard, tree manager, sandbox, document
// engine, fan-out hub, and durable sink.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/codefionn/coderoom/internal/crdt"
	"github.com/codefionn/coderoom/internal/logger"
	"github.com/codefionn/coderoom/internal/pathguard"
	"github.com/codefionn/coderoom/internal/sandbox"
	"github.com/codefionn/coderoom/internal/sink"
	"github.com/codefionn/coderoom/internal/tree"
)

var (
	// ErrRoomNotFound is returned for operations on absent rooms
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned when creating a room id that is active
	ErrRoomExists = errors.New("room already exists")
	// ErrInvalidRequest is returned when required fields are missing
	ErrInvalidRequest = errors.New("invalid request")
)

// Member roles
const (
	RoleOwner  = "owner"
	RoleViewer = "viewer"
)

// A freshly created room is seeded with one default entry file.
const (
	SeedFileName    = "main.py"
	SeedFileContent = "# Write your Python code here\n"
)

// Broadcaster is the room-scoped fan-out the registry publishes through.
// Implemented by the web hub.
type Broadcaster interface {
	Join(roomID, clientID string)
	Leave(roomID, clientID string)
	Publish(roomID, event string, data interface{})
	PublishExcept(roomID, exceptID, event string, data interface{})
}

type member struct {
	role     string
	joinedAt time.Time
}

// room is the in-memory state of one active workspace. Membership and
// direct file-tree mutations for a room serialize on its mutex;
// different rooms proceed independently.
type room struct {
	id        string
	root      string
	createdAt time.Time

	mu      sync.Mutex
	members map[string]*member
}

// Registry coordinates all workspace state. It starts empty; rooms are
// created by clients and torn down when their last member disconnects.
type Registry struct {
	trees  *tree.Manager
	runner *sandbox.Runner
	docs   *crdt.Engine
	sink   sink.Sink
	bcast  Broadcaster

	mu    sync.RWMutex
	rooms map[string]*room
}

// New creates an empty registry
func New(trees *tree.Manager, runner *sandbox.Runner, docs *crdt.Engine, s sink.Sink) *Registry {
	return &Registry{
		trees:  trees,
		runner: runner,
		docs:   docs,
		sink:   s,
		rooms:  make(map[string]*room),
	}
}

// SetBroadcaster wires the fan-out hub. Must be called before serving.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.bcast = b
}

func (r *Registry) getRoom(roomID string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// RoomCount reports the number of active rooms
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Members returns the member ids of a room, or ErrRoomNotFound
func (r *Registry) Members(roomID string) ([]string, error) {
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out, nil
}

// CreateRoom transitions a room id from Absent to Active: allocates the
// workspace root, seeds the default entry file, registers the creator as
// owner, and mirrors workspace and file creation to the sink. Returns
// the initial tree snapshot.
func (r *Registry) CreateRoom(roomID, creatorID string, sinkErr func(error)) ([]*tree.Node, error) {
	if roomID == "" {
		return nil, fmt.Errorf("missing room id: %w", ErrInvalidRequest)
	}

	if _, taken := r.getRoom(roomID); taken {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomExists)
	}

	// Allocate the root before publishing the room, so no member ever
	// observes a room without a directory. CreateRoot is idempotent, so
	// a lost creation race leaves nothing to clean up.
	root, err := r.trees.CreateRoot(roomID)
	if err != nil {
		return nil, err
	}

	rm := &room{
		id:        roomID,
		root:      root,
		createdAt: time.Now(),
		members:   map[string]*member{creatorID: {role: RoleOwner, joinedAt: time.Now()}},
	}

	r.mu.Lock()
	if _, taken := r.rooms[roomID]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomExists)
	}
	r.rooms[roomID] = rm
	r.mu.Unlock()

	// Seed the entry file unless a previous incarnation of the room
	// left one behind on disk.
	if !r.trees.Exists(root, SeedFileName) {
		if err := r.trees.WriteFile(root, SeedFileName, []byte(SeedFileContent)); err != nil {
			logger.Error("registry: failed to seed %s in %s: %v", SeedFileName, roomID, err)
		}
	}

	r.bcast.Join(roomID, creatorID)

	r.sink.InsertWorkspace(roomID, roomID, creatorID, sinkErr)
	r.sink.InsertFile(SeedFileName, "workspaces/"+roomID+"/"+SeedFileName, roomID, tree.KindFile, sinkErr)

	logger.Info("registry: room %s created by %s", roomID, creatorID)
	return r.trees.Snapshot(root)
}

// JoinRoom adds a client to an active room and returns the current tree
// snapshot. Absent rooms yield ErrRoomNotFound.
func (r *Registry) JoinRoom(roomID, clientID string, sinkErr func(error)) ([]*tree.Node, error) {
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}

	rm.mu.Lock()
	if _, already := rm.members[clientID]; !already {
		rm.members[clientID] = &member{role: RoleViewer, joinedAt: time.Now()}
	}
	rm.mu.Unlock()

	r.bcast.Join(roomID, clientID)
	r.sink.InsertMembership(clientID, RoleViewer, roomID, sinkErr)

	logger.Info("registry: %s joined room %s", clientID, roomID)
	return r.trees.Snapshot(rm.root)
}

// Snapshot returns the current tree of an active room
func (r *Registry) Snapshot(roomID string) ([]*tree.Node, error) {
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	return r.trees.Snapshot(rm.root)
}

// ReadFile returns the content of a file in an active room
func (r *Registry) ReadFile(roomID, filePath string) (string, error) {
	rm, ok := r.getRoom(roomID)
	if !ok {
		return "", fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return "", err
	}
	data, err := r.trees.Read(rm.root, rel)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UpdateFile overwrites an existing file. The file must already exist.
func (r *Registry) UpdateFile(roomID, filePath, content string) error {
	if roomID == "" || filePath == "" {
		return fmt.Errorf("missing room id or file path: %w", ErrInvalidRequest)
	}
	rm, ok := r.getRoom(roomID)
	if !ok {
		return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return r.trees.WriteExisting(rm.root, rel, []byte(content))
}

// CreateFile creates a file or directory and returns the updated tree
// snapshot for broadcasting.
func (r *Registry) CreateFile(roomID, filePath, kind string, sinkErr func(error)) ([]*tree.Node, error) {
	if roomID == "" || filePath == "" {
		return nil, fmt.Errorf("missing room id or path: %w", ErrInvalidRequest)
	}
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	err = r.trees.Create(rm.root, rel, kind)
	rm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.sink.InsertFile(path.Base(rel), "workspaces/"+roomID+"/"+rel, roomID, kind, sinkErr)

	return r.trees.Snapshot(rm.root)
}

// ExecuteCode writes the submitted source to the file (an implicit
// update-file; the write serializes with direct updates on the same
// path) and runs it in the sandbox.
func (r *Registry) ExecuteCode(ctx context.Context, roomID, filePath, code string) (*sandbox.Result, error) {
	if roomID == "" || filePath == "" {
		return nil, fmt.Errorf("missing room id or file path: %w", ErrInvalidRequest)
	}
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return nil, err
	}
	return r.runner.Run(ctx, rm.root, rel, []byte(code))
}

// Chat mirrors a chat message to the sink and reports the room it should
// be broadcast to. The broadcast itself is the caller's job so the sink
// mirror can never delay or suppress it.
func (r *Registry) Chat(roomID, username, message string, ts time.Time, sinkErr func(error)) error {
	if roomID == "" || username == "" || message == "" {
		return fmt.Errorf("missing chat fields: %w", ErrInvalidRequest)
	}
	if _, ok := r.getRoom(roomID); !ok {
		return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	r.sink.InsertChatMessage(roomID, username, message, ts, sinkErr)
	return nil
}

// OpenDocument returns the live document for a file, creating it seeded
// from the file's current content (empty when the file does not exist
// yet).
func (r *Registry) OpenDocument(roomID, filePath string) (*crdt.Document, error) {
	rm, ok := r.getRoom(roomID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return nil, err
	}

	if doc, ok := r.docs.Lookup(roomID, rel); ok {
		return doc, nil
	}
	seed := ""
	if data, err := r.trees.Read(rm.root, rel); err == nil {
		seed = string(data)
	}
	return r.docs.Open(roomID, rel, seed), nil
}

// ApplyEdit merges one document operation. The boolean reports whether
// the op was new and should be forwarded to the other members.
func (r *Registry) ApplyEdit(roomID, filePath string, op crdt.Op) (string, bool, error) {
	rel := ""
	rm, ok := r.getRoom(roomID)
	if !ok {
		return rel, false, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	rel, err := pathguard.Rel(rm.root, filePath)
	if err != nil {
		return rel, false, err
	}
	if err := op.Validate(); err != nil {
		return rel, false, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}

	doc, err := r.OpenDocument(roomID, filePath)
	if err != nil {
		return rel, false, err
	}
	return rel, doc.Apply(op), nil
}

// Disconnect removes the client from every room it belonged to. A room
// whose member set becomes empty transitions back to Absent: its
// documents and in-memory state are released; the on-disk directory is
// kept.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	var emptied []*room
	for _, rm := range r.rooms {
		rm.mu.Lock()
		if _, in := rm.members[clientID]; in {
			delete(rm.members, clientID)
			r.bcast.Leave(rm.id, clientID)
			if len(rm.members) == 0 {
				emptied = append(emptied, rm)
				delete(r.rooms, rm.id)
			}
		}
		rm.mu.Unlock()
	}
	r.mu.Unlock()

	for _, rm := range emptied {
		r.docs.DropRoom(rm.id)
		r.trees.ReleaseRoot(rm.root)
		logger.Info("registry: room %s is empty, released", rm.id)
	}
}
