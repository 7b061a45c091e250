package crdt

import (
	"sync"

	"github.com/codefionn/coderoom/internal/logger"
)

// Engine owns the live documents of all rooms, keyed by (room, path).
// Documents are created lazily on first open or edit and dropped when
// their room is torn down.
type Engine struct {
	mu   sync.Mutex
	docs map[string]map[string]*Document // room id -> rel path -> doc
}

// NewEngine creates an empty document engine
func NewEngine() *Engine {
	return &Engine{docs: make(map[string]map[string]*Document)}
}

// Open returns the document for (roomID, relPath), creating it if
// needed. A freshly created document is seeded from seedText so a joiner
// starts from the file's current content.
func (e *Engine) Open(roomID, relPath, seedText string) *Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	room, ok := e.docs[roomID]
	if !ok {
		room = make(map[string]*Document)
		e.docs[roomID] = room
	}
	doc, ok := room[relPath]
	if !ok {
		doc = NewDocument("server:" + roomID)
		doc.SeedText(seedText)
		room[relPath] = doc
		logger.Debug("crdt: opened document %s/%s (%d seed ops)", roomID, relPath, len(doc.History()))
	}
	return doc
}

// Lookup returns the document for (roomID, relPath) if it exists
func (e *Engine) Lookup(roomID, relPath string) (*Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.docs[roomID]
	if !ok {
		return nil, false
	}
	doc, ok := room[relPath]
	return doc, ok
}

// DropRoom releases every document belonging to roomID. Committed edits
// already applied by other rooms' documents are unaffected.
func (e *Engine) DropRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if room, ok := e.docs[roomID]; ok {
		logger.Debug("crdt: dropping %d documents of room %s", len(room), roomID)
		delete(e.docs, roomID)
	}
}

// DocCount reports how many documents are live for roomID
func (e *Engine) DocCount(roomID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs[roomID])
}
