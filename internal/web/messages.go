package web

import (
	"encoding/json"
	"time"

	"github.com/codefionn/coderoom/internal/crdt"
	"github.com/codefionn/coderoom/internal/tree"
)

// Client-to-server events
const (
	EventCreateRoom       = "create-room"
	EventJoinRoom         = "join-room"
	EventFetchFiles       = "fetch-files"
	EventFetchFileContent = "fetch-file-content"
	EventUpdateFile       = "update-file"
	EventCreateFile       = "create-file"
	EventExecuteCode      = "execute-code"
	EventChatMessage      = "chat-message"
	EventDocOpen          = "doc-open"
	EventDocEdit          = "doc-edit"
)

// Server-to-client events
const (
	EventRoomCreated     = "room-created"
	EventRoomJoined      = "room-joined"
	EventFileUpdated     = "file-updated"
	EventFileStructure   = "file-structure"
	EventFileContent     = "file-content"
	EventExecutionResult = "execution-result"
	EventDocState        = "doc-state"
	EventError           = "error"
)

// Envelope is the wire frame for every message in either direction
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound message before marshalling
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Request payloads

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type FilePathRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
}

type UpdateFileRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

type CreateFileRequest struct {
	RoomID string `json:"roomId"`
	Path   string `json:"path"`
	Type   string `json:"type"`
}

type ExecuteCodeRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
	Code     string `json:"code"`
}

type ChatMessageData struct {
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type DocEditRequest struct {
	RoomID   string  `json:"roomId"`
	FilePath string  `json:"filePath"`
	Op       crdt.Op `json:"op"`
}

// Response payloads

type FileContentData struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

type ExecutionResultData struct {
	FilePath string `json:"filePath"`
	Output   string `json:"output"`
}

type DocStateData struct {
	FilePath string    `json:"filePath"`
	Ops      []crdt.Op `json:"ops"`
}

type DocEditData struct {
	FilePath string  `json:"filePath"`
	Op       crdt.Op `json:"op"`
}

// TreeData is the payload of file-updated and file-structure events
type TreeData []*tree.Node

func errorEvent(message string) *Event {
	return &Event{Event: EventError, Data: message}
}
