package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/coderoom/internal/logger"
	"github.com/codefionn/coderoom/internal/pathguard"
	"github.com/codefionn/coderoom/internal/registry"
	"github.com/codefionn/coderoom/internal/sandbox"
	"github.com/codefionn/coderoom/internal/tree"
)

// Dispatcher decodes client envelopes and routes them through the
// workspace registry. Request-scoped failures are reported only to the
// originating client; broadcasts go through the hub.
type Dispatcher struct {
	reg *registry.Registry
	hub *Hub
}

// NewDispatcher creates a dispatcher over reg publishing through hub
func NewDispatcher(reg *registry.Registry, hub *Hub) *Dispatcher {
	return &Dispatcher{reg: reg, hub: hub}
}

// HandleDisconnect implements Handler
func (d *Dispatcher) HandleDisconnect(clientID string) {
	d.reg.Disconnect(clientID)
}

// HandleEvent implements Handler
func (d *Dispatcher) HandleEvent(c *Client, env *Envelope) {
	switch env.Event {
	case EventCreateRoom:
		d.handleCreateRoom(c, env.Data)
	case EventJoinRoom:
		d.handleJoinRoom(c, env.Data)
	case EventFetchFiles:
		d.handleFetchFiles(c, env.Data)
	case EventFetchFileContent:
		d.handleFetchFileContent(c, env.Data)
	case EventUpdateFile:
		d.handleUpdateFile(c, env.Data)
	case EventCreateFile:
		d.handleCreateFile(c, env.Data)
	case EventExecuteCode:
		d.handleExecuteCode(c, env.Data)
	case EventChatMessage:
		d.handleChatMessage(c, env.Data)
	case EventDocOpen:
		d.handleDocOpen(c, env.Data)
	case EventDocEdit:
		d.handleDocEdit(c, env.Data)
	default:
		logger.Warn("Unknown event %q from %s", env.Event, c.ID)
		c.SendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

// roomID payloads arrive either as a bare string or as {"roomId": ...}
func decodeRoomID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var req RoomRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", err
	}
	return req.RoomID, nil
}

// sinkErrReporter surfaces a failed sink mirror to the initiating client
// as a non-fatal error event. The in-memory operation stands.
func sinkErrReporter(c *Client) func(error) {
	return func(err error) {
		c.SendError(err.Error())
	}
}

// errorMessage maps internal failures to client-facing text
func errorMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrRoomExists):
		return "Room already exists"
	case errors.Is(err, registry.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, pathguard.ErrEscapesRoot):
		return "Invalid file path"
	case errors.Is(err, tree.ErrNotFound):
		return "File not found"
	case errors.Is(err, tree.ErrAlreadyExists):
		return "File or directory already exists"
	case errors.Is(err, sandbox.ErrBusy):
		return "Execution already in progress for this file"
	case errors.Is(err, registry.ErrInvalidRequest):
		return "Invalid request"
	default:
		return err.Error()
	}
}

func (d *Dispatcher) handleCreateRoom(c *Client, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil || roomID == "" {
		c.SendError("Invalid room id")
		return
	}

	snapshot, err := d.reg.CreateRoom(roomID, c.ID, sinkErrReporter(c))
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}

	c.SendEvent(EventRoomCreated, roomID)
	c.SendEvent(EventFileUpdated, TreeData(snapshot))
}

func (d *Dispatcher) handleJoinRoom(c *Client, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil || roomID == "" {
		c.SendError("Invalid room id")
		return
	}

	snapshot, err := d.reg.JoinRoom(roomID, c.ID, sinkErrReporter(c))
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}

	c.SendEvent(EventFileUpdated, TreeData(snapshot))
	c.SendEvent(EventFileStructure, TreeData(snapshot))
	c.SendEvent(EventRoomJoined, roomID)
}

func (d *Dispatcher) handleFetchFiles(c *Client, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil || roomID == "" {
		c.SendError("Invalid room id")
		return
	}

	snapshot, err := d.reg.Snapshot(roomID)
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}
	c.SendEvent(EventFileUpdated, TreeData(snapshot))
}

func (d *Dispatcher) handleFetchFileContent(c *Client, raw json.RawMessage) {
	var req FilePathRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.FilePath == "" {
		c.SendError("Invalid file request")
		return
	}

	content, err := d.reg.ReadFile(req.RoomID, req.FilePath)
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}
	c.SendEvent(EventFileContent, FileContentData{FilePath: req.FilePath, Content: content})
}

func (d *Dispatcher) handleUpdateFile(c *Client, raw json.RawMessage) {
	var req UpdateFileRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.FilePath == "" {
		c.SendError("Invalid file update request")
		return
	}

	// Success is silent; only failures are reported.
	if err := d.reg.UpdateFile(req.RoomID, req.FilePath, req.Content); err != nil {
		c.SendError(errorMessage(err))
	}
}

func (d *Dispatcher) handleCreateFile(c *Client, raw json.RawMessage) {
	var req CreateFileRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.Path == "" {
		c.SendError("Invalid file create request")
		return
	}
	if req.Type != tree.KindFile && req.Type != tree.KindDirectory {
		c.SendError("Invalid node type")
		return
	}

	snapshot, err := d.reg.CreateFile(req.RoomID, req.Path, req.Type, sinkErrReporter(c))
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}
	d.hub.Publish(req.RoomID, EventFileUpdated, TreeData(snapshot))
}

func (d *Dispatcher) handleExecuteCode(c *Client, raw json.RawMessage) {
	var req ExecuteCodeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.FilePath == "" {
		c.SendError("Invalid execution request")
		return
	}

	result, err := d.reg.ExecuteCode(context.Background(), req.RoomID, req.FilePath, req.Code)
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}

	output := result.Stdout
	switch {
	case result.TimedOut:
		output = result.Stderr
		if output != "" {
			output += "\n"
		}
		output += "Execution timed out"
	case result.ExitCode != 0:
		output = result.Stderr
		if output == "" {
			output = fmt.Sprintf("Process exited with code %d", result.ExitCode)
		}
	}

	c.SendEvent(EventExecutionResult, ExecutionResultData{FilePath: req.FilePath, Output: output})
}

func (d *Dispatcher) handleChatMessage(c *Client, raw json.RawMessage) {
	var data ChatMessageData
	if err := json.Unmarshal(raw, &data); err != nil || data.RoomID == "" || data.Username == "" || data.Message == "" {
		c.SendError("Invalid chat message")
		return
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now().UTC()
	}

	// Mirror failure must not suppress the broadcast.
	if err := d.reg.Chat(data.RoomID, data.Username, data.Message, data.Timestamp, sinkErrReporter(c)); err != nil {
		c.SendError(errorMessage(err))
		return
	}
	d.hub.Publish(data.RoomID, EventChatMessage, data)
}

func (d *Dispatcher) handleDocOpen(c *Client, raw json.RawMessage) {
	var req FilePathRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.FilePath == "" {
		c.SendError("Invalid document request")
		return
	}

	doc, err := d.reg.OpenDocument(req.RoomID, req.FilePath)
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}
	c.SendEvent(EventDocState, DocStateData{FilePath: req.FilePath, Ops: doc.History()})
}

func (d *Dispatcher) handleDocEdit(c *Client, raw json.RawMessage) {
	var req DocEditRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" || req.FilePath == "" {
		c.SendError("Invalid document edit")
		return
	}

	_, fresh, err := d.reg.ApplyEdit(req.RoomID, req.FilePath, req.Op)
	if err != nil {
		c.SendError(errorMessage(err))
		return
	}
	if fresh {
		d.hub.PublishExcept(req.RoomID, c.ID, EventDocEdit, DocEditData{FilePath: req.FilePath, Op: req.Op})
	}
}
