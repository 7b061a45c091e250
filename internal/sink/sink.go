// Package sink mirrors workspace, file, membership, and chat events to a
// durable SQLite database. Writes are best-effort: they happen on a
// background worker, never block or roll back the in-memory state, and
// failures are reported only to the initiating caller.
package sink

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/coderoom/internal/logger"
)

// Sink is the durable record consumed by the workspace registry. Every
// method is fire-and-forget; onErr (optional) is invoked from the worker
// goroutine when the write fails.
type Sink interface {
	InsertWorkspace(id, name, ownerID string, onErr func(error))
	InsertFile(name, path, workspaceID, kind string, onErr func(error))
	InsertMembership(userID, role, workspaceID string, onErr func(error))
	InsertChatMessage(roomID, username, message string, ts time.Time, onErr func(error))
	Close() error
}

type job struct {
	desc  string
	run   func(*sql.DB) error
	onErr func(error)
}

// Store is the SQLite-backed Sink
type Store struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
}

// NewStore opens (creating if needed) the sink database at dbPath and
// starts the background writer.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:   db,
		jobs: make(chan job, 256),
		done: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	go s.worker()
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workspace_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_workspace ON files(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_members_workspace ON workspace_members(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_chat_room ON chat_messages(room_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sink schema: %w", err)
	}
	return nil
}

func (s *Store) worker() {
	for j := range s.jobs {
		if err := j.run(s.db); err != nil {
			logger.Error("sink: %s failed: %v", j.desc, err)
			if j.onErr != nil {
				j.onErr(fmt.Errorf("sink write failed (%s): %w", j.desc, err))
			}
		}
	}
	close(s.done)
}

func (s *Store) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		logger.Warn("sink: queue full, dropping %s", j.desc)
		if j.onErr != nil {
			j.onErr(fmt.Errorf("sink write dropped (%s): queue full", j.desc))
		}
	}
}

// InsertWorkspace records workspace creation
func (s *Store) InsertWorkspace(id, name, ownerID string, onErr func(error)) {
	s.enqueue(job{
		desc:  "insert workspace " + id,
		onErr: onErr,
		run: func(db *sql.DB) error {
			_, err := db.Exec(
				`INSERT INTO workspaces (id, name, owner_id) VALUES (?, ?, ?)`,
				id, name, ownerID)
			return err
		},
	})
}

// InsertFile records a file or directory creation
func (s *Store) InsertFile(name, path, workspaceID, kind string, onErr func(error)) {
	s.enqueue(job{
		desc:  "insert file " + path,
		onErr: onErr,
		run: func(db *sql.DB) error {
			_, err := db.Exec(
				`INSERT INTO files (name, path, workspace_id, type) VALUES (?, ?, ?, ?)`,
				name, path, workspaceID, kind)
			return err
		},
	})
}

// InsertMembership records a member joining a workspace
func (s *Store) InsertMembership(userID, role, workspaceID string, onErr func(error)) {
	s.enqueue(job{
		desc:  "insert membership " + userID,
		onErr: onErr,
		run: func(db *sql.DB) error {
			_, err := db.Exec(
				`INSERT INTO workspace_members (user_id, role, workspace_id) VALUES (?, ?, ?)`,
				userID, role, workspaceID)
			return err
		},
	})
}

// InsertChatMessage records one chat message
func (s *Store) InsertChatMessage(roomID, username, message string, ts time.Time, onErr func(error)) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.enqueue(job{
		desc:  "insert chat message for " + roomID,
		onErr: onErr,
		run: func(db *sql.DB) error {
			_, err := db.Exec(
				`INSERT INTO chat_messages (room_id, username, message, created_at) VALUES (?, ?, ?, ?)`,
				roomID, username, message, ts)
			return err
		},
	})
}

// Flush blocks until all queued writes at call time have been attempted.
// Intended for tests and shutdown.
func (s *Store) Flush() {
	ack := make(chan struct{})
	s.jobs <- job{
		desc: "flush",
		run: func(*sql.DB) error {
			close(ack)
			return nil
		},
	}
	<-ack
}

// Close drains the queue and closes the database
func (s *Store) Close() error {
	close(s.jobs)
	<-s.done
	return s.db.Close()
}

// Discard is a Sink that drops everything, used when mirroring is
// disabled.
type Discard struct{}

func (Discard) InsertWorkspace(string, string, string, func(error)) {}

func (Discard) InsertFile(string, string, string, string, func(error)) {}

func (Discard) InsertMembership(string, string, string, func(error)) {}

func (Discard) InsertChatMessage(string, string, string, time.Time, func(error)) {}

func (Discard) Close() error { return nil }
