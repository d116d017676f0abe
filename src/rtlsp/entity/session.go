package entity

import (
	"github.com/gofrs/uuid"
	"go.lsp.dev/protocol"
)

// ConnectionPhase tracks where the editor connection sits in its lifecycle.
type ConnectionPhase int

// Connection lifecycle phases, in order.
const (
	PhaseUninitialized ConnectionPhase = iota
	PhaseInitializing
	PhaseRunning
	PhaseShuttingDown
	PhaseExited
)

// String implements fmt.Stringer.
func (p ConnectionPhase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shuttingdown"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Session represents the single active editor connection.
type Session struct {
	UUID             uuid.UUID
	Phase            ConnectionPhase
	RootURI          string
	RootPath         string
	InitializeParams *protocol.InitializeParams

	// Client capabilities consumed during initialize.
	SnippetSupport                 bool
	SupportsOperationNotifications bool

	// OpenFiles is the set of documents currently open in the editor, by
	// workspace-relative path. Edits to files outside this set arrive only
	// through watcher updates.
	OpenFiles map[string]struct{}
}

// NewSession returns a Session in the uninitialized phase.
func NewSession(id uuid.UUID) *Session {
	return &Session{
		UUID:      id,
		Phase:     PhaseUninitialized,
		OpenFiles: make(map[string]struct{}),
	}
}

// IsOpen reports whether path is currently open in the editor.
func (s *Session) IsOpen(path string) bool {
	_, ok := s.OpenFiles[path]
	return ok
}
