// Package entity contains the core domain types for the rtlsp daemon.
package entity

import (
	"encoding/json"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

// Message is the queue-side envelope for a single incoming LSP message.
// Requests carry an ID; notifications do not.
type Message struct {
	ID     jsonrpc2.ID
	HasID  bool
	Method string
	Params json.RawMessage

	// IsResponse marks a reply to a server-originated request: an id plus
	// result or error, no method. Routed through the reply registry.
	IsResponse bool
	Result     json.RawMessage
	Err        error

	// Canceled is set by the reader goroutine when a $/cancelRequest targets
	// this message while it is still queued or in flight.
	Canceled bool

	ReceivedAt time.Time

	// DidChange holds the decoded params when Method is
	// textDocument/didChange, so consecutive edits to the same document can
	// be merged without re-decoding.
	DidChange *protocol.DidChangeTextDocumentParams

	// Watchman holds the decoded params for file change notifications so
	// consecutive updates can be merged by file-list union.
	Watchman *WatchmanFileChangeParams
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.HasID && !m.IsResponse
}

// WatchmanFileChangeParams mirrors the payload of sorbet/watchmanFileChange.
type WatchmanFileChangeParams struct {
	Files []string `json:"files"`
}

// ShowOperationStatus marks the beginning or end of a long-running operation.
type ShowOperationStatus string

// Valid ShowOperationStatus values.
const (
	OperationStart ShowOperationStatus = "start"
	OperationEnd   ShowOperationStatus = "end"
)

// ShowOperationParams is the payload of the sorbet/showOperation notification.
type ShowOperationParams struct {
	OperationName string              `json:"operationName"`
	Description   string              `json:"description"`
	Status        ShowOperationStatus `json:"status"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID int32 `json:"id"`
}
