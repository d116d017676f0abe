// Package ideclienttest provides an in-memory Gateway that records
// outbound traffic for assertions in controller tests.
package ideclienttest

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	ideclient "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client"
)

// Response is one recorded reply.
type Response struct {
	ID     jsonrpc2.ID
	Result interface{}
}

// ErrorReply is one recorded error reply.
type ErrorReply struct {
	ID      jsonrpc2.ID
	Code    jsonrpc2.Code
	Message string
}

// Notification is one recorded outbound notification.
type Notification struct {
	Method string
	Params interface{}
}

// Request is one recorded server-originated request.
type Request struct {
	ID     jsonrpc2.ID
	Method string
	Params interface{}
}

// Recorder captures every message a controller sends to the editor.
type Recorder struct {
	mu sync.Mutex

	responses     []Response
	errors        []ErrorReply
	notifications []Notification
	requests      []Request
	diagnostics   []*protocol.PublishDiagnosticsParams
	messages      []*protocol.ShowMessageParams
	operations    []*entity.ShowOperationParams
}

var _ ideclient.Gateway = (*Recorder)(nil)

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// Attach is a no-op; the recorder has no wire stream.
func (r *Recorder) Attach(stream jsonrpc2.Stream) {}

// SendResponse records a reply.
func (r *Recorder) SendResponse(ctx context.Context, id jsonrpc2.ID, result interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, Response{ID: id, Result: result})
	return nil
}

// SendError records an error reply.
func (r *Recorder) SendError(ctx context.Context, id jsonrpc2.ID, code jsonrpc2.Code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ErrorReply{ID: id, Code: code, Message: message})
	return nil
}

// SendNotification records a notification.
func (r *Recorder) SendNotification(ctx context.Context, method string, params interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{Method: method, Params: params})
	return nil
}

// SendRequest records a server-originated request and mints an id for it.
func (r *Recorder) SendRequest(ctx context.Context, method string, params interface{}) (jsonrpc2.ID, error) {
	id := jsonrpc2.NewStringID(uuid.Must(uuid.NewV4()).String())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, Request{ID: id, Method: method, Params: params})
	return id, nil
}

// PublishDiagnostics records a diagnostics publication.
func (r *Recorder) PublishDiagnostics(ctx context.Context, params *protocol.PublishDiagnosticsParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, params)
	return nil
}

// ShowMessage records a window/showMessage notification.
func (r *Recorder) ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, params)
	return nil
}

// ShowOperation records an operation status notification.
func (r *Recorder) ShowOperation(ctx context.Context, params *entity.ShowOperationParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, params)
	return nil
}

// RegisterCapability records a capability registration request.
func (r *Recorder) RegisterCapability(ctx context.Context, params *protocol.RegistrationParams) (jsonrpc2.ID, error) {
	return r.SendRequest(ctx, protocol.MethodClientRegisterCapability, params)
}

// UnregisterCapability records a capability unregistration request.
func (r *Recorder) UnregisterCapability(ctx context.Context, params *protocol.UnregistrationParams) (jsonrpc2.ID, error) {
	return r.SendRequest(ctx, protocol.MethodClientUnregisterCapability, params)
}

// Responses returns the recorded replies.
func (r *Recorder) Responses() []Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Response(nil), r.responses...)
}

// ErrorReplies returns the recorded error replies.
func (r *Recorder) ErrorReplies() []ErrorReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReply(nil), r.errors...)
}

// Notifications returns the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Requests returns the recorded server-originated requests.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Diagnostics returns the recorded diagnostics publications.
func (r *Recorder) Diagnostics() []*protocol.PublishDiagnosticsParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.PublishDiagnosticsParams(nil), r.diagnostics...)
}

// Messages returns the recorded window messages.
func (r *Recorder) Messages() []*protocol.ShowMessageParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.ShowMessageParams(nil), r.messages...)
}

// Operations returns the recorded operation notifications.
func (r *Recorder) Operations() []*entity.ShowOperationParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entity.ShowOperationParams(nil), r.operations...)
}

// Reset clears everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = nil
	r.errors = nil
	r.notifications = nil
	r.requests = nil
	r.diagnostics = nil
	r.messages = nil
	r.operations = nil
}
