// Package ideclient sends outbound responses, notifications, and
// server-originated requests to the editor. All writes go through the
// attached stream; only the dispatch goroutine may call the send methods.
package ideclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _errSendToClient = "sending message to IDE: %w"

// Gateway is used to send outbound messages to the IDE.
type Gateway interface {
	// Attach installs the wire stream. Must be called before any send.
	Attach(stream jsonrpc2.Stream)

	SendResponse(ctx context.Context, id jsonrpc2.ID, result interface{}) error
	SendError(ctx context.Context, id jsonrpc2.ID, code jsonrpc2.Code, message string) error
	SendNotification(ctx context.Context, method string, params interface{}) error
	// SendRequest issues a server-originated request and returns its id so
	// the caller can register a reply handler.
	SendRequest(ctx context.Context, method string, params interface{}) (jsonrpc2.ID, error)

	PublishDiagnostics(ctx context.Context, params *protocol.PublishDiagnosticsParams) error
	ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error
	ShowOperation(ctx context.Context, params *entity.ShowOperationParams) error
	RegisterCapability(ctx context.Context, params *protocol.RegistrationParams) (jsonrpc2.ID, error)
	UnregisterCapability(ctx context.Context, params *protocol.UnregistrationParams) (jsonrpc2.ID, error)
}

// Params defines the dependencies of this gateway.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type gateway struct {
	mu     sync.Mutex
	stream jsonrpc2.Stream
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New returns a Gateway for sending IDE messages.
func New(p Params) Gateway {
	return &gateway{
		logger: p.Logger,
		stats:  p.Stats.SubScope("ide_client"),
	}
}

func (g *gateway) Attach(stream jsonrpc2.Stream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stream = stream
}

func (g *gateway) write(ctx context.Context, msg jsonrpc2.Message) error {
	g.mu.Lock()
	stream := g.stream
	g.mu.Unlock()
	if stream == nil {
		return fmt.Errorf(_errSendToClient, fmt.Errorf("no stream attached"))
	}
	if _, err := stream.Write(ctx, msg); err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	return nil
}

func (g *gateway) SendResponse(ctx context.Context, id jsonrpc2.ID, result interface{}) error {
	resp, err := jsonrpc2.NewResponse(id, result, nil)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	g.stats.Counter("responses_sent").Inc(1)
	return g.write(ctx, resp)
}

func (g *gateway) SendError(ctx context.Context, id jsonrpc2.ID, code jsonrpc2.Code, message string) error {
	resp, err := jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(code, message))
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	g.stats.Counter("errors_sent").Inc(1)
	return g.write(ctx, resp)
}

func (g *gateway) SendNotification(ctx context.Context, method string, params interface{}) error {
	msg, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}
	g.stats.Counter("notifications_sent").Inc(1)
	return g.write(ctx, msg)
}

func (g *gateway) SendRequest(ctx context.Context, method string, params interface{}) (jsonrpc2.ID, error) {
	id := jsonrpc2.NewStringID(uuid.Must(uuid.NewV4()).String())
	msg, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return jsonrpc2.ID{}, fmt.Errorf(_errSendToClient, err)
	}
	g.stats.Counter("requests_sent").Inc(1)
	if err := g.write(ctx, msg); err != nil {
		return jsonrpc2.ID{}, err
	}
	return id, nil
}

func (g *gateway) PublishDiagnostics(ctx context.Context, params *protocol.PublishDiagnosticsParams) error {
	return g.SendNotification(ctx, protocol.MethodTextDocumentPublishDiagnostics, params)
}

func (g *gateway) ShowMessage(ctx context.Context, params *protocol.ShowMessageParams) error {
	return g.SendNotification(ctx, protocol.MethodWindowShowMessage, params)
}

func (g *gateway) ShowOperation(ctx context.Context, params *entity.ShowOperationParams) error {
	return g.SendNotification(ctx, entity.MethodShowOperation, params)
}

func (g *gateway) RegisterCapability(ctx context.Context, params *protocol.RegistrationParams) (jsonrpc2.ID, error) {
	return g.SendRequest(ctx, protocol.MethodClientRegisterCapability, params)
}

func (g *gateway) UnregisterCapability(ctx context.Context, params *protocol.UnregistrationParams) (jsonrpc2.ID, error) {
	return g.SendRequest(ctx, protocol.MethodClientUnregisterCapability, params)
}
