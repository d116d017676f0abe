// Package loop owns the editor connection: the reader goroutine that
// pre-processes incoming traffic into the queue, and the single dispatch
// goroutine that owns the GlobalState, the session phase, and every
// outbound write.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/controller/query"
	"github.com/rubytyper/rtlsp/src/rtlsp/controller/typecheck"
	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	ideclient "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client"
	"github.com/rubytyper/rtlsp/src/rtlsp/gateway/watcher"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/clock"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/counters"
	rtlsperrors "github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/fs"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
	"github.com/rubytyper/rtlsp/src/rtlsp/mapper"
	"github.com/rubytyper/rtlsp/src/rtlsp/repository/session"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _configKey = "loop"

const _metricsFlushInterval = 5 * time.Minute

const (
	_msgRequestCanceled    = "Request was canceled"
	_msgMissingParams      = "Expected parameters, but found none."
	_msgNotInitialized     = "Server not initialized"
	_msgAlreadyInitialized = "Server already initialized"
	_msgShuttingDown       = "Server is shutting down"
)

// Features toggles the query surface announced during initialize.
type Features struct {
	Definition      bool `yaml:"definition"`
	Hover           bool `yaml:"hover"`
	References      bool `yaml:"references"`
	Completion      bool `yaml:"completion"`
	SignatureHelp   bool `yaml:"signatureHelp"`
	DocumentSymbol  bool `yaml:"documentSymbol"`
	WorkspaceSymbol bool `yaml:"workspaceSymbol"`
}

// Config tunes the request pipeline.
type Config struct {
	Features         Features `yaml:"features"`
	IgnorePatterns   []string `yaml:"ignorePatterns"`
	SourceExtensions []string `yaml:"sourceExtensions"`
	EnableWatcher    bool     `yaml:"enableWatcher"`

	// CollectQueueCounters snapshots the worker counters into the queue on
	// every enqueue, for debugging queue stalls.
	CollectQueueCounters bool `yaml:"collectQueueCounters"`
}

func defaultConfig() Config {
	return Config{
		Features: Features{
			Definition:      true,
			Hover:           true,
			References:      true,
			Completion:      true,
			SignatureHelp:   true,
			DocumentSymbol:  true,
			WorkspaceSymbol: true,
		},
		SourceExtensions: []string{".rb"},
		EnableWatcher:    true,
	}
}

// ReplyHandler consumes the editor's answer to a server-originated request.
// Handlers must not capture the GlobalState; they run on the dispatch
// goroutine and may only reference the controller.
type ReplyHandler func(ctx context.Context, result json.RawMessage, err error)

// Controller runs the LSP connection lifecycle.
type Controller interface {
	// Serve reads from stream until exit or disconnect. It starts the
	// reader goroutine and runs the dispatch loop on the calling goroutine.
	Serve(ctx context.Context, stream jsonrpc2.Stream) error

	// EnqueueMessage pre-processes one message into the queue. Safe to call
	// from the reader goroutine or a watcher callback.
	EnqueueMessage(msg *entity.Message)

	// ProcessRequests enqueues msgs and drains the queue synchronously on
	// the calling goroutine, for embedders that own their own read loop.
	ProcessRequests(ctx context.Context, msgs []*entity.Message) error
}

// Params defines the dependencies of this controller.
type Params struct {
	fx.In

	Sessions   session.Repository
	IdeGateway ideclient.Gateway
	Watcher    watcher.Gateway
	Typecheck  typecheck.Controller
	Queries    query.Controller
	FS         fs.WorkspaceFS
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
	Config     config.Provider
	Counters   *counters.Registry
}

type messageQueue struct {
	mu       sync.Mutex
	wake     chan struct{}
	pending  []*entity.Message
	inflight *entity.Message
	paused   bool
	closed   bool

	// counters holds the last worker-counter snapshot when
	// collectQueueCounters is on.
	counters map[string]int64
}

type controller struct {
	sessions   session.Repository
	ideGateway ideclient.Gateway
	watcher    watcher.Gateway
	typecheck  typecheck.Controller
	queries    query.Controller
	fs         fs.WorkspaceFS
	clock      clock.Clock
	logger     *zap.SugaredLogger
	stats      tally.Scope
	counters   *counters.Registry

	cfg Config

	queue messageQueue

	// initialized gates pre-initialization watcher deferral on the reader
	// side; everything else reads the session phase.
	initialized atomic.Bool

	deferredMu    sync.Mutex
	deferredFiles map[string]struct{}

	// Dispatch-goroutine state. gs is the current typechecked state handed
	// to query handlers; replyHandlers routes editor responses to
	// server-originated requests.
	gs                *state.GlobalState
	replyHandlers     map[jsonrpc2.ID]ReplyHandler
	watchRegistration string
	done              bool
}

// New builds the request pipeline.
func New(p Params) Controller {
	cfg := defaultConfig()
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		p.Logger.Warnw("reading loop config, using defaults", "error", err)
	}

	c := &controller{
		sessions:      p.Sessions,
		ideGateway:    p.IdeGateway,
		watcher:       p.Watcher,
		typecheck:     p.Typecheck,
		queries:       p.Queries,
		fs:            p.FS,
		clock:         p.Clock,
		logger:        p.Logger.With("component", _configKey),
		stats:         p.Stats.SubScope("loop"),
		counters:      p.Counters,
		cfg:           cfg,
		deferredFiles: make(map[string]struct{}),
		replyHandlers: make(map[jsonrpc2.ID]ReplyHandler),
	}
	c.queue.wake = make(chan struct{}, 1)
	return c
}

func (c *controller) Serve(ctx context.Context, stream jsonrpc2.Stream) error {
	c.ideGateway.Attach(stream)
	if _, err := c.ensureSession(ctx); err != nil {
		return fmt.Errorf("starting editor session: %w", err)
	}

	readerDone := make(chan struct{})
	go c.readLoop(ctx, stream, readerDone)

	err := c.dispatch(ctx)

	if err != nil {
		params := &protocol.ShowMessageParams{
			Type:    protocol.MessageTypeError,
			Message: fmt.Sprintf("rtlsp terminating: %v", err),
		}
		if serr := c.ideGateway.ShowMessage(ctx, params); serr != nil {
			c.logger.Debugw("sending terminal error message", "error", serr)
		}
	}

	if werr := c.watcher.Stop(); werr != nil {
		c.logger.Debugw("stopping file watcher", "error", werr)
	}
	stream.Close()
	<-readerDone
	c.counters.FlushTo(c.stats)

	if err != nil {
		return fmt.Errorf("serving editor connection: %w", err)
	}
	return nil
}

func (c *controller) ProcessRequests(ctx context.Context, msgs []*entity.Message) error {
	if _, err := c.ensureSession(ctx); err != nil {
		return err
	}
	for _, msg := range msgs {
		c.EnqueueMessage(msg)
	}
	for {
		msg, ok := c.takeNext()
		if !ok {
			return nil
		}
		err := c.processMessage(ctx, msg)
		c.finishMessage()
		if err != nil {
			return err
		}
		if c.done {
			return nil
		}
	}
}

// ensureSession returns the active session, creating one when this is a
// fresh connection.
func (c *controller) ensureSession(ctx context.Context) (*entity.Session, error) {
	if s, err := c.sessions.Get(ctx); err == nil {
		return s, nil
	}
	s := entity.NewSession(uuid.Must(uuid.NewV4()))
	if err := c.sessions.Set(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// readLoop decodes wire messages and feeds them through pre-processing.
// It is the only goroutine reading the stream.
func (c *controller) readLoop(ctx context.Context, stream jsonrpc2.Stream, done chan struct{}) {
	defer close(done)
	for {
		raw, _, err := stream.Read(ctx)
		if err != nil {
			c.logger.Debugw("reader stopped", "error", err)
			c.closeQueue()
			return
		}
		if msg := c.messageFromWire(raw); msg != nil {
			c.EnqueueMessage(msg)
		}
	}
}

func (c *controller) messageFromWire(raw jsonrpc2.Message) *entity.Message {
	now := c.clock.Now()
	switch m := raw.(type) {
	case *jsonrpc2.Call:
		return &entity.Message{ID: m.ID(), HasID: true, Method: m.Method(), Params: m.Params(), ReceivedAt: now}
	case *jsonrpc2.Notification:
		return &entity.Message{Method: m.Method(), Params: m.Params(), ReceivedAt: now}
	case *jsonrpc2.Response:
		return &entity.Message{ID: m.ID(), HasID: true, IsResponse: true, Result: m.Result(), Err: m.Err(), ReceivedAt: now}
	}
	c.logger.Debugw("dropping unrecognized wire message")
	return nil
}

// EnqueueMessage applies the pre-processing rules in order: pause and
// resume toggles, cancellation, pre-initialization deferral of watcher
// updates, watcher-update and edit merging, and the optional counter snapshot.
func (c *controller) EnqueueMessage(msg *entity.Message) {
	q := &c.queue

	switch msg.Method {
	case entity.MethodPause:
		q.mu.Lock()
		q.paused = true
		q.mu.Unlock()
		return
	case entity.MethodResume:
		q.mu.Lock()
		q.paused = false
		q.mu.Unlock()
		c.signalWake()
		return
	case entity.MethodCancelRequest:
		c.cancelPending(msg)
		return
	case protocol.MethodWorkspaceDidChangeWatchedFiles:
		// The standard tag feeds the same path as the vendor one.
		c.normalizeWatchedFiles(msg)
	case entity.MethodWatchmanFileChange:
		c.decodeWatchman(msg)
	case protocol.MethodTextDocumentDidChange:
		c.decodeDidChange(msg)
	}

	if msg.Method == entity.MethodWatchmanFileChange && msg.Watchman != nil && !c.initialized.Load() {
		c.deferredMu.Lock()
		for _, f := range msg.Watchman.Files {
			c.deferredFiles[f] = struct{}{}
		}
		c.deferredMu.Unlock()
		c.stats.Counter("messages_deferred").Inc(1)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if c.mergeIntoTail(msg) {
		c.stats.Counter("messages_merged").Inc(1)
	} else {
		q.pending = append(q.pending, msg)
	}
	if c.cfg.CollectQueueCounters {
		q.counters = c.counters.Snapshot()
	}
	c.stats.Gauge("queue_depth").Update(float64(len(q.pending)))
	c.signalWake()
}

// cancelPending marks the target request canceled wherever it currently
// lives. A queued target keeps its slot so the error response preserves
// queue order; an in-flight target relies on the handler's own flag check.
func (c *controller) cancelPending(msg *entity.Message) {
	params, err := mapper.BytesToCancelParams(msg.Params)
	if err != nil {
		c.logger.Debugw("dropping malformed cancel request", "error", err)
		return
	}
	target := jsonrpc2.NewNumberID(params.ID)

	q := &c.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, pending := range q.pending {
		if pending.IsRequest() && pending.ID == target && !pending.Canceled {
			pending.Canceled = true
			c.stats.Counter("messages_canceled").Inc(1)
			return
		}
	}
	if q.inflight != nil && q.inflight.IsRequest() && q.inflight.ID == target {
		q.inflight.Canceled = true
		c.stats.Counter("messages_canceled").Inc(1)
	}
}

// mergeIntoTail coalesces msg with the newest queued message when both are
// the same kind of mergeable notification. Caller holds the queue lock.
func (c *controller) mergeIntoTail(msg *entity.Message) bool {
	q := &c.queue
	if len(q.pending) == 0 {
		return false
	}
	tail := q.pending[len(q.pending)-1]

	if msg.Method == entity.MethodWatchmanFileChange && tail.Method == entity.MethodWatchmanFileChange &&
		msg.Watchman != nil && tail.Watchman != nil {
		seen := make(map[string]struct{}, len(tail.Watchman.Files))
		for _, f := range tail.Watchman.Files {
			seen[f] = struct{}{}
		}
		for _, f := range msg.Watchman.Files {
			if _, ok := seen[f]; !ok {
				tail.Watchman.Files = append(tail.Watchman.Files, f)
			}
		}
		return true
	}

	if msg.Method == protocol.MethodTextDocumentDidChange && tail.Method == protocol.MethodTextDocumentDidChange &&
		msg.DidChange != nil && tail.DidChange != nil &&
		msg.DidChange.TextDocument.URI == tail.DidChange.TextDocument.URI {
		tail.DidChange.ContentChanges = append(tail.DidChange.ContentChanges, msg.DidChange.ContentChanges...)
		return true
	}

	return false
}

// normalizeWatchedFiles rewrites a workspace/didChangeWatchedFiles
// notification into the vendor form so merging and deferral see one shape.
func (c *controller) normalizeWatchedFiles(msg *entity.Message) {
	params, err := mapper.BytesToDidChangeWatchedFilesParams(msg.Params)
	if err != nil {
		// Leave it raw; the dispatch handler surfaces the decode failure.
		return
	}
	files := make([]string, 0, len(params.Changes))
	for _, change := range params.Changes {
		files = append(files, change.URI.Filename())
	}
	msg.Method = entity.MethodWatchmanFileChange
	msg.Watchman = &entity.WatchmanFileChangeParams{Files: files}
}

func (c *controller) decodeWatchman(msg *entity.Message) {
	if msg.Watchman != nil {
		return
	}
	if params, err := mapper.BytesToWatchmanFileChangeParams(msg.Params); err == nil {
		msg.Watchman = params
	}
}

func (c *controller) decodeDidChange(msg *entity.Message) {
	if msg.DidChange != nil {
		return
	}
	if params, err := mapper.BytesToDidChangeTextDocumentParams(msg.Params); err == nil {
		msg.DidChange = params
	}
}

func (c *controller) signalWake() {
	select {
	case c.queue.wake <- struct{}{}:
	default:
	}
}

func (c *controller) closeQueue() {
	c.queue.mu.Lock()
	c.queue.closed = true
	c.queue.mu.Unlock()
	c.signalWake()
}

func (c *controller) isClosed() bool {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	return c.queue.closed
}

func (c *controller) takeNext() (*entity.Message, bool) {
	q := &c.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.pending) == 0 {
		return nil, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight = msg
	return msg, true
}

func (c *controller) finishMessage() {
	c.queue.mu.Lock()
	c.queue.inflight = nil
	c.queue.mu.Unlock()
}

// dispatch is the single-goroutine message loop. Only `await a message`
// suspends; a deadline check at the top drives the periodic counter flush.
func (c *controller) dispatch(ctx context.Context) error {
	deadline := c.clock.Now().Add(_metricsFlushInterval)
	for {
		if !c.clock.Now().Before(deadline) {
			c.counters.FlushTo(c.stats)
			deadline = c.clock.Now().Add(_metricsFlushInterval)
		}

		msg, ok := c.takeNext()
		if !ok {
			if c.isClosed() {
				return nil
			}
			wait := time.NewTimer(deadline.Sub(c.clock.Now()))
			select {
			case <-ctx.Done():
				wait.Stop()
				return ctx.Err()
			case <-c.queue.wake:
				wait.Stop()
			case <-wait.C:
			}
			continue
		}

		err := c.processMessage(ctx, msg)
		c.finishMessage()
		if err != nil {
			return err
		}
		if c.done {
			return nil
		}
	}
}

// processMessage routes one message: responses through the reply registry,
// unknown requests to MethodNotFound, notifications and requests to their
// handlers, with phase gating and central deserialization recovery.
func (c *controller) processMessage(ctx context.Context, msg *entity.Message) error {
	if msg.IsResponse {
		return c.handleReply(ctx, msg)
	}

	info, known := entity.LookupMethod(msg.Method)
	if !known || !info.Supported || info.ServerInitiated {
		if msg.IsRequest() {
			return c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.MethodNotFound, fmt.Sprintf("Unknown method: %s", msg.Method))
		}
		c.logger.Debugw("dropping unknown notification", "method", msg.Method)
		return nil
	}

	s, err := c.sessions.Get(ctx)
	if err != nil {
		return err
	}
	if proceed, gerr := c.gatePhase(ctx, s, msg); !proceed {
		return gerr
	}
	c.counters.Inc("loop.messages_processed", 1)

	if info.Notification {
		return c.recoverDeserialization(ctx, msg, c.handleNotification(ctx, s, msg))
	}

	if msg.Canceled {
		return c.ideGateway.SendError(ctx, msg.ID, entity.CodeRequestCancelled, _msgRequestCanceled)
	}
	return c.recoverDeserialization(ctx, msg, c.handleRequest(ctx, s, msg))
}

// gatePhase enforces the connection state machine. The bool reports
// whether the message may proceed to its handler.
func (c *controller) gatePhase(ctx context.Context, s *entity.Session, msg *entity.Message) (bool, error) {
	switch s.Phase {
	case entity.PhaseUninitialized:
		if msg.Method == protocol.MethodInitialize || msg.Method == protocol.MethodExit {
			return true, nil
		}
		if msg.IsRequest() {
			return false, c.ideGateway.SendError(ctx, msg.ID, entity.CodeServerNotInitialized, _msgNotInitialized)
		}
		c.logger.Debugw("dropping notification before initialize", "method", msg.Method)
		return false, nil
	case entity.PhaseInitializing:
		if msg.Method == protocol.MethodInitialized || msg.Method == protocol.MethodExit {
			return true, nil
		}
		if msg.IsRequest() {
			return false, c.ideGateway.SendError(ctx, msg.ID, entity.CodeServerNotInitialized, _msgNotInitialized)
		}
		c.logger.Debugw("dropping notification during initialization", "method", msg.Method)
		return false, nil
	case entity.PhaseRunning:
		if msg.Method == protocol.MethodInitialize {
			return false, c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.InvalidRequest, _msgAlreadyInitialized)
		}
		return true, nil
	case entity.PhaseShuttingDown:
		if msg.Method == protocol.MethodExit {
			return true, nil
		}
		if msg.IsRequest() {
			return false, c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.InvalidRequest, _msgShuttingDown)
		}
		c.logger.Debugw("dropping notification during shutdown", "method", msg.Method)
		return false, nil
	default:
		return false, nil
	}
}

func (c *controller) handleReply(ctx context.Context, msg *entity.Message) error {
	handler, ok := c.replyHandlers[msg.ID]
	if !ok {
		c.logger.Debugw("dropping unsolicited response", "id", msg.ID)
		return nil
	}
	delete(c.replyHandlers, msg.ID)
	handler(ctx, msg.Result, msg.Err)
	return nil
}

// recoverDeserialization is the central recovery path for malformed
// params: an InvalidParams reply when the message has an id, then an empty
// slow path so the dispatcher still holds a valid state.
func (c *controller) recoverDeserialization(ctx context.Context, msg *entity.Message, err error) error {
	if err == nil {
		return nil
	}
	var de *rtlsperrors.DeserializationError
	if !errors.As(err, &de) {
		return err
	}
	c.logger.Warnw("malformed params", "method", msg.Method, "error", de.Err)
	c.stats.Counter("deserialization_failures").Inc(1)

	if msg.IsRequest() {
		if serr := c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.InvalidParams, de.Error()); serr != nil {
			return serr
		}
	}
	run, rerr := c.typecheck.RunSlowPath(ctx, nil)
	if rerr != nil {
		return rerr
	}
	c.gs = run.GS
	return nil
}

func (c *controller) handleNotification(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	switch msg.Method {
	case protocol.MethodInitialized:
		return c.handleInitialized(ctx, s)
	case protocol.MethodExit:
		return c.handleExit(ctx, s)
	case protocol.MethodTextDocumentDidOpen:
		return c.handleDidOpen(ctx, s, msg)
	case protocol.MethodTextDocumentDidChange:
		return c.handleDidChange(ctx, s, msg)
	case protocol.MethodTextDocumentDidClose:
		return c.handleDidClose(ctx, s, msg)
	case entity.MethodWatchmanFileChange:
		return c.handleWatchmanFileChange(ctx, s, msg)
	case entity.MethodWatchmanExit:
		c.logger.Warnw("file watcher exited")
		c.stats.Counter("watcher_exits").Inc(1)
		return nil
	default:
		c.logger.Debugw("dropping unhandled notification", "method", msg.Method)
		return nil
	}
}

func (c *controller) handleRequest(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	switch msg.Method {
	case protocol.MethodInitialize:
		return c.handleInitialize(ctx, s, msg)
	case protocol.MethodShutdown:
		return c.handleShutdown(ctx, s, msg)
	}

	if !c.featureEnabled(msg.Method) {
		return c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.MethodNotFound, fmt.Sprintf("Unknown method: %s", msg.Method))
	}
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.InvalidParams, _msgMissingParams)
	}

	var err error
	switch msg.Method {
	case protocol.MethodTextDocumentDefinition:
		c.gs, err = c.queries.Definition(ctx, c.gs, msg.ID, msg.Params)
	case protocol.MethodTextDocumentHover:
		c.gs, err = c.queries.Hover(ctx, c.gs, msg.ID, msg.Params)
	case protocol.MethodTextDocumentReferences:
		c.gs, err = c.queries.References(ctx, c.gs, msg.ID, msg.Params)
	case protocol.MethodTextDocumentCompletion:
		c.gs, err = c.queries.Completion(ctx, c.gs, msg.ID, msg.Params)
	case protocol.MethodTextDocumentSignatureHelp:
		c.gs, err = c.queries.SignatureHelp(ctx, c.gs, msg.ID, msg.Params)
	case protocol.MethodTextDocumentDocumentSymbol:
		c.gs, err = c.queries.DocumentSymbol(ctx, c.gs, msg.ID, msg.Params)
	case entity.MethodWorkspaceSymbol:
		c.gs, err = c.queries.WorkspaceSymbol(ctx, c.gs, msg.ID, msg.Params)
	default:
		return c.ideGateway.SendError(ctx, msg.ID, jsonrpc2.MethodNotFound, fmt.Sprintf("Unknown method: %s", msg.Method))
	}
	return err
}

func (c *controller) featureEnabled(method string) bool {
	f := c.cfg.Features
	switch method {
	case protocol.MethodTextDocumentDefinition:
		return f.Definition
	case protocol.MethodTextDocumentHover:
		return f.Hover
	case protocol.MethodTextDocumentReferences:
		return f.References
	case protocol.MethodTextDocumentCompletion:
		return f.Completion
	case protocol.MethodTextDocumentSignatureHelp:
		return f.SignatureHelp
	case protocol.MethodTextDocumentDocumentSymbol:
		return f.DocumentSymbol
	case entity.MethodWorkspaceSymbol:
		return f.WorkspaceSymbol
	default:
		return true
	}
}

// takeDeferred drains the pre-initialization watcher set.
func (c *controller) takeDeferred() []string {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	if len(c.deferredFiles) == 0 {
		return nil
	}
	files := make([]string, 0, len(c.deferredFiles))
	for f := range c.deferredFiles {
		files = append(files, f)
	}
	c.deferredFiles = make(map[string]struct{})
	return files
}
