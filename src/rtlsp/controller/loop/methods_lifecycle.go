package loop

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/gofrs/uuid"
	"go.lsp.dev/protocol"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	rtlsperrors "github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
	"github.com/rubytyper/rtlsp/src/rtlsp/mapper"
)

// handleInitialize records client capabilities on the session and answers
// the server capability set derived from the enabled feature flags.
func (c *controller) handleInitialize(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	params, err := mapper.BytesToInitializeParams(msg.Params)
	if err != nil {
		return &rtlsperrors.DeserializationError{Method: protocol.MethodInitialize, Err: err}
	}

	s.InitializeParams = params
	s.RootURI = string(params.RootURI)
	if params.RootURI != "" {
		s.RootPath = params.RootURI.Filename()
	} else {
		s.RootPath = params.RootPath
	}
	s.SnippetSupport = snippetSupport(params.Capabilities)
	s.SupportsOperationNotifications = operationNotifications(params.InitializationOptions)
	s.Phase = entity.PhaseInitializing

	c.logger.Infow("initializing",
		"rootPath", s.RootPath,
		"snippetSupport", s.SnippetSupport,
		"operationNotifications", s.SupportsOperationNotifications)

	result := protocol.InitializeResult{
		Capabilities: c.serverCapabilities(),
		ServerInfo:   &protocol.ServerInfo{Name: "rtlsp"},
	}
	return c.ideGateway.SendResponse(ctx, msg.ID, result)
}

func snippetSupport(caps protocol.ClientCapabilities) bool {
	td := caps.TextDocument
	if td == nil || td.Completion == nil || td.Completion.CompletionItem == nil {
		return false
	}
	return td.Completion.CompletionItem.SnippetSupport
}

func operationNotifications(opts interface{}) bool {
	m, ok := opts.(map[string]interface{})
	if !ok {
		return false
	}
	v, _ := m["supportsOperationNotifications"].(bool)
	return v
}

func (c *controller) serverCapabilities() protocol.ServerCapabilities {
	f := c.cfg.Features
	caps := protocol.ServerCapabilities{
		TextDocumentSync: protocol.TextDocumentSyncKindFull,
	}
	if f.Definition {
		caps.DefinitionProvider = true
	}
	if f.Hover {
		caps.HoverProvider = true
	}
	if f.References {
		caps.ReferencesProvider = true
	}
	if f.DocumentSymbol {
		caps.DocumentSymbolProvider = true
	}
	if f.WorkspaceSymbol {
		caps.WorkspaceSymbolProvider = true
	}
	if f.SignatureHelp {
		caps.SignatureHelpProvider = &protocol.SignatureHelpOptions{
			TriggerCharacters: []string{"(", ","},
		}
	}
	if f.Completion {
		caps.CompletionProvider = &protocol.CompletionOptions{
			TriggerCharacters: []string{"."},
		}
	}
	return caps
}

// handleInitialized re-indexes the workspace from disk, runs the first
// typecheck, registers file watching, and replays deferred watcher updates
// as a single coalesced batch.
func (c *controller) handleInitialized(ctx context.Context, s *entity.Session) error {
	c.showOperation(ctx, s, "Indexing", "Indexing workspace", entity.OperationStart)

	contents := c.readWorkspace(s)
	run, err := c.typecheck.IndexWorkspace(ctx, contents)
	if err != nil {
		c.showOperation(ctx, s, "Indexing", "Indexing workspace", entity.OperationEnd)
		return err
	}
	c.gs = run.GS
	if err := c.typecheck.PushDiagnostics(ctx, run); err != nil {
		c.showOperation(ctx, s, "Indexing", "Indexing workspace", entity.OperationEnd)
		return err
	}

	s.Phase = entity.PhaseRunning
	c.initialized.Store(true)
	c.showOperation(ctx, s, "Indexing", "Indexing workspace", entity.OperationEnd)
	c.logger.Infow("workspace indexed", "files", len(contents), "diagnostics", len(run.Diagnostics))

	c.registerFileWatching(ctx)

	if deferred := c.takeDeferred(); len(deferred) > 0 {
		if err := c.applyWatchedFiles(ctx, s, deferred); err != nil {
			return err
		}
	}

	if c.cfg.EnableWatcher {
		err := c.watcher.Start(s.RootPath, c.cfg.SourceExtensions, func(files []string) {
			c.EnqueueMessage(&entity.Message{
				Method:     entity.MethodWatchmanFileChange,
				Watchman:   &entity.WatchmanFileChangeParams{Files: files},
				ReceivedAt: c.clock.Now(),
			})
		})
		if err != nil {
			c.logger.Warnw("starting file watcher", "error", err)
		}
	}
	return nil
}

// readWorkspace lists and reads every source file under the root,
// filtering ignored paths. Unreadable files are skipped with a warning.
func (c *controller) readWorkspace(s *entity.Session) map[string]string {
	files, err := c.fs.ListSourceFiles(s.RootPath, c.cfg.SourceExtensions)
	if err != nil {
		c.logger.Warnw("listing workspace sources", "root", s.RootPath, "error", err)
		return nil
	}
	contents := make(map[string]string, len(files))
	for _, rel := range files {
		rel = filepath.ToSlash(rel)
		if mapper.IsIgnored(rel, c.cfg.IgnorePatterns) {
			continue
		}
		data, err := c.fs.ReadFile(filepath.Join(s.RootPath, filepath.FromSlash(rel)))
		if err != nil {
			c.logger.Warnw("reading workspace source", "path", rel, "error", err)
			continue
		}
		contents[rel] = string(data)
	}
	return contents
}

// registerFileWatching asks the editor to forward filesystem changes for
// the tracked extensions, exercising the reply registry.
func (c *controller) registerFileWatching(ctx context.Context) {
	watchers := make([]protocol.FileSystemWatcher, 0, len(c.cfg.SourceExtensions))
	for _, ext := range c.cfg.SourceExtensions {
		watchers = append(watchers, protocol.FileSystemWatcher{GlobPattern: "**/*" + ext})
	}
	regID := uuid.Must(uuid.NewV4()).String()
	params := &protocol.RegistrationParams{
		Registrations: []protocol.Registration{{
			ID:              regID,
			Method:          protocol.MethodWorkspaceDidChangeWatchedFiles,
			RegisterOptions: protocol.DidChangeWatchedFilesRegistrationOptions{Watchers: watchers},
		}},
	}
	id, err := c.ideGateway.RegisterCapability(ctx, params)
	if err != nil {
		c.logger.Warnw("registering file watching", "error", err)
		return
	}
	c.watchRegistration = regID
	c.replyHandlers[id] = func(ctx context.Context, result json.RawMessage, err error) {
		if err != nil {
			c.logger.Warnw("file watching registration rejected", "error", err)
			c.watchRegistration = ""
			return
		}
		c.logger.Debugw("file watching registered")
	}
}

// unregisterFileWatching retracts the registration issued after initialize.
func (c *controller) unregisterFileWatching(ctx context.Context) {
	if c.watchRegistration == "" {
		return
	}
	params := &protocol.UnregistrationParams{
		Unregisterations: []protocol.Unregistration{{
			ID:     c.watchRegistration,
			Method: protocol.MethodWorkspaceDidChangeWatchedFiles,
		}},
	}
	c.watchRegistration = ""
	if _, err := c.ideGateway.UnregisterCapability(ctx, params); err != nil {
		c.logger.Debugw("unregistering file watching", "error", err)
	}
}

func (c *controller) handleShutdown(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	s.Phase = entity.PhaseShuttingDown
	c.unregisterFileWatching(ctx)
	c.logger.Infow("shutting down")
	return c.ideGateway.SendResponse(ctx, msg.ID, nil)
}

func (c *controller) handleExit(ctx context.Context, s *entity.Session) error {
	s.Phase = entity.PhaseExited
	c.done = true
	c.logger.Infow("exiting")
	return nil
}

// showOperation notifies the editor about a long-running phase, when the
// client opted in during initialize.
func (c *controller) showOperation(ctx context.Context, s *entity.Session, name, description string, status entity.ShowOperationStatus) {
	if !s.SupportsOperationNotifications {
		return
	}
	params := &entity.ShowOperationParams{
		OperationName: name,
		Description:   description,
		Status:        status,
	}
	if err := c.ideGateway.ShowOperation(ctx, params); err != nil {
		c.logger.Debugw("sending operation notification", "operation", name, "error", err)
	}
}
