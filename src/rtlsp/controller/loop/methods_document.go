package loop

import (
	"context"
	"errors"
	"path/filepath"

	"go.lsp.dev/protocol"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	rtlsperrors "github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
	"github.com/rubytyper/rtlsp/src/rtlsp/mapper"
)

// handleDidOpen tracks the document as editor-owned and typechecks the
// payload text.
func (c *controller) handleDidOpen(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	params, err := mapper.BytesToDidOpenTextDocumentParams(msg.Params)
	if err != nil {
		return &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDidOpen, Err: err}
	}
	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local || mapper.IsIgnored(path, c.cfg.IgnorePatterns) {
		c.logger.Debugw("ignoring didOpen outside workspace", "uri", params.TextDocument.URI)
		return nil
	}
	s.OpenFiles[path] = struct{}{}
	return c.typecheckAndPush(ctx, map[string]string{path: params.TextDocument.Text})
}

// handleDidChange applies the content changes in order on top of the
// tracked text, then typechecks the result. A document the engine has
// never seen starts from empty text.
func (c *controller) handleDidChange(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	params := msg.DidChange
	if params == nil {
		decoded, err := mapper.BytesToDidChangeTextDocumentParams(msg.Params)
		if err != nil {
			return &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDidChange, Err: err}
		}
		params = decoded
	}
	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local || mapper.IsIgnored(path, c.cfg.IgnorePatterns) {
		c.logger.Debugw("ignoring didChange outside workspace", "uri", params.TextDocument.URI)
		return nil
	}

	base, err := c.typecheck.FileContents(ctx, path)
	if err != nil {
		var notFound *rtlsperrors.FileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		base = ""
	}
	text, err := mapper.ApplyContentChanges(base, params.ContentChanges)
	if err != nil {
		return &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDidChange, Err: err}
	}
	return c.typecheckAndPush(ctx, map[string]string{path: text})
}

// handleDidClose hands the document back to the filesystem: the open-file
// marker goes away and disk contents are re-read like a watcher update.
func (c *controller) handleDidClose(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	params, err := mapper.BytesToDidCloseTextDocumentParams(msg.Params)
	if err != nil {
		return &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDidClose, Err: err}
	}
	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return nil
	}
	delete(s.OpenFiles, path)
	return c.applyWatchedFiles(ctx, s, []string{filepath.Join(s.RootPath, filepath.FromSlash(path))})
}

func (c *controller) handleWatchmanFileChange(ctx context.Context, s *entity.Session, msg *entity.Message) error {
	params := msg.Watchman
	if params == nil {
		decoded, err := mapper.BytesToWatchmanFileChangeParams(msg.Params)
		if err != nil {
			return &rtlsperrors.DeserializationError{Method: entity.MethodWatchmanFileChange, Err: err}
		}
		params = decoded
	}
	return c.applyWatchedFiles(ctx, s, params.Files)
}

// applyWatchedFiles reads the given files from disk and typechecks them.
// Open documents are skipped since the editor buffer owns their contents;
// files missing on disk revert to empty content but stay tracked.
func (c *controller) applyWatchedFiles(ctx context.Context, s *entity.Session, files []string) error {
	changed := make(map[string]string)
	for _, f := range files {
		rel, ok := mapper.PathFromAbsolute(s.RootPath, f)
		if !ok || mapper.IsIgnored(rel, c.cfg.IgnorePatterns) || s.IsOpen(rel) {
			continue
		}
		data, err := c.fs.ReadFile(filepath.Join(s.RootPath, filepath.FromSlash(rel)))
		if err != nil {
			data = nil
		}
		changed[rel] = string(data)
	}
	if len(changed) == 0 {
		return nil
	}
	return c.typecheckAndPush(ctx, changed)
}

// typecheckAndPush runs the incremental path over changed, installs the
// produced state as current, and publishes its diagnostics.
func (c *controller) typecheckAndPush(ctx context.Context, changed map[string]string) error {
	run, err := c.typecheck.TryFastPath(ctx, changed, false)
	if err != nil {
		return err
	}
	c.gs = run.GS
	return c.typecheck.PushDiagnostics(ctx, run)
}
