// Package query answers the read-only code intelligence requests. Location
// queries run a targeted typecheck on a throwaway clone; symbol listings
// read the current state directly. Handlers take the current state and
// return it unchanged so the dispatch loop keeps single ownership.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/controller/typecheck"
	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	ideclient "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client"
	rtlsperrors "github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
	"github.com/rubytyper/rtlsp/src/rtlsp/mapper"
	"github.com/rubytyper/rtlsp/src/rtlsp/repository/session"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _msgNotInitialized = "Server not initialized"

// Controller answers the LSP query requests. Every handler replies on the
// IDE gateway itself and never fails the dispatch loop for a bad query; it
// returns an error only for deserialization failures, which the loop
// recovers from centrally.
type Controller interface {
	Definition(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	Hover(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	References(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	Completion(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	SignatureHelp(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	DocumentSymbol(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
	WorkspaceSymbol(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error)
}

// Params defines the dependencies of this controller.
type Params struct {
	fx.In

	Sessions   session.Repository
	IdeGateway ideclient.Gateway
	Typecheck  typecheck.Controller
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type controller struct {
	sessions   session.Repository
	ideGateway ideclient.Gateway
	typecheck  typecheck.Controller
	logger     *zap.SugaredLogger
	stats      tally.Scope
}

// New builds the query controller.
func New(p Params) Controller {
	return &controller{
		sessions:   p.Sessions,
		ideGateway: p.IdeGateway,
		typecheck:  p.Typecheck,
		logger:     p.Logger.With("component", "query"),
		stats:      p.Stats.SubScope("query"),
	}
}

// ensureRunning replies ServerNotInitialized when the connection is not in
// the running phase. The bool reports whether the handler may proceed.
func (c *controller) ensureRunning(ctx context.Context, id jsonrpc2.ID) (*entity.Session, bool, error) {
	s, err := c.sessions.Get(ctx)
	if err != nil || s.Phase != entity.PhaseRunning {
		return nil, false, c.ideGateway.SendError(ctx, id, entity.CodeServerNotInitialized, _msgNotInitialized)
	}
	return s, true, nil
}

func (c *controller) Definition(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToTextDocumentPositionParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDefinition, Err: err}
	}
	c.stats.Counter("definition").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	rgs, err := c.typecheck.ResolveForQuery(ctx, []string{path}, false)
	if err != nil {
		return gs, c.respondOrFail(ctx, id, err)
	}

	sym := symbolAt(rgs, path, mapper.FromLSPPosition(params.Position))
	if sym == state.NoSymbol {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	defPath, def, found := defForSymbol(rgs, sym)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	loc := protocol.Location{
		URI:   mapper.URIFromPath(s.RootPath, defPath),
		Range: mapper.ToLSPRange(def.NameLoc),
	}
	return gs, c.ideGateway.SendResponse(ctx, id, []protocol.Location{loc})
}

func (c *controller) Hover(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToTextDocumentPositionParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentHover, Err: err}
	}
	c.stats.Counter("hover").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	rgs, err := c.typecheck.ResolveForQuery(ctx, []string{path}, false)
	if err != nil {
		return gs, c.respondOrFail(ctx, id, err)
	}

	pos := mapper.FromLSPPosition(params.Position)
	sym := symbolAt(rgs, path, pos)
	if sym == state.NoSymbol {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	_, def, found := defForSymbol(rgs, sym)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	var b strings.Builder
	b.WriteString("```ruby\n")
	b.WriteString(signatureLabel(def))
	b.WriteString("\n```")
	if def.Doc != "" {
		b.WriteString("\n\n")
		b.WriteString(def.Doc)
	}
	hoverRange := tokenRangeAt(rgs, path, pos)
	result := &protocol.Hover{
		Contents: protocol.MarkupContent{Kind: protocol.Markdown, Value: b.String()},
		Range:    hoverRange,
	}
	return gs, c.ideGateway.SendResponse(ctx, id, result)
}

func (c *controller) References(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToReferenceParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentReferences, Err: err}
	}
	c.stats.Counter("references").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	c.showOperation(ctx, s, "References", "Finding references", entity.OperationStart)
	defer c.showOperation(ctx, s, "References", "Finding references", entity.OperationEnd)

	// References need every file resolved, not just the queried one.
	rgs, err := c.typecheck.ResolveForQuery(ctx, nil, true)
	if err != nil {
		return gs, c.respondOrFail(ctx, id, err)
	}

	sym := symbolAt(rgs, path, mapper.FromLSPPosition(params.Position))
	if sym == state.NoSymbol {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	var locs []protocol.Location
	for _, ref := range rgs.Files() {
		f := rgs.File(ref)
		u := mapper.URIFromPath(s.RootPath, f.Path)
		if params.Context.IncludeDeclaration {
			for _, def := range f.Defs {
				if def.Symbol == sym {
					locs = append(locs, protocol.Location{URI: u, Range: mapper.ToLSPRange(def.NameLoc)})
				}
			}
		}
		for _, r := range f.Refs {
			if r.Resolved == sym {
				locs = append(locs, protocol.Location{URI: u, Range: mapper.ToLSPRange(r.Loc)})
			}
		}
	}
	if len(locs) == 0 {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	return gs, c.ideGateway.SendResponse(ctx, id, locs)
}

func (c *controller) Completion(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToCompletionParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentCompletion, Err: err}
	}
	c.stats.Counter("completion").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	rgs, err := c.typecheck.ResolveForQuery(ctx, []string{path}, false)
	if err != nil {
		return gs, c.respondOrFail(ctx, id, err)
	}
	ref, found := rgs.FindFileByPath(path)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	partial, afterDot := completionContext(rgs.File(ref).Source, mapper.FromLSPPosition(params.Position))

	// Prefix matches come first; the similar-name fallback surfaces
	// constants and identifiers that merely contain the typed fragment.
	var prefixed, similar []protocol.CompletionItem
	seen := make(map[string]bool)
	for _, fref := range rgs.Files() {
		for _, def := range rgs.File(fref).Defs {
			if afterDot && def.Kind != state.KindMethod {
				continue
			}
			if seen[def.FQN] {
				continue
			}
			switch {
			case hasPrefixFold(def.Name, partial):
				seen[def.FQN] = true
				prefixed = append(prefixed, completionItem(def, s.SnippetSupport))
			case hasSimilarName(def.Name, partial):
				seen[def.FQN] = true
				similar = append(similar, completionItem(def, s.SnippetSupport))
			}
		}
	}
	sort.Slice(prefixed, func(i, j int) bool { return prefixed[i].Label < prefixed[j].Label })
	sort.Slice(similar, func(i, j int) bool { return similar[i].Label < similar[j].Label })
	items := append(prefixed, similar...)
	for i := range items {
		items[i].SortText = fmt.Sprintf("%05d", i)
	}

	result := &protocol.CompletionList{IsIncomplete: false, Items: items}
	return gs, c.ideGateway.SendResponse(ctx, id, result)
}

func (c *controller) SignatureHelp(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToTextDocumentPositionParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentSignatureHelp, Err: err}
	}
	c.stats.Counter("signature_help").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	rgs, err := c.typecheck.ResolveForQuery(ctx, []string{path}, false)
	if err != nil {
		return gs, c.respondOrFail(ctx, id, err)
	}

	pos := mapper.FromLSPPosition(params.Position)
	fref, found := rgs.FindFileByPath(path)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	f := rgs.File(fref)

	call := enclosingCall(f, pos)
	if call == nil || call.Resolved == state.NoSymbol {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	_, def, found := defForSymbol(rgs, call.Resolved)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	sig := protocol.SignatureInformation{Label: signatureLabel(def)}
	for _, p := range def.Params {
		sig.Parameters = append(sig.Parameters, protocol.ParameterInformation{Label: p.Name})
	}
	result := &protocol.SignatureHelp{
		Signatures:      []protocol.SignatureInformation{sig},
		ActiveSignature: 0,
		ActiveParameter: activeParameter(f.Source, *call, pos),
	}
	return gs, c.ideGateway.SendResponse(ctx, id, result)
}

func (c *controller) DocumentSymbol(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToDocumentSymbolParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: protocol.MethodTextDocumentDocumentSymbol, Err: err}
	}
	c.stats.Counter("document_symbol").Inc(1)

	path, local := mapper.PathFromURI(s.RootPath, params.TextDocument.URI)
	if !local {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}
	ref, found := gs.FindFileByPath(path)
	if !found {
		return gs, c.ideGateway.SendResponse(ctx, id, nil)
	}

	defs := gs.File(ref).Defs
	symbols := make([]protocol.DocumentSymbol, 0, len(defs))
	for _, def := range defs {
		symbols = append(symbols, mapper.DefinitionToDocumentSymbol(def))
	}
	return gs, c.ideGateway.SendResponse(ctx, id, symbols)
}

func (c *controller) WorkspaceSymbol(ctx context.Context, gs *state.GlobalState, id jsonrpc2.ID, raw json.RawMessage) (*state.GlobalState, error) {
	s, ok, err := c.ensureRunning(ctx, id)
	if !ok {
		return gs, err
	}
	params, err := mapper.BytesToWorkspaceSymbolParams(raw)
	if err != nil {
		return gs, &rtlsperrors.DeserializationError{Method: entity.MethodWorkspaceSymbol, Err: err}
	}
	c.stats.Counter("workspace_symbol").Inc(1)

	query := strings.ToLower(params.Query)
	var symbols []protocol.SymbolInformation
	for _, ref := range gs.Files() {
		f := gs.File(ref)
		u := mapper.URIFromPath(s.RootPath, f.Path)
		for _, def := range f.Defs {
			if query != "" && !strings.Contains(strings.ToLower(def.FQN), query) {
				continue
			}
			symbols = append(symbols, mapper.DefinitionToSymbolInformation(def, u))
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })
	return gs, c.ideGateway.SendResponse(ctx, id, symbols)
}

// respondOrFail turns a missing-file query into a null reply and passes
// every other failure through.
func (c *controller) respondOrFail(ctx context.Context, id jsonrpc2.ID, err error) error {
	var notFound *rtlsperrors.FileNotFoundError
	if errors.As(err, &notFound) {
		return c.ideGateway.SendResponse(ctx, id, nil)
	}
	return err
}

func (c *controller) showOperation(ctx context.Context, s *entity.Session, name, description string, status entity.ShowOperationStatus) {
	if !s.SupportsOperationNotifications {
		return
	}
	err := c.ideGateway.ShowOperation(ctx, &entity.ShowOperationParams{
		OperationName: name,
		Description:   description,
		Status:        status,
	})
	if err != nil {
		c.logger.Debugw("sending operation notification", "operation", name, "error", err)
	}
}

// symbolAt finds the symbol under pos: a definition name first, then any
// resolved reference covering the position.
func symbolAt(gs *state.GlobalState, path string, pos state.Position) state.SymbolID {
	ref, ok := gs.FindFileByPath(path)
	if !ok {
		return state.NoSymbol
	}
	f := gs.File(ref)
	for _, def := range f.Defs {
		if def.NameLoc.Contains(pos) {
			return def.Symbol
		}
	}
	for _, r := range f.Refs {
		if r.Resolved != state.NoSymbol && r.Loc.Contains(pos) {
			return r.Resolved
		}
	}
	return state.NoSymbol
}

// tokenRangeAt reports the protocol range of the token under pos, nil when
// the position is not on a definition name or reference.
func tokenRangeAt(gs *state.GlobalState, path string, pos state.Position) *protocol.Range {
	ref, ok := gs.FindFileByPath(path)
	if !ok {
		return nil
	}
	f := gs.File(ref)
	for _, def := range f.Defs {
		if def.NameLoc.Contains(pos) {
			r := mapper.ToLSPRange(def.NameLoc)
			return &r
		}
	}
	for _, r := range f.Refs {
		if r.Loc.Contains(pos) {
			out := mapper.ToLSPRange(r.Loc)
			return &out
		}
	}
	return nil
}

func defForSymbol(gs *state.GlobalState, sym state.SymbolID) (string, state.Definition, bool) {
	for _, ref := range gs.Files() {
		f := gs.File(ref)
		for _, def := range f.Defs {
			if def.Symbol == sym {
				return f.Path, def, true
			}
		}
	}
	return "", state.Definition{}, false
}

func signatureLabel(def state.Definition) string {
	switch def.Kind {
	case state.KindMethod:
		names := make([]string, len(def.Params))
		for i, p := range def.Params {
			names[i] = p.Name
		}
		return fmt.Sprintf("def %s(%s)", def.FQN, strings.Join(names, ", "))
	case state.KindClass:
		return "class " + def.FQN
	case state.KindModule:
		return "module " + def.FQN
	default:
		return def.FQN
	}
}

func completionItem(def state.Definition, snippets bool) protocol.CompletionItem {
	item := protocol.CompletionItem{
		Label:            def.Name,
		Kind:             mapper.CompletionKindForSymbol(def.Kind),
		Detail:           def.FQN,
		InsertText:       def.Name,
		InsertTextFormat: protocol.InsertTextFormatPlainText,
	}
	if snippets && def.Kind == state.KindMethod && len(def.Params) > 0 {
		placeholders := make([]string, len(def.Params))
		for i, p := range def.Params {
			placeholders[i] = fmt.Sprintf("${%d:%s}", i+1, p.Name)
		}
		item.InsertText = fmt.Sprintf("%s(%s)", def.Name, strings.Join(placeholders, ", "))
		item.InsertTextFormat = protocol.InsertTextFormatSnippet
	}
	return item
}

// completionContext extracts the partial identifier being typed at pos and
// whether it follows a method-call dot.
func completionContext(source string, pos state.Position) (string, bool) {
	lines := strings.Split(source, "\n")
	if pos.Line < 1 || pos.Line > len(lines) {
		return "", false
	}
	line := lines[pos.Line-1]
	end := pos.Col - 1
	if end > len(line) {
		end = len(line)
	}
	start := end
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}
	partial := line[start:end]
	afterDot := start > 0 && line[start-1] == '.'
	return partial, afterDot
}

func hasPrefixFold(name, partial string) bool {
	return len(name) >= len(partial) && strings.EqualFold(name[:len(partial)], partial)
}

// hasSimilarName reports whether name contains the typed fragment anywhere,
// ignoring case. An empty fragment is not similar to anything; prefix
// matching already admits every name for it.
func hasSimilarName(name, partial string) bool {
	return partial != "" && strings.Contains(strings.ToLower(name), strings.ToLower(partial))
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// enclosingCall picks the call reference whose argument list pos sits in:
// the rightmost call on the line starting at or before the position.
func enclosingCall(f *state.File, pos state.Position) *state.Reference {
	var best *state.Reference
	for i := range f.Refs {
		r := &f.Refs[i]
		if r.Kind != state.RefCall || r.Loc.Start.Line != pos.Line {
			continue
		}
		if r.Loc.Start.Col > pos.Col {
			continue
		}
		if best == nil || r.Loc.Start.Col > best.Loc.Start.Col {
			best = r
		}
	}
	return best
}

// activeParameter counts top-level commas between the call's opening paren
// and pos.
func activeParameter(source string, call state.Reference, pos state.Position) uint32 {
	lines := strings.Split(source, "\n")
	if pos.Line < 1 || pos.Line > len(lines) {
		return 0
	}
	line := lines[pos.Line-1]
	open := call.Loc.End.Col - 1
	end := pos.Col - 1
	if open < 0 || open >= len(line) || end > len(line) || end <= open {
		return 0
	}
	var active uint32
	depth := 0
	for _, b := range []byte(line[open:end]) {
		switch b {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 1 {
				active++
			}
		}
	}
	return active
}
