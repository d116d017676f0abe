// Package mapper contains the pure translation helpers between wire-level
// LSP shapes and the daemon's internal forms.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	protocolmapper "github.com/rubytyper/rtlsp/src/rtlsp/internal/protocol"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
)

// BytesToInitializeParams decodes the payload of initialize.
func BytesToInitializeParams(raw []byte) (*protocol.InitializeParams, error) {
	params := protocol.InitializeParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToDidOpenTextDocumentParams decodes the payload of textDocument/didOpen.
func BytesToDidOpenTextDocumentParams(raw []byte) (*protocol.DidOpenTextDocumentParams, error) {
	params := protocol.DidOpenTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToDidChangeTextDocumentParams decodes the payload of textDocument/didChange.
func BytesToDidChangeTextDocumentParams(raw []byte) (*protocol.DidChangeTextDocumentParams, error) {
	params := protocol.DidChangeTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToDidCloseTextDocumentParams decodes the payload of textDocument/didClose.
func BytesToDidCloseTextDocumentParams(raw []byte) (*protocol.DidCloseTextDocumentParams, error) {
	params := protocol.DidCloseTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToDidChangeWatchedFilesParams decodes the payload of workspace/didChangeWatchedFiles.
func BytesToDidChangeWatchedFilesParams(raw []byte) (*protocol.DidChangeWatchedFilesParams, error) {
	params := protocol.DidChangeWatchedFilesParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToWatchmanFileChangeParams decodes the payload of sorbet/watchmanFileChange.
func BytesToWatchmanFileChangeParams(raw []byte) (*entity.WatchmanFileChangeParams, error) {
	params := entity.WatchmanFileChangeParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToCancelParams decodes the payload of $/cancelRequest.
func BytesToCancelParams(raw []byte) (*entity.CancelParams, error) {
	params := entity.CancelParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToTextDocumentPositionParams decodes the shared positional payload of
// definition, hover, and signature help requests.
func BytesToTextDocumentPositionParams(raw []byte) (*protocol.TextDocumentPositionParams, error) {
	params := protocol.TextDocumentPositionParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToReferenceParams decodes the payload of textDocument/references.
func BytesToReferenceParams(raw []byte) (*protocol.ReferenceParams, error) {
	params := protocol.ReferenceParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToCompletionParams decodes the payload of textDocument/completion.
func BytesToCompletionParams(raw []byte) (*protocol.CompletionParams, error) {
	params := protocol.CompletionParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToDocumentSymbolParams decodes the payload of textDocument/documentSymbol.
func BytesToDocumentSymbolParams(raw []byte) (*protocol.DocumentSymbolParams, error) {
	params := protocol.DocumentSymbolParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// BytesToWorkspaceSymbolParams decodes the payload of workspace/symbol.
func BytesToWorkspaceSymbolParams(raw []byte) (*protocol.WorkspaceSymbolParams, error) {
	params := protocol.WorkspaceSymbolParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ApplyContentChanges applies the given content change events to a given text string.
func ApplyContentChanges(initialText string, changes []protocol.TextDocumentContentChangeEvent) (string, error) {
	content := []byte(initialText)
	for _, change := range changes {
		if isFullReplace(change) {
			content = []byte(change.Text)
			continue
		}
		m := protocolmapper.NewTextOffsetMapper(content)
		start, err := m.PositionOffset(change.Range.Start)
		if err != nil {
			return "", fmt.Errorf("unable to apply changes: %w", err)
		}
		end, err := m.PositionOffset(change.Range.End)
		if err != nil {
			return "", fmt.Errorf("unable to apply changes: %w", err)
		}
		var buf bytes.Buffer
		buf.Write(content[:start])
		buf.Write([]byte(change.Text))
		buf.Write(content[end:])
		content = buf.Bytes()
	}

	return string(content), nil
}

// isFullReplace detects the whole-document form of a content change: no
// range and no range length means the text replaces the entire document.
func isFullReplace(change protocol.TextDocumentContentChangeEvent) bool {
	return change.Range == nil && change.RangeLength == 0
}

// FromLSPPosition converts a protocol 0-based position to the internal
// 1-based line and byte column form.
func FromLSPPosition(p protocol.Position) state.Position {
	return state.Position{Line: int(p.Line) + 1, Col: int(p.Character) + 1}
}

// ToLSPPosition converts an internal 1-based position to the protocol form.
func ToLSPPosition(p state.Position) protocol.Position {
	line, col := p.Line-1, p.Col-1
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	return protocol.Position{Line: uint32(line), Character: uint32(col)}
}

// ToLSPRange converts an internal range to the protocol form.
func ToLSPRange(r state.Range) protocol.Range {
	return protocol.Range{Start: ToLSPPosition(r.Start), End: ToLSPPosition(r.End)}
}

// DiagnosticToLSP converts an internal diagnostic to the protocol form.
func DiagnosticToLSP(d state.Diagnostic) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    ToLSPRange(d.Loc),
		Severity: severityToLSP(d.Severity),
		Code:     d.Code,
		Source:   "rtlsp",
		Message:  d.Message,
	}
}

func severityToLSP(s state.Severity) protocol.DiagnosticSeverity {
	switch s {
	case state.SeverityError:
		return protocol.DiagnosticSeverityError
	case state.SeverityWarning:
		return protocol.DiagnosticSeverityWarning
	case state.SeverityInformation:
		return protocol.DiagnosticSeverityInformation
	default:
		return protocol.DiagnosticSeverityHint
	}
}

// SymbolKindToLSP converts an internal symbol kind to the protocol form.
func SymbolKindToLSP(k state.SymbolKind) protocol.SymbolKind {
	switch k {
	case state.KindClass:
		return protocol.SymbolKindClass
	case state.KindModule:
		return protocol.SymbolKindModule
	case state.KindMethod:
		return protocol.SymbolKindMethod
	case state.KindConstant:
		return protocol.SymbolKindConstant
	default:
		return protocol.SymbolKindNull
	}
}

// CompletionKindForSymbol converts an internal symbol kind to the protocol
// completion item kind.
func CompletionKindForSymbol(k state.SymbolKind) protocol.CompletionItemKind {
	switch k {
	case state.KindClass:
		return protocol.CompletionItemKindClass
	case state.KindModule:
		return protocol.CompletionItemKindModule
	case state.KindMethod:
		return protocol.CompletionItemKindMethod
	case state.KindConstant:
		return protocol.CompletionItemKindConstant
	default:
		return protocol.CompletionItemKindText
	}
}

// DefinitionToDocumentSymbol converts a definition to the protocol form for
// textDocument/documentSymbol.
func DefinitionToDocumentSymbol(def state.Definition) protocol.DocumentSymbol {
	return protocol.DocumentSymbol{
		Name:           def.Name,
		Kind:           SymbolKindToLSP(def.Kind),
		Range:          ToLSPRange(def.Loc),
		SelectionRange: ToLSPRange(def.NameLoc),
	}
}

// DefinitionToSymbolInformation converts a definition to the flat symbol
// form used by workspace/symbol.
func DefinitionToSymbolInformation(def state.Definition, u protocol.DocumentURI) protocol.SymbolInformation {
	return protocol.SymbolInformation{
		Name: def.FQN,
		Kind: SymbolKindToLSP(def.Kind),
		Location: protocol.Location{
			URI:   u,
			Range: ToLSPRange(def.NameLoc),
		},
	}
}

func wrapErrParse(err error) error {
	return fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err)
}
