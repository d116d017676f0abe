package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"go.uber.org/goleak"

	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPositionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		lsp  protocol.Position
	}{
		{name: "origin", lsp: protocol.Position{Line: 0, Character: 0}},
		{name: "mid file", lsp: protocol.Position{Line: 12, Character: 4}},
		{name: "large", lsp: protocol.Position{Line: 9999, Character: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			internal := FromLSPPosition(tt.lsp)
			assert.Equal(t, int(tt.lsp.Line)+1, internal.Line)
			assert.Equal(t, int(tt.lsp.Character)+1, internal.Col)
			assert.Equal(t, tt.lsp, ToLSPPosition(internal))
		})
	}
}

func TestApplyContentChangesRange(t *testing.T) {
	base := "class Foo\n  def bar\n  end\nend\n"

	got, err := ApplyContentChanges(base, []protocol.TextDocumentContentChangeEvent{
		{
			Range: &protocol.Range{
				Start: protocol.Position{Line: 1, Character: 6},
				End:   protocol.Position{Line: 1, Character: 9},
			},
			Text: "baz",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "class Foo\n  def baz\n  end\nend\n", got)
}

func TestApplyContentChangesSequential(t *testing.T) {
	// Each change applies against the text produced by the previous one.
	base := "ab"
	got, err := ApplyContentChanges(base, []protocol.TextDocumentContentChangeEvent{
		{
			Range: &protocol.Range{Start: protocol.Position{Line: 0, Character: 1}, End: protocol.Position{Line: 0, Character: 1}},
			Text:  "X",
		},
		{
			Range: &protocol.Range{Start: protocol.Position{Line: 0, Character: 3}, End: protocol.Position{Line: 0, Character: 3}},
			Text:  "Y",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "aXbY", got)
}

func TestApplyContentChangesFullReplace(t *testing.T) {
	got, err := ApplyContentChanges("old text", []protocol.TextDocumentContentChangeEvent{
		{Text: "entirely new"},
	})
	require.NoError(t, err)
	assert.Equal(t, "entirely new", got)
}

func TestApplyContentChangesBadRange(t *testing.T) {
	_, err := ApplyContentChanges("one line", []protocol.TextDocumentContentChangeEvent{
		{
			Range: &protocol.Range{Start: protocol.Position{Line: 5, Character: 0}, End: protocol.Position{Line: 5, Character: 1}},
			Text:  "x",
		},
	})
	assert.Error(t, err)
}

func TestDiagnosticToLSP(t *testing.T) {
	d := state.Diagnostic{
		Path:     "lib/foo.rb",
		Loc:      state.Range{Start: state.Position{Line: 3, Col: 5}, End: state.Position{Line: 3, Col: 9}},
		Severity: state.SeverityError,
		Code:     "unresolved-constant",
		Message:  `Unable to resolve constant "Bar"`,
	}
	got := DiagnosticToLSP(d)
	assert.Equal(t, uint32(2), got.Range.Start.Line)
	assert.Equal(t, uint32(4), got.Range.Start.Character)
	assert.Equal(t, protocol.DiagnosticSeverityError, got.Severity)
	assert.Equal(t, "rtlsp", got.Source)
	assert.Equal(t, d.Message, got.Message)
}

func TestSymbolKindMapping(t *testing.T) {
	assert.Equal(t, protocol.SymbolKindClass, SymbolKindToLSP(state.KindClass))
	assert.Equal(t, protocol.SymbolKindModule, SymbolKindToLSP(state.KindModule))
	assert.Equal(t, protocol.SymbolKindMethod, SymbolKindToLSP(state.KindMethod))
	assert.Equal(t, protocol.SymbolKindConstant, SymbolKindToLSP(state.KindConstant))
	assert.Equal(t, protocol.CompletionItemKindMethod, CompletionKindForSymbol(state.KindMethod))
}

func TestPathFromURI(t *testing.T) {
	root := "/workspace/project"

	rel, ok := PathFromURI(root, URIFromPath(root, "lib/foo.rb"))
	require.True(t, ok)
	assert.Equal(t, "lib/foo.rb", rel)

	_, ok = PathFromURI(root, URIFromPath("/somewhere/else", "x.rb"))
	assert.False(t, ok)
}

func TestPathFromAbsolute(t *testing.T) {
	root := "/workspace/project"

	rel, ok := PathFromAbsolute(root, "/workspace/project/app/models/user.rb")
	require.True(t, ok)
	assert.Equal(t, "app/models/user.rb", rel)

	rel, ok = PathFromAbsolute(root, "app/models/user.rb")
	require.True(t, ok)
	assert.Equal(t, "app/models/user.rb", rel)

	_, ok = PathFromAbsolute(root, "/etc/passwd")
	assert.False(t, ok)
}

func TestIsIgnored(t *testing.T) {
	patterns := []string{"/vendor", "tmp", "log/"}

	tests := []struct {
		path string
		want bool
	}{
		{path: "vendor/gem/lib.rb", want: true},
		{path: "app/vendor/lib.rb", want: false},
		{path: "tmp/cache.rb", want: true},
		{path: "deep/tmp/file.rb", want: true},
		{path: "tmpfile.rb", want: false},
		{path: "log/dev.rb", want: true},
		{path: "app/models/user.rb", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsIgnored(tt.path, patterns))
		})
	}
}
