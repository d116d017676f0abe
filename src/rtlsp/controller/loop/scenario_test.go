package loop

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
)

// End-to-end flows driven purely through ProcessRequests, observing only
// what the editor would see.

func (f *loopFixture) lastDiagnosticsFor(target uri.URI) (*protocol.PublishDiagnosticsParams, bool) {
	var found *protocol.PublishDiagnosticsParams
	for _, d := range f.gateway.Diagnostics() {
		if d.URI == target {
			found = d
		}
	}
	return found, found != nil
}

func didOpen(t *testing.T, docURI uri.URI, text string) *entity.Message {
	t.Helper()
	return notification(t, protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: docURI, LanguageID: "ruby", Text: text},
	})
}

func didChangeFull(t *testing.T, docURI uri.URI, text string) *entity.Message {
	t.Helper()
	return notification(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI}},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	})
}

func didClose(t *testing.T, docURI uri.URI) *entity.Message {
	t.Helper()
	return notification(t, protocol.MethodTextDocumentDidClose, protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
	})
}

func TestOpenThenEditFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "a.rb"))
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{didOpen(t, docURI, "x = 1")}))

	// A clean file that never had diagnostics produces no publication.
	_, published := f.lastDiagnosticsFor(docURI)
	assert.False(t, published)

	// Insert a call to an unknown method at the end, as a range edit.
	insert := notification(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI}},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{
			Range: &protocol.Range{
				Start: protocol.Position{Line: 0, Character: 5},
				End:   protocol.Position{Line: 0, Character: 5},
			},
			Text: "\nbad_call()",
		}},
	})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{insert}))

	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\nbad_call()", got)

	diags, published := f.lastDiagnosticsFor(docURI)
	require.True(t, published)
	require.Len(t, diags.Diagnostics, 1)
	assert.Contains(t, diags.Diagnostics[0].Message, "bad_call")

	// Removing the call clears the published diagnostics.
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{didChangeFull(t, docURI, "x = 1")}))
	diags, published = f.lastDiagnosticsFor(docURI)
	require.True(t, published)
	assert.Empty(t, diags.Diagnostics)
}

func TestEditOutsideWorkspaceIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	before := f.counters.Snapshot()
	outside := didChangeFull(t, uri.File("/elsewhere/x.rb"), "class X\nend\n")
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{outside}))
	after := f.counters.Snapshot()

	assert.Equal(t, before["typecheck.slow_path"], after["typecheck.slow_path"])
	assert.Equal(t, before["typecheck.fast_path"], after["typecheck.fast_path"])
	_, published := f.lastDiagnosticsFor(uri.File("/elsewhere/x.rb"))
	assert.False(t, published)
}

func TestCloseRevertsToDisk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "a.rb"))
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{didOpen(t, docURI, "bad_one()")}))

	diags, published := f.lastDiagnosticsFor(docURI)
	require.True(t, published)
	require.Len(t, diags.Diagnostics, 1)

	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{didClose(t, docURI)}))

	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class A\nend\n", got)

	diags, published = f.lastDiagnosticsFor(docURI)
	require.True(t, published)
	assert.Empty(t, diags.Diagnostics)
}

func TestFastPathPromotionAndFallback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\n  def go\n    helper(1)\n  end\n  def helper(x)\n    x\n  end\nend\n")
	f.writeSource(t, "b.rb", "class B\nend\n")
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "a.rb"))

	// A body-only edit keeps the symbol surface, so only the edited file
	// is re-inferred.
	before := f.counters.Snapshot()
	bodyEdit := didChangeFull(t, docURI, "class A\n  def go\n    helper(2)\n  end\n  def helper(x)\n    x\n  end\nend\n")
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{bodyEdit}))
	after := f.counters.Snapshot()
	assert.Equal(t, int64(1), after["typecheck.fast_path"]-before["typecheck.fast_path"])
	assert.Equal(t, before["typecheck.slow_path"], after["typecheck.slow_path"])

	// Renaming the class changes the surface; the engine falls back to a
	// full recomputation.
	before = f.counters.Snapshot()
	rename := didChangeFull(t, docURI, "class A2\n  def go\n    helper(2)\n  end\n  def helper(x)\n    x\n  end\nend\n")
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{rename}))
	after = f.counters.Snapshot()
	assert.Equal(t, int64(1), after["typecheck.slow_path"]-before["typecheck.slow_path"])
	assert.Equal(t, before["typecheck.fast_path"], after["typecheck.fast_path"])
}

func TestMergedEditsMatchSequential(t *testing.T) {
	ctx := context.Background()
	docRel := "a.rb"
	base := "class A\nend\n"
	editOne := "class A\n  def go\n  end\nend\n"
	editTwo := "class A\n  def go\n    missing()\n  end\nend\n"

	run := func(batched bool) (string, []protocol.Diagnostic) {
		f := newFixture(t, nil)
		f.writeSource(t, docRel, base)
		f.initialize(t, ctx)
		docURI := uri.File(filepath.Join(f.root, docRel))

		first := didChangeFull(t, docURI, editOne)
		second := didChangeFull(t, docURI, editTwo)
		if batched {
			require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{first, second}))
		} else {
			require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{first}))
			require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{second}))
		}

		got, err := f.typecheck.FileContents(ctx, docRel)
		require.NoError(t, err)
		diags, ok := f.lastDiagnosticsFor(docURI)
		require.True(t, ok)
		return got, diags.Diagnostics
	}

	mergedText, mergedDiags := run(true)
	seqText, seqDiags := run(false)
	assert.Equal(t, seqText, mergedText)
	assert.Equal(t, seqDiags, mergedDiags)
}

func TestQueryAfterEditSeesNewState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class Widget\nend\n")
	f.writeSource(t, "b.rb", "w = Widget\n")
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "b.rb"))
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		didChangeFull(t, docURI, "w = Widget\n"),
		request(t, 11, protocol.MethodTextDocumentDefinition, positionParams(t, f.root, "b.rb", 0, 5)),
	}))

	responses := f.gateway.Responses()
	require.NotEmpty(t, responses)
	last := responses[len(responses)-1]
	assert.Equal(t, jsonrpc2.NewNumberID(11), last.ID)
	locs, ok := last.Result.([]protocol.Location)
	require.True(t, ok)
	require.Len(t, locs, 1)
	assert.Equal(t, uri.File(filepath.Join(f.root, "a.rb")), locs[0].URI)
}
