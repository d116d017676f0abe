package loop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/controller/query"
	"github.com/rubytyper/rtlsp/src/rtlsp/controller/typecheck"
	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	ideclienttest "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client/ideclienttest"
	"github.com/rubytyper/rtlsp/src/rtlsp/gateway/watcher"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/clock"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/counters"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/fs"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/kvstore"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/pipeline/rubylang"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/workerpool"
	"github.com/rubytyper/rtlsp/src/rtlsp/repository/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type loopFixture struct {
	loop      Controller
	typecheck typecheck.Controller
	gateway   *ideclienttest.Recorder
	sessions  session.Repository
	counters  *counters.Registry
	root      string
}

func newFixture(t *testing.T, raw map[string]interface{}) *loopFixture {
	t.Helper()

	if raw == nil {
		raw = map[string]interface{}{}
	}
	loopCfg, _ := raw["loop"].(map[string]interface{})
	if loopCfg == nil {
		loopCfg = map[string]interface{}{}
		raw["loop"] = loopCfg
	}
	if _, ok := loopCfg["enableWatcher"]; !ok {
		loopCfg["enableWatcher"] = false
	}

	provider, err := config.NewStaticProvider(raw)
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	stats := tally.NewTestScope("rtlsp", nil)
	sessions := session.New(stats)
	gw := ideclienttest.New()
	reg := counters.NewRegistry()

	tc := typecheck.New(typecheck.Params{
		Sessions:   sessions,
		IdeGateway: gw,
		Logger:     logger,
		Stats:      stats,
		Config:     provider,
		Driver:     rubylang.New(),
		Pool:       workerpool.New(2),
		Cache:      kvstore.NewNoop(),
		Counters:   reg,
	})
	queries := query.New(query.Params{
		Sessions:   sessions,
		IdeGateway: gw,
		Typecheck:  tc,
		Logger:     logger,
		Stats:      stats,
	})
	l := New(Params{
		Sessions:   sessions,
		IdeGateway: gw,
		Watcher:    watcher.New(watcher.Params{Logger: logger, Stats: stats}),
		Typecheck:  tc,
		Queries:    queries,
		FS:         fs.New(),
		Clock:      clock.New(),
		Logger:     logger,
		Stats:      stats,
		Config:     provider,
		Counters:   reg,
	})

	return &loopFixture{
		loop:      l,
		typecheck: tc,
		gateway:   gw,
		sessions:  sessions,
		counters:  reg,
		root:      t.TempDir(),
	}
}

func (f *loopFixture) writeSource(t *testing.T, rel, body string) {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func request(t *testing.T, id int64, method string, params interface{}) *entity.Message {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &entity.Message{
		ID:         jsonrpc2.NewNumberID(int32(id)),
		HasID:      true,
		Method:     method,
		Params:     raw,
		ReceivedAt: time.Now(),
	}
}

func notification(t *testing.T, method string, params interface{}) *entity.Message {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return &entity.Message{Method: method, Params: raw, ReceivedAt: time.Now()}
}

func (f *loopFixture) initialize(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		request(t, 1, protocol.MethodInitialize, protocol.InitializeParams{RootURI: uri.File(f.root)}),
		notification(t, protocol.MethodInitialized, struct{}{}),
	}))
}

func positionParams(t *testing.T, root, rel string, line, char uint32) protocol.TextDocumentPositionParams {
	t.Helper()
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri.File(filepath.Join(root, rel))},
		Position:     protocol.Position{Line: line, Character: char},
	}
}

func TestInitializeLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")

	f.initialize(t, ctx)

	responses := f.gateway.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, jsonrpc2.NewNumberID(1), responses[0].ID)
	result, ok := responses[0].Result.(protocol.InitializeResult)
	require.True(t, ok)
	assert.Equal(t, protocol.TextDocumentSyncKindFull, result.Capabilities.TextDocumentSync)
	assert.Equal(t, true, result.Capabilities.DefinitionProvider)
	assert.Equal(t, true, result.Capabilities.HoverProvider)

	requests := f.gateway.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, protocol.MethodClientRegisterCapability, requests[0].Method)

	s, err := f.sessions.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.PhaseRunning, s.Phase)

	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class A\nend\n", got)
}

func TestInitializeCapabilitiesGated(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"loop": map[string]interface{}{
			"features": map[string]interface{}{
				"hover":      false,
				"completion": false,
			},
		},
	})
	ctx := context.Background()

	f.initialize(t, ctx)

	responses := f.gateway.Responses()
	require.Len(t, responses, 1)
	result, ok := responses[0].Result.(protocol.InitializeResult)
	require.True(t, ok)
	assert.Nil(t, result.Capabilities.HoverProvider)
	assert.Nil(t, result.Capabilities.CompletionProvider)
	assert.Equal(t, true, result.Capabilities.DefinitionProvider)
	sig := result.Capabilities.SignatureHelpProvider
	require.NotNil(t, sig)
	assert.Equal(t, []string{"(", ","}, sig.TriggerCharacters)
}

func TestRequestBeforeInitialize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := request(t, 5, protocol.MethodTextDocumentDefinition, positionParams(t, f.root, "a.rb", 0, 0))
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{msg}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, entity.CodeServerNotInitialized, replies[0].Code)
	assert.Equal(t, "Server not initialized", replies[0].Message)
}

func TestUnknownMethodRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	msg := request(t, 9, "textDocument/rename", struct{}{})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{msg}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.MethodNotFound, replies[0].Code)
}

func TestDisabledFeatureRequest(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"loop": map[string]interface{}{
			"features": map[string]interface{}{"references": false},
		},
	})
	ctx := context.Background()
	f.initialize(t, ctx)

	msg := request(t, 9, protocol.MethodTextDocumentReferences, positionParams(t, f.root, "a.rb", 0, 0))
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{msg}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.MethodNotFound, replies[0].Code)
}

func TestMissingParams(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	msg := &entity.Message{ID: jsonrpc2.NewNumberID(4), HasID: true, Method: protocol.MethodTextDocumentDefinition}
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{msg}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.InvalidParams, replies[0].Code)
	assert.Equal(t, "Expected parameters, but found none.", replies[0].Message)
}

func TestCancellationQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	refs := request(t, 7, protocol.MethodTextDocumentReferences, positionParams(t, f.root, "a.rb", 0, 6))
	cancel := notification(t, entity.MethodCancelRequest, entity.CancelParams{ID: 7})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{refs, cancel}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.NewNumberID(7), replies[0].ID)
	assert.Equal(t, entity.CodeRequestCancelled, replies[0].Code)
	assert.Equal(t, "Request was canceled", replies[0].Message)
	// Only the initialize response exists; the canceled request never ran.
	assert.Len(t, f.gateway.Responses(), 1)
}

func TestCancelUnknownIDIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	cancel := notification(t, entity.MethodCancelRequest, entity.CancelParams{ID: 99})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{cancel}))
	assert.Empty(t, f.gateway.ErrorReplies())
}

func TestDidChangeMerging(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "a.rb"))
	first := notification(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI}},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "class B\nend\n"}},
	})
	second := notification(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI}},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "class C\nend\n"}},
	})

	before := f.counters.Snapshot()
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{first, second}))
	after := f.counters.Snapshot()

	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class C\nend\n", got)

	// The merged pair runs one typecheck pass, not two.
	runsBefore := before["typecheck.slow_path"] + before["typecheck.fast_path"]
	runsAfter := after["typecheck.slow_path"] + after["typecheck.fast_path"]
	assert.Equal(t, int64(1), runsAfter-runsBefore)
}

func TestWatchmanDeferralCoalesces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")

	// Watcher updates before initialize are absorbed, not queued.
	f.loop.EnqueueMessage(notification(t, entity.MethodWatchmanFileChange,
		entity.WatchmanFileChangeParams{Files: []string{filepath.Join(f.root, "gen1.rb")}}))
	f.loop.EnqueueMessage(notification(t, entity.MethodWatchmanFileChange,
		entity.WatchmanFileChangeParams{Files: []string{filepath.Join(f.root, "gen1.rb"), filepath.Join(f.root, "gen2.rb")}}))

	before := f.counters.Snapshot()
	f.initialize(t, ctx)
	after := f.counters.Snapshot()

	// One indexing pass plus exactly one replay batch for the deferred set.
	runs := (after["typecheck.slow_path"] + after["typecheck.fast_path"]) -
		(before["typecheck.slow_path"] + before["typecheck.fast_path"])
	assert.Equal(t, int64(2), runs)

	// The deferred paths are tracked even though they never existed on disk.
	for _, rel := range []string{"gen1.rb", "gen2.rb"} {
		got, err := f.typecheck.FileContents(ctx, rel)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	docURI := uri.File(filepath.Join(f.root, "a.rb"))
	edit := notification(t, protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI}},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "class B\nend\n"}},
	})

	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		notification(t, entity.MethodPause, nil),
		edit,
	}))
	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class A\nend\n", got)

	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		notification(t, entity.MethodResume, nil),
	}))
	got, err = f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class B\nend\n", got)
}

func TestShutdownGatesRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		request(t, 2, protocol.MethodShutdown, nil),
		request(t, 3, protocol.MethodTextDocumentDefinition, positionParams(t, f.root, "a.rb", 0, 0)),
	}))

	responses := f.gateway.Responses()
	require.Len(t, responses, 2)
	assert.Equal(t, jsonrpc2.NewNumberID(2), responses[1].ID)
	assert.Nil(t, responses[1].Result)

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.NewNumberID(3), replies[0].ID)
	assert.Equal(t, jsonrpc2.InvalidRequest, replies[0].Code)

	requests := f.gateway.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, protocol.MethodClientUnregisterCapability, requests[1].Method)

	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		notification(t, protocol.MethodExit, nil),
	}))
	s, err := f.sessions.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.PhaseExited, s.Phase)
}

func TestInitializeTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	again := request(t, 8, protocol.MethodInitialize, protocol.InitializeParams{RootURI: uri.File(f.root)})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{again}))

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.InvalidRequest, replies[0].Code)
	assert.Equal(t, "Server already initialized", replies[0].Message)
}

func TestDeserializationRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.initialize(t, ctx)

	before := f.counters.Snapshot()
	bad := &entity.Message{
		ID:     jsonrpc2.NewNumberID(6),
		HasID:  true,
		Method: protocol.MethodTextDocumentDefinition,
		Params: json.RawMessage(`[1, 2, 3]`),
	}
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{bad}))
	after := f.counters.Snapshot()

	replies := f.gateway.ErrorReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, jsonrpc2.InvalidParams, replies[0].Code)

	// Recovery runs an empty slow path so the dispatcher still holds a
	// valid state.
	assert.Equal(t, int64(1), after["typecheck.slow_path"]-before["typecheck.slow_path"])

	got, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	assert.Equal(t, "class A\nend\n", got)
}

func TestMalformedNotificationRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	bad := &entity.Message{
		Method: protocol.MethodTextDocumentDidOpen,
		Params: json.RawMessage(`{"textDocument": 5}`),
	}
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{bad}))
	assert.Empty(t, f.gateway.ErrorReplies())
}

func TestReplyRegistry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initialize(t, ctx)

	requests := f.gateway.Requests()
	require.Len(t, requests, 1)

	reply := &entity.Message{
		ID:         requests[0].ID,
		HasID:      true,
		IsResponse: true,
		Result:     json.RawMessage(`null`),
	}
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{reply}))

	unsolicited := &entity.Message{
		ID:         jsonrpc2.NewStringID("nobody-asked"),
		HasID:      true,
		IsResponse: true,
		Result:     json.RawMessage(`null`),
	}
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{unsolicited}))
	assert.Empty(t, f.gateway.ErrorReplies())
}

func TestOperationNotifications(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")

	init := request(t, 1, protocol.MethodInitialize, protocol.InitializeParams{
		RootURI:               uri.File(f.root),
		InitializationOptions: map[string]interface{}{"supportsOperationNotifications": true},
	})
	require.NoError(t, f.loop.ProcessRequests(ctx, []*entity.Message{
		init,
		notification(t, protocol.MethodInitialized, struct{}{}),
	}))

	var names []string
	for _, op := range f.gateway.Operations() {
		names = append(names, op.OperationName+":"+string(op.Status))
	}
	assert.Contains(t, names, "Indexing:start")
	assert.Contains(t, names, "Indexing:end")
	assert.Contains(t, names, "SlowPath:start")
	assert.Contains(t, names, "SlowPath:end")
}

func TestIgnorePatterns(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"loop": map[string]interface{}{
			"ignorePatterns": []interface{}{"vendor"},
		},
	})
	ctx := context.Background()
	f.writeSource(t, "a.rb", "class A\nend\n")
	f.writeSource(t, "vendor/dep.rb", "class Dep\nend\n")

	f.initialize(t, ctx)

	_, err := f.typecheck.FileContents(ctx, "a.rb")
	require.NoError(t, err)
	_, err = f.typecheck.FileContents(ctx, "vendor/dep.rb")
	require.Error(t, err)
}
