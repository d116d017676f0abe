// Package typecheck owns the analysis state and the two recomputation
// paths. The indexing snapshot it holds is never typechecked directly;
// every resolve and infer pass runs on a clone, so a later edit can always
// restart from clean parse results.
//
// All methods must be called from the dispatch goroutine. Parallelism is
// internal to each pass and never outlives the call.
package typecheck

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	ideclient "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/counters"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/kvstore"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/pipeline"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/state"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/workerpool"
	"github.com/rubytyper/rtlsp/src/rtlsp/mapper"
	"github.com/rubytyper/rtlsp/src/rtlsp/repository/session"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const _configKey = "typecheck"

const (
	_counterSlowPath = "typecheck.slow_path"
	_counterFastPath = "typecheck.fast_path"
)

// Config tunes the engine.
type Config struct {
	// DisableFastPath forces every edit through a full recomputation and
	// skips state hashing entirely.
	DisableFastPath bool `yaml:"disableFastPath"`
}

// Run is the outcome of one recomputation pass.
type Run struct {
	// GS is the typechecked clone the pass produced. It becomes the
	// current state the dispatch loop hands to query handlers.
	GS *state.GlobalState

	// Diagnostics drained from the error queue, in report order.
	Diagnostics []state.Diagnostic

	// FilesTypechecked lists the workspace-relative paths the pass ran
	// resolve and infer over.
	FilesTypechecked []string

	TookFastPath bool
}

// Controller drives indexing and incremental recomputation.
type Controller interface {
	// IndexWorkspace discards any prior state, indexes files as the new
	// snapshot, and typechecks everything.
	IndexWorkspace(ctx context.Context, files map[string]string) (*Run, error)

	// RunSlowPath applies changed on top of the snapshot and typechecks
	// every tracked file. A nil or empty changed map re-typechecks the
	// current snapshot unmodified.
	RunSlowPath(ctx context.Context, changed map[string]string) (*Run, error)

	// TryFastPath typechecks only the changed files when each one's
	// exported surface is unchanged, falling back to RunSlowPath
	// otherwise. sweepAll widens the check to every tracked file while
	// still keeping the snapshot update incremental.
	TryFastPath(ctx context.Context, changed map[string]string, sweepAll bool) (*Run, error)

	// PushDiagnostics publishes run's diagnostics to the editor, clearing
	// files that previously had errors and are now clean.
	PushDiagnostics(ctx context.Context, run *Run) error

	// ResolveForQuery returns a typechecked throwaway clone with paths
	// resolved, for read-only query handlers. Diagnostics produced along
	// the way are discarded. all resolves every tracked file.
	ResolveForQuery(ctx context.Context, paths []string, all bool) (*state.GlobalState, error)

	// FileContents returns the tracked source for a workspace-relative path.
	FileContents(ctx context.Context, path string) (string, error)
}

// Params defines the dependencies of this controller.
type Params struct {
	fx.In

	Sessions   session.Repository
	IdeGateway ideclient.Gateway
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
	Config     config.Provider
	Driver     pipeline.Driver
	Pool       *workerpool.Pool
	Cache      kvstore.Store
	Counters   *counters.Registry
}

type controller struct {
	sessions   session.Repository
	ideGateway ideclient.Gateway
	logger     *zap.SugaredLogger
	stats      tally.Scope
	driver     pipeline.Driver
	pool       *workerpool.Pool
	cache      kvstore.Store
	counters   *counters.Registry

	cfg Config

	// initialGS is the canonical indexing snapshot. Parse results only,
	// never resolved in place.
	initialGS *state.GlobalState

	// filesWithErrors tracks which paths the editor currently shows
	// diagnostics for, so a clean run can clear them.
	filesWithErrors map[string]bool
}

// New builds the typecheck engine.
func New(p Params) Controller {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		p.Logger.Warnw("reading typecheck config, using defaults", "error", err)
	}

	return &controller{
		sessions:        p.Sessions,
		ideGateway:      p.IdeGateway,
		logger:          p.Logger.With("component", _configKey),
		stats:           p.Stats.SubScope("typecheck"),
		driver:          p.Driver,
		pool:            p.Pool,
		cache:           p.Cache,
		counters:        p.Counters,
		cfg:             cfg,
		initialGS:       state.NewGlobalState(state.NewErrorQueue()),
		filesWithErrors: make(map[string]bool),
	}
}

func (c *controller) IndexWorkspace(ctx context.Context, files map[string]string) (*Run, error) {
	c.initialGS = state.NewGlobalState(state.NewErrorQueue())
	c.filesWithErrors = make(map[string]bool)
	c.logger.Infow("indexing workspace", "files", len(files))
	return c.RunSlowPath(ctx, files)
}

func (c *controller) RunSlowPath(ctx context.Context, changed map[string]string) (*Run, error) {
	if err := c.applyChanges(ctx, changed); err != nil {
		return nil, err
	}
	c.counters.Inc(_counterSlowPath, 1)

	c.showOperation(ctx, "SlowPath", "Typechecking in background", entity.OperationStart)
	defer c.showOperation(ctx, "SlowPath", "Typechecking in background", entity.OperationEnd)

	gs := c.initialGS.Clone()
	all := gs.Files()
	c.driver.Resolve(gs, all)
	c.driver.Infer(gs, all)

	paths := make([]string, 0, len(all))
	for _, ref := range all {
		paths = append(paths, gs.File(ref).Path)
	}
	run := &Run{
		GS:               gs,
		Diagnostics:      gs.Errors().Drain(),
		FilesTypechecked: paths,
	}
	c.logger.Debugw("slow path complete",
		"filesTypechecked", len(run.FilesTypechecked),
		"diagnostics", len(run.Diagnostics))
	return run, nil
}

func (c *controller) TryFastPath(ctx context.Context, changed map[string]string, sweepAll bool) (*Run, error) {
	if c.cfg.DisableFastPath {
		return c.RunSlowPath(ctx, changed)
	}

	for path, source := range changed {
		ref, ok := c.initialGS.FindFileByPath(path)
		if !ok {
			c.logger.Debugw("fast path rejected, new file", "path", path)
			return c.RunSlowPath(ctx, changed)
		}
		if c.hashFor(path, source) != c.initialGS.File(ref).StateHash {
			c.logger.Debugw("fast path rejected, surface changed", "path", path)
			return c.RunSlowPath(ctx, changed)
		}
	}

	if err := c.applyChanges(ctx, changed); err != nil {
		return nil, err
	}
	c.counters.Inc(_counterFastPath, 1)

	gs := c.initialGS.Clone()
	var scope []state.FileRef
	if sweepAll {
		scope = gs.Files()
	} else {
		scope = make([]state.FileRef, 0, len(changed))
		for path := range changed {
			if ref, ok := gs.FindFileByPath(path); ok {
				scope = append(scope, ref)
			}
		}
		sort.Slice(scope, func(i, j int) bool { return scope[i] < scope[j] })
	}
	c.driver.Resolve(gs, scope)
	c.driver.Infer(gs, scope)

	paths := make([]string, 0, len(scope))
	for _, ref := range scope {
		paths = append(paths, gs.File(ref).Path)
	}
	run := &Run{
		GS:               gs,
		Diagnostics:      gs.Errors().Drain(),
		FilesTypechecked: paths,
		TookFastPath:     true,
	}
	c.logger.Debugw("fast path complete",
		"filesTypechecked", len(run.FilesTypechecked),
		"diagnostics", len(run.Diagnostics))
	return run, nil
}

// applyChanges parses changed sources into the snapshot. Parsing runs on
// the worker pool; interning stays on the calling goroutine.
func (c *controller) applyChanges(ctx context.Context, changed map[string]string) error {
	if len(changed) == 0 {
		return nil
	}

	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	refs := make([]state.FileRef, len(paths))
	for i, path := range paths {
		refs[i] = c.initialGS.ReplaceFile(path, changed[path])
	}

	// Workers write disjoint slice slots, so no locking is needed.
	indexes := make([]pipeline.FileIndex, len(paths))
	hashes := make([]uint32, len(paths))
	err := c.pool.Each(ctx, len(paths), func(ctx context.Context, i int) error {
		indexes[i] = c.driver.Parse(paths[i], changed[paths[i]])
		if !c.cfg.DisableFastPath {
			hashes[i] = c.hashFor(paths[i], changed[paths[i]])
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, ref := range refs {
		c.driver.Commit(c.initialGS, ref, indexes[i])
		c.initialGS.File(ref).StateHash = hashes[i]
	}
	return nil
}

// showOperation notifies the editor about a long-running phase, when the
// client opted in during initialize.
func (c *controller) showOperation(ctx context.Context, name, description string, status entity.ShowOperationStatus) {
	s, err := c.sessions.Get(ctx)
	if err != nil || !s.SupportsOperationNotifications {
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

// hashFor computes the state hash of source, memoized across daemon runs
// by content digest.
func (c *controller) hashFor(path, source string) uint32 {
	sum := sha256.Sum256([]byte(source))
	key := path + "\x00" + hex.EncodeToString(sum[:])

	if hash, ok, err := c.cache.GetHash(key); err == nil && ok {
		return hash
	} else if err != nil {
		c.logger.Debugw("hash cache read failed", "path", path, "error", err)
	}

	hash := c.driver.Hash(path, source)
	if err := c.cache.PutHash(key, hash); err != nil {
		c.logger.Debugw("hash cache write failed", "path", path, "error", err)
	}
	return hash
}

func (c *controller) PushDiagnostics(ctx context.Context, run *Run) error {
	s, err := c.sessions.Get(ctx)
	if err != nil {
		return err
	}

	byFile := make(map[string][]state.Diagnostic)
	for _, d := range run.Diagnostics {
		byFile[d.Path] = append(byFile[d.Path], d)
	}

	affected := make(map[string]bool, len(run.FilesTypechecked)+len(byFile))
	for _, path := range run.FilesTypechecked {
		affected[path] = true
	}
	for path := range byFile {
		affected[path] = true
	}
	paths := make([]string, 0, len(affected))
	for path := range affected {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	published := 0
	for _, path := range paths {
		diags := byFile[path]
		if len(diags) == 0 && !c.filesWithErrors[path] {
			continue
		}
		lspDiags := make([]protocol.Diagnostic, 0, len(diags))
		for _, d := range diags {
			lspDiags = append(lspDiags, mapper.DiagnosticToLSP(d))
		}
		params := &protocol.PublishDiagnosticsParams{
			URI:         mapper.URIFromPath(s.RootPath, path),
			Diagnostics: lspDiags,
		}
		if err := c.ideGateway.PublishDiagnostics(ctx, params); err != nil {
			return err
		}
		published++
		if len(diags) == 0 {
			delete(c.filesWithErrors, path)
		} else {
			c.filesWithErrors[path] = true
		}
	}

	c.stats.Counter("publishes").Inc(int64(published))
	c.counters.Inc("diagnostics.pushes", int64(published))
	return nil
}

func (c *controller) ResolveForQuery(ctx context.Context, paths []string, all bool) (*state.GlobalState, error) {
	gs := c.initialGS.Clone()

	var scope []state.FileRef
	if all {
		scope = gs.Files()
	} else {
		scope = make([]state.FileRef, 0, len(paths))
		for _, path := range paths {
			ref, ok := gs.FindFileByPath(path)
			if !ok {
				return nil, &errors.FileNotFoundError{Path: path}
			}
			scope = append(scope, ref)
		}
	}
	c.driver.Resolve(gs, scope)
	c.driver.Infer(gs, scope)

	// Query resolution reuses the shared error queue; the results are not
	// surfaced, so drop them before the next typecheck drains it.
	gs.Errors().Drain()
	return gs, nil
}

func (c *controller) FileContents(ctx context.Context, path string) (string, error) {
	ref, ok := c.initialGS.FindFileByPath(path)
	if !ok {
		return "", &errors.FileNotFoundError{Path: path}
	}
	return c.initialGS.File(ref).Source, nil
}
