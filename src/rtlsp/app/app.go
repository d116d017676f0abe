// Package app composes the daemon from its Fx modules.
package app

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rubytyper/rtlsp/src/rtlsp/controller/loop"
	"github.com/rubytyper/rtlsp/src/rtlsp/controller/query"
	"github.com/rubytyper/rtlsp/src/rtlsp/controller/typecheck"
	ideclient "github.com/rubytyper/rtlsp/src/rtlsp/gateway/ide-client"
	"github.com/rubytyper/rtlsp/src/rtlsp/gateway/watcher"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/clock"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/core"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/counters"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/fs"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/kvstore"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/pipeline/rubylang"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/workerpool"
	"github.com/rubytyper/rtlsp/src/rtlsp/repository/session"
)

const _serverConfigKey = "server"

// serverConfig covers the process-level knobs; per-subsystem tuning lives
// under each package's own key.
type serverConfig struct {
	// Address switches the connection to TCP when set. Empty means stdio.
	Address  string `yaml:"address"`
	Workers  int    `yaml:"workers"`
	CacheDir string `yaml:"cacheDir"`
}

func readServerConfig(provider config.Provider, logger *zap.SugaredLogger) serverConfig {
	var cfg serverConfig
	if err := provider.Get(_serverConfigKey).Populate(&cfg); err != nil {
		logger.Warnw("reading server config, using defaults", "error", err)
	}
	return cfg
}

// Module defines the rtlsp application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	session.Module,
	ideclient.Module,
	watcher.Module,
	typecheck.Module,
	query.Module,
	loop.Module,
	fs.Module,
	fx.Provide(clock.New),
	fx.Provide(counters.NewRegistry),
	fx.Provide(rubylang.New),
	fx.Provide(newScope),
	fx.Provide(newPool),
	fx.Provide(newCache),
	fx.Invoke(runServer),
)

func newScope(lc fx.Lifecycle) tally.Scope {
	rs, closer := tally.NewRootScope(tally.ScopeOptions{
		Tags: map[string]string{
			"service": "rtlsp",
		},
	}, 1*time.Second)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})

	return rs
}

func newPool(provider config.Provider, logger *zap.SugaredLogger) *workerpool.Pool {
	cfg := readServerConfig(provider, logger)
	return workerpool.New(cfg.Workers)
}

// newCache opens the on-disk hash cache when a directory is configured. The
// daemon runs without one otherwise; only cold-start hashing gets slower.
func newCache(lc fx.Lifecycle, provider config.Provider, logger *zap.SugaredLogger) kvstore.Store {
	cfg := readServerConfig(provider, logger)
	if cfg.CacheDir == "" {
		return kvstore.NewNoop()
	}
	store, err := kvstore.New(cfg.CacheDir)
	if err != nil {
		logger.Warnw("opening hash cache, continuing without one", "dir", cfg.CacheDir, "error", err)
		return kvstore.NewNoop()
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store
}
