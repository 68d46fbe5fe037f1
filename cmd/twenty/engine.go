package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/config"
	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/engine/runner"
	"github.com/ehconitin/twenty/internal/engine/schemacache"
	"github.com/ehconitin/twenty/internal/engine/transaction"
)

// app holds the wired engine components shared by the CLI commands
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *sql.DB
	store    *metadata.Store
	roles    *role.Store
	schemas  *schemacache.Cache
	resolver *role.Resolver
	tx       *transaction.Manager
	emitter  *event.Emitter
	runner   *runner.Runner
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	db, err := config.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	backend, err := newCacheBackend(cfg.Cache)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := metadata.NewStore(db, log, metadata.WithRowChecker(runner.NewRowChecker(db)))
	roles := role.NewStore(db, log)
	schemas := schemacache.New(store, compile.NewCompiler(log), backend, log)
	resolver := role.NewResolver(roles, backend, log)
	tx := transaction.NewManager(db, log)
	emitter := event.NewEmitter(cfg.Events.Shards, log)
	run := runner.New(schemas, resolver, tx, emitter, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    store,
		roles:    roles,
		schemas:  schemas,
		resolver: resolver,
		tx:       tx,
		emitter:  emitter,
		runner:   run,
	}, nil
}

func (a *app) close() {
	a.db.Close()
	a.log.Sync()
}

func newCacheBackend(cfg config.CacheConfig) (schemacache.Backend, error) {
	common := schemacache.DefaultConfig()
	if cfg.TTL > 0 {
		common.DefaultTTL = cfg.TTL
	}
	switch cfg.Backend {
	case "memory":
		return schemacache.NewMemoryBackendWithConfig(common), nil
	case "redis":
		return schemacache.NewRedisBackend(schemacache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Config:   common,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
