//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-agent-dag/compress"
	"trpc.group/trpc-go/trpc-agent-dag/config"
	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/dispatch/pool"
	dispatchredis "trpc.group/trpc-go/trpc-agent-dag/dispatch/redis"
	"trpc.group/trpc-go/trpc-agent-dag/engine"
	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/executor/agent"
	toolexecutor "trpc.group/trpc-go/trpc-agent-dag/executor/tool"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/sqldb"
	"trpc.group/trpc-go/trpc-agent-dag/lock"
	lockmemory "trpc.group/trpc-go/trpc-agent-dag/lock/inmemory"
	lockpostgres "trpc.group/trpc-go/trpc-agent-dag/lock/postgres"
	lockredis "trpc.group/trpc-go/trpc-agent-dag/lock/redis"
	locksql "trpc.group/trpc-go/trpc-agent-dag/lock/sqldb"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/model"
	"trpc.group/trpc-go/trpc-agent-dag/model/openai"
	"trpc.group/trpc-go/trpc-agent-dag/storage/postgres"
	"trpc.group/trpc-go/trpc-agent-dag/storage/redis"
	"trpc.group/trpc-go/trpc-agent-dag/storage/sqlite"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/trace"
	"trpc.group/trpc-go/trpc-agent-dag/tool"
	"trpc.group/trpc-go/trpc-agent-dag/tool/function"
)

const postgresInstance = "graphworker"

// app is a fully wired worker process.
type app struct {
	cfg       *config.Config
	store     graph.Store
	engine    *engine.Engine
	metrics   *metric.Provider
	consumers []engine.Consumer
	closers   []func(context.Context) error
}

// sqlDB is what the sql store and lockers need from a connection pool.
type sqlDB interface {
	sqldb.DB
	locksql.Execer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	if err := log.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if err := a.startTelemetry(ctx); err != nil {
		return err
	}

	db, dialect, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var rc goredis.UniversalClient
	if cfg.Lock.Backend == config.LockRedis || cfg.Dispatch.Backend == config.DispatchRedis {
		if rc, err = redis.NewClient("", cfg.Redis.URL); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
	}

	locker, err := a.newLocker(db, dialect, rc)
	if err != nil {
		return err
	}

	reg, m, err := newRegistry(cfg.OpenAI)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLocker(locker),
		engine.WithLeaseTTL(cfg.Scheduler.LeaseTTL),
		engine.WithClaimLimit(cfg.Scheduler.ClaimLimit),
		engine.WithWorkerID(cfg.WorkerID),
	}
	var queue *dispatchredis.Queue
	switch cfg.Dispatch.Backend {
	case config.DispatchInline:
		opts = append(opts, engine.WithDispatcher(engine.InlineDispatcher))
	case config.DispatchPool:
		opts = append(opts, engine.WithDispatcher(func(h dispatch.Handler) (dispatch.Dispatcher, error) {
			return pool.New(h, a.poolOptions()...)
		}))
	case config.DispatchRedis:
		if queue, err = dispatchredis.New(dispatchredis.WithClient(rc),
			dispatchredis.WithQueue(cfg.Dispatch.Queue)); err != nil {
			return err
		}
		opts = append(opts, engine.WithDispatcher(func(dispatch.Handler) (dispatch.Dispatcher, error) {
			return dispatch.Func(queue.Dispatch), nil
		}))
	}
	if cfg.Compaction.Enabled && m != nil {
		opts = append(opts, engine.WithSummarizer(compress.NewModelSummarizer(m),
			compress.WithKeepTurns(cfg.Compaction.KeepTurns),
			compress.WithChecker(compress.CheckTurnThreshold(cfg.Compaction.TurnThreshold))))
	}

	if a.engine, err = engine.New(a.store, reg, opts...); err != nil {
		return err
	}
	a.closers = append(a.closers, a.engine.Close)

	if queue != nil {
		sink, err := pool.New(a.engine.Handler(), a.poolOptions()...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sink.Close)
		a.consumers = append(a.consumers, func(ctx context.Context) error {
			return queue.Consume(ctx, sink)
		})
	}
	return nil
}

func (a *app) poolOptions() []pool.Option {
	return []pool.Option{
		pool.WithSize(a.cfg.Dispatch.PoolSize),
		pool.WithJobTimeout(a.cfg.Dispatch.JobTimeout),
	}
}

func (a *app) startTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if tc.Traces.Enabled {
		opts := []trace.Option{trace.WithProtocol(tc.Traces.Protocol), trace.WithHeaders(tc.Traces.Headers)}
		if tc.Traces.Endpoint != "" {
			opts = append(opts, trace.WithEndpoint(tc.Traces.Endpoint))
		}
		if tc.Traces.SampleRatio != nil {
			opts = append(opts, trace.WithSampleRatio(*tc.Traces.SampleRatio))
		}
		clean, err := trace.Start(ctx, opts...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, clean)
	}
	if tc.Metrics.Exporter != "" {
		opts := []metric.Option{metric.WithExporter(tc.Metrics.Exporter)}
		if tc.Metrics.Endpoint != "" {
			opts = append(opts, metric.WithEndpoint(tc.Metrics.Endpoint))
		}
		p, err := metric.Start(ctx, opts...)
		if err != nil {
			return err
		}
		a.metrics = p
		a.closers = append(a.closers, p.Shutdown)
	}
	return nil
}

// openStore opens the configured store. The returned pool is nil for the
// in-memory store.
func (a *app) openStore(ctx context.Context) (sqlDB, sqldb.Dialect, error) {
	var (
		db      sqlDB
		dialect sqldb.Dialect
	)
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.store = inmemory.NewStore()
		a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
		return nil, "", nil
	case config.DriverSQLite:
		sdb, err := sqlite.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, "", err
		}
		db, dialect = sdb, sqldb.DialectSQLite
	case config.DriverPostgres:
		client, err := openPostgres(ctx, a.cfg.Store)
		if err != nil {
			return nil, "", err
		}
		db, dialect = client, sqldb.DialectPostgres
	default:
		return nil, "", fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	store, err := sqldb.New(ctx, db, sqldb.WithDialect(dialect))
	if err != nil {
		db.Close()
		return nil, "", err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return db, dialect, nil
}

// openPostgres registers the configured pool under the worker's instance name
// and opens it.
func openPostgres(ctx context.Context, cfg config.StoreConfig) (postgres.Client, error) {
	opts := []postgres.ClientBuilderOpt{postgres.WithClientConnString(cfg.DSN)}
	if cfg.MaxOpenConns > 0 {
		opts = append(opts, postgres.WithMaxOpenConns(cfg.MaxOpenConns))
	}
	postgres.RegisterPostgresInstance(postgresInstance, opts...)
	return postgres.NewClient(ctx, postgresInstance, "")
}

func (a *app) newLocker(db sqlDB, dialect sqldb.Dialect, rc goredis.UniversalClient) (lock.Locker, error) {
	ttl := a.cfg.Lock.TTL
	switch a.cfg.Lock.Backend {
	case config.LockSQL:
		return locksql.New(db, locksql.WithDialect(dialect), locksql.WithTTL(ttl),
			locksql.WithOwner(a.cfg.WorkerID))
	case config.LockPostgres:
		conner, ok := db.(lockpostgres.Conner)
		if !ok {
			return nil, fmt.Errorf("lock backend postgres needs the postgres store")
		}
		return lockpostgres.New(conner)
	case config.LockRedis:
		return lockredis.New(lockredis.WithClient(rc), lockredis.WithTTL(ttl))
	default:
		return lockmemory.New(lockmemory.WithTTL(ttl)), nil
	}
}

// newRegistry registers the agent executor when a model is configured and the
// task executor with the built-in tools.
func newRegistry(cfg config.OpenAIConfig) (*executor.Registry, model.Model, error) {
	reg := executor.NewRegistry()
	tools, err := builtinTools()
	if err != nil {
		return nil, nil, err
	}
	if err := reg.Register(graph.NodeTypeTask, toolexecutor.New(tools)); err != nil {
		return nil, nil, err
	}
	if cfg.APIKey == "" {
		log.Warnf("graphworker: no OpenAI API key configured, agent messages will error")
		return reg, nil, nil
	}
	opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m := openai.New(cfg.Model, opts...)
	err = reg.Register(graph.NodeTypeAgentMessage, agent.New(m,
		agent.WithInstruction(cfg.Instruction),
		agent.WithHistoryLimit(cfg.HistoryLimit),
		agent.WithGenerationConfig(model.GenerationConfig{
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}),
	))
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

type timeArgs struct {
	Layout   string `json:"layout,omitempty"`
	Location string `json:"location,omitempty"`
}

func builtinTools() (*tool.Set, error) {
	now := function.NewFunctionTool(func(_ context.Context, args timeArgs) (string, error) {
		layout := args.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		t := time.Now()
		if args.Location != "" {
			loc, err := time.LoadLocation(args.Location)
			if err != nil {
				return "", err
			}
			t = t.In(loc)
		}
		return t.Format(layout), nil
	},
		function.WithName("current_time"),
		function.WithDescription("Returns the current time, optionally in a layout and IANA location."),
		function.WithInputSchema(&tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				"layout":   {Type: "string", Description: "Go time layout, RFC3339 by default"},
				"location": {Type: "string", Description: "IANA time zone such as Europe/Paris"},
			},
		}),
	)
	return tool.NewSet(now)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Debugf("graphworker: close: %v", err)
		}
	}
	a.closers = nil
}
