//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Command graphworker runs conversation graph workers.
//
//	graphworker migrate            create the SQL schema
//	graphworker serve              tick graphs and run nodes until interrupted
//	graphworker tick <graph-id>    run one scheduling round of a graph
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-agent-dag/config"
	"trpc.group/trpc-go/trpc-agent-dag/engine"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/sqldb"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/server/debug"
	"trpc.group/trpc-go/trpc-agent-dag/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "graphworker",
		Short:         "Run conversation graph workers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	root.AddCommand(newMigrateCmd(f), newServeCmd(f), newTickCmd(f))
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, err
	}
	return config.Load(f.configPath)
}

func newMigrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL schema of the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var (
				db      sqldb.DB
				dialect sqldb.Dialect
			)
			switch cfg.Store.Driver {
			case config.DriverSQLite:
				if db, err = sqlite.Open(ctx, cfg.Store.DSN); err != nil {
					return err
				}
				dialect = sqldb.DialectSQLite
			case config.DriverPostgres:
				if db, err = openPostgres(ctx, cfg.Store); err != nil {
					return err
				}
				dialect = sqldb.DialectPostgres
			default:
				return fmt.Errorf("store driver %q has no schema", cfg.Store.Driver)
			}
			defer db.Close()
			if err := sqldb.Migrate(ctx, db, dialect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema of %s store is up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Tick graphs and run claimed nodes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	opts := []engine.WorkerOption{
		engine.WithSweepInterval(a.cfg.Scheduler.SweepInterval),
		engine.WithCompaction(a.cfg.Compaction.Enabled),
	}
	for _, c := range a.consumers {
		opts = append(opts, engine.WithConsumer(c))
	}
	worker := a.engine.NewWorker(opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if addr := a.cfg.Debug.Addr; addr != "" {
		var dopts []debug.Option
		if a.metrics != nil && a.metrics.Handler() != nil {
			dopts = append(dopts, debug.WithMetricsHandler(a.metrics.Handler()))
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           debug.New(a.engine, dopts...).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("graphworker: debug server listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	log.Infof("graphworker: worker %s started", a.engine.WorkerID())
	err := g.Wait()
	log.Infof("graphworker: worker %s stopped", a.engine.WorkerID())
	return err
}

type tickOutput struct {
	GraphID    string   `json:"graphId"`
	Skipped    bool     `json:"skipped"`
	Propagated int      `json:"propagated"`
	Reclaimed  int      `json:"reclaimed"`
	Claimed    []string `json:"claimed"`
	Dispatched int      `json:"dispatched"`
}

func newTickCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick <graph-id>",
		Short: "Run one scheduling round of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			res, err := a.engine.Tick(ctx, args[0])
			if err != nil {
				return err
			}
			a.engine.Wait()
			out := tickOutput{
				GraphID:    res.GraphID,
				Skipped:    res.Skipped,
				Propagated: len(res.Propagated),
				Reclaimed:  len(res.Reclaimed),
				Claimed:    []string{},
				Dispatched: res.Dispatched,
			}
			for _, n := range res.Claimed {
				out.Claimed = append(out.Claimed, n.ID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
