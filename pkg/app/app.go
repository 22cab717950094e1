// Package app assembles the orgmap process: it opens the persistent stores,
// rebuilds the in-memory graph, wires the facade, and runs the watcher,
// reconciler, event bus, and transport shell until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/orgmap/orgmap/pkg/bus"
	"github.com/orgmap/orgmap/pkg/config"
	"github.com/orgmap/orgmap/pkg/fts"
	"github.com/orgmap/orgmap/pkg/graph"
	"github.com/orgmap/orgmap/pkg/latex"
	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/meta"
	"github.com/orgmap/orgmap/pkg/orghtml"
	"github.com/orgmap/orgmap/pkg/reconcile"
	"github.com/orgmap/orgmap/pkg/search"
	"github.com/orgmap/orgmap/pkg/server"
	"github.com/orgmap/orgmap/pkg/watch"
)

// App owns every long-lived component of one orgmap process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Meta       *meta.Store
	Graph      *graph.Store
	Index      *fts.Index
	Bus        *bus.Bus
	Reconciler *reconcile.Reconciler
	Facade     *server.Facade
	Server     *server.Server
}

// New opens the stores and wires the components. Call Close when done.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	metaStore, err := meta.Open(cfg.MetaPath())
	if err != nil {
		return nil, err
	}

	index, err := fts.Open(cfg.IndexDir())
	if err != nil {
		metaStore.Close() //nolint:errcheck
		return nil, err
	}

	graphStore := graph.New()
	eventBus := bus.New(logger)
	reconciler := reconcile.New(metaStore, graphStore, index, eventBus, logger)

	rasterizer := latex.New(latex.Options{
		Lookup: func(nodeID string, blockIndex int) (string, bool) {
			rec, ok := graphStore.GetNode(nodeID)
			if !ok || rec.AST == nil {
				return "", false
			}
			if blockIndex < 0 || blockIndex >= len(rec.AST.Latex) {
				return "", false
			}
			return rec.AST.Latex[blockIndex], true
		},
		DiskDir:    cfg.LatexCacheDir(),
		CacheBytes: cfg.LatexCacheBytes,
		Timeout:    cfg.LatexTimeout(),
		Logger:     logger,
	})

	dispatcher := search.NewDispatcher(logger,
		&search.FullTextProvider{Index: index, Store: graphStore},
		&search.TitlePrefixProvider{Store: graphStore},
		&search.TagExactProvider{Store: graphStore},
	)

	facade := &server.Facade{
		Graph:      graphStore,
		Renderer:   &orghtml.Renderer{Advice: cfg.HTMLAdviceRules},
		Latex:      rasterizer,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Bus:        eventBus,
		Logger:     logger,
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Meta:       metaStore,
		Graph:      graphStore,
		Index:      index,
		Bus:        eventBus,
		Reconciler: reconciler,
		Facade:     facade,
		Server:     server.New(facade, logger),
	}, nil
}

// Run brings the process up and blocks until ctx is cancelled: rebuild from
// the metadata store, scan the corpus, then run the bus, reconciler,
// watcher, and transport concurrently.
func (a *App) Run(ctx context.Context) error {
	if err := a.Reconciler.Rebuild(ctx); err != nil {
		return err
	}
	if err := a.Reconciler.Scan(ctx, a.Config.RootDir); err != nil {
		return err
	}
	a.Logger.Info("corpus indexed",
		"root", a.Config.RootDir, "nodes", a.Graph.Len())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Reconciler.Run(gctx)
		return nil
	})
	if a.Config.Watch() {
		watcher := watch.New(a.Config.RootDir, a.Reconciler.Enqueue, a.Logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		a.Logger.Info("listening", "addr", a.Config.ListenAddr)
		return a.Server.Run(gctx, a.Config.ListenAddr)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears components down in reverse dependency order.
func (a *App) Close() error {
	a.Bus.Shutdown()
	var errs []error
	if err := a.Index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Meta.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
