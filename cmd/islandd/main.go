package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"island/internal/api"
	"island/internal/config"
	"island/internal/filter"
	"island/internal/paging"
	"island/internal/remote"
	"island/internal/scheduler"
	"island/internal/settings"
	"island/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	if err := run(cfg, log); err != nil {
		log.Error("island stopped", "error", err)
		os.Exit(1)
	}
	log.Info("island stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	store, err := storage.NewSQLite(ctx, cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prefs, err := settings.New(ctx, store, log)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	board, err := remote.New(httpClient, cfg.BoardURL, prefs, log)
	if err != nil {
		return err
	}

	var src paging.Source = board
	if cfg.Source == config.SourceFeed {
		feed, err := remote.NewFeedSource(httpClient, cfg.BoardURL, prefs, log)
		if err != nil {
			return err
		}
		src = feed
	}

	rules := filter.NewRuleSet(log)
	feeds := paging.NewManager(src, store, rules, paging.Options{
		PageSize: cfg.PageSize,
		Prefetch: cfg.PrefetchDistance,
	}, log)
	defer feeds.Close()

	sched := scheduler.New(board, store, prefs, cfg.SectionRefreshSpec, log)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.New(store, feeds, prefs, board, log).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("starting island", "listen", cfg.ListenAddr, "board", cfg.BoardURL, "source", cfg.Source)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rules.Listen(ctx, store.WatchRules(ctx))
		return nil
	})
	g.Go(func() error {
		feeds.Follow(ctx, prefs.Subscribe(ctx))
		return nil
	})
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
