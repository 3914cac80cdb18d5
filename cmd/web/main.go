package main

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"storyboard-studio/internal/app"
	"storyboard-studio/internal/config"
	"storyboard-studio/internal/web"
	"storyboard-studio/internal/workspace"
)

//go:embed static/*
var staticFS embed.FS

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}

	opts := web.Options{
		Workspaces: workspace.NewStore(workspace.Options{
			TTL: cfg.WorkspaceTTL,
			New: a.NewOrchestrator,
		}),
		Static:         staticSub,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}
	if a.Archive != nil {
		opts.Uploader = a.Archive
	}

	srv := &http.Server{
		Addr:              cfg.WebAddr,
		Handler:           web.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + time.Minute,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web started", "addr", cfg.WebAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
