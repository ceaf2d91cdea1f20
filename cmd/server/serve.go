package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/medscan-api/internal/classifier"
	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/Brownie44l1/medscan-api/internal/handlers"
	"github.com/Brownie44l1/medscan-api/internal/model"
	"github.com/Brownie44l1/medscan-api/internal/registry"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "run the HTTP API",
		SilenceUsage: true,
		RunE:         runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx, cfg, err := setup(ctx)
	if err != nil {
		return err
	}
	log := logr.FromContextOrDiscard(ctx)

	if err := model.InitRuntime(model.RuntimeOptions{LibraryPath: cfg.OnnxRuntimeLib}); err != nil {
		return err
	}
	defer func() {
		if err := model.DestroyRuntime(); err != nil {
			log.Error(err, "failed to destroy ONNX environment")
		}
	}()

	regOpts, err := registryOptions(cfg)
	if err != nil {
		return err
	}
	fetcher, err := registry.New(ctx, regOpts)
	if err != nil {
		return err
	}
	cache := model.NewCache(model.NewLoader(fetcher, model.SessionOptions{
		CPUOnly:        cfg.CPUOnly,
		IntraOpThreads: cfg.IntraOpThreads,
	}))
	defer func() {
		if err := cache.Close(); err != nil {
			log.Error(err, "failed to close models")
		}
	}()

	classifiers := make([]*classifier.Classifier, 0, 3)
	predictors := make([]handlers.Predictor, 0, 3)
	for _, t := range tasks(cfg) {
		c := classifier.New(t, cache)
		classifiers = append(classifiers, c)
		predictors = append(predictors, c)
	}

	if cfg.Preload {
		if err := preload(ctx, classifiers); err != nil {
			return fmt.Errorf("startup model load failed: %w", err)
		}
	}

	return listen(ctx, cfg, handlers.NewRouter(&handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         log,
	}, predictors...))
}

// preload brings every task's models into memory before traffic is accepted.
func preload(ctx context.Context, classifiers []*classifier.Classifier) error {
	log := logr.FromContextOrDiscard(ctx)
	start := time.Now()

	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range classifiers {
		eg.Go(func() error {
			return c.Initialize(ctx)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info("all models loaded", "duration", time.Since(start))
	return nil
}

func listen(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	log := logr.FromContextOrDiscard(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			// in-flight requests outlive the shutdown signal until Shutdown returns
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
