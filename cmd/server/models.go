package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/Brownie44l1/medscan-api/internal/model"
	"github.com/Brownie44l1/medscan-api/internal/registry"
)

func NewModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "inspect and fetch model artifacts",
	}
	cmd.AddCommand(newModelsListCmd(), newModelsPullCmd())
	return cmd
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "list configured models and their local cache state",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			opts, err := registryOptions(cfg)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Model", "Handle", "Cached", "Digest"})
			for _, key := range modelKeys {
				h := cfg.Models[key].Handle()
				artifact, ok, err := registry.Cached(ctx, opts, h)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				t.AppendRow(table.Row{key, h.String(), ok, artifact.Digest.String()})
			}
			t.Render()
			return nil
		},
	}
}

func newModelsPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "pull",
		Short:        "download every configured model into the local cache",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			ctx, cfg, err := setup(ctx)
			if err != nil {
				return err
			}
			opts, err := registryOptions(cfg)
			if err != nil {
				return err
			}
			fetcher, err := registry.New(ctx, opts)
			if err != nil {
				return err
			}

			artifacts, err := pull(ctx, cfg, fetcher)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Model", "Path", "Digest"})
			for i, key := range modelKeys {
				t.AppendRow(table.Row{key, artifacts[i].Path, artifacts[i].Digest.String()})
			}
			t.Render()
			return nil
		},
	}
}

// pull fetches every configured model concurrently, in modelKeys order.
func pull(ctx context.Context, cfg *config.Config, fetcher model.Fetcher) ([]model.Artifact, error) {
	log := logr.FromContextOrDiscard(ctx)
	artifacts := make([]model.Artifact, len(modelKeys))

	eg, ctx := errgroup.WithContext(ctx)
	for i, key := range modelKeys {
		h := cfg.Models[key].Handle()
		eg.Go(func() error {
			log.Info("pulling model", "model", h.String())
			artifact, err := fetcher.Fetch(ctx, h)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			artifacts[i] = artifact
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}
