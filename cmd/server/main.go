package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/medscan-api/internal/config"
)

const ErrExitCode = 1

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(ErrExitCode)
	}
}

func NewRootCmd() *cobra.Command {
	configFile := ""
	cmd := &cobra.Command{
		Use:          "medscan",
		Short:        "medical scan classification API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			return os.Setenv("MEDSCAN_CONFIG", configFile)
		},
		RunE: runServe,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", configFile, "YAML config file, overrides MEDSCAN_CONFIG")

	cmd.AddCommand(NewServeCmd(), NewModelsCmd())
	return cmd
}

// setup loads configuration and attaches the process logger to ctx.
func setup(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return ctx, nil, err
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	stdr.SetVerbosity(verbosity(cfg.LogLevel))
	logger := stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error})
	return logr.NewContext(ctx, logger), cfg, nil
}

// verbosity maps a level name to a logr V-level; debug enables V(1) lines.
func verbosity(level string) int {
	if strings.EqualFold(level, "debug") {
		return 1
	}
	return 0
}
