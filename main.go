package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Singert/webserv/core"
	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/talklog"
)

func newRootCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:           "webserv <config-file>",
		Short:         "Serve static files, uploads and CGI scripts from an nginx-style configuration",
		Version:       config.ServerSoftware(),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Runtime.MetricsAddr = metricsAddr
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides runtime.metrics_addr)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, closeLog, err := talklog.New(talklog.LogConfig{
		Level:     cfg.Logger.Level,
		LogToFile: cfg.Logger.LogToFile,
		FilePath:  cfg.Logger.FilePath,
		WithTime:  cfg.Logger.WithTime,
		Color:     cfg.Logger.Color,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("starting", zap.String("version", config.ServerSoftware()), zap.Int("servers", len(cfg.Servers)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := core.Serve(ctx, cfg, reg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("shut down")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		stop()
		os.Exit(1)
	}
}
