package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/metrics"
	"github.com/Singert/webserv/core/server"
)

const metricsShutdownTimeout = 5 * time.Second

// Bind creates one Multiplexer per configured server. If any server fails to
// bind, the ones already bound are released and the error is returned.
func Bind(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) ([]*server.Multiplexer, error) {
	muxes := make([]*server.Multiplexer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		mux, err := server.New(s, cfg.Runtime, m, log)
		if err != nil {
			var cerr error
			for _, bound := range muxes {
				cerr = multierr.Append(cerr, bound.Close())
			}
			return nil, multierr.Append(err, cerr)
		}
		log.Info("server bound", zap.String("server", s.ServerName), zap.String("addr", mux.Addr()))
		muxes = append(muxes, mux)
	}
	return muxes, nil
}

// Serve binds every server in cfg and runs their event loops until ctx is
// canceled or one of them fails. When reg is a *prometheus.Registry and
// runtime.metrics_addr is set, the collected metrics are served on /metrics.
func Serve(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, log *zap.Logger) error {
	m := metrics.New(reg)
	muxes, err := Bind(cfg, m, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, mux := range muxes {
		mux := mux
		g.Go(func() error {
			return mux.Run(ctx)
		})
	}

	if gatherer, ok := reg.(prometheus.Gatherer); ok && cfg.Runtime.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Runtime.MetricsAddr,
			Handler:           metricsHandler(gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", srv.Addr))
			// Metrics are not worth taking the servers down for.
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
