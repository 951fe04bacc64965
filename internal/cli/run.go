package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: "Registers configured accounts, then supervises every account that wants to run " +
			"until interrupted. Stopped or disconnected accounts are restarted by a periodic sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if err := registerAccounts(ctx, e); err != nil {
				return err
			}

			eng := newEngine(e)
			defer func() {
				if err := eng.Close(); err != nil {
					e.logger.WithError(err).Warn("Failed to close connection pool")
				}
			}()

			if e.cfg.MetricsAddr != "" {
				srv := serveMetrics(e.cfg.MetricsAddr, e.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			e.logger.WithFields(logrus.Fields{
				"host":     e.cfg.HostID,
				"accounts": len(e.cfg.Accounts),
				"version":  version,
			}).Info("Starting syncback daemon")

			if err := eng.manager.Run(ctx); err != nil {
				return err
			}
			e.logger.Info("Syncback daemon stopped")
			return nil
		},
	}
}

// serveMetrics exposes the Prometheus registry on addr in the background
func serveMetrics(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("Serving metrics")
	return srv
}
