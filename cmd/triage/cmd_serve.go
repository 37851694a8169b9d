package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/yairfalse/triage/internal/server"
)

const shutdownTimeout = 15 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve investigations over HTTP",
	Long: `Run the HTTP API.

Endpoints:
- POST /v1/investigations/tasks
- POST /v1/investigations/databases
- GET  /healthz, /readyz
- GET  /metrics (Prometheus)

Stops gracefully on SIGINT or SIGTERM.`,
	Example: `  triage serve
  triage serve --listen :9000 --config triage.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	addr := a.cfg.Server.Listen
	if serveListen != "" {
		addr = serveListen
	}

	srv := server.New(server.Config{
		Investigator: a.service,
		Gatherer:     a.telemetry.PrometheusRegistry(),
		Timeout:      a.cfg.Server.InvestigationTimeout,
		Logger:       a.logger,
	})
	httpServer := srv.HTTPServer(addr, a.cfg.Server.ReadTimeout)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	var g run.Group
	g.Add(func() error {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("serving investigations")
		srv.SetReady(true)
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		srv.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("http shutdown")
		}
	})
	g.Add(run.SignalHandler(cmd.Context(), os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		a.logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
