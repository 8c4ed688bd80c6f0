// Command relayd runs the relay runtime as a subprocess server: JSON-RPC
// over stdin/stdout, with Prometheus metrics and a health probe on a side
// HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/config"
	"github.com/relaykit/relay/mcp"
	"github.com/relaykit/relay/metrics"
	"github.com/relaykit/relay/transport"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "Transport-agnostic JSON-RPC protocol server",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		metricsAddr  string
		instructions string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-RPC over stdin/stdout",
		Long: `Serve reads newline-delimited JSON-RPC messages from stdin and writes
responses to stdout. All sizing knobs come from RELAY_* environment
variables; see the config package for the full list and defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), metricsAddr, instructions)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics and /healthz, empty to disable")
	cmd.Flags().StringVar(&instructions, "instructions", "", "usage hint returned from the handshake")
	return cmd
}

func runServe(parent context.Context, metricsAddr, instructions string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stdout carries the wire protocol, so logs go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	srv, err := relay.New(cfg,
		relay.WithLogger(log),
		relay.WithServerInfo(mcp.ImplementationInfo{Name: "relayd", Version: version}),
		relay.WithInstructions(instructions),
		relay.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		return err
	}

	var httpSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !srv.Healthy() {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})
		httpSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("relayd.metrics.listen", slog.String("err", err.Error()))
			}
		}()
	}

	log.Info("relayd.start", slog.String("version", version), slog.String("metrics_addr", metricsAddr))
	err = srv.Serve(ctx, transport.NewStdio(os.Stdin, os.Stdout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil && err == nil {
		err = sErr
	}
	if httpSrv != nil {
		httpSrv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrShuttingDown) {
		err = nil
	}
	log.Info("relayd.stop")
	return err
}
