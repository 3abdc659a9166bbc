package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/sdk"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Monitor build engines and serve Prometheus metrics",
	Long: `Run in the foreground, probing every build engine on an interval and
exposing the results as Prometheus metrics.

The listen address, metrics path and probe interval come from the config
file (metrics.bind, metrics.path, serve.probeInterval). /healthz reports
whether the hypervisor backend answers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		s, err := openSdk(ctx, sdk.Options{Registerer: reg})
		if err != nil {
			return err
		}
		defer closeSdk(s)
		cfg := s.Config()

		monitor := sdk.NewMonitor(s, reg)
		monitorDone := make(chan struct{})
		go func() {
			defer close(monitorDone)
			monitor.Run(ctx, cfg.Serve.ProbeInterval)
		}()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.BackendVersion(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})

		server := &http.Server{
			Addr:              cfg.Metrics.Bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.ListenAndServe()
		}()

		fmt.Printf("Serving metrics on %s%s (probe interval %s)\n", cfg.Metrics.Bind, cfg.Metrics.Path, cfg.Serve.ProbeInterval)

		select {
		case err := <-serveErr:
			stop()
			<-monitorDone
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		fmt.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to shut down metrics server: %v\n", err)
		}
		<-monitorDone

		fmt.Println("✓ Stopped")
		return nil
	},
}
