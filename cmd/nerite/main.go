// Package main provides the CLI entry point for the proxy.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/nerite/internal/config"
	"github.com/postalsys/nerite/internal/logging"
	"github.com/postalsys/nerite/internal/metrics"
	"github.com/postalsys/nerite/internal/selector"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "nerite",
		Short:   "nerite - pluggable TCP proxy",
		Long:    "nerite relays TCP connections between a SOCKS5, Shadowsocks, or raw input adapter and a SOCKS5, Shadowsocks, or raw output adapter, as described by a JSON profile.",
		Version: Version,
	}

	run := runCmd()
	rootCmd.AddCommand(run)
	rootCmd.AddCommand(versionCmd())
	rootCmd.RunE = run.RunE
	rootCmd.Flags().AddFlagSet(run.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		Long:  "Load the JSON profile, wire the input and output adapters it names, and relay connections until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, logFormat)

			profile, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to load config", "path", configPath, "error", err)
				return err
			}

			var m *metrics.Metrics
			if metricsAddr != "" {
				m = metrics.NewMetrics()
			}

			opts := selector.Options{Logger: logger, Metrics: m}

			input, err := selector.BuildInput(profile, opts)
			if err != nil {
				logger.Error("failed to build input adapter", "error", err)
				return err
			}
			output, err := selector.BuildOutput(profile, opts)
			if err != nil {
				logger.Error("failed to build output adapter", "error", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server stopped", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("metrics server listening", "address", metricsAddr)
			}

			if err := input.Start(ctx, output); err != nil {
				logger.Error("failed to start input adapter", "error", err)
				return err
			}

			logger.Info("nerite started", "input", profile.Input.Name, "output", profile.Output.Name)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			cancel()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./conf/config.json", "Path to the JSON config profile")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables the endpoint)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}
