// Package main provides the CLI entry point for the zctun client daemon:
// the process that lives inside the private network, dials out to a
// zctun server, and relays real-server traffic on its behalf.
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

	"github.com/zcmesh/zctun/internal/client"
	"github.com/zcmesh/zctun/internal/config"
	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/metrics"
	"github.com/zcmesh/zctun/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "zctun-client",
		Short:   "zctun client - dials out to a zctun server and relays real-server traffic",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.NewMetrics()

			c := client.New(client.Config{
				ServerAddr: cfg.ServerAddr(),
				ClientKey:  cfg.ClientKey,
				Logger:     log,
				Metrics:    m,
			})

			var metricsHTTP *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsHTTP = &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics server stopped", logging.KeyError, err)
					}
				}()
			}

			ctx, cancel := context.WithCancel(context.Background())
			runErrCh := make(chan error, 1)
			go func() { runErrCh <- c.Run(ctx) }()

			fmt.Printf("zctun client starting, clientKey=%s server=%s\n", c.ClientKey(), cfg.ServerAddr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
			case err := <-runErrCh:
				cancel()
				if metricsHTTP != nil {
					metricsHTTP.Close()
				}
				return fmt.Errorf("client stopped: %w", err)
			}

			cancel()
			c.Stop()

			if metricsHTTP != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				metricsHTTP.Shutdown(shutdownCtx)
				shutdownCancel()
			}

			<-runErrCh
			fmt.Println("client stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./zctun-client.conf", "path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (empty disables)")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a client configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.RunClient()
			return err
		},
	}
}
