// Package main provides the CLI entry point for the zctun server daemon:
// the publicly reachable relay that accepts client control/data channels
// and SOCKS5 connections from end users.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zcmesh/zctun/internal/config"
	"github.com/zcmesh/zctun/internal/idgen"
	"github.com/zcmesh/zctun/internal/logging"
	"github.com/zcmesh/zctun/internal/metrics"
	"github.com/zcmesh/zctun/internal/protocol"
	"github.com/zcmesh/zctun/internal/server"
	"github.com/zcmesh/zctun/internal/socks5"
	"github.com/zcmesh/zctun/internal/statusapi"
	"github.com/zcmesh/zctun/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "zctun-server",
		Short:   "zctun server - reverse SOCKS5 relay",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(clientsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var metricsAddr string
	var statusSocket string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.NewMetrics()

			hash, err := socks5.HashPassword(cfg.SOCKSPassword)
			if err != nil {
				return fmt.Errorf("hash socks5 password: %w", err)
			}

			srv := server.New(server.Config{
				Address:          cfg.ListenAddr(),
				HandshakeTimeout: 10 * time.Second,
				Logger:           log,
				Metrics:          m,
			})
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start control listener: %w", err)
			}

			checker := &socks5.HashedSecretChecker{Hash: hash, HasControl: srv.HasControl}
			socksSrv := socks5.NewServer(socks5.ServerConfig{
				Address:        cfg.SOCKSListenAddr(),
				Authenticators: []socks5.Authenticator{socks5.NewUserPassAuthenticator(checker)},
				Backend:        srv.ConnectBackend(),
				IDGen:          idgen.NewUserID,
			})
			if err := socksSrv.Start(); err != nil {
				srv.Stop()
				return fmt.Errorf("start socks5 listener: %w", err)
			}

			statusSrv := statusapi.NewServer(statusapi.Config{SocketPath: statusSocket}, srv)
			if err := statusSrv.Start(); err != nil {
				log.Warn("status api not started", logging.KeyError, err)
			}

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

			fmt.Printf("zctun server listening: control=%s socks5=%s\n", srv.Address(), socksSrv.Address())
			fmt.Printf("frame limits: control=%s data=%s\n",
				humanize.Bytes(uint64(protocol.MaxControlFrameSize)), humanize.Bytes(uint64(protocol.MaxDataFrameSize)))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nreceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsHTTP != nil {
				metricsHTTP.Shutdown(ctx)
			}
			statusSrv.Stop()
			socksSrv.StopWithContext(ctx)
			if err := srv.Stop(); err != nil {
				return err
			}
			fmt.Println("server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./zctun-server.conf", "path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (empty disables)")
	cmd.Flags().StringVar(&statusSocket, "status-socket", statusapi.DefaultConfig().SocketPath, "unix socket path for the status API")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.RunServer()
			return err
		},
	}
}

func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash of the SOCKS5 shared password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}

			hash, err := socks5.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			fmt.Println(hash)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var statusSocket string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running server's status over its status socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := statusapi.NewClient(statusSocket)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			fmt.Printf("running: %v\nclients: %d\n", st.Running, st.ClientCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&statusSocket, "status-socket", statusapi.DefaultConfig().SocketPath, "unix socket path for the status API")
	return cmd
}

func clientsCmd() *cobra.Command {
	var statusSocket string
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List connected clientKeys over the status socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := statusapi.NewClient(statusSocket)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := client.Clients(ctx)
			if err != nil {
				return fmt.Errorf("clients: %w", err)
			}
			for _, c := range resp.Clients {
				fmt.Printf("%s  user_channels=%d\n", c.ClientKey, c.UserChannels)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusSocket, "status-socket", statusapi.DefaultConfig().SocketPath, "unix socket path for the status API")
	return cmd
}
