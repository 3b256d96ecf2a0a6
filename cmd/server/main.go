// Command netwatch-server runs the discovery manager and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/config"
	"github.com/t77yq/netwatch/internal/logging"
	"github.com/t77yq/netwatch/internal/manager"
	"github.com/t77yq/netwatch/internal/netutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "netwatch-server [ip]",
		Short: "Discover nodes on the local network and serve their telemetry",
		Long: `netwatch-server broadcasts usage requests on the local network, tracks every
node that answers and serves the live registry over HTTP.

The optional ip argument selects the interface to bind; by default the first
private IPv4 address is used.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return err
			}
			explicit := cfg.Manager.IP
			if len(args) == 1 {
				explicit = args[0]
			}
			return run(cmd.Context(), cfg, explicit)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("port", 7878, "manager discovery port")
	flags.Int("peer-port", 7879, "node agent port")
	flags.Int("http-port", 3000, "HTTP API port")

	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("manager.port", flags.Lookup("port"))
	_ = v.BindPFlag("manager.peer_port", flags.Lookup("peer-port"))
	_ = v.BindPFlag("http.port", flags.Lookup("http-port"))

	return cmd
}

func run(parent context.Context, cfg *config.Config, explicitIP string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	localIP, err := netutil.ResolveIPv4(ctx, explicitIP)
	if err != nil {
		return fmt.Errorf("failed to select local address: %w", err)
	}

	m, err := manager.New(ctx, cfg, localIP, logger)
	if err != nil {
		return err
	}

	if addr := m.HTTPAddr(); addr != nil {
		logger.Info("Serving HTTP API", zap.Stringer("addr", addr))
	}

	if err := m.Run(ctx); err != nil {
		return err
	}
	logger.Info("Server shut down gracefully")
	return nil
}
