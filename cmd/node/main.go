// Command netwatch-node answers discovery requests with this machine's
// descriptor and usage telemetry.
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

	"github.com/t77yq/netwatch/internal/agent"
	"github.com/t77yq/netwatch/internal/config"
	"github.com/t77yq/netwatch/internal/logging"
	"github.com/t77yq/netwatch/internal/netutil"
	"github.com/t77yq/netwatch/internal/protocol"
	"github.com/t77yq/netwatch/internal/sampler"
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
		Use:   "netwatch-node [ip]",
		Short: "Report this machine to netwatch managers",
		Long: `netwatch-node listens for manager requests and answers each one with the
machine descriptor or a fresh usage sample.

The optional ip argument is the address reported to managers; by default the
first private IPv4 address is used.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return err
			}
			explicit := cfg.Node.IP
			if len(args) == 1 {
				explicit = args[0]
			}
			return run(cmd.Context(), cfg, explicit)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("port", 7879, "port to answer requests on")
	flags.String("bind", "0.0.0.0", "address to listen on")

	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("node.port", flags.Lookup("port"))
	_ = v.BindPFlag("node.bind_address", flags.Lookup("bind"))

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

	reportIP, err := netutil.ResolveIPv4(ctx, explicitIP)
	if err != nil {
		return fmt.Errorf("failed to select local address: %w", err)
	}
	bind, err := protocol.ParseIPv4(cfg.Node.BindAddress)
	if err != nil {
		return fmt.Errorf("invalid bind address: %w", err)
	}

	s, err := sampler.New(ctx, cfg.Node.CPUSampleInterval, logger)
	if err != nil {
		return err
	}

	a, err := agent.New(ctx, agent.Config{
		ReportIP:    reportIP,
		BindAddress: bind,
		Port:        cfg.Node.Port,
		BufferSize:  cfg.Node.ReceiveBuffer,
	}, s, logger)
	if err != nil {
		return err
	}

	logger.Info("Node agent started",
		zap.Stringer("report_ip", reportIP),
		zap.Stringer("addr", a.LocalAddr()))

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("Node agent stopped")
	return nil
}
