package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockberries/finalberry/config"
	"github.com/blockberries/finalberry/metrics"
	"github.com/blockberries/finalberry/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().Duration("status-interval", 30*time.Second, "How often the node status is logged, 0 to disable")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gen, err := config.LoadGenesis(cfg.Path(cfg.Genesis))
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	n, err := newNode(cfg, gen, logger, reg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Info("node started",
		zap.String("chain", n.ChainID()),
		zap.Stringer("address", n.Address()),
		zap.Int64("height", n.Height()),
		zap.String("version", Version))

	var serverErr <-chan error
	var server *metrics.Server
	if reg != nil {
		server = metrics.NewServer(cfg.Metrics.ListenAddr, reg)
		serverErr = server.StartAsync()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.ListenAddr))
	}

	interval, _ := cmd.Flags().GetDuration("status-interval")
	var statusC <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			logger.Warn("caught signal, shutting down", zap.Stringer("signal", sig))
			break loop
		case err, ok := <-serverErr:
			if ok && err != nil {
				runErr = fmt.Errorf("metrics server: %w", err)
				break loop
			}
			serverErr = nil
		case <-statusC:
			logStatus(logger, n.Status())
		}
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		runErr = errors.Join(runErr, server.Stop(ctx))
		cancel()
	}
	return errors.Join(runErr, n.Stop())
}

// newNode keeps a nil registry from reaching the node as a non-nil
// Registerer
func newNode(cfg *config.Config, gen *config.Genesis, logger *zap.Logger, reg *prometheus.Registry) (*node.Node, error) {
	if reg == nil {
		return node.New(cfg, gen, logger, nil)
	}
	return node.New(cfg, gen, logger, reg)
}

func logStatus(logger *zap.Logger, st node.Status) {
	logger.Info("status",
		zap.Uint64("epoch", st.Epoch),
		zap.Int("validators", st.Validators),
		zap.Bool("validator", st.IsValidator),
		zap.Int64("height", st.Height),
		zap.Int64("finalized", st.FinalizedHeight),
		zap.Stringer("state_root", st.StateRoot),
		zap.Float64("connectivity", st.Connectivity),
		zap.Bool("partitioned", st.Partitioned),
		zap.Int("catching_up", st.CatchingUp),
		zap.Int("pending", st.Finality.PendingBlocks))
}
