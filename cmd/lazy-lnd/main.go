package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btx-lnd/lazy-lnd/internal/autotune"
	"github.com/btx-lnd/lazy-lnd/internal/config"
	"github.com/btx-lnd/lazy-lnd/internal/htlc"
	"github.com/btx-lnd/lazy-lnd/internal/lndclient"
	"github.com/btx-lnd/lazy-lnd/internal/server"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// printfLogger adapts a zerolog logger to the Printf interface the internal
// packages take.
type printfLogger struct {
	log zerolog.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func newLogger() printfLogger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := io.Writer(os.Stdout)
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return printfLogger{log: log}
}

var rootCmd = &cobra.Command{
	Use:           "lazy-lnd",
	Short:         "Adaptive routing fee controller for an LND node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/lazy-lnd/config.yaml", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(healthCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fee engine and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		logger := newLogger()
		lnd := lndclient.New(cfg, logger)
		store := autotune.NewStore(cfg.Engine.StateFile, cfg.Engine.StateBackups)
		buffer := htlc.NewBuffer(cfg.Engine.HTLCBufferFile)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.Engine.HTLCStreamFile != "" {
			correlator := htlc.NewCorrelator(buffer, cfg.Expiry(), time.Second, logger)
			go func() {
				if err := correlator.Run(ctx, cfg.Engine.HTLCStreamFile); err != nil && ctx.Err() == nil {
					logger.Printf("htlc correlator stopped: %v", err)
				}
			}()
		} else {
			logger.Printf("htlc stream file not configured, failure stats disabled")
		}

		svc := autotune.NewService(cfg, lnd, store, buffer, logger)
		svc.Start()
		defer svc.Stop()

		srv := server.New(cfg, logger, lnd, svc)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Printf("shutting down")
			return nil
		}
	},
}

var (
	onceDryRun  bool
	onceObserve bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single fee cycle and print the resulting peer states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		logger := newLogger()
		lnd := lndclient.New(cfg, logger)
		store := autotune.NewStore(cfg.Engine.StateFile, cfg.Engine.StateBackups)
		buffer := htlc.NewBuffer(cfg.Engine.HTLCBufferFile)
		svc := autotune.NewService(cfg, lnd, store, buffer, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := svc.Run(ctx, onceDryRun, onceObserve, "cli"); err != nil {
			return fmt.Errorf("cycle failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(svc.PeerStates())
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "Compute and persist state without writing recommendations")
	onceCmd.Flags().BoolVar(&onceObserve, "observe", false, "Update metrics only, leave fees untouched")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the persisted per-peer state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		store := autotune.NewStore(cfg.Engine.StateFile, cfg.Engine.StateBackups)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(store.Load())
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <peer>",
	Short: "Evaluate every fee rule against a peer's stored state without applying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		section := args[0]
		store := autotune.NewStore(cfg.Engine.StateFile, cfg.Engine.StateBackups)
		ps, ok := store.Load()[section]
		if !ok || ps == nil {
			return fmt.Errorf("no stored state for peer %q", section)
		}

		verdicts := autotune.ExplainPeer(section, ps.Clone(), cfg)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(verdicts)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the LND REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}

		logger := newLogger()
		lnd := lndclient.New(cfg, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := lnd.GetInfo(ctx)
		if err != nil {
			return fmt.Errorf("lnd unreachable: %w", err)
		}
		fmt.Printf("alias=%s pubkey=%s synced=%t channels=%d\n",
			info.Alias, info.IdentityPubkey, info.SyncedToChain, info.NumChannels)

		if fi, err := os.Stat(cfg.Engine.StateFile); err != nil {
			fmt.Printf("state=missing (%v)\n", err)
		} else {
			age := time.Since(fi.ModTime()).Round(time.Second)
			stale := age > 2*cfg.Interval()
			fmt.Printf("state=ok age=%s stale=%t\n", age, stale)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lazy-lnd:", err)
		os.Exit(1)
	}
}
