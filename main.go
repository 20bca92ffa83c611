package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"visionnode/protocol/params"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type cliFlags struct {
	configPath   string
	dataDir      string
	logLevel     string
	logJSON      bool
	listen       []string
	seeds        []string
	noSeeds      bool
	mine         bool
	minerAddress string
	metrics      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f cliFlags
	root := &cobra.Command{
		Use:           "visionnode",
		Short:         "Vision proof-of-work full node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.StringVar(&f.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&f.logJSON, "log-json", false, "emit JSON logs")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadRuntime(cmd, f)
			if err != nil {
				return err
			}
			return runDaemon(cfg, log)
		},
	}
	rf := run.Flags()
	rf.StringSliceVar(&f.listen, "listen", nil, "P2P listen multiaddrs")
	rf.StringSliceVar(&f.seeds, "seed", nil, "additional seed multiaddrs")
	rf.BoolVar(&f.noSeeds, "no-default-seeds", false, "skip the built-in seed nodes")
	rf.BoolVar(&f.mine, "mine", false, "mine blocks")
	rf.StringVar(&f.minerAddress, "miner-address", "", "address stamped into mined blocks")
	rf.StringVar(&f.metrics, "metrics", "", "Prometheus listen address (e.g. 127.0.0.1:9480)")

	reset := &cobra.Command{
		Use:   "reset-chain",
		Short: "Wipe the local chain back to genesis",
		Long: fmt.Sprintf("Wipe the local chain back to genesis.\n\n"+
			"Above the safety threshold the reset is refused unless %s=1 is set.", ForceResetEnv),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadRuntime(cmd, f)
			if err != nil {
				return err
			}
			return resetChain(cfg, log)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("visionnode %s (protocol %s, network %s)\n",
				params.NodeVersion, params.ProtocolVersion, params.NetworkID)
		},
	}

	root.AddCommand(run, reset, version)
	return root
}

// loadRuntime resolves the config file and flag overrides, then builds the
// logger.
func loadRuntime(cmd *cobra.Command, f cliFlags) (Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	flags := cmd.Flags()
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = f.logJSON
	}
	if len(f.listen) > 0 {
		cfg.P2P.ListenAddrs = f.listen
	}
	if f.noSeeds {
		cfg.P2P.SeedNodes = nil
	}
	cfg.P2P.SeedNodes = append(cfg.P2P.SeedNodes, f.seeds...)
	if f.mine {
		cfg.Mining.Enabled = true
	}
	if f.minerAddress != "" {
		cfg.Mining.MinerAddress = f.minerAddress
	}
	if f.metrics != "" {
		cfg.Metrics.Listen = f.metrics
	}
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}

	log, err := NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func runDaemon(cfg Config, log zerolog.Logger) error {
	d, err := NewDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return multierror.Append(err, d.Stop()).ErrorOrNil()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("received signal")
	return d.Stop()
}

// resetChain opens the chain offline and asks the safety guard for a full
// reset.
func resetChain(cfg Config, log zerolog.Logger) error {
	storage, err := NewStorage(cfg.DataDir)
	if err != nil {
		return err
	}
	defer storage.Close()

	chain, err := NewChain(ChainConfig{
		Policy:   cfg.Chain,
		Hasher:   Argon2Hasher{},
		Effects:  NewMempool(DefaultMempoolConfig()),
		Store:    storage,
		Override: &EnvResetOverride{},
		Logger:   log,
	})
	if err != nil {
		return err
	}
	before := chain.TipHeight()
	if err := chain.ResetToGenesis(); err != nil {
		return err
	}
	log.Warn().Uint64("from_height", before).Msg("chain reset to genesis")
	return nil
}
