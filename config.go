package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainPolicy holds the tunables of acceptance and reorg. Consensus rules
// themselves (PoW parameters, genesis) are not configurable.
type ChainPolicy struct {
	// Reorg depth bound in steady state, and the larger bound used while
	// the node is catching up.
	MaxReorgDepth        uint64 `yaml:"max_reorg_depth"`
	CatchUpMaxReorgDepth uint64 `yaml:"catchup_max_reorg_depth"`

	// Catch-up applies below CatchUpHeight, or when the best validated peer
	// (or the candidate branch) is more than CatchUpLag blocks ahead.
	CatchUpHeight uint64 `yaml:"catchup_height"`
	CatchUpLag    uint64 `yaml:"catchup_lag"`

	MaxSideBlocks       int `yaml:"max_side_blocks"`
	OrphanSpamThreshold int `yaml:"orphan_spam_threshold"`

	// OrphanTTL is how long a block with no known path to genesis may wait
	// in the pool for its ancestors.
	OrphanTTL time.Duration `yaml:"orphan_ttl"`

	// HeightDropMargin is the largest height drop logged as informational.
	HeightDropMargin uint64 `yaml:"height_drop_margin"`

	// UndoRetention is how many blocks below the tip keep undo records.
	UndoRetention uint64 `yaml:"undo_retention"`

	AncestryWalkLimit int `yaml:"ancestry_walk_limit"`
	BadBlockCacheSize int `yaml:"bad_block_cache_size"`
}

// DefaultChainPolicy returns the mainnet policy.
func DefaultChainPolicy() ChainPolicy {
	return ChainPolicy{
		MaxReorgDepth:        36,
		CatchUpMaxReorgDepth: 2000,
		CatchUpHeight:        128,
		CatchUpLag:           24,
		MaxSideBlocks:        500,
		OrphanSpamThreshold:  10,
		OrphanTTL:            5 * time.Minute,
		HeightDropMargin:     6,
		UndoRetention:        2000,
		AncestryWalkLimit:    4096,
		BadBlockCacheSize:    4096,
	}
}

// Validate checks internal consistency.
func (p ChainPolicy) Validate() error {
	switch {
	case p.MaxReorgDepth == 0:
		return errors.New("max_reorg_depth must be positive")
	case p.CatchUpMaxReorgDepth < p.MaxReorgDepth:
		return fmt.Errorf("catchup_max_reorg_depth %d below max_reorg_depth %d", p.CatchUpMaxReorgDepth, p.MaxReorgDepth)
	case p.UndoRetention < p.CatchUpMaxReorgDepth:
		return fmt.Errorf("undo_retention %d below catchup_max_reorg_depth %d", p.UndoRetention, p.CatchUpMaxReorgDepth)
	case p.MaxSideBlocks <= 0:
		return errors.New("max_side_blocks must be positive")
	case p.OrphanSpamThreshold <= 0:
		return errors.New("orphan_spam_threshold must be positive")
	case p.OrphanTTL <= 0:
		return errors.New("orphan_ttl must be positive")
	case p.AncestryWalkLimit <= 0:
		return errors.New("ancestry_walk_limit must be positive")
	case uint64(p.AncestryWalkLimit) < p.CatchUpMaxReorgDepth:
		return fmt.Errorf("ancestry_walk_limit %d below catchup_max_reorg_depth %d", p.AncestryWalkLimit, p.CatchUpMaxReorgDepth)
	case p.BadBlockCacheSize <= 0:
		return errors.New("bad_block_cache_size must be positive")
	}
	return nil
}

// P2PConfig configures the libp2p host and peer policy.
type P2PConfig struct {
	ListenAddrs []string `yaml:"listen"`
	SeedNodes   []string `yaml:"seeds"`
	MaxInbound  int      `yaml:"max_inbound"`
	MaxOutbound int      `yaml:"max_outbound"`

	// MinQuorum is the number of validated, compatible peers required
	// before syncing or mining at height.
	MinQuorum int `yaml:"min_quorum"`

	// IdentityKey, when set, pins the libp2p identity to a key file.
	IdentityKey string `yaml:"identity_key"`

	SyncInterval time.Duration `yaml:"sync_interval"`
}

// MiningConfig gates local block production.
type MiningConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MinerAddress string `yaml:"miner_address"`

	MaxLag                 uint64 `yaml:"max_lag"`
	MinPeers               int    `yaml:"min_peers"`
	GenesisExemptionHeight uint64 `yaml:"genesis_exemption_height"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full node configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	P2P     P2PConfig     `yaml:"p2p"`
	Chain   ChainPolicy   `yaml:"chain"`
	Mining  MiningConfig  `yaml:"mining"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// DefaultSeedNodes are the hardcoded bootstrap nodes
var DefaultSeedNodes = []string{
	"/dns4/seed1.visionchain.org/tcp/28480/p2p/12D3KooWB4FY5fLRpwMsYXoVSYb3hWmiDCSJLysVSX3Z38mnkpX6",
	"/dns4/seed2.visionchain.org/tcp/28480/p2p/12D3KooWSc7bV4H7V8pUeKphJ9G2c67rLbiHUuzYj3HHV5Wtf3NS",
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		P2P: P2PConfig{
			ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/28480"},
			SeedNodes:    DefaultSeedNodes,
			MaxInbound:   48,
			MaxOutbound:  16,
			MinQuorum:    3,
			SyncInterval: 10 * time.Second,
		},
		Chain: DefaultChainPolicy(),
		Mining: MiningConfig{
			MaxLag:                 5,
			MinPeers:               3,
			GenesisExemptionHeight: 100,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path returns
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if c.P2P.MinQuorum < 0 || c.Mining.MinPeers < 0 {
		return errors.New("peer thresholds must not be negative")
	}
	if c.Mining.Enabled {
		if _, err := ParseMinerAddress(c.Mining.MinerAddress); err != nil {
			return fmt.Errorf("mining.miner_address: %w", err)
		}
	}
	return nil
}
