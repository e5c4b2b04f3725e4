package engine

import (
	"fmt"
	"time"
)

// Default maximum clock skew accepted on vote timestamps
const DefaultFreshnessWindow = 10 * time.Minute

// Config holds configuration for the finality engine
type Config struct {
	// ChainID identifies the chain; it prefixes all sign bytes
	ChainID string `mapstructure:"chain_id"`

	// FreshnessWindow bounds |now - vote.Timestamp| for a vote to count
	// toward a certificate
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`

	// PendingTimeout is the liveness expiry for a pending block that never
	// reaches quorum. Expired blocks are dropped and reported.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`

	// ExpiryInterval is how often the background loop sweeps pending blocks
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`

	// MaxPendingBlocks bounds the number of simultaneously pending blocks
	MaxPendingBlocks int `mapstructure:"max_pending_blocks"`

	// FinalizedCacheSize bounds the in-memory recency caches; the durable
	// store remains the source of truth
	FinalizedCacheSize int `mapstructure:"finalized_cache_size"`

	// SignatureWorkers is the number of partitions validated concurrently
	// when generating a certificate
	SignatureWorkers int `mapstructure:"signature_workers"`

	// ReplayRetention is how many heights below the finalized height keep
	// replay-guard and double-vote state
	ReplayRetention int64 `mapstructure:"replay_retention"`

	// Timeouts configures adaptive operation timeouts
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:            "finalberry-chain",
		FreshnessWindow:    DefaultFreshnessWindow,
		PendingTimeout:     30 * time.Second,
		ExpiryInterval:     time.Second,
		MaxPendingBlocks:   4096,
		FinalizedCacheSize: 1024,
		SignatureWorkers:   4,
		ReplayRetention:    100,
		Timeouts:           DefaultTimeoutConfig(),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return fmt.Errorf("%w: empty chain ID", ErrInvalidConfig)
	}
	if cfg.FreshnessWindow <= 0 {
		return fmt.Errorf("%w: freshness window must be positive", ErrInvalidConfig)
	}
	if cfg.PendingTimeout <= 0 || cfg.ExpiryInterval <= 0 {
		return fmt.Errorf("%w: pending timeout and expiry interval must be positive", ErrInvalidConfig)
	}
	if cfg.MaxPendingBlocks <= 0 || cfg.FinalizedCacheSize <= 0 {
		return fmt.Errorf("%w: cache sizes must be positive", ErrInvalidConfig)
	}
	if cfg.SignatureWorkers <= 0 {
		return fmt.Errorf("%w: signature workers must be positive", ErrInvalidConfig)
	}
	if cfg.ReplayRetention < 0 {
		return fmt.Errorf("%w: negative replay retention", ErrInvalidConfig)
	}
	return cfg.Timeouts.ValidateBasic()
}
