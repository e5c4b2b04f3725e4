package recovery

import (
	"fmt"
	"time"
)

// Config holds recovery configuration
type Config struct {
	// ConnectivityThreshold is the fraction of validator links that must be
	// healthy. Below it the node considers itself partitioned.
	ConnectivityThreshold float64 `mapstructure:"connectivity_threshold"`

	// LinkTimeout is how long a validator link may stay silent and still
	// count as healthy
	LinkTimeout time.Duration `mapstructure:"link_timeout"`

	// RecoveryTimeout bounds a partition recovery, including waiting for
	// connectivity to return
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`

	// PollInterval is how often connectivity is re-checked while recovering
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxBufferedMessages bounds the messages held back during a partition
	MaxBufferedMessages int `mapstructure:"max_buffered_messages"`

	// MinCorroboration is the number of distinct reporters that turns an
	// observed fault (crash) into a moderate one
	MinCorroboration int `mapstructure:"min_corroboration"`

	// SuspensionBlocks is the length of a temporary suspension
	SuspensionBlocks int64 `mapstructure:"suspension_blocks"`

	// SlashFraction is the share of bond forfeited for a severe fault
	SlashFraction float64 `mapstructure:"slash_fraction"`

	// RepeatOffenderReputation is the reputation at or below which a severe
	// fault is treated as critical
	RepeatOffenderReputation int64 `mapstructure:"repeat_offender_reputation"`
}

// DefaultConfig returns default recovery configuration
func DefaultConfig() Config {
	return Config{
		ConnectivityThreshold:    2.0 / 3.0,
		LinkTimeout:              10 * time.Second,
		RecoveryTimeout:          5 * time.Minute,
		PollInterval:             500 * time.Millisecond,
		MaxBufferedMessages:      100000,
		MinCorroboration:         2,
		SuspensionBlocks:         1000,
		SlashFraction:            0.1,
		RepeatOffenderReputation: -50,
	}
}

// ValidateBasic performs basic validation of the config
func (c Config) ValidateBasic() error {
	if c.ConnectivityThreshold <= 0 || c.ConnectivityThreshold > 1 {
		return fmt.Errorf("%w: connectivity threshold %v not in (0, 1]", ErrInvalidConfig, c.ConnectivityThreshold)
	}
	if c.LinkTimeout <= 0 || c.RecoveryTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxBufferedMessages <= 0 {
		return fmt.Errorf("%w: buffer size must be positive", ErrInvalidConfig)
	}
	if c.MinCorroboration < 1 {
		return fmt.Errorf("%w: corroboration must be at least 1", ErrInvalidConfig)
	}
	if c.SuspensionBlocks <= 0 {
		return fmt.Errorf("%w: suspension must be positive", ErrInvalidConfig)
	}
	if c.SlashFraction <= 0 || c.SlashFraction > 1 {
		return fmt.Errorf("%w: slash fraction %v not in (0, 1]", ErrInvalidConfig, c.SlashFraction)
	}
	return nil
}
