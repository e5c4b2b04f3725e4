package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blockberries/finalberry/types"
)

// Genesis is the chain's starting point: its ID and initial validator set
type Genesis struct {
	ChainID     string             `json:"chain_id"`
	GenesisTime time.Time          `json:"genesis_time"`
	Validators  []*types.Validator `json:"validators"`
}

// ValidateBasic checks the genesis for a chain ID and a usable validator set
func (g *Genesis) ValidateBasic() error {
	if g.ChainID == "" {
		return fmt.Errorf("%w: genesis has no chain ID", ErrInvalidConfig)
	}
	if _, err := g.ValidatorSet(); err != nil {
		return fmt.Errorf("%w: genesis validators: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidatorSet builds the genesis validator set. Addresses are derived from
// the public keys.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	vals := make([]*types.Validator, len(g.Validators))
	for i, v := range g.Validators {
		if v == nil {
			return nil, fmt.Errorf("validator %d is empty", i)
		}
		vals[i] = types.NewValidator(v.PublicKey, v.Bond)
		if !v.Address.IsZero() && v.Address != vals[i].Address {
			return nil, fmt.Errorf("validator %d: address does not match public key", i)
		}
	}
	return types.NewValidatorSet(vals)
}

// LoadGenesis reads and validates a genesis file
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis: %w", err)
	}
	g := &Genesis{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("%w: genesis: %v", ErrInvalidConfig, err)
	}
	if err := g.ValidateBasic(); err != nil {
		return nil, err
	}
	return g, nil
}

// SaveGenesis writes g to path, creating parent directories
func SaveGenesis(g *Genesis, path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal genesis: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
