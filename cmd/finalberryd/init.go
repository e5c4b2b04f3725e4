package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockberries/finalberry/config"
	"github.com/blockberries/finalberry/privval"
	"github.com/blockberries/finalberry/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config, validator key and a single-validator genesis",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("chain-id", "finalberry", "Chain ID written to the genesis")
	initCmd.Flags().Int64("bond", 100, "Bond of the genesis validator")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config and genesis")
}

func runInit(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	home, _ := flags.GetString("home")
	chainID, _ := flags.GetString("chain-id")
	bond, _ := flags.GetInt64("bond")
	force, _ := flags.GetBool("force")

	cfg := config.DefaultConfig(home)
	cfgFile := config.ConfigFile(home)
	if !force {
		if _, err := os.Stat(cfgFile); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", cfgFile)
		}
	}
	for _, dir := range []string{filepath.Dir(cfgFile), cfg.Path(config.DefaultDataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	keyFile, stateFile := cfg.Path(cfg.KeyFile), cfg.Path(cfg.StateFile)
	var pv *privval.FilePV
	var err error
	if _, statErr := os.Stat(keyFile); statErr == nil {
		pv, err = privval.LoadFilePV(keyFile, stateFile)
	} else {
		pv, err = privval.GenerateFilePV(keyFile, stateFile)
	}
	if err != nil {
		return fmt.Errorf("failed to set up validator key: %w", err)
	}

	gen := &config.Genesis{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC(),
		Validators:  []*types.Validator{types.NewValidator(pv.PublicKey(), bond)},
	}
	if err := gen.ValidateBasic(); err != nil {
		return err
	}
	if err := config.SaveGenesis(gen, cfg.Path(cfg.Genesis)); err != nil {
		return err
	}
	if err := config.Write(cfg, cfgFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n  chain:     %s\n  validator: %s\n", home, chainID, pv.Address())
	return nil
}
