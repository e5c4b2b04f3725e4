package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blockberries/finalberry/store"
	"github.com/blockberries/finalberry/types"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [height]",
	Short: "Print the finality certificate at a height, the latest by default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

type certificateView struct {
	Height    int64           `json:"height"`
	Epoch     uint64          `json:"epoch"`
	Round     int32           `json:"round"`
	BlockHash types.Hash      `json:"block_hash"`
	Signers   []types.Address `json:"signers"`
	BlockSize int             `json:"block_size"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := store.OpenFile(cfg.Path(cfg.DBDir))
	if err != nil {
		return err
	}
	defer db.Close()

	var height int64
	if len(args) == 1 {
		if height, err = strconv.ParseInt(args[0], 10, 64); err != nil || height <= 0 {
			return fmt.Errorf("invalid height %q", args[0])
		}
	} else {
		if height, err = db.LatestCertificateHeight(); err != nil {
			return err
		}
		if height == 0 {
			return fmt.Errorf("no finalized blocks")
		}
	}

	cert, err := db.LoadCertificate(height)
	if err != nil {
		return err
	}
	view := certificateView{
		Height:    cert.Height,
		Epoch:     cert.EpochID,
		Round:     cert.Round,
		BlockHash: cert.BlockHash,
		Signers:   cert.Signers(),
	}
	if payload, err := db.LoadBlock(height); err == nil {
		view.BlockSize = len(payload)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
