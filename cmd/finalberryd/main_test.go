package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/finalberry/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitWritesLoadableHome(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, "init", "--home", home, "--chain-id", "local")
	require.NoError(t, err)
	require.Contains(t, out, "local")

	cfg, err := config.Load(home, "")
	require.NoError(t, err)
	gen, err := config.LoadGenesis(cfg.Path(cfg.Genesis))
	require.NoError(t, err)
	require.Equal(t, "local", gen.ChainID)
	require.Len(t, gen.Validators, 1)

	_, err = execute(t, "init", "--home", home, "--chain-id", "local")
	require.Error(t, err)
	_, err = execute(t, "init", "--home", home, "--chain-id", "local", "--force")
	require.NoError(t, err)

	// The key survives a forced init
	again, err := config.LoadGenesis(cfg.Path(cfg.Genesis))
	require.NoError(t, err)
	require.Equal(t, gen.Validators[0].Address, again.Validators[0].Address)
}

func TestInspectEmptyHome(t *testing.T) {
	home := t.TempDir()
	_, err := execute(t, "init", "--home", home, "--force")
	require.NoError(t, err)

	_, err = execute(t, "inspect", "--home", home)
	require.ErrorContains(t, err, "no finalized blocks")

	_, err = execute(t, "inspect", "--home", home, "x")
	require.ErrorContains(t, err, "invalid height")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, Version+"\n", out)
}
