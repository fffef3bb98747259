package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/ledgerberry/config"
	"github.com/blockberries/ledgerberry/privval"
)

var (
	keygenOut string
	initForce bool

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a validator key and print its public key",
		RunE:  runKeygen,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create a home directory with a key and a single-validator config",
		RunE:  runInit,
	}
)

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "output directory (default <home>/keys)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	dir := keygenOut
	if dir == "" {
		dir = filepath.Join(homeDir, "keys")
	}
	pv, err := generateKey(filepath.Join(dir, "node_key.json"), filepath.Join(dir, "sign_state.json"))
	if err != nil {
		return err
	}
	defer pv.Close()
	fmt.Fprintln(cmd.OutOrStdout(), pv.PublicKeyID())
	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force)", path)
	}

	cfg := config.Default(homeDir)
	pv, err := generateKey(cfg.Path(cfg.Node.KeyFile), cfg.Path(cfg.Node.StateFile))
	if err != nil {
		return err
	}
	defer pv.Close()

	cfg.Validators.Keys = []string{pv.PublicKeyID()}
	if err := cfg.Write(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\nvalidator %s\n", homeDir, pv.PublicKeyID())
	return nil
}

func generateKey(keyPath, statePath string) (*privval.FilePV, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return nil, fmt.Errorf("key file %s already exists", keyPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return privval.GenerateFilePV(keyPath, statePath)
}
