// Command ledgerberryd runs and inspects a ledger node.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/ledgerberry/config"
)

var (
	homeDir    string
	configPath string

	rootCmd = &cobra.Command{
		Use:           "ledgerberryd",
		Short:         "Peer-to-peer ledger node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	defaultHome := ".ledgerberry"
	if home, err := os.UserHomeDir(); err == nil {
		defaultHome = filepath.Join(home, ".ledgerberry")
	}
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", defaultHome, "node home directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.yaml)")

	rootCmd.AddCommand(initCmd, keygenCmd, runCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(homeDir, "config.yaml")
}

func loadConfig() (*config.File, error) {
	return config.Load(resolvedConfigPath())
}
