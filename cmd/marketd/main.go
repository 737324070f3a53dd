package main

import (
	"fmt"
	"os"
	"path/filepath"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/spf13/cobra"

	"agentmarket/negotiator/internal/config"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	sdkCfg := sdk.GetConfig()
	sdkCfg.SetBech32PrefixForAccount("cosmos", "cosmospub")
	sdkCfg.Seal()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marketd",
		Short:         "Negotiation, matching and verification engine for agent marketplaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default ~/.agentmarket/config.yaml)")
	cmd.PersistentFlags().String("addr", "", "daemon address for spawn/retire (default gateway.listen)")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newStatusCmd(),
		newSpawnCmd(),
		newRetireCmd(),
	)
	return cmd
}

func configPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentmarket", "config.yaml"), nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config not found, run marketd init: %w", err)
	}
	config.ApplyEnvOverrides(&cfg, os.Getenv)
	return cfg, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			cfg := config.Default(home)
			if err := os.MkdirAll(cfg.Keys.Dir, 0o700); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
				return err
			}
			if err := config.Write(path, cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "initialized %s\n", path)
			fmt.Fprintf(out, "database: %s\n", cfg.Store.Path)
			fmt.Fprintf(out, "keys:     %s\n", cfg.Keys.Dir)
			return nil
		},
	}
}
