package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/adapter/adapters/villa"
	"github.com/memohai/all4one/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "all4one",
		Short:         "OneBot 12 gateway for chat platforms",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand(), newCallCommand(), newAdaptersCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			runServe(configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "config file (toml or yaml)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "all4one %s\n", version.GetInfo())
		},
	}
}

func newAdaptersCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List the adapters the config enables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := provideConfig(configFile(configPath))
			if err != nil {
				return err
			}
			log := slog.New(slog.DiscardHandler)
			registry := provideRegistry(log, cfg, nil, villa.NewAdapter(log, nil))
			printDescriptors(cmd.OutOrStdout(), registry.ListDescriptors())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "config file (toml or yaml)")
	return cmd
}

func printDescriptors(w io.Writer, items []adapter.Descriptor) {
	for _, d := range items {
		platform := d.Platform
		if platform == "" {
			platform = "-"
		}
		fmt.Fprintf(w, "%-10s %-10s %s\n", d.Type, platform, d.DisplayName)
	}
}
