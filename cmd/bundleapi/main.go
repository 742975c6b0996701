package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steambundleapi/bundleapi/internal/config"
)

func main() {
	command := NewBundleAPICommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewBundleAPICommand() *cobra.Command {
	var configFile string

	serveCmd := NewServeCommand(&configFile)
	cmd := &cobra.Command{
		Use:          "bundleapi [command]",
		Short:        "Bundle catalog HTTP API",
		Long:         "Serves the bundle catalog and its administrative update triggers behind CORS, API key and rate limit checks.",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", config.ConfigFile(), "path to the configuration file")

	cmd.AddCommand(serveCmd)
	cmd.AddCommand(NewConfigCommand(&configFile))

	return cmd
}

func NewConfigCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	cmd.AddCommand(NewConfigInitCommand(configFile))
	return cmd
}

func NewConfigInitCommand(configFile *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration, including secrets, to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configFile); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", *configFile)
			}
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, *configFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", *configFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
