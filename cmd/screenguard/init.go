package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"screenguard/internal/config"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	var (
		force     bool
		selective []string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Long: `Writes a default config to the platform config directory, or to --config.
The format follows the file extension: .toml (default), .json, .yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if path == "" {
				path = config.GetDefaultPaths().ConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			if len(selective) > 0 {
				cfg.Policy.Mode = "selective"
				cfg.Policy.SecuredScreens = selective
			}
			if runtime.GOOS != "linux" {
				cfg.Capture.ScreenCast = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringSliceVar(&selective, "secure", nil, "start in selective mode protecting these screens")
	return cmd
}
