package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/timebomb/internal/config"
	"github.com/psantana5/timebomb/internal/manager"
)

var (
	configFormat string
	configForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting and creating the timebomb configuration file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
TIMEBOMB_* environment variables.`,
	Args: exactArgs(0),
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  `Write the built-in defaults to the config file (--config or $HOME/.timebomb/config.yaml).`,
	Args:  exactArgs(0),
	// The file may not exist yet, so it is not loaded.
	PersistentPreRunE: func(c *cobra.Command, args []string) error { return nil },
	RunE:              runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format: yaml or json")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runConfigShow(c *cobra.Command, args []string) error {
	settings := cfg.Settings()

	switch configFormat {
	case "json":
		return printJSON(settings)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(settings); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return manager.NewError(manager.ErrorTypeArgument, "config show", "", fmt.Sprintf("unknown format %q", configFormat), nil)
	}
}

func runConfigInit(c *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultFile()
	}
	if err := config.Default().WriteFile(path, configForce); err != nil {
		return manager.NewError(manager.ErrorTypePrecondition, "config init", "", "cannot write config file", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
