package cmd

import (
	"encoding/json"
	"os"

	"github.com/gurisko/cellar/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	settings   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cellar",
	Short: "Cellar - Wine executable manager",
	Long: `Cellar keeps a categorized library of Windows executables and launches each one
through Wine in its own isolated prefix. A background daemon owns the library; the
commands here talk to it over a Unix socket.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/cellar/config.yaml)")
}

func Execute() error {
	// Silence usage and errors to avoid cluttering output with Cobra defaults
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
