//go:build unix

package cmd

import (
	"fmt"

	"github.com/gurisko/cellar/internal/daemon"
	"github.com/spf13/cobra"
)

var runtimeJSON bool

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Inspect or install the Wine runtime",
}

var runtimeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which Wine binary launches would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.RuntimeResponse
		if err := client().GetJSON(cmd.Context(), "/api/runtime", &out); err != nil {
			return err
		}
		if runtimeJSON {
			return printJSON(out)
		}
		if out.Found {
			kind := "system"
			if out.Runtime.Managed {
				kind = "managed"
			}
			fmt.Printf("Wine runtime: %s (%s, via %s)\n", out.Runtime.Path, kind, out.Runtime.Source)
		} else {
			fmt.Println("No Wine runtime found")
		}
		fmt.Printf("  Managed dir: %s\n", out.Dir)
		if out.Source != "" {
			fmt.Printf("  Install source: %s\n", out.Source)
		}
		if out.Installing {
			fmt.Println("  An install is in progress")
		}
		return nil
	},
}

var runtimeInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Download and unpack the managed Wine runtime",
	Long: `Ask the daemon to fetch the configured runtime archive (installer.source) and unpack
it into the managed runtime directory. The install runs in the background; check
progress with "cellar runtime status".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.InstallResponse
		if err := client().PostJSON(cmd.Context(), "/api/runtime/install", nil, &out); err != nil {
			return err
		}
		if runtimeJSON {
			return printJSON(out)
		}
		fmt.Printf("Runtime install started from %s\n", out.Source)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runtimeCmd)
	runtimeCmd.AddCommand(runtimeStatusCmd)
	runtimeCmd.AddCommand(runtimeInstallCmd)
	runtimeStatusCmd.Flags().BoolVar(&runtimeJSON, "json", false, "print JSON")
	runtimeInstallCmd.Flags().BoolVar(&runtimeJSON, "json", false, "print JSON")
}
