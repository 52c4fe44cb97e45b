//go:build unix

package cmd

import (
	"fmt"

	"github.com/gurisko/cellar/internal/daemon"
	"github.com/spf13/cobra"
)

var bottlesJSON bool

var bottlesCmd = &cobra.Command{
	Use:   "bottles",
	Short: "Manage Wine prefixes",
}

var bottlesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete bottles no registered executable uses",
	Long: `Delete every bottle directory that no registered executable refers to. Removing an
executable keeps its bottle (saved games and settings live there); this reclaims them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.PruneResponse
		if err := client().PostJSON(cmd.Context(), "/api/bottles/prune", nil, &out); err != nil {
			return err
		}
		if bottlesJSON {
			return printJSON(out)
		}
		if len(out.Removed) == 0 {
			fmt.Println("No orphaned bottles")
			return nil
		}
		for _, id := range out.Removed {
			fmt.Printf("Removed bottle %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bottlesCmd)
	bottlesCmd.AddCommand(bottlesPruneCmd)
	bottlesPruneCmd.Flags().BoolVar(&bottlesJSON, "json", false, "print JSON")
}
