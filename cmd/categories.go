//go:build unix

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gurisko/cellar/internal/daemon"
	"github.com/spf13/cobra"
)

var categoriesJSON bool

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "Manage categories",
}

var categoriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories in display order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.CategoriesResponse
		if err := client().GetJSON(cmd.Context(), "/api/categories", &out); err != nil {
			return err
		}
		return printCategories(out)
	},
}

var categoriesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create an empty category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.CategoriesResponse
		if err := client().PostJSON(cmd.Context(), "/api/categories", daemon.CreateCategoryRequest{Name: args[0]}, &out); err != nil {
			return err
		}
		return printCategories(out)
	},
}

func init() {
	rootCmd.AddCommand(categoriesCmd)
	categoriesCmd.AddCommand(categoriesListCmd)
	categoriesCmd.AddCommand(categoriesAddCmd)
	categoriesListCmd.Flags().BoolVar(&categoriesJSON, "json", false, "print JSON")
	categoriesAddCmd.Flags().BoolVar(&categoriesJSON, "json", false, "print JSON")
}

func printCategories(out daemon.CategoriesResponse) error {
	if categoriesJSON {
		return printJSON(out)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENTRIES\tBUILT-IN")
	for _, c := range out.Categories {
		builtin := ""
		if c.Builtin {
			builtin = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", c.Name, c.Count, builtin)
	}
	return w.Flush()
}
