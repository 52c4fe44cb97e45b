//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gurisko/cellar/internal/apiclient"
	"github.com/gurisko/cellar/internal/daemon"
	"github.com/gurisko/cellar/internal/registry"
	"github.com/gurisko/cellar/internal/sheet"
	"github.com/spf13/cobra"
)

var (
	appsJSON     bool
	addCategory  string
	showSheet    bool
	editFile     string
	argsClear    bool
	historyLimit int
)

var appsCmd = &cobra.Command{
	Use:     "apps",
	Aliases: []string{"app"},
	Short:   "Manage registered executables",
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executables by category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.ListAppsResponse
		if err := client().GetJSON(cmd.Context(), "/api/apps", &out); err != nil {
			return err
		}
		if appsJSON {
			return printJSON(out)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tID\tNAME\tPATH")
		total := 0
		for _, c := range out.Categories {
			for _, e := range c.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, e.ID, e.DisplayName, e.Path)
				total++
			}
		}
		if total == 0 {
			fmt.Println("No executables registered")
			return nil
		}
		return w.Flush()
	},
}

var appsAddCmd = &cobra.Command{
	Use:   "add <path.exe>",
	Short: "Register an executable",
	Long: `Register a Windows executable. It gets its own Wine prefix (bottle).

Without --category, known applications are placed using the built-in compatibility
catalog and everything else lands in Other.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := strings.TrimSpace(args[0])
		// client-side friendliness: expand ~ and make absolute (daemon also validates)
		if strings.HasPrefix(path, "~") {
			if home, _ := os.UserHomeDir(); home != "" {
				path = filepath.Join(home, strings.TrimPrefix(path, "~"))
			}
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		var out daemon.AppResponse
		req := daemon.RegisterAppRequest{Path: path, Category: strings.TrimSpace(addCategory)}
		if err := client().PostJSON(cmd.Context(), "/api/apps", req, &out); err != nil {
			return err
		}
		if appsJSON {
			return printJSON(out)
		}
		fmt.Printf("Registered %q in %s (id=%s, bottle=%s)\n", out.App.DisplayName, out.App.Category, out.App.ID, out.App.Bottle)
		if out.Compat != nil {
			fmt.Printf("  Compatibility: %s (Wine %s)\n", out.Compat.Rating, out.Compat.RuntimeVersion)
		}
		return nil
	},
}

var appsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one executable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.AppResponse
		if err := client().GetJSON(cmd.Context(), appPath(args[0]), &out); err != nil {
			return err
		}
		if showSheet {
			b, err := sheet.Render(*out.App)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(b)
			return err
		}
		if appsJSON {
			return printJSON(out)
		}

		e := out.App
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", e.ID)
		fmt.Fprintf(w, "Name:\t%s\n", e.DisplayName)
		fmt.Fprintf(w, "File:\t%s\n", e.Path)
		fmt.Fprintf(w, "Category:\t%s\n", e.Category)
		fmt.Fprintf(w, "Bottle:\t%s\n", e.Bottle)
		fmt.Fprintf(w, "Args:\t%s\n", strings.Join(e.Args, " "))
		fmt.Fprintf(w, "Registered:\t%s\n", e.RegisteredAt.Format(time.RFC3339))
		if out.Compat != nil {
			fmt.Fprintf(w, "Compatibility:\t%s (Wine %s)\n", out.Compat.Rating, out.Compat.RuntimeVersion)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if e.Notes != "" {
			fmt.Printf("\n%s\n", e.Notes)
		}
		return nil
	},
}

var appsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Change the display name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[1]
		return patchApp(cmd, args[0], registry.EntryPatch{DisplayName: &name})
	},
}

var appsMoveCmd = &cobra.Command{
	Use:   "move <id> <category>",
	Short: "Move an executable to another category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category := args[1]
		return patchApp(cmd, args[0], registry.EntryPatch{Category: &category})
	},
}

var appsArgsCmd = &cobra.Command{
	Use:   "args <id> [-- args...]",
	Short: "Set the extra launch arguments",
	Example: `  cellar apps args 3f2c... -- -windowed -nosound
  cellar apps args 3f2c... --clear`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		launchArgs := args[1:]
		if len(launchArgs) == 0 && !argsClear {
			return errors.New("pass arguments after -- or use --clear")
		}
		return patchApp(cmd, args[0], registry.EntryPatch{Args: &launchArgs})
	},
}

var appsNotesCmd = &cobra.Command{
	Use:   "notes <id> <text>",
	Short: "Replace the notes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes := args[1]
		return patchApp(cmd, args[0], registry.EntryPatch{Notes: &notes})
	},
}

var appsEditCmd = &cobra.Command{
	Use:   "edit <id> --file <sheet.md>",
	Short: "Apply an entry sheet",
	Long: `Apply a markdown sheet to an entry. The YAML front matter may set name, category
and args; the body replaces the notes. Use "cellar apps show <id> --sheet" to get the
current sheet. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if editFile != "-" {
			f, err := os.Open(editFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		patch, err := sheet.Parse(in)
		if err != nil {
			return err
		}
		return patchApp(cmd, args[0], patch)
	},
}

var appsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Unregister an executable",
	Long: `Unregister an executable. Its bottle is kept; reclaim it with
"cellar bottles prune".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().Delete(cmd.Context(), appPath(args[0])); err != nil {
			return err
		}
		if appsJSON {
			return printJSON(map[string]string{"removed": args[0]})
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var appsLaunchCmd = &cobra.Command{
	Use:   "launch <id>",
	Short: "Launch an executable through Wine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.LaunchResponse
		err := client().PostJSON(cmd.Context(), appPath(args[0])+"/launch", nil, &out)
		var api *apiclient.APIError
		if errors.As(err, &api) && api.StatusCode != http.StatusNotFound {
			// Failed attempts still report how far they got.
			if decodeErr := api.Decode(&out); decodeErr == nil && out.Result != nil {
				if appsJSON {
					_ = printJSON(out)
				}
				return fmt.Errorf("launch of %q failed after %s: %s", out.Result.DisplayName, out.Result.FailedAt, out.Error)
			}
		}
		if err != nil {
			return err
		}
		if appsJSON {
			return printJSON(out)
		}
		runtime := out.Result.Runtime
		if out.Result.Managed {
			runtime += " (managed)"
		}
		fmt.Printf("Launched %q (PID %d)\n", out.Result.DisplayName, out.Result.PID)
		fmt.Printf("  Runtime: %s\n", runtime)
		fmt.Printf("  Bottle: %s\n", out.Result.Bottle)
		return nil
	},
}

var appsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent launch attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := appPath(args[0]) + "/history"
		if historyLimit > 0 {
			path += "?limit=" + strconv.Itoa(historyLimit)
		}
		var out daemon.HistoryResponse
		if err := client().GetJSON(cmd.Context(), path, &out); err != nil {
			return err
		}
		if appsJSON {
			return printJSON(out)
		}
		if len(out.Launches) == 0 {
			fmt.Println("No launches recorded")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tSTATE\tPID\tRUNTIME\tERROR")
		for _, l := range out.Launches {
			state := l.State
			if l.FailedAt != "" {
				state += " (" + l.FailedAt + ")"
			}
			pid := "-"
			if l.PID > 0 {
				pid = strconv.Itoa(l.PID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.CreatedAt.Local().Format(time.DateTime), state, pid, l.Runtime, l.Error)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(appsCmd)
	for _, c := range []*cobra.Command{
		appsListCmd, appsAddCmd, appsShowCmd, appsRenameCmd, appsMoveCmd, appsArgsCmd,
		appsNotesCmd, appsEditCmd, appsRemoveCmd, appsLaunchCmd, appsHistoryCmd,
	} {
		appsCmd.AddCommand(c)
		c.Flags().BoolVar(&appsJSON, "json", false, "print JSON")
	}

	appsAddCmd.Flags().StringVarP(&addCategory, "category", "c", "", "target category")
	appsShowCmd.Flags().BoolVar(&showSheet, "sheet", false, "print the entry as an editable sheet")
	appsEditCmd.Flags().StringVarP(&editFile, "file", "f", "", "sheet file (required)")
	_ = appsEditCmd.MarkFlagRequired("file")
	appsArgsCmd.Flags().BoolVar(&argsClear, "clear", false, "remove all launch arguments")
	appsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of launches to show")
}

func appPath(id string) string {
	return "/api/apps/" + url.PathEscape(id)
}

func patchApp(cmd *cobra.Command, id string, patch registry.EntryPatch) error {
	if patch.Empty() {
		return errors.New("nothing to change")
	}
	var out daemon.AppResponse
	if err := client().PatchJSON(cmd.Context(), appPath(id), patch, &out); err != nil {
		return err
	}
	if appsJSON {
		return printJSON(out)
	}
	e := out.App
	fmt.Printf("Updated %q (%s) in %s\n", e.DisplayName, e.ID, e.Category)
	return nil
}
