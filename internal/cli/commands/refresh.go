package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var refreshRecursive bool

var refreshCmd = &cobra.Command{
	Use:   "refresh <path>",
	Short: "Reconcile the index with the live tree",
	Long: `Compare the indexed state of a directory with the live tree and apply the
differences. Each applied change is printed as one line.

Examples:
  vfsindex refresh ~/projects/app
  vfsindex refresh --recursive ~/projects/app`,
	Args: cobra.ExactArgs(1),
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVarP(&refreshRecursive, "recursive", "r", false, "descend into subdirectories")
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withIndex(func(ix *index) error {
		root, err := ix.findRoot(cmd, args[0])
		if err != nil {
			return err
		}
		// a never-listed root has nothing cached to compare against
		if _, err := ix.fs.List(root); err != nil {
			return err
		}
		events, err := ix.fs.Refresh(cmd.Context(), refreshRecursive, root)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range events {
			fmt.Fprintln(out, e.String())
		}
		fmt.Fprintf(out, "%d change(s)\n", len(events))
		return nil
	})
}
