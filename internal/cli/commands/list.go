package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List a directory through the index",
	Long: `List the children of a directory, attaching it as a root on first use.

The first listing reads the live directory and caches it; later listings are
served from the index until a refresh picks up changes.

Examples:
  vfsindex list ~/projects/app
  vfsindex list mem://localhost/data`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withIndex(func(ix *index) error {
		dir, err := ix.findFile(cmd, args[0])
		if err != nil {
			return err
		}
		children, err := ix.fs.Children(dir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, child := range children {
			name := child.Name()
			if ix.fs.IsDirectory(child) {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
		return nil
	})
}
