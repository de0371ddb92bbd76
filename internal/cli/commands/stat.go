package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vfsindex/internal/storage"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show the index record of a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func flagNames(f storage.Flags) []string {
	var names []string
	for _, fl := range []struct {
		flag storage.Flags
		name string
	}{
		{storage.FlagChildrenCached, "children-cached"},
		{storage.FlagIsDirectory, "directory"},
		{storage.FlagIsReadOnly, "read-only"},
		{storage.FlagMustReloadContent, "reload-content"},
	} {
		if f.Has(fl.flag) {
			names = append(names, fl.name)
		}
	}
	return names
}

func runStat(cmd *cobra.Command, args []string) error {
	return withIndex(func(ix *index) error {
		f, err := ix.findFile(cmd, args[0])
		if err != nil {
			return err
		}
		r, err := ix.fs.Attributes(f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "URL:       %s\n", f.URL())
		fmt.Fprintf(out, "Record:    %d\n", r.ID)
		fmt.Fprintf(out, "Parent:    %d\n", r.Parent)
		fmt.Fprintf(out, "Flags:     %v\n", flagNames(r.Flags))
		fmt.Fprintf(out, "Length:    %d\n", r.Length)
		fmt.Fprintf(out, "Modified:  %s\n", time.Unix(0, r.Timestamp).Format(time.RFC3339))
		fmt.Fprintf(out, "Checksum:  %016x\n", uint64(r.CRC))
		fmt.Fprintf(out, "ModCount:  %d\n", r.ModCount)
		return nil
	})
}
