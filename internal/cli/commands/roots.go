package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List the roots registered in the store",
	Args:  cobra.NoArgs,
	RunE:  runRoots,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the structural consistency of the store",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(checkCmd)
}

func runRoots(cmd *cobra.Command, args []string) error {
	return withIndex(func(ix *index) error {
		roots, err := ix.store.ListRoots()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range roots {
			url, err := ix.store.ValueOf(r.NameID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d\t%s\n", r.ID, url)
		}
		return nil
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withIndex(func(ix *index) error {
		report, err := ix.store.CheckSanity()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Records:   %d\n", report.Records)
		fmt.Fprintf(out, "Free:      %d\n", report.FreeRecords)
		fmt.Fprintf(out, "Roots:     %d\n", report.Roots)
		fmt.Fprintf(out, "ModCount:  %d\n", report.GlobalModCount)
		if ix.store.Rebuilt() {
			fmt.Fprintln(out, "Store was rebuilt on open")
		}
		for _, p := range report.Problems {
			fmt.Fprintf(out, "problem: %s\n", p)
		}
		if !report.OK() {
			return fmt.Errorf("%d problem(s) found", len(report.Problems))
		}
		fmt.Fprintln(out, "OK")
		return nil
	})
}
