package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/patchfile"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check patchfile...",
	Short: "Validate patch files",
	Long: `Check parses and validates patch files, and compiles the enabled patches
without applying them. Hook names are checked against the built-in hooks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("patch-format")
		return check(cmd.OutOrStdout(), format, args...)
	},
}

func init() {
	checkCmd.Flags().StringP("patch-format", "f", "ilpatch", fmt.Sprintf("the patch format (one of: %s)", strings.Join(patchfile.GetFormats(), ",")))
	rootCmd.AddCommand(checkCmd)
}

func check(w io.Writer, format string, files ...string) error {
	hooks := patchfile.Builtin(log.New(io.Discard))
	var bad int
	for _, fn := range files {
		ps, err := patchfile.ReadFromFile(format, fn)
		if err == nil {
			specs, cerr := ps.Specs(hooks, nil)
			if err = cerr; err == nil {
				fmt.Fprintf(w, "%s: ok (%d patches, %d targets)\n", fn, len(ps.Patches()), len(specs))
				continue
			}
		}
		bad++
		fmt.Fprintf(w, "%s: %v\n", fn, err)
	}
	if bad != 0 {
		return fmt.Errorf("%d of %d patch files are invalid", bad, len(files))
	}
	return nil
}
