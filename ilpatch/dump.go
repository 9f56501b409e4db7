package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ianlancetaylor/demangle"
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/image"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump image",
	Short: "List the routines in an image",
	Long: `Dump lists the routines in an image (after lifting native code) in the order
they are resolved, with their symbols. With --bodies, the instruction streams
are printed too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bodies, _ := cmd.Flags().GetBool("bodies")
		asJSON, _ := cmd.Flags().GetBool("json")
		return dump(cmd.OutOrStdout(), args[0], bodies, asJSON)
	},
}

func init() {
	dumpCmd.Flags().BoolP("bodies", "b", false, "show routine bodies")
	dumpCmd.Flags().BoolP("json", "j", false, "output JSON")
	rootCmd.AddCommand(dumpCmd)
}

type dumpRoutine struct {
	Target    host.Target `json:"target"`
	Symbol    string      `json:"symbol,omitempty"`
	Demangled string      `json:"demangled,omitempty"`
	Locals    int         `json:"locals"`
	Returns   bool        `json:"returns"`
	Length    int         `json:"length"`
	Body      []string    `json:"body,omitempty"`
}

func dump(w io.Writer, fn string, bodies, asJSON bool) error {
	img, err := image.ReadFile(fn)
	if err != nil {
		return err
	}
	rt, err := img.Table()
	if err != nil {
		return err
	}

	var ds []dumpRoutine
	for _, r := range rt.Routines() {
		d := dumpRoutine{
			Target:  r.Target,
			Symbol:  r.Symbol,
			Locals:  r.Locals,
			Returns: r.Returns,
			Length:  r.Body.Len(),
		}
		if r.Symbol != "" {
			if dm := demangle.Filter(r.Symbol); dm != r.Symbol {
				d.Demangled = dm
			}
		}
		if bodies {
			for _, in := range r.Body.Insts() {
				d.Body = append(d.Body, in.String())
			}
		}
		ds = append(ds, d)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ds)
	}

	for _, d := range ds {
		fmt.Fprintf(w, "%s", d.Target)
		if d.Symbol != "" {
			fmt.Fprintf(w, " [%s]", d.Symbol)
		}
		if d.Demangled != "" {
			fmt.Fprintf(w, " (%s)", d.Demangled)
		}
		fmt.Fprintf(w, " locals=%d returns=%t len=%d\n", d.Locals, d.Returns, d.Length)
		for i, in := range d.Body {
			fmt.Fprintf(w, "  %4d  %s\n", i, in)
		}
	}
	return nil
}
