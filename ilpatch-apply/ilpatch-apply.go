// Command ilpatch-apply applies a single patch file to an image.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/image"
	"github.com/pgaskin/ilpatch/logging"
	"github.com/pgaskin/ilpatch/patchfile"
	_ "github.com/pgaskin/ilpatch/patchfile/ilpatch"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/pgaskin/ilpatch/patchset"
	"github.com/spf13/pflag"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	input := pflag.StringP("input", "i", "", "the image to patch (required)")
	patchFile := pflag.StringP("patch-file", "p", "", "the file containing the patches (required)")
	output := pflag.StringP("output", "o", "", "the file to write the patched image to (will be overwritten if exists) (required)")
	patchFormat := pflag.StringP("patch-format", "f", "ilpatch", fmt.Sprintf("the patch format (one of: %s)", strings.Join(patchfile.GetFormats(), ",")))
	verbose := pflag.BoolP("verbose", "v", false, "show verbose output from patchlib")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "Usage: ilpatch-apply [OPTIONS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nOptions:\n", version)
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if *input == "" || *patchFile == "" || *output == "" {
		errexit("Error: input, patch-file, and output flags are required. See --help for more info.\n")
	}

	if _, ok := patchfile.GetFormat(*patchFormat); !ok {
		errexit("Error: invalid format %s. See --help for more info.\n", *patchFormat)
	}

	logger := logging.New(os.Stderr)
	if *verbose {
		patchfile.Log = func(format string, a ...interface{}) {
			fmt.Printf(format, a...)
		}
		patchlib.Log = patchfile.Log
	}

	ps, err := patchfile.ReadFromFile(*patchFormat, *patchFile)
	if err != nil {
		errexit("Error: could not read patch file: %v\n", err)
	}

	img, err := image.ReadFile(*input)
	if err != nil {
		errexit("Error: could not read input file: %v\n", err)
	}

	routines, err := img.Load()
	if err != nil {
		errexit("Error: could not load input file: %v\n", err)
	}

	rt, err := host.NewResolutionTable(routines)
	if err != nil {
		errexit("Error: could not load input file: %v\n", err)
	}

	m := host.NewMachine(rt, logger.Logger)
	if err := patchfile.BindBuiltin(m, logger.Logger); err != nil {
		errexit("Error: %v\n", err)
	}

	specs, err := ps.Specs(patchfile.Builtin(logger.Logger), m)
	if err != nil {
		errexit("Error: could not validate patch file: %v\n", err)
	}

	d := patchset.NewDriver(m, logger.Logger)
	if err := d.Register(specs...); err != nil {
		errexit("Error: could not apply patch file: %v\n", err)
	}
	for _, r := range d.Apply(context.Background()) {
		fmt.Println(r)
	}
	applied, failed := d.Summary()

	out, err := img.Patched(routines, m.Body)
	if err != nil {
		errexit("Error: could not create output image: %v\n", err)
	}

	if err := image.WriteFile(*output, out); err != nil {
		errexit("Error: could not write output file: %v\n", err)
	}

	if failed != 0 {
		errexit("Error: %d of %d patches could not be applied, wrote partially patched '%s'\n", failed, applied+failed, *output)
	}

	fmt.Printf("Successfully patched '%s' using '%s' to '%s'\n", *input, *patchFile, *output)
	os.Exit(0)
}
