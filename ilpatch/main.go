// Command ilpatch applies patch files to a program image.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var version = "unknown"

var rootCmd = &cobra.Command{
	Use:   "ilpatch",
	Short: "Patch routines in program images",
	Long: `ilpatch rewrites the instruction streams of routines in a program image
using patch files, and installs hooks around them.`,
	Example: `
# Apply the patches listed in ilpatch.yaml
ilpatch apply

# Check patch files without applying them
ilpatch check patches/*.yaml

# List the routines in an image
ilpatch dump game.cbor.xz
  `,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
