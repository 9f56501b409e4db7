package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/image"
	"github.com/pgaskin/ilpatch/logging"
	"github.com/pgaskin/ilpatch/patchfile"
	_ "github.com/pgaskin/ilpatch/patchfile/ilpatch"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/pgaskin/ilpatch/patchset"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply [config]",
	Short: "Apply the patch files listed in a config",
	Long: `Apply reads ilpatch.yaml or ilpatch.toml (or the specified config), applies
the enabled patches from every listed patch file to the input image, and
writes the patched image. Patches which fail are reported and skipped; the
other patches are still applied.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fn string
		if len(args) == 1 {
			fn = args[0]
		} else {
			var err error
			if fn, err = findConfig(); err != nil {
				return err
			}
		}

		cfg, err := loadConfig(fn)
		if err != nil {
			return fmt.Errorf("could not read config: %w", err)
		}

		lg, err := logging.Open(cfg.Log)
		if err != nil {
			return fmt.Errorf("could not open log file: %w", err)
		}
		defer lg.Close()
		lg.SetLevel(log.DebugLevel)

		fmt.Fprintf(cmd.OutOrStdout(), "ilpatch %s\n\n", version)
		applied, failed, err := apply(cmd.Context(), cfg, lg.Logger, cmd.OutOrStdout())
		if err != nil {
			lg.Error("fatal", "err", err)
			return err
		}
		if failed != 0 {
			return fmt.Errorf("%d of %d patches could not be applied (see %s)", failed, applied+failed, cfg.Log)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nSuccessfully saved patched image to %s\n", cfg.Out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

// apply runs the config. Failed patches are counted, and do not cause an
// error.
func apply(ctx context.Context, cfg *config, logger *log.Logger, w io.Writer) (applied, failed int, err error) {
	debug := logging.Func(logger)
	patchfile.Log, patchlib.Log = debug, debug
	defer func() {
		patchfile.Log = func(string, ...interface{}) {}
		patchlib.Log = func(string, ...interface{}) {}
	}()

	logger.Info("starting", "version", cfg.Version, "in", cfg.In, "out", cfg.Out)

	img, err := image.ReadFile(cfg.In)
	if err != nil {
		return 0, 0, fmt.Errorf("could not read image: %w", err)
	}
	routines, err := img.Load()
	if err != nil {
		return 0, 0, fmt.Errorf("could not load image: %w", err)
	}
	rt, err := host.NewResolutionTable(routines)
	if err != nil {
		return 0, 0, fmt.Errorf("could not load image: %w", err)
	}

	m := host.NewMachine(rt, logger)
	if err := patchfile.BindBuiltin(m, logger); err != nil {
		return 0, 0, err
	}
	hooks := patchfile.Builtin(logger)
	d := patchset.NewDriver(m, logger)

	for _, pfn := range cfg.Patches {
		fmt.Fprintf(w, "Loading %s\n", pfn)
		ps, err := patchfile.ReadFromFile(cfg.PatchFormat, pfn)
		if err != nil {
			return 0, 0, fmt.Errorf("could not read patch file %s: %w", pfn, err)
		}
		for name, enabled := range cfg.Overrides[pfn] {
			logger.Info("override", "file", pfn, "patch", name, "enabled", enabled)
			if err := ps.SetEnabled(name, enabled); err != nil {
				return 0, 0, fmt.Errorf("could not apply overrides for %s: %w", pfn, err)
			}
		}
		specs, err := ps.Specs(hooks, m)
		if err != nil {
			return 0, 0, fmt.Errorf("could not compile patch file %s: %w", pfn, err)
		}
		if err := d.Register(specs...); err != nil {
			return 0, 0, err
		}
	}

	fmt.Fprintf(w, "\nApplying patches\n")
	for _, r := range d.Apply(ctx) {
		if r.Success() {
			fmt.Fprintf(w, "  [OK]   %s (%s)\n", r.Spec, r.Target)
		} else {
			fmt.Fprintf(w, "  [FAIL] %s (%s): %s: %s\n", r.Spec, r.Target, r.Stage, r.Diagnostic)
		}
	}
	for _, warn := range d.Warnings() {
		fmt.Fprintf(w, "  [SKIP] %v\n", warn)
	}
	applied, failed = d.Summary()

	out, err := img.Patched(routines, m.Body)
	if err != nil {
		return applied, failed, err
	}
	if err := image.WriteFile(cfg.Out, out); err != nil {
		return applied, failed, fmt.Errorf("could not write patched image: %w", err)
	}
	logger.Info("done", "applied", applied, "failed", failed)
	return applied, failed, nil
}
