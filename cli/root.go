package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sliverarmory/prelink"
	"github.com/spf13/cobra"
)

var (
	cachePath      string
	libraryPaths   []string
	mmapStart      string
	mmapEnd        string
	seed           string
	random         bool
	conserveMemory bool
	execShield     bool
	undo           bool
	dryRun         bool
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:          "prelink [flags] <executable or library>...",
	Short:        "Assign fixed load addresses to shared libraries and prerelocate executables",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		level := slog.LevelWarn
		if cfg.Verbose {
			level = slog.LevelInfo
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

		p, err := prelink.New(cfg, logger)
		if err != nil {
			return err
		}
		var report *prelink.Report
		if undo {
			report, err = p.Undo(cmd.Context(), args)
		} else {
			report, err = p.Run(cmd.Context(), args)
		}
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		if err != nil {
			return err
		}
		if n := report.Failed(); n > 0 {
			return fmt.Errorf("%d object(s) failed", n)
		}
		return nil
	},
}

// buildConfig starts from the environment and applies the flags the user
// actually set.
func buildConfig(cmd *cobra.Command) (prelink.Config, error) {
	cfg, err := prelink.ConfigFromEnv()
	if err != nil {
		return prelink.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("cache") {
		cfg.CachePath = cachePath
	}
	if flags.Changed("library-path") {
		cfg.LibraryPaths = libraryPaths
	}
	if flags.Changed("mmap-region-start") {
		if cfg.MmapBase, err = prelink.ParseAddr(mmapStart); err != nil {
			return prelink.Config{}, fmt.Errorf("--mmap-region-start: %w", err)
		}
	}
	if flags.Changed("mmap-region-end") {
		if cfg.MmapEnd, err = prelink.ParseAddr(mmapEnd); err != nil {
			return prelink.Config{}, fmt.Errorf("--mmap-region-end: %w", err)
		}
	}
	if flags.Changed("seed") {
		v, err := prelink.ParseAddr(seed)
		if err != nil {
			return prelink.Config{}, fmt.Errorf("--seed: %w", err)
		}
		cfg.Seed = &v
		cfg.Random = true
	}
	if flags.Changed("random") {
		cfg.Random = random
	}
	if flags.Changed("conserve-memory") {
		cfg.ConserveMemory = conserveMemory
	}
	if flags.Changed("exec-shield") {
		cfg.ExecShield = execShield
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}
	cfg.DryRun = dryRun
	return cfg, nil
}

func printReport(w io.Writer, report *prelink.Report) {
	for _, o := range report.Objects {
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "%s: %v\n", o.Path, o.Err)
		case o.Exec:
			fmt.Fprintf(w, "%s: executable, %d conflict(s)\n", o.Path, o.Conflicts)
		default:
			fmt.Fprintf(w, "%s: %#x -> %#x\n", o.Path, o.OldBase, o.NewBase)
		}
	}
	if report.DryRun {
		fmt.Fprintln(w, "dry run, nothing written")
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cachePath, "cache", prelink.DefaultCachePath, "Path of the prelink cache")
	flags.StringSliceVarP(&libraryPaths, "library-path", "L", prelink.DefaultLibraryPaths, "Directories searched for DT_NEEDED libraries")
	flags.StringVar(&mmapStart, "mmap-region-start", "", "Lowest address given to a library")
	flags.StringVar(&mmapEnd, "mmap-region-end", "", "Address libraries must end below")
	flags.StringVar(&seed, "seed", "", "Seed for randomized layouts, implies --random")
	flags.BoolVarP(&random, "random", "R", false, "Randomize the start of the layout")
	flags.BoolVarP(&conserveMemory, "conserve-memory", "m", false, "Let libraries never loaded together share addresses")
	flags.BoolVar(&execShield, "exec-shield", false, "Keep libraries in the low exec-shield region on i386")
	flags.BoolVarP(&undo, "undo", "u", false, "Revert prelinking")
	flags.BoolVarP(&dryRun, "dry-run", "n", false, "Compute the layout without writing anything")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log every object")
}
