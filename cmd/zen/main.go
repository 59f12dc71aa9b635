package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/TryExceptElse/zen"
	"github.com/TryExceptElse/zen/config"
	"github.com/TryExceptElse/zen/internal/diag"
	"github.com/TryExceptElse/zen/store"
)

var (
	flagDB      string
	flagNoSave  bool
	flagSerial  bool
	flagWorkers int
	flagQuiet   bool
)

var logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: false,
})

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "zen",
	Short:         "Incremental rebuild detection for C++ projects",
	Long:          "Zen fingerprints C++ sources at declaration granularity and reports which translation units actually need rebuilding, skipping comment edits, whitespace churn, and changes to unused code.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "state database path (default: store_path from zen.yaml, relative to the project root)")
	rootCmd.PersistentFlags().BoolVar(&flagSerial, "serial", false, "disable the parallel analysis phase")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "override worker count")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "print only translation units needing rebuild")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(builtCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [root...]",
	Short: "Report which translation units need rebuilding",
	Long:  "Analyzes every source and header file under the given roots (default: current directory), compares fingerprints against the stored state, and prints a rebuild verdict per translation unit.",
	RunE:  runAnalyze,
}

var builtCmd = &cobra.Command{
	Use:   "built [root...]",
	Short: "Record the current state as fully built",
	Long:  "Refreshes stored fingerprints and clears pending-rebuild flags. Run after a successful build so the next analysis starts clean.",
	RunE:  runBuilt,
}

func init() {
	analyzeCmd.Flags().BoolVar(&flagNoSave, "no-save", false, "dry run: do not update the stored state")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	start := time.Now()
	engine, roots, err := buildEngine(args, !flagNoSave)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.AnalyzeProject(context.Background(), roots)
	if err != nil {
		return err
	}

	printDiagnostics(report.Diagnostics)

	dirty := report.Dirty()
	if flagQuiet {
		for _, path := range dirty {
			fmt.Println(path)
		}
	} else {
		for path, v := range report.Verdicts {
			if !v.NeedsRebuild {
				logger.Debug("up to date", "tu", path)
			}
		}
		for _, path := range dirty {
			fmt.Printf("%s: rebuild (%s)\n", path, report.Verdicts[path].Reason)
		}
		logger.Info("analysis complete",
			"tus", len(report.Verdicts),
			"rebuild", len(dirty),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func runBuilt(cmd *cobra.Command, args []string) error {
	engine, roots, err := buildEngine(args, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.MarkBuilt(context.Background(), roots); err != nil {
		return err
	}
	if !flagQuiet {
		logger.Info("recorded built state", "roots", roots)
	}
	return nil
}

// buildEngine loads config from the first root, opens the store, and
// constructs the engine with the flag overrides applied.
func buildEngine(args []string, save bool) (*zen.Engine, []string, error) {
	roots, err := resolveRoots(args)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(roots[0])
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(resolveDBPath(roots[0], cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}

	opts := []zen.Option{
		zen.WithParallel(!flagSerial),
		zen.WithSave(save),
	}
	if flagWorkers > 0 {
		opts = append(opts, zen.WithWorkers(flagWorkers))
	}
	engine, err := zen.New(st, cfg, opts...)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return engine, roots, nil
}

func resolveRoots(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}
	roots := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolving path %q: %w", arg, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("directory not found: %s", abs)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("not a directory: %s", abs)
		}
		roots = append(roots, abs)
	}
	return roots, nil
}

func resolveDBPath(root string, cfg config.Config) string {
	if flagDB != "" {
		if filepath.IsAbs(flagDB) {
			return flagDB
		}
		return filepath.Join(root, flagDB)
	}
	if filepath.IsAbs(cfg.StorePath) {
		return cfg.StorePath
	}
	return filepath.Join(root, cfg.StorePath)
}

func printDiagnostics(diags []diag.Diagnostic) {
	for _, d := range diags {
		switch d.Severity {
		case diag.Error:
			logger.Error(d.Message, "file", d.Path, "line", d.Span.Line)
		default:
			logger.Warn(d.Message, "file", d.Path, "line", d.Span.Line)
		}
	}
}
