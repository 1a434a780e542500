// Command provlog evaluates rule programs with provenance tracking.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"provlog/internal/config"
	"provlog/internal/logging"
	"provlog/internal/watch"
	"provlog/pkg/provlog"
)

var (
	// Global flags
	configPath string
	provKind   string
	topK       int
	iterLimit  int
	discard    bool
	debug      bool
	jsonLogs   bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "provlog",
	Short: "provlog - provenance-tracking Datalog engine",
	Long: `provlog evaluates recursive rule programs to fixpoint while tracking
where every derived fact came from. Each fact carries a provenance tag
combined through a configurable semiring: reachability (unit), best-path
probability (minmaxprob), additive-multiplicative probability (addmultprob)
or ranked proof sets (topkproofs).

Programs are plain text files; see 'provlog run --help' for the format.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("provenance") {
			cfg.Provenance.Kind = provKind
		}
		if cmd.Flags().Changed("k") {
			cfg.Provenance.K = topK
		}
		if cmd.Flags().Changed("limit") {
			cfg.Eval.IterationLimit = iterLimit
		}
		if cmd.Flags().Changed("early-discard") {
			cfg.Eval.EarlyDiscard = discard
		}
		if debug {
			cfg.Logging.Debug = true
		}
		if jsonLogs {
			cfg.Logging.JSONFormat = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		categories := make(map[logging.Category]bool, len(cfg.Logging.Categories))
		for _, c := range cfg.Logging.Categories {
			categories[logging.Category(c)] = true
		}
		return logging.Initialize(logging.Options{
			Debug:      cfg.Logging.Debug,
			JSON:       cfg.Logging.JSONFormat,
			Categories: categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [program.plog]",
	Short: "Evaluate a program and print its query relations",
	Long: `Loads a rule program, compiles it and evaluates it to fixpoint.

The relations named by the program's query statements are printed with
their tuples and, for probabilistic provenance kinds, their weights.
When the program declares no queries, every computed relation is printed.

Example:
  provlog run --provenance topkproofs --k 3 routes.plog`,
	Args: cobra.ExactArgs(1),
	RunE: runProgram,
}

var dumpCmd = &cobra.Command{
	Use:   "dump [program.plog]",
	Short: "Compile a program and print its evaluation plan",
	Long: `Compiles the program without running it and prints the stratified
plan: normalized rules grouped by stratum, with demand transformations
applied. Useful for checking how a program will evaluate.`,
	Args: cobra.ExactArgs(1),
	RunE: dumpProgram,
}

var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Re-evaluate programs in a directory as they change",
	Long: `Watches a directory for changes to ` + watch.Ext + ` files. Every program
is evaluated once at startup, then re-evaluated whenever its file is
saved. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: watchPrograms,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")
	rootCmd.PersistentFlags().StringVarP(&provKind, "provenance", "p", "", "Provenance kind (unit, minmaxprob, addmultprob, topkproofs)")
	rootCmd.PersistentFlags().IntVar(&topK, "k", 0, "Proof bound for topkproofs")
	rootCmd.PersistentFlags().IntVar(&iterLimit, "limit", 0, "Iteration limit per stratum (0 = unbounded)")
	rootCmd.PersistentFlags().BoolVar(&discard, "early-discard", false, "Discard zero-tag derivations during evaluation")
	rootCmd.PersistentFlags().BoolVarP(&debug, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "provlog.yaml"
	}
	return filepath.Join(home, ".provlog", "config.yaml")
}

// buildContext compiles a program file into a ready-to-run context.
func buildContext(path string) (*provlog.Context, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}
	pctx, err := provlog.New(cfg.Kind(), cfg.Provenance.K)
	if err != nil {
		return nil, err
	}
	if err := pctx.ImportProgram(string(src)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Eval.IterationLimit > 0 {
		if err := pctx.SetIterationLimit(cfg.Eval.IterationLimit); err != nil {
			return nil, err
		}
	}
	pctx.SetEarlyDiscard(cfg.Eval.EarlyDiscard)
	pctx.SetIncremental(cfg.Eval.Incremental)
	if err := pctx.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pctx, nil
}

func runProgram(cmd *cobra.Command, args []string) error {
	pctx, err := buildContext(args[0])
	if err != nil {
		return err
	}
	res, err := pctx.Run(cmd.Context())
	if err != nil {
		return err
	}
	if !res.Converged {
		fmt.Printf("⚠ stopped at iteration limit after %d rounds (results may be partial)\n", res.Rounds)
	}
	return printResults(pctx)
}

func printResults(pctx *provlog.Context) error {
	rels := pctx.Queries()
	if len(rels) == 0 {
		for _, name := range pctx.ListRelations(false) {
			if pctx.IsComputed(name) {
				rels = append(rels, name)
			}
		}
	}
	weighted := cfg.Kind() != provlog.KindUnit
	for _, name := range rels {
		col, err := pctx.Relation(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d tuples)\n", name, col.Len())
		for _, item := range col.Items() {
			if weighted {
				fmt.Printf("  %s  %.6g\n", item.Tuple, item.Weight)
			} else {
				fmt.Printf("  %s\n", item.Tuple)
			}
		}
	}
	return nil
}

func dumpProgram(cmd *cobra.Command, args []string) error {
	pctx, err := buildContext(args[0])
	if err != nil {
		return err
	}
	plan, err := pctx.DumpPlan()
	if err != nil {
		return err
	}
	fmt.Print(plan)
	return nil
}

func watchPrograms(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Get(logging.CategoryCLI)
	evaluate := func(runCtx context.Context, path string) {
		pctx, err := buildContext(path)
		if err != nil {
			log.Error("%v", err)
			return
		}
		res, err := pctx.Run(runCtx)
		if err != nil {
			log.Error("%s: %v", path, err)
			return
		}
		fmt.Printf("── %s (%d rounds) ──\n", filepath.Base(path), res.Rounds)
		if err := printResults(pctx); err != nil {
			log.Error("%s: %v", path, err)
		}
	}

	w, err := watch.New(args[0], evaluate)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	progs, err := w.Programs()
	if err != nil {
		return err
	}
	for _, p := range progs {
		evaluate(ctx, p)
	}

	<-ctx.Done()
	stats := w.GetStats()
	fmt.Printf("\n%d changes seen, %d reloads\n", stats.FilesChanged, stats.ReloadsFired)
	return nil
}
