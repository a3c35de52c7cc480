package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vthunder/conscience/internal/activity"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/config"
	"github.com/vthunder/conscience/internal/cpl"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/graph"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/narrative"
	"github.com/vthunder/conscience/internal/profiling"
	"github.com/vthunder/conscience/internal/traits"
	"go.uber.org/multierr"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cpl",
		Short: "Conscience persistent loop",
		Long: `cpl runs one or more conscience loop instances against a brain.

Each instance ticks on a fixed interval: background daemon, attention,
global workspace, working memory, memory consolidation, narrative and
dreaming replay. Configuration comes from a YAML file, .env and CPL_*
environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(), newStateCmd(), newJournalCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cpl", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		envPath    string
		seed       bool
		instances  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run loop instances until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envPath != "" {
				config.LoadDotEnv(envPath)
			} else {
				config.LoadDotEnv()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if instances > 0 {
				cfg.Instances = instances
			}
			if err := logging.Init(cfg.LogLevel, cfg.LogJSON); err != nil {
				return err
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, seed)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&envPath, "env", "", ".env file (default ./.env)")
	cmd.Flags().BoolVar(&seed, "seed", false, "seed each brain with sample thoughts, memories and experiences")
	cmd.Flags().IntVarP(&instances, "instances", "n", 0, "number of instances (overrides config)")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <snapshot.json>",
		Short: "Print a persisted instance snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cpl.LoadSnapshot(args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

// run builds the registry from cfg and blocks until ctx is cancelled
func run(ctx context.Context, cfg config.File, seed bool) error {
	shared, closeBrain, err := openBrain(cfg)
	if err != nil {
		return err
	}
	defer closeBrain()

	deps, closeDeps, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer closeDeps()

	reg := cpl.NewRegistry()
	for i := 0; i < cfg.Instances; i++ {
		loopCfg := cfg.Loop
		loopCfg.InstanceID = instanceID(cfg.Loop.InstanceID, i, cfg.Instances)

		d := deps
		d.Brain = shared
		if d.Brain == nil {
			d.Brain = newMemoryBrain(cfg)
		}
		if seed {
			if err := seedBrain(ctx, d.Brain); err != nil {
				return fmt.Errorf("seed brain: %w", err)
			}
		}
		l, err := reg.Create(loopCfg, d)
		if err != nil {
			return err
		}
		logging.Info("main", "created instance %s", l.ID())
	}

	logging.Info("main", "running %d instance(s), interval %dms", reg.Len(), cfg.Loop.LoopIntervalMs)
	err = reg.RunAll(ctx)
	for _, id := range reg.IDs() {
		l, _ := reg.Get(id)
		st := l.Stats()
		logging.Info("main", "%s stopped after %d iterations (%d consolidations)", id, st.Iterations, st.Consolidations)
	}
	return err
}

// openBrain returns the shared sqlite brain, or nil when each instance gets
// its own in-memory brain
func openBrain(cfg config.File) (brain.Brain, func(), error) {
	if cfg.Brain != config.BrainSQLite {
		return nil, func() {}, nil
	}
	db, err := graph.Open(cfg.StatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open brain: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logging.Error("main", err, "close brain")
		}
	}, nil
}

func newMemoryBrain(cfg config.File) *brain.InMemory {
	var opts []brain.Option
	if cfg.OllamaURL != "" {
		opts = append(opts, brain.WithEmbedder(embedding.NewClient(cfg.OllamaURL, "").Embedder()))
	}
	return brain.NewInMemory(opts...)
}

// buildDeps wires the hooks shared by every instance
func buildDeps(cfg config.File) (cpl.Deps, func(), error) {
	var d cpl.Deps
	var closers []func() error
	cleanup := func() {
		var errs error
		for _, c := range closers {
			errs = multierr.Append(errs, c())
		}
		if errs != nil {
			logging.Error("main", errs, "cleanup")
		}
	}

	switch {
	case cfg.TraitsFile != "":
		t, err := traits.LoadStatic(cfg.TraitsFile)
		if err != nil {
			return d, cleanup, err
		}
		d.Traits = t
	case len(cfg.Traits) > 0:
		d.Traits = traits.NewStatic(cfg.Traits)
	}

	keyword := narrative.NewKeywordClassifier(nil)
	if cfg.Classifier == "prose" {
		d.Classifier = narrative.NewProseClassifier(keyword)
	} else {
		d.Classifier = keyword
	}

	if cfg.OllamaURL != "" {
		client := embedding.NewClient(cfg.OllamaURL, "")
		d.Summarizer = client
		d.Storyteller = client
	}

	p, err := profiling.New(cfg.Loop.ProfileLevel, cfg.ProfilePath)
	if err != nil {
		return d, cleanup, fmt.Errorf("profiler: %w", err)
	}
	d.Profiler = p
	closers = append(closers, p.Close)

	if cfg.Journal {
		d.Journal = activity.New(cfg.StatePath)
	}
	return d, cleanup, nil
}

// instanceID derives distinct ids when several instances share a base id.
// An empty base leaves id generation to the loop.
func instanceID(base string, i, n int) string {
	if base == "" || n == 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, i+1)
}

func printSnapshot(w io.Writer, s cpl.Snapshot) {
	fmt.Fprintf(w, "Instance:   %s\n", s.InstanceID)
	fmt.Fprintf(w, "Iterations: %d\n", s.IterationCount)
	fmt.Fprintf(w, "Saved:      %s\n", s.Timestamp.Format(time.RFC3339))

	if s.Narrative != nil {
		n := s.Narrative
		fmt.Fprintf(w, "\nNarrative %s\n", n.ID)
		fmt.Fprintf(w, "  span:      %s .. %s\n", n.TemporalSpan.Start.Format(time.RFC3339), n.TemporalSpan.End.Format(time.RFC3339))
		fmt.Fprintf(w, "  events:    %d\n", len(n.KeyEvents))
		fmt.Fprintf(w, "  coherence: %.2f\n", n.CoherenceScore)
		if n.Summary != "" {
			fmt.Fprintf(w, "  summary:   %s\n", logging.Truncate(n.Summary, 120))
		}
	}
	fmt.Fprintf(w, "History:    %d narrative(s)\n", len(s.NarrativeHistory))

	if len(s.IdentityMarkers) > 0 {
		fmt.Fprintln(w, "\nIdentity markers")
		markers := append(s.IdentityMarkers[:0:0], s.IdentityMarkers...)
		sort.SliceStable(markers, func(i, j int) bool { return markers[i].Strength > markers[j].Strength })
		for _, m := range markers {
			fmt.Fprintf(w, "  %-14s %.2f\n", m.MarkerType, m.Strength)
		}
	}

	if len(s.Traits) > 0 {
		fmt.Fprintln(w, "\nTraits")
		names := make([]string, 0, len(s.Traits))
		for k := range s.Traits {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(w, "  %-14s %.2f\n", k, s.Traits[k])
		}
	}
}
