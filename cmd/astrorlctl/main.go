package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/cheggaaa/pb"
	"github.com/ttacon/chalk"

	"astrorl/internal/evo"
	"astrorl/internal/model"
	"astrorl/internal/platform"
	"astrorl/internal/population"
	"astrorl/internal/stats"
	"astrorl/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, chalk.Red.Color("error: "+err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "evolve":
		return runEvolve(ctx, args[1:])
	case "learn":
		return runLearn(ctx, args[1:])
	case "swarm":
		return runSwarm(ctx, args[1:])
	case "play":
		return runPlay(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runEvolve(ctx context.Context, args []string) error {
	def := defaultRunRequest()
	b := newFlagBinder("evolve")
	b.bindCommon(def)
	b.intVar("pop", def.Evolution.Population, "population size", func(r *runRequest, v int) { r.Evolution.Population = v })
	b.intVar("gens", def.Evolution.Generations, "generations", func(r *runRequest, v int) { r.Evolution.Generations = v })
	b.intVar("elite", def.Evolution.EliteCount, "elite genomes carried unchanged", func(r *runRequest, v int) { r.Evolution.EliteCount = v })
	b.floatVar("sigma", def.Evolution.Sigma, "initial mutation sigma", func(r *runRequest, v float64) { r.Evolution.Sigma = v })
	b.floatVar("sigma-decay", def.Evolution.SigmaDecay, "per-generation sigma decay", func(r *runRequest, v float64) { r.Evolution.SigmaDecay = v })
	b.floatVar("sigma-min", def.Evolution.SigmaMin, "sigma floor", func(r *runRequest, v float64) { r.Evolution.SigmaMin = v })
	b.intVar("episodes", def.Evolution.EpisodesPerEvaluation, "episodes per fitness evaluation", func(r *runRequest, v int) { r.Evolution.EpisodesPerEvaluation = v })
	b.intVar("workers", def.Evolution.Workers, "parallel evaluation workers", func(r *runRequest, v int) { r.Evolution.Workers = v })
	b.stringVar("selection", def.Evolution.Selection, "parent selection strategy", func(r *runRequest, v string) { r.Evolution.Selection = v })
	req, err := b.parse(args)
	if err != nil {
		return err
	}
	decoder, err := req.decoder()
	if err != nil {
		return err
	}

	return withPlatform(ctx, req, func(p *platform.Platform, logger *slog.Logger) error {
		bar := newProgress(req.Progress, req.Evolution.Generations, "gen ")
		result, err := p.RunEvolution(ctx, platform.EvolutionConfig{
			RunID:                 req.RunID,
			Arcade:                req.Arcade,
			HiddenSizes:           req.HiddenSizes,
			HiddenActivation:      req.Agent.HiddenActivation,
			Decoder:               decoder,
			PopulationSize:        req.Evolution.Population,
			EliteCount:            req.Evolution.EliteCount,
			Generations:           req.Evolution.Generations,
			Sigma:                 req.Evolution.Sigma,
			SigmaDecay:            req.Evolution.SigmaDecay,
			SigmaMin:              req.Evolution.SigmaMin,
			EpisodesPerEvaluation: req.Evolution.EpisodesPerEvaluation,
			Workers:               req.Evolution.Workers,
			MaxTicks:              req.MaxTicks,
			Seed:                  req.Seed,
			Selection:             req.Evolution.Selection,
			ContinueFrom:          req.Continue,
			OnGeneration: func(gen evo.GenerationResult) error {
				bar.Increment()
				logger.Info("generation complete",
					"generation", gen.Summary.Generation,
					"best", gen.Summary.BestFitness,
					"mean", gen.Summary.MeanFitness,
					"best_ever", gen.Summary.BestEver,
					"sigma", gen.Summary.Sigma,
				)
				return nil
			},
		})
		bar.Finish()
		if err != nil {
			return err
		}
		printHeader("evolve", result.RunID)
		fmt.Printf("generations=%d best_fitness=%s checkpoint=%s\n",
			len(result.Generations), formatFitness(result.BestEver.Fitness), result.CheckpointPath)
		for _, gen := range result.Generations {
			fmt.Printf("generation=%d best=%.4f mean=%.4f min=%.4f std=%.4f best_ever=%.4f sigma=%.4f\n",
				gen.Generation, gen.BestFitness, gen.MeanFitness, gen.MinFitness, gen.StdFitness, gen.BestEver, gen.Sigma)
		}
		return nil
	})
}

func runLearn(ctx context.Context, args []string) error {
	def := defaultRunRequest()
	b := newFlagBinder("learn")
	b.bindCommon(def)
	b.intVar("episodes", def.Learning.Episodes, "training episodes", func(r *runRequest, v int) { r.Learning.Episodes = v })
	b.floatVar("lr", def.Agent.LearningRate, "learning rate", func(r *runRequest, v float64) { r.Agent.LearningRate = v })
	b.floatVar("gamma", def.Agent.Discount, "discount factor", func(r *runRequest, v float64) { r.Agent.Discount = v })
	b.floatVar("epsilon-decay", def.Agent.EpsilonDecay, "per-step epsilon decay", func(r *runRequest, v float64) { r.Agent.EpsilonDecay = v })
	b.intVar("batch", def.Agent.BatchSize, "replay batch size", func(r *runRequest, v int) { r.Agent.BatchSize = v })
	b.intVar("replay", def.Agent.ReplayCapacity, "replay buffer capacity", func(r *runRequest, v int) { r.Agent.ReplayCapacity = v })
	b.intVar("sync", def.Agent.TargetSyncInterval, "target network sync interval in steps", func(r *runRequest, v int) { r.Agent.TargetSyncInterval = v })
	req, err := b.parse(args)
	if err != nil {
		return err
	}
	decoder, err := req.decoder()
	if err != nil {
		return err
	}

	return withPlatform(ctx, req, func(p *platform.Platform, logger *slog.Logger) error {
		bar := newProgress(req.Progress, req.Learning.Episodes, "episode ")
		result, err := p.RunLearning(ctx, platform.LearningConfig{
			RunID:        req.RunID,
			Arcade:       req.Arcade,
			Agent:        req.agentConfig(),
			Decoder:      decoder,
			Episodes:     req.Learning.Episodes,
			MaxTicks:     req.MaxTicks,
			Seed:         req.Seed,
			ContinueFrom: req.Continue,
			OnEpisode: func(ep model.EpisodeRecord) error {
				bar.Increment()
				logger.Info("episode complete",
					"episode", ep.Episode,
					"reward", ep.Reward,
					"running_reward", ep.RunningReward,
					"epsilon", ep.Epsilon,
				)
				return nil
			},
		})
		bar.Finish()
		if err != nil {
			return err
		}
		rewards := make([]float64, 0, len(result.Episodes))
		for _, ep := range result.Episodes {
			rewards = append(rewards, ep.Reward)
		}
		summary := stats.Summarize(rewards)
		printHeader("learn", result.RunID)
		fmt.Printf("episodes=%d mean_reward=%.4f max_reward=%.4f improvement=%.4f checkpoint=%s\n",
			summary.Count, summary.Mean, summary.Max, summary.Improvement, result.CheckpointPath)
		if n := len(result.Episodes); n > 0 {
			last := result.Episodes[n-1]
			fmt.Printf("final_running_reward=%.4f final_epsilon=%.4f\n", last.RunningReward, last.Epsilon)
		}
		return nil
	})
}

func runSwarm(ctx context.Context, args []string) error {
	def := defaultRunRequest()
	b := newFlagBinder("swarm")
	b.bindCommon(def)
	b.intVar("pop", def.Swarm.Population, "agents in the shared world", func(r *runRequest, v int) { r.Swarm.Population = v })
	b.intVar("survivors", def.Swarm.Survivors, "agents kept each generation", func(r *runRequest, v int) { r.Swarm.Survivors = v })
	b.intVar("gens", def.Swarm.Generations, "generations", func(r *runRequest, v int) { r.Swarm.Generations = v })
	b.intVar("episodes", def.Swarm.EpisodesPerGeneration, "episodes per generation", func(r *runRequest, v int) { r.Swarm.EpisodesPerGeneration = v })
	b.floatVar("clone-sigma", def.Swarm.CloneSigma, "mutation sigma for survivor clones (0 copies exactly)", func(r *runRequest, v float64) { r.Swarm.CloneSigma = v })
	req, err := b.parse(args)
	if err != nil {
		return err
	}
	decoder, err := req.decoder()
	if err != nil {
		return err
	}

	return withPlatform(ctx, req, func(p *platform.Platform, logger *slog.Logger) error {
		bar := newProgress(req.Progress, req.Swarm.Generations, "gen ")
		result, err := p.RunPopulation(ctx, platform.PopulationConfig{
			RunID:                 req.RunID,
			Arcade:                req.Arcade,
			Agent:                 req.agentConfig(),
			Decoder:               decoder,
			PopulationSize:        req.Swarm.Population,
			Survivors:             req.Swarm.Survivors,
			EpisodesPerGeneration: req.Swarm.EpisodesPerGeneration,
			Generations:           req.Swarm.Generations,
			MaxTicks:              req.MaxTicks,
			CloneSigma:            req.Swarm.CloneSigma,
			Seed:                  req.Seed,
			OnGeneration: func(report population.GenerationReport) error {
				bar.Increment()
				logger.Info("generation complete",
					"generation", report.Generation,
					"best", report.BestFitness,
					"mean", report.MeanFitness,
					"best_id", report.BestID,
				)
				return nil
			},
		})
		bar.Finish()
		if err != nil {
			return err
		}
		printHeader("swarm", result.RunID)
		fmt.Printf("generations=%d best_fitness=%s checkpoint=%s\n",
			len(result.Reports), formatFitness(result.Best.Fitness), result.CheckpointPath)
		for _, report := range result.Reports {
			fmt.Printf("generation=%d best=%.4f mean=%.4f min=%.4f std=%.4f best_id=%s survivors=%s\n",
				report.Generation, report.BestFitness, report.MeanFitness, report.MinFitness, report.StdFitness,
				report.BestID, strings.Join(report.SurvivorIDs, ","))
		}
		return nil
	})
}

func runPlay(ctx context.Context, args []string) error {
	def := defaultRunRequest()
	b := newFlagBinder("play")
	b.bindCommon(def)
	b.intVar("episodes", def.Play.Episodes, "episodes to average over", func(r *runRequest, v int) { r.Play.Episodes = v })
	req, err := b.parse(args)
	if err != nil {
		return err
	}
	if req.Continue == "" {
		return errors.New("play requires -continue <checkpoint>")
	}
	decoder, err := req.decoder()
	if err != nil {
		return err
	}

	return withPlatform(ctx, req, func(p *platform.Platform, _ *slog.Logger) error {
		result, err := p.Evaluate(ctx, platform.EvaluateConfig{
			CheckpointPath:   req.Continue,
			Arcade:           req.Arcade,
			HiddenSizes:      req.HiddenSizes,
			HiddenActivation: req.Agent.HiddenActivation,
			Decoder:          decoder,
			Episodes:         req.Play.Episodes,
			MaxTicks:         req.MaxTicks,
			Seed:             req.Seed,
		})
		if err != nil {
			return err
		}
		printHeader("play", result.Genome.ID)
		fmt.Printf("episodes=%d fitness=%.4f params=%d\n", req.Play.Episodes, result.Fitness, len(result.Genome.Params))
		keys := make([]string, 0, len(result.Trace))
		for key := range result.Trace {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s=%v\n", key, result.Trace[key])
		}
		return nil
	})
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	outDir := fs.String("out", "runs", "output directory holding the run index")
	source := fs.String("source", "index", "run listing source: index|store")
	storeKind := fs.String("store", storage.KindSQLite, "store backend when -source=store: memory|sqlite")
	dbPath := fs.String("db-path", storage.DefaultSQLitePath, "sqlite database path")
	limit := fs.Int("limit", 0, "max runs to show (0 = all)")
	asJSON := fs.Bool("json", false, "print entries as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("runs -limit must be >= 0")
	}

	switch *source {
	case "index":
		entries, err := stats.ListRunIndex(*outDir)
		if err != nil {
			return err
		}
		if *limit > 0 && len(entries) > *limit {
			entries = entries[:*limit]
		}
		if *asJSON {
			return printJSON(entries)
		}
		for _, entry := range entries {
			fmt.Printf("run_id=%s kind=%s scape=%s population=%d generations=%d episodes=%d seed=%d final_best=%.4f created_at=%s\n",
				entry.RunID, entry.Kind, entry.Scape, entry.PopulationSize, entry.Generations, entry.Episodes,
				entry.Seed, entry.FinalBestFitness, entry.CreatedAtUTC)
		}
		return nil
	case "store":
		store, err := storage.NewStore(*storeKind, *dbPath)
		if err != nil {
			return err
		}
		defer func() { _ = storage.CloseIfSupported(store) }()
		if err := store.Init(ctx); err != nil {
			return err
		}
		records, err := store.ListRuns(ctx)
		if err != nil {
			return err
		}
		if *limit > 0 && len(records) > *limit {
			records = records[:*limit]
		}
		if *asJSON {
			return printJSON(records)
		}
		for _, record := range records {
			fmt.Printf("run_id=%s kind=%s generations=%d episodes=%d seed=%d best=%.4f created_at=%s\n",
				record.ID, record.Kind, record.Generations, record.Episodes, record.Seed, record.BestFitness, record.CreatedAtUTC)
		}
		return nil
	default:
		return fmt.Errorf("unsupported runs source: %s", *source)
	}
}

func runFitness(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	outDir := fs.String("out", "runs", "output directory")
	runID := fs.String("run-id", "", "run id (defaults to the latest indexed run)")
	window := fs.Int("window", 0, "moving average window (0 disables)")
	exportDir := fs.String("export", "", "copy the run's artifacts into this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *window < 0 {
		return errors.New("fitness -window must be >= 0")
	}

	id := *runID
	if id == "" {
		entries, err := stats.ListRunIndex(*outDir)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return errors.New("no runs in index")
		}
		id = entries[0].RunID
	}

	history, ok, err := stats.ReadFitnessHistory(*outDir, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fitness history not found for run id: %s", id)
	}
	summary := stats.Summarize(history)
	fmt.Printf("run_id=%s count=%d initial=%.4f final=%.4f mean=%.4f std=%.4f min=%.4f max=%.4f improvement=%.4f\n",
		id, summary.Count, summary.Initial, summary.Final, summary.Mean, summary.Std, summary.Min, summary.Max, summary.Improvement)

	smoothed := history
	if *window > 0 {
		smoothed = stats.MovingAverage(history, *window)
	}
	for i, v := range smoothed {
		fmt.Printf("index=%d value=%.6f\n", i, v)
	}

	if *exportDir != "" {
		dst, err := stats.ExportRunArtifacts(*outDir, id, *exportDir)
		if err != nil {
			return err
		}
		fmt.Printf("exported=%s\n", dst)
	}
	return nil
}

// withPlatform opens the requested store, starts a platform on it and
// closes the store once fn returns.
func withPlatform(ctx context.Context, req runRequest, fn func(*platform.Platform, *slog.Logger) error) error {
	store, err := storage.NewStore(req.Store, req.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = storage.CloseIfSupported(store) }()

	logger := newLogger(req.LogLevel)
	p := platform.NewPlatform(platform.Config{
		Store:     store,
		OutputDir: req.OutputDir,
		Logger:    logger,
	})
	if err := p.Init(ctx); err != nil {
		return err
	}
	defer p.Stop()
	return fn(p, logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// progress is a nil-safe wrapper so callers need not check whether a bar
// is shown.
type progress struct {
	bar *pb.ProgressBar
}

func newProgress(enabled bool, total int, prefix string) progress {
	if !enabled || total <= 0 {
		return progress{}
	}
	bar := pb.New(total)
	bar.Output = os.Stderr
	bar.SetWidth(80)
	bar.Prefix(prefix)
	bar.Start()
	return progress{bar: bar}
}

func (p progress) Increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p progress) Finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

func printHeader(command, runID string) {
	fmt.Println(chalk.Green.Color(command) + " " + chalk.Bold.TextStyle("run_id="+runID))
}

func printJSON(value any) error {
	return writeJSON(os.Stdout, value)
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatFitness(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "unevaluated"
	}
	return fmt.Sprintf("%.4f", v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: astrorlctl <evolve|learn|swarm|play|runs|fitness> [flags]", msg)
}
