package evo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"astrorl/internal/model"
	"astrorl/internal/nn"
)

// FailedFitness is assigned to a genome whose evaluation errored or panicked.
const FailedFitness = -1e9

// EpisodeFunc runs one headless episode with net as the policy and returns
// its score. It is called concurrently from several workers, each with its
// own network.
type EpisodeFunc func(ctx context.Context, net *nn.Network, seed int64) (float64, error)

type ScoredGenome struct {
	Genome  model.Genome
	Fitness float64
	Failed  bool
}

// GenerationResult is handed to Config.OnGeneration after each generation.
type GenerationResult struct {
	Summary  model.GenerationSummary
	Best     model.Genome
	BestEver model.Genome
}

type RunResult struct {
	Generations     []model.GenerationSummary
	BestEver        model.Genome
	FinalPopulation []ScoredGenome
}

type Config struct {
	Architecture          nn.Architecture
	PopulationSize        int
	EliteCount            int
	Generations           int
	Sigma                 float64
	SigmaDecay            float64
	SigmaMin              float64
	EpisodesPerEvaluation int
	Workers               int
	Seed                  int64

	Episode       EpisodeFunc
	Selector      Selector
	Mutator       Mutator
	Postprocessor FitnessPostprocessor
	// Initial seeds the population. The first len(Initial) genomes are
	// copied exactly; the remainder are mutated copies.
	Initial      []model.Genome
	OnGeneration func(GenerationResult) error
	Logger       *slog.Logger
}

// Trainer evolves flat parameter vectors for a fixed architecture with
// elitism, truncation selection and Gaussian mutation.
type Trainer struct {
	cfg        Config
	rng        *rand.Rand
	sigma      float64
	generation int
	bestEver   model.Genome
}

func NewTrainer(cfg Config) (*Trainer, error) {
	if cfg.Episode == nil {
		return nil, fmt.Errorf("episode function is required")
	}
	if err := cfg.Architecture.Validate(); err != nil {
		return nil, err
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.EliteCount <= 0 || cfg.EliteCount > cfg.PopulationSize {
		return nil, fmt.Errorf("elite count must be in [1, population size]")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.Sigma < 0 || cfg.SigmaMin < 0 {
		return nil, fmt.Errorf("sigma must be >= 0")
	}
	if cfg.SigmaDecay == 0 {
		cfg.SigmaDecay = 1
	}
	if cfg.SigmaDecay < 0 || cfg.SigmaDecay > 1 {
		return nil, fmt.Errorf("sigma decay must be in (0, 1]")
	}
	if cfg.EpisodesPerEvaluation <= 0 {
		cfg.EpisodesPerEvaluation = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	want := cfg.Architecture.ParameterCount()
	for i, genome := range cfg.Initial {
		if len(genome.Params) != want {
			return nil, fmt.Errorf("%w: initial genome %d has %d params, want %d", nn.ErrSizeMismatch, i, len(genome.Params), want)
		}
	}
	if cfg.Selector == nil {
		cfg.Selector = TopHalfSelector{}
	}
	if cfg.Mutator == nil {
		cfg.Mutator = GaussianMutation{}
	}
	if cfg.Postprocessor == nil {
		cfg.Postprocessor = FailureFloorPostprocessor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &Trainer{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		sigma:    cfg.Sigma,
		bestEver: model.NewGenome("", nil),
	}, nil
}

func (t *Trainer) Sigma() float64         { return t.sigma }
func (t *Trainer) Generation() int        { return t.generation }
func (t *Trainer) BestEver() model.Genome { return t.bestEver.Clone() }

// InitialPopulation builds generation zero from Config.Initial when given, or
// from freshly Xavier-initialized networks otherwise.
func (t *Trainer) InitialPopulation() ([]model.Genome, error) {
	population := make([]model.Genome, 0, t.cfg.PopulationSize)
	if len(t.cfg.Initial) > 0 {
		for i := 0; i < t.cfg.PopulationSize; i++ {
			source := t.cfg.Initial[i%len(t.cfg.Initial)]
			if i < len(t.cfg.Initial) {
				population = append(population, model.NewGenome(source.ID, source.Params))
				continue
			}
			params := t.cfg.Mutator.Mutate(t.rng, source.Params, t.sigma)
			population = append(population, model.NewGenome(uuid.NewString(), params))
		}
		return population, nil
	}

	for i := 0; i < t.cfg.PopulationSize; i++ {
		net, err := nn.NewNetwork(t.cfg.Architecture, nn.XavierUniform, t.rng)
		if err != nil {
			return nil, err
		}
		population = append(population, model.NewGenome(uuid.NewString(), net.Parameters()))
	}
	return population, nil
}

// Run evolves the population for Config.Generations generations. Cancellation
// is honored between evaluations; the result gathered so far is returned with
// the context error.
func (t *Trainer) Run(ctx context.Context) (RunResult, error) {
	population, err := t.InitialPopulation()
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{Generations: make([]model.GenerationSummary, 0, t.cfg.Generations)}
	for gen := 0; gen < t.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			result.BestEver = t.BestEver()
			return result, err
		}

		scored, err := t.Evaluate(ctx, population)
		if err != nil {
			result.BestEver = t.BestEver()
			return result, err
		}

		next, summary, err := t.NextGeneration(scored)
		if err != nil {
			result.BestEver = t.BestEver()
			return result, err
		}
		result.Generations = append(result.Generations, summary)
		result.FinalPopulation = t.rank(scored)
		population = next

		t.cfg.Logger.Info("generation complete",
			"generation", summary.Generation,
			"best", summary.BestFitness,
			"mean", summary.MeanFitness,
			"best_ever", summary.BestEver,
			"sigma", summary.Sigma,
			"failed", summary.FailedEvals,
		)
		if t.cfg.OnGeneration != nil {
			ranked := result.FinalPopulation
			if err := t.cfg.OnGeneration(GenerationResult{
				Summary:  summary,
				Best:     ranked[0].Genome.Clone(),
				BestEver: t.BestEver(),
			}); err != nil {
				result.BestEver = t.BestEver()
				return result, fmt.Errorf("generation %d callback: %w", summary.Generation, err)
			}
		}
	}
	result.BestEver = t.BestEver()
	return result, nil
}

// NextGeneration ranks scored, records generation statistics and the best-ever
// genome, and breeds the next population: elites are copied exactly, the rest
// are mutated copies of parents picked by the selector. Sigma decays after
// breeding.
func (t *Trainer) NextGeneration(scored []ScoredGenome) ([]model.Genome, model.GenerationSummary, error) {
	if len(scored) == 0 {
		return nil, model.GenerationSummary{}, errors.New("cannot breed an empty population")
	}
	ranked := t.rank(scored)
	summary := t.summarize(ranked)

	next := make([]model.Genome, 0, t.cfg.PopulationSize)
	elites := t.cfg.EliteCount
	if elites > len(ranked) {
		elites = len(ranked)
	}
	for i := 0; i < elites; i++ {
		elite := ranked[i].Genome.Clone()
		elite.Fitness = math.Inf(-1)
		next = append(next, elite)
		summary.SurvivorIDs = append(summary.SurvivorIDs, elite.ID)
	}
	for len(next) < t.cfg.PopulationSize {
		parent, err := t.cfg.Selector.PickParent(t.rng, ranked, elites)
		if err != nil {
			return nil, summary, fmt.Errorf("select parent: %w", err)
		}
		params := t.cfg.Mutator.Mutate(t.rng, parent.Params, t.sigma)
		next = append(next, model.NewGenome(uuid.NewString(), params))
	}

	t.sigma = math.Max(t.cfg.SigmaMin, t.sigma*t.cfg.SigmaDecay)
	t.generation++
	return next, summary, nil
}

func (t *Trainer) rank(scored []ScoredGenome) []ScoredGenome {
	ranked := t.cfg.Postprocessor.Process(scored)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Fitness > ranked[j].Fitness
	})
	return ranked
}

func (t *Trainer) summarize(ranked []ScoredGenome) model.GenerationSummary {
	fitness := make([]float64, len(ranked))
	failed := 0
	for i, item := range ranked {
		fitness[i] = item.Fitness
		if item.Failed {
			failed++
		}
	}

	best := ranked[0]
	if best.Fitness > t.bestEver.Fitness {
		t.bestEver = best.Genome.Clone()
		t.bestEver.Fitness = best.Fitness
	}

	mean, std := stat.Mean(fitness, nil), 0.0
	if len(fitness) > 1 {
		_, std = stat.MeanStdDev(fitness, nil)
	}
	return model.GenerationSummary{
		Generation:  t.generation + 1,
		BestFitness: floats.Max(fitness),
		MeanFitness: mean,
		MinFitness:  floats.Min(fitness),
		StdFitness:  std,
		BestEver:    t.bestEver.Fitness,
		Sigma:       t.sigma,
		FailedEvals: failed,
	}
}

// Evaluate scores every genome with a pool of workers. Each worker owns one
// network; episodes share seeds across the generation so genomes face the
// same asteroid fields. Episode errors and panics degrade to FailedFitness;
// only context cancellation aborts the evaluation.
func (t *Trainer) Evaluate(ctx context.Context, population []model.Genome) ([]ScoredGenome, error) {
	type job struct {
		idx    int
		genome model.Genome
	}
	type result struct {
		idx    int
		scored ScoredGenome
		err    error
	}

	jobs := make(chan job)
	results := make(chan result, len(population))

	workerCount := t.cfg.Workers
	if workerCount > len(population) {
		workerCount = len(population)
	}
	seeds := make([]int64, t.cfg.EpisodesPerEvaluation)
	for i := range seeds {
		seeds[i] = episodeSeed(t.cfg.Seed, t.generation, i)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			net, err := nn.NewNetwork(t.cfg.Architecture, nn.Zero, nil)
			for j := range jobs {
				if err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					results <- result{idx: j.idx, err: ctxErr}
					continue
				}
				scored, evalErr := t.evaluateGenome(ctx, net, j.genome, seeds)
				results <- result{idx: j.idx, scored: scored, err: evalErr}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range population {
			select {
			case jobs <- job{idx: i, genome: population[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	scored := make([]ScoredGenome, len(population))
	seen := 0
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		scored[res.idx] = res.scored
		seen++
	}
	if seen != len(population) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("evaluated %d of %d genomes", seen, len(population))
	}
	return scored, nil
}

func (t *Trainer) evaluateGenome(ctx context.Context, net *nn.Network, genome model.Genome, seeds []int64) (ScoredGenome, error) {
	scored := ScoredGenome{Genome: genome.Clone()}
	fail := func(reason string, err error) (ScoredGenome, error) {
		t.cfg.Logger.Warn("genome evaluation failed", "genome", genome.ID, "reason", reason, "error", err)
		scored.Fitness = FailedFitness
		scored.Failed = true
		scored.Genome.Fitness = FailedFitness
		return scored, nil
	}

	if err := net.SetParameters(genome.Params); err != nil {
		return fail("parameters", err)
	}
	total := 0.0
	for _, seed := range seeds {
		score, err := t.safeEpisode(ctx, net, seed)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return scored, ctxErr
			}
			return fail("episode", err)
		}
		total += score
	}
	scored.Fitness = total / float64(len(seeds))
	scored.Genome.Fitness = scored.Fitness
	return scored, nil
}

func (t *Trainer) safeEpisode(ctx context.Context, net *nn.Network, seed int64) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("episode panicked: %v", r)
		}
	}()
	return t.cfg.Episode(ctx, net, seed)
}

func episodeSeed(base int64, generation, episode int) int64 {
	return base*1_000_003 + int64(generation)*1_009 + int64(episode)
}
