package platform

import (
	"context"
	"errors"
	"fmt"
	"math"

	"astrorl/internal/agent"
	"astrorl/internal/checkpoint"
	"astrorl/internal/evo"
	"astrorl/internal/model"
	"astrorl/internal/nn"
	"astrorl/internal/population"
	"astrorl/internal/scape"
	"astrorl/internal/stats"
)

// EvolutionConfig drives a genetic run: greedy policies over flat parameter
// vectors, scored in independent arcade worlds.
type EvolutionConfig struct {
	RunID                 string
	Arcade                scape.ArcadeConfig
	HiddenSizes           []int
	HiddenActivation      string
	Decoder               agent.Decoder
	PopulationSize        int
	EliteCount            int
	Generations           int
	Sigma                 float64
	SigmaDecay            float64
	SigmaMin              float64
	EpisodesPerEvaluation int
	Workers               int
	MaxTicks              int
	Seed                  int64
	Selection             string
	// ContinueFrom seeds the population from a checkpoint file.
	ContinueFrom string
	OnGeneration func(evo.GenerationResult) error
}

type EvolutionResult struct {
	RunID          string
	Generations    []model.GenerationSummary
	BestEver       model.Genome
	CheckpointPath string
}

// LearningConfig drives a single online DQN agent over Episodes episodes.
type LearningConfig struct {
	RunID        string
	Arcade       scape.ArcadeConfig
	Agent        agent.Config
	Decoder      agent.Decoder
	Episodes     int
	MaxTicks     int
	Seed         int64
	ContinueFrom string
	OnEpisode    func(model.EpisodeRecord) error
}

type LearningResult struct {
	RunID          string
	Episodes       []model.EpisodeRecord
	Final          model.Genome
	CheckpointPath string
}

// PopulationConfig drives the evolutionary-population coordinator.
type PopulationConfig struct {
	RunID                 string
	Arcade                scape.ArcadeConfig
	Agent                 agent.Config
	Decoder               agent.Decoder
	PopulationSize        int
	Survivors             int
	EpisodesPerGeneration int
	Generations           int
	MaxTicks              int
	CloneSigma            float64
	Seed                  int64
	OnGeneration          func(population.GenerationReport) error
}

type PopulationResult struct {
	RunID          string
	Reports        []population.GenerationReport
	Best           model.Genome
	CheckpointPath string
}

// EvaluateConfig replays a checkpoint greedily. ScapeName selects a
// registered scape; when none is registered under it an arcade scape is built
// from Arcade.
type EvaluateConfig struct {
	CheckpointPath   string
	ScapeName        string
	Arcade           scape.ArcadeConfig
	HiddenSizes      []int
	HiddenActivation string
	Decoder          agent.Decoder
	Episodes         int
	MaxTicks         int
	Seed             int64
}

type EvaluateResult struct {
	Genome  model.Genome
	Fitness float64
	Trace   scape.Trace
}

func (p *Platform) RunEvolution(ctx context.Context, cfg EvolutionConfig) (EvolutionResult, error) {
	if err := p.requireStarted(); err != nil {
		return EvolutionResult{}, err
	}
	decoder := decoderOrDefault(cfg.Decoder)
	factory, err := scape.ArcadeFactory(cfg.Arcade)
	if err != nil {
		return EvolutionResult{}, err
	}
	selector, err := evo.ResolveSelector(cfg.Selection)
	if err != nil {
		return EvolutionResult{}, err
	}
	arch := architecture(cfg.HiddenSizes, cfg.HiddenActivation, decoder)

	var initial []model.Genome
	if cfg.ContinueFrom != "" {
		genome, err := checkpoint.Load(cfg.ContinueFrom, arch.ParameterCount())
		if err != nil {
			return EvolutionResult{}, err
		}
		initial = []model.Genome{genome}
	}

	runID := p.newRunID(cfg.RunID)
	logger := p.logger.With("run_id", runID, "kind", KindEvolve)
	trainer, err := evo.NewTrainer(evo.Config{
		Architecture:          arch,
		PopulationSize:        cfg.PopulationSize,
		EliteCount:            cfg.EliteCount,
		Generations:           cfg.Generations,
		Sigma:                 cfg.Sigma,
		SigmaDecay:            cfg.SigmaDecay,
		SigmaMin:              cfg.SigmaMin,
		EpisodesPerEvaluation: cfg.EpisodesPerEvaluation,
		Workers:               cfg.Workers,
		Seed:                  cfg.Seed,
		Episode:               arcadeEpisode(factory, decoder, cfg.MaxTicks),
		Selector:              selector,
		Initial:               initial,
		OnGeneration:          cfg.OnGeneration,
		Logger:                logger,
	})
	if err != nil {
		return EvolutionResult{}, err
	}

	logger.Info("evolution started", "population", cfg.PopulationSize, "generations", cfg.Generations, "params", arch.ParameterCount())
	run, runErr := trainer.Run(ctx)
	result := EvolutionResult{RunID: runID, Generations: run.Generations, BestEver: run.BestEver}
	if len(run.Generations) == 0 {
		return result, runErr
	}

	best := run.BestEver.Clone()
	bestGen := 0
	bestByGeneration := make([]float64, len(run.Generations))
	previous := math.Inf(-1)
	for i, summary := range run.Generations {
		bestByGeneration[i] = summary.BestEver
		if summary.BestEver > previous {
			bestGen = summary.Generation
			previous = summary.BestEver
		}
	}
	path, err := p.finishRun(persistContext(ctx), runOutcome{
		record: model.RunRecord{
			ID:          runID,
			Kind:        KindEvolve,
			Generations: len(run.Generations),
			BestFitness: best.Fitness,
			Seed:        cfg.Seed,
		},
		artifacts: stats.RunArtifacts{
			Config: stats.RunConfig{
				Scape:                 scape.ArcadeScape{}.Name(),
				Decoder:               decoder.Name(),
				ContinueFrom:          cfg.ContinueFrom,
				PopulationSize:        cfg.PopulationSize,
				EliteCount:            cfg.EliteCount,
				Generations:           cfg.Generations,
				EpisodesPerEvaluation: cfg.EpisodesPerEvaluation,
				MaxTicks:              cfg.MaxTicks,
				Sigma:                 cfg.Sigma,
				SigmaDecay:            cfg.SigmaDecay,
				SigmaMin:              cfg.SigmaMin,
				Selection:             selector.Name(),
				Workers:               cfg.Workers,
				Seed:                  cfg.Seed,
				HiddenSizes:           cfg.HiddenSizes,
				Arcade:                cfg.Arcade,
			},
			BestByGeneration: bestByGeneration,
			Generations:      run.Generations,
		},
		best:    &best,
		bestGen: bestGen,
	})
	result.CheckpointPath = path
	return result, errors.Join(runErr, err)
}

func (p *Platform) RunLearning(ctx context.Context, cfg LearningConfig) (LearningResult, error) {
	if err := p.requireStarted(); err != nil {
		return LearningResult{}, err
	}
	if cfg.Episodes <= 0 {
		return LearningResult{}, fmt.Errorf("episodes must be > 0")
	}
	decoder := decoderOrDefault(cfg.Decoder)
	world, err := scape.NewArcade(cfg.Arcade)
	if err != nil {
		return LearningResult{}, err
	}
	if cfg.Agent.ObservationSize == 0 {
		cfg.Agent.ObservationSize = world.ObservationSize()
	}
	learner, err := agent.NewDQN(cfg.Agent, decoder)
	if err != nil {
		return LearningResult{}, err
	}
	if cfg.ContinueFrom != "" {
		genome, err := checkpoint.Load(cfg.ContinueFrom, learner.Main().ParameterCount())
		if err != nil {
			return LearningResult{}, err
		}
		if err := learner.LoadParameters(genome.Params); err != nil {
			return LearningResult{}, err
		}
	}

	runID := p.newRunID(cfg.RunID)
	logger := p.logger.With("run_id", runID, "kind", KindLearn)
	logger.Info("learning started", "episodes", cfg.Episodes, "decoder", decoder.Name())

	result := LearningResult{RunID: runID}
	var runErr error
	for ep := 0; ep < cfg.Episodes; ep++ {
		learner.ResetEpisode()
		outcome, err := scape.RunLearningEpisode(ctx, world, learner, cfg.Seed+int64(ep), cfg.MaxTicks, scape.DefaultTickSeconds)
		if err != nil {
			runErr = err
			break
		}
		agentStats := learner.Stats()
		record := model.EpisodeRecord{
			Episode:       ep,
			Reward:        outcome.Reward,
			RunningReward: agentStats.RunningReward,
			Epsilon:       learner.Epsilon(),
			Steps:         outcome.Steps,
		}
		result.Episodes = append(result.Episodes, record)
		logger.Debug("episode complete", "episode", ep, "reward", record.Reward, "running", record.RunningReward, "epsilon", record.Epsilon)
		if cfg.OnEpisode != nil {
			if err := cfg.OnEpisode(record); err != nil {
				runErr = fmt.Errorf("episode %d callback: %w", ep, err)
				break
			}
		}
	}
	if len(result.Episodes) == 0 {
		return result, runErr
	}

	running := make([]float64, len(result.Episodes))
	for i, e := range result.Episodes {
		running[i] = e.RunningReward
	}
	final := result.Episodes[len(result.Episodes)-1].RunningReward
	result.Final = model.Genome{ID: runID, Params: learner.Parameters(), Fitness: final}
	agentCfg := cfg.Agent
	path, err := p.finishRun(persistContext(ctx), runOutcome{
		record: model.RunRecord{
			ID:          runID,
			Kind:        KindLearn,
			Episodes:    len(result.Episodes),
			BestFitness: final,
			Seed:        cfg.Seed,
		},
		artifacts: stats.RunArtifacts{
			Config: stats.RunConfig{
				Scape:        scape.ArcadeScape{}.Name(),
				Decoder:      decoder.Name(),
				ContinueFrom: cfg.ContinueFrom,
				Episodes:     cfg.Episodes,
				MaxTicks:     cfg.MaxTicks,
				Seed:         cfg.Seed,
				HiddenSizes:  cfg.Agent.HiddenSizes,
				Agent:        &agentCfg,
				Arcade:       cfg.Arcade,
			},
			BestByGeneration: running,
			Episodes:         result.Episodes,
		},
		best:    &result.Final,
		bestGen: len(result.Episodes) - 1,
	})
	result.CheckpointPath = path
	return result, errors.Join(runErr, err)
}

func (p *Platform) RunPopulation(ctx context.Context, cfg PopulationConfig) (PopulationResult, error) {
	if err := p.requireStarted(); err != nil {
		return PopulationResult{}, err
	}
	decoder := decoderOrDefault(cfg.Decoder)
	factory, err := scape.ArcadeFactory(cfg.Arcade)
	if err != nil {
		return PopulationResult{}, err
	}

	runID := p.newRunID(cfg.RunID)
	logger := p.logger.With("run_id", runID, "kind", KindSwarm)
	best := model.NewGenome("", nil)
	bestGen := 0

	var coordinator *population.Coordinator
	onGeneration := func(report population.GenerationReport) error {
		if report.BestFitness > best.Fitness {
			// The best survivor is kept first by EndGeneration.
			best = model.Genome{ID: report.BestID, Params: coordinator.Records()[0].Agent.Parameters(), Fitness: report.BestFitness}
			bestGen = report.Generation
		}
		if cfg.OnGeneration != nil {
			return cfg.OnGeneration(report)
		}
		return nil
	}
	coordinator, err = population.NewCoordinator(population.Config{
		PopulationSize:        cfg.PopulationSize,
		Survivors:             cfg.Survivors,
		EpisodesPerGeneration: cfg.EpisodesPerGeneration,
		Generations:           cfg.Generations,
		MaxTicks:              cfg.MaxTicks,
		TickSeconds:           scape.DefaultTickSeconds,
		CloneSigma:            cfg.CloneSigma,
		Agent:                 cfg.Agent,
		Decoder:               decoder,
		Seed:                  cfg.Seed,
		World:                 factory,
		OnGeneration:          onGeneration,
		Logger:                logger,
	})
	if err != nil {
		return PopulationResult{}, err
	}

	logger.Info("population started", "population", cfg.PopulationSize, "survivors", cfg.Survivors, "generations", cfg.Generations)
	reports, runErr := coordinator.Run(ctx)
	result := PopulationResult{RunID: runID, Reports: reports, Best: best.Clone()}
	if len(reports) == 0 {
		return result, runErr
	}

	summaries := make([]model.GenerationSummary, len(reports))
	bestByGeneration := make([]float64, len(reports))
	bestEver := math.Inf(-1)
	for i, report := range reports {
		bestEver = math.Max(bestEver, report.BestFitness)
		summaries[i] = model.GenerationSummary{
			Generation:  report.Generation,
			BestFitness: report.BestFitness,
			MeanFitness: report.MeanFitness,
			MinFitness:  report.MinFitness,
			StdFitness:  report.StdFitness,
			BestEver:    bestEver,
			SurvivorIDs: append([]string(nil), report.SurvivorIDs...),
		}
		bestByGeneration[i] = bestEver
	}
	agentCfg := cfg.Agent
	path, err := p.finishRun(persistContext(ctx), runOutcome{
		record: model.RunRecord{
			ID:          runID,
			Kind:        KindSwarm,
			Generations: len(reports),
			Episodes:    len(reports) * cfg.EpisodesPerGeneration,
			BestFitness: bestEver,
			Seed:        cfg.Seed,
		},
		artifacts: stats.RunArtifacts{
			Config: stats.RunConfig{
				Scape:          scape.ArcadeScape{}.Name(),
				Decoder:        decoder.Name(),
				PopulationSize: cfg.PopulationSize,
				Survivors:      cfg.Survivors,
				Generations:    cfg.Generations,
				Episodes:       cfg.EpisodesPerGeneration,
				MaxTicks:       cfg.MaxTicks,
				CloneSigma:     cfg.CloneSigma,
				Seed:           cfg.Seed,
				HiddenSizes:    cfg.Agent.HiddenSizes,
				Agent:          &agentCfg,
				Arcade:         cfg.Arcade,
			},
			BestByGeneration: bestByGeneration,
			Generations:      summaries,
		},
		best:    &result.Best,
		bestGen: bestGen,
	})
	result.CheckpointPath = path
	return result, errors.Join(runErr, err)
}

// Evaluate loads a checkpoint and scores it with a greedy policy.
func (p *Platform) Evaluate(ctx context.Context, cfg EvaluateConfig) (EvaluateResult, error) {
	if cfg.CheckpointPath == "" {
		return EvaluateResult{}, fmt.Errorf("checkpoint path is required")
	}
	decoder := decoderOrDefault(cfg.Decoder)
	arch := architecture(cfg.HiddenSizes, cfg.HiddenActivation, decoder)
	genome, err := checkpoint.Load(cfg.CheckpointPath, arch.ParameterCount())
	if err != nil {
		return EvaluateResult{}, err
	}
	policy, err := agent.NewGreedyPolicyFromParams(genome.ID, arch, genome.Params, decoder)
	if err != nil {
		return EvaluateResult{}, err
	}

	name := cfg.ScapeName
	if name == "" {
		name = scape.ArcadeScape{}.Name()
	}
	target, ok := p.GetScape(name)
	if !ok {
		factory, err := scape.ArcadeFactory(cfg.Arcade)
		if err != nil {
			return EvaluateResult{}, err
		}
		target = scape.ArcadeScape{
			Factory:  factory,
			Episodes: cfg.Episodes,
			Seed:     cfg.Seed,
			MaxTicks: cfg.MaxTicks,
			Dt:       scape.DefaultTickSeconds,
		}
	}

	fitness, trace, err := target.Evaluate(ctx, policy)
	if err != nil {
		return EvaluateResult{}, err
	}
	p.logger.Info("checkpoint evaluated", "path", cfg.CheckpointPath, "scape", target.Name(), "fitness", float64(fitness))
	return EvaluateResult{Genome: genome, Fitness: float64(fitness), Trace: trace}, nil
}

// arcadeEpisode adapts the arcade episode runner to the genetic trainer.
// Every call builds its own world so workers never share one.
func arcadeEpisode(factory scape.Factory, decoder agent.Decoder, maxTicks int) evo.EpisodeFunc {
	return func(ctx context.Context, net *nn.Network, seed int64) (float64, error) {
		policy, err := agent.NewGreedyPolicy("", net, decoder)
		if err != nil {
			return 0, err
		}
		result, err := scape.RunEpisode(ctx, factory(), policy, seed, maxTicks, scape.DefaultTickSeconds)
		if err != nil {
			return 0, err
		}
		return result.Reward, nil
	}
}

func architecture(hidden []int, activation string, decoder agent.Decoder) nn.Architecture {
	cfg := agent.Config{ObservationSize: scape.ObservationSize, HiddenSizes: hidden, HiddenActivation: activation}
	return cfg.Architecture(decoder)
}

func decoderOrDefault(decoder agent.Decoder) agent.Decoder {
	if decoder == nil {
		return agent.DiscreteDecoder{TurnSlot: true}
	}
	return decoder
}

// persistContext keeps results of a cancelled run persistable.
func persistContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
