package population

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"astrorl/internal/agent"
	"astrorl/internal/evo"
	"astrorl/internal/model"
	"astrorl/internal/scape"
)

type Config struct {
	PopulationSize        int
	Survivors             int
	EpisodesPerGeneration int
	Generations           int
	MaxTicks              int
	TickSeconds           float64
	// CloneSigma adds Gaussian noise to cloned parameters; zero clones exactly.
	CloneSigma float64
	Agent      agent.Config
	Decoder    agent.Decoder
	Seed       int64
	World      scape.Factory

	OnGeneration func(GenerationReport) error
	Logger       *slog.Logger
}

// AgentRecord is one member of the population: a learning agent plus the
// ship it flies in the shared world.
type AgentRecord struct {
	ID                string
	ParentID          string
	Agent             *agent.DQN
	Ship              *scape.Ship
	EpisodeFitness    float64
	GenerationFitness float64
}

// Reset clears episode-scoped state. Learned parameters and the generation
// accumulator are kept.
func (r *AgentRecord) Reset() {
	r.Ship = nil
	r.EpisodeFitness = 0
	r.Agent.ResetEpisode()
}

func (r *AgentRecord) alive() bool {
	return r.Ship != nil && r.Ship.Alive
}

type GenerationReport struct {
	Generation  int      `json:"generation"`
	BestFitness float64  `json:"best_fitness"`
	MeanFitness float64  `json:"mean_fitness"`
	MinFitness  float64  `json:"min_fitness"`
	StdFitness  float64  `json:"std_fitness"`
	BestID      string   `json:"best_id"`
	SurvivorIDs []string `json:"survivor_ids"`
	Ticks       int      `json:"ticks"`
}

// Coordinator runs a population of online learners inside one shared world
// and periodically replaces the weakest with clones of the strongest.
type Coordinator struct {
	cfg        Config
	rng        *rand.Rand
	world      scape.World
	records    []*AgentRecord
	generation int
	ticks      int
	agentSeed  int64
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.World == nil {
		return nil, fmt.Errorf("world factory is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.Survivors <= 0 || cfg.Survivors > cfg.PopulationSize {
		return nil, fmt.Errorf("survivors must be in [1, population size]")
	}
	if cfg.EpisodesPerGeneration <= 0 {
		return nil, fmt.Errorf("episodes per generation must be > 0")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.CloneSigma < 0 {
		return nil, fmt.Errorf("clone sigma must be >= 0")
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = scape.DefaultTickSeconds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	world := cfg.World()
	if world == nil {
		return nil, errors.New("world factory returned nil")
	}
	if cfg.Agent.ObservationSize == 0 {
		cfg.Agent.ObservationSize = world.ObservationSize()
	}
	if cfg.Agent.ObservationSize != world.ObservationSize() {
		return nil, fmt.Errorf("agent observation size %d does not match world %d", cfg.Agent.ObservationSize, world.ObservationSize())
	}

	c := &Coordinator{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		world:     world,
		agentSeed: cfg.Seed,
	}
	for i := 0; i < cfg.PopulationSize; i++ {
		record, err := c.newRecord("", nil)
		if err != nil {
			return nil, err
		}
		c.records = append(c.records, record)
	}
	return c, nil
}

func (c *Coordinator) Records() []*AgentRecord { return c.records }
func (c *Coordinator) World() scape.World      { return c.world }
func (c *Coordinator) Generation() int         { return c.generation }

// Run plays Config.Generations generations. Cancellation is checked between
// ticks; reports for completed generations are returned with the error.
func (c *Coordinator) Run(ctx context.Context) ([]GenerationReport, error) {
	reports := make([]GenerationReport, 0, c.cfg.Generations)
	for gen := 0; gen < c.cfg.Generations; gen++ {
		c.ticks = 0
		for ep := 0; ep < c.cfg.EpisodesPerGeneration; ep++ {
			if err := c.RunEpisode(ctx, c.episodeSeed(ep)); err != nil {
				return reports, err
			}
		}
		report, err := c.EndGeneration()
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
		c.cfg.Logger.Info("population generation complete",
			"generation", report.Generation,
			"best", report.BestFitness,
			"mean", report.MeanFitness,
			"best_id", report.BestID,
			"ticks", report.Ticks,
		)
		if c.cfg.OnGeneration != nil {
			if err := c.cfg.OnGeneration(report); err != nil {
				return reports, fmt.Errorf("generation %d callback: %w", report.Generation, err)
			}
		}
	}
	return reports, nil
}

// RunEpisode resets the shared world and ticks it until the episode ends.
func (c *Coordinator) RunEpisode(ctx context.Context, seed int64) error {
	c.world.Reset(seed)
	for _, record := range c.records {
		record.Reset()
		record.Ship = c.world.Spawn(record.ID)
	}

	for tick := 0; c.cfg.MaxTicks <= 0 || tick < c.cfg.MaxTicks; tick++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.world.EpisodeOver() {
			break
		}
		last := c.cfg.MaxTicks > 0 && tick == c.cfg.MaxTicks-1
		if err := c.step(last); err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
		c.ticks++
	}
	for _, record := range c.records {
		record.GenerationFitness += record.EpisodeFitness
	}
	return nil
}

// step runs one tick: parallel observe and decide, serial apply, world
// advance, serial reward read, parallel learn.
func (c *Coordinator) step(last bool) error {
	active := make([]int, 0, len(c.records))
	for i, record := range c.records {
		if record.alive() {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return nil
	}

	actions := make([]model.Action, len(c.records))
	err := parallel(active, func(i int) error {
		record := c.records[i]
		action, err := record.Agent.Decide(c.world.Observe(record.Ship), record.Ship.Heading)
		if err != nil {
			return fmt.Errorf("agent %s decide: %w", record.ID, err)
		}
		actions[i] = action
		return nil
	})
	if err != nil {
		return err
	}

	for _, i := range active {
		c.world.Apply(c.records[i].Ship, actions[i])
	}
	c.world.Advance(c.cfg.TickSeconds)

	type outcome struct {
		next   []float64
		reward float64
		done   bool
	}
	outcomes := make([]outcome, len(c.records))
	over := c.world.EpisodeOver()
	for _, i := range active {
		record := c.records[i]
		reward := c.world.Reward(record.Ship)
		record.EpisodeFitness += reward
		outcomes[i] = outcome{
			next:   c.world.Observe(record.Ship),
			reward: reward,
			done:   over || last || !record.Ship.Alive,
		}
	}

	return parallel(active, func(i int) error {
		o := outcomes[i]
		if err := c.records[i].Agent.Learn(o.next, o.reward, o.done); err != nil {
			return fmt.Errorf("agent %s learn: %w", c.records[i].ID, err)
		}
		return nil
	})
}

// EndGeneration truncation-selects the top Survivors records by generation
// fitness, refills the population with clones of them round-robin and resets
// every generation accumulator. The best survivor is Records()[0] afterwards.
func (c *Coordinator) EndGeneration() (GenerationReport, error) {
	ranked := append([]*AgentRecord(nil), c.records...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].GenerationFitness > ranked[j].GenerationFitness
	})

	fitness := make([]float64, len(ranked))
	for i, record := range ranked {
		fitness[i] = record.GenerationFitness
	}
	mean, std := stat.MeanStdDev(fitness, nil)
	if len(fitness) < 2 {
		std = 0
	}
	c.generation++
	report := GenerationReport{
		Generation:  c.generation,
		BestFitness: ranked[0].GenerationFitness,
		MeanFitness: mean,
		MinFitness:  fitness[len(fitness)-1],
		StdFitness:  std,
		BestID:      ranked[0].ID,
		Ticks:       c.ticks,
	}

	survivors := ranked[:c.cfg.Survivors]
	next := make([]*AgentRecord, 0, c.cfg.PopulationSize)
	for _, survivor := range survivors {
		report.SurvivorIDs = append(report.SurvivorIDs, survivor.ID)
		next = append(next, survivor)
	}
	mutator := evo.GaussianMutation{}
	for i := 0; len(next) < c.cfg.PopulationSize; i++ {
		parent := survivors[i%len(survivors)]
		params := mutator.Mutate(c.rng, parent.Agent.Parameters(), c.cfg.CloneSigma)
		clone, err := c.newRecord(parent.ID, params)
		if err != nil {
			return report, err
		}
		next = append(next, clone)
	}
	for _, record := range next {
		record.GenerationFitness = 0
		record.EpisodeFitness = 0
	}
	c.records = next
	return report, nil
}

func (c *Coordinator) newRecord(parentID string, params []float64) (*AgentRecord, error) {
	cfg := c.cfg.Agent
	c.agentSeed++
	cfg.Seed = c.agentSeed
	learner, err := agent.NewDQN(cfg, c.cfg.Decoder)
	if err != nil {
		return nil, err
	}
	if params != nil {
		if err := learner.LoadParameters(params); err != nil {
			return nil, err
		}
	}
	return &AgentRecord{ID: uuid.NewString(), ParentID: parentID, Agent: learner}, nil
}

func (c *Coordinator) episodeSeed(episode int) int64 {
	return c.cfg.Seed*7_919 + int64(c.generation)*1_009 + int64(episode)
}

// parallel runs fn for every index and waits for all of them.
func parallel(indices []int, fn func(i int) error) error {
	errs := make([]error, len(indices))
	var wg sync.WaitGroup
	wg.Add(len(indices))
	for k, i := range indices {
		go func() {
			defer wg.Done()
			errs[k] = fn(i)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
