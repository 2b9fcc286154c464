package platform

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"astrorl/internal/checkpoint"
	"astrorl/internal/model"
	"astrorl/internal/scape"
	"astrorl/internal/stats"
	"astrorl/internal/storage"
)

const (
	KindEvolve = "evolve"
	KindLearn  = "learn"
	KindSwarm  = "swarm"

	bestGenomeLabel = "best"
	checkpointFile  = "best.genome"
)

type Config struct {
	Store storage.Store
	// OutputDir receives run artifacts, the run index and best.genome
	// checkpoints. Empty disables file output.
	OutputDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Platform owns the store and the registered scapes and runs training jobs
// against them.
type Platform struct {
	store     storage.Store
	outputDir string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	scapes  map[string]scape.Scape
	started bool
}

func NewPlatform(cfg Config) *Platform {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Platform{
		store:     cfg.Store,
		outputDir: cfg.OutputDir,
		logger:    logger,
		now:       now,
		scapes:    make(map[string]scape.Scape),
	}
}

func (p *Platform) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Platform) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Platform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	p.scapes = make(map[string]scape.Scape)
}

func (p *Platform) Store() storage.Store { return p.store }

func (p *Platform) RegisterScape(s scape.Scape) error {
	if s == nil {
		return fmt.Errorf("scape is nil")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("scape name is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("platform is not initialized")
	}
	p.scapes[name] = s
	return nil
}

func (p *Platform) GetScape(name string) (scape.Scape, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.scapes[name]
	return s, ok
}

func (p *Platform) RegisteredScapes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.scapes))
	for name := range p.scapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRuns returns persisted runs in creation order.
func (p *Platform) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	if err := p.requireStarted(); err != nil {
		return nil, err
	}
	return p.store.ListRuns(ctx)
}

// RunDir is where artifacts for runID are written, or "" without an output
// directory.
func (p *Platform) RunDir(runID string) string {
	if p.outputDir == "" {
		return ""
	}
	return filepath.Join(p.outputDir, runID)
}

func (p *Platform) requireStarted() error {
	if !p.Started() {
		return fmt.Errorf("platform is not initialized")
	}
	return nil
}

func (p *Platform) newRunID(requested string) string {
	if requested != "" {
		return requested
	}
	return uuid.NewString()
}

// runOutcome is everything a finished (or interrupted) run persists.
type runOutcome struct {
	record    model.RunRecord
	artifacts stats.RunArtifacts
	best      *model.Genome
	bestGen   int
}

// finishRun persists the run record, history and best genome to the store,
// then writes artifacts, the run index entry and the best.genome checkpoint.
// It returns the checkpoint path, or "" when no file was written.
func (p *Platform) finishRun(ctx context.Context, out runOutcome) (string, error) {
	out.record.VersionedRecord = storage.Versioned()
	out.record.CreatedAtUTC = p.now().UTC().Format(time.RFC3339Nano)
	out.record.BestFitness = finiteOr(out.record.BestFitness, 0)

	if err := p.store.SaveRun(ctx, out.record); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	if len(out.artifacts.Generations) > 0 {
		if err := p.store.SaveGenerations(ctx, out.record.ID, out.artifacts.Generations); err != nil {
			return "", fmt.Errorf("save generations: %w", err)
		}
	}
	if len(out.artifacts.Episodes) > 0 {
		if err := p.store.SaveEpisodes(ctx, out.record.ID, out.artifacts.Episodes); err != nil {
			return "", fmt.Errorf("save episodes: %w", err)
		}
	}
	if out.best != nil && len(out.best.Params) > 0 {
		if err := p.store.SaveGenome(ctx, model.GenomeRecord{
			VersionedRecord: storage.Versioned(),
			RunID:           out.record.ID,
			Label:           bestGenomeLabel,
			Generation:      out.bestGen,
			Genome:          out.best.Clone(),
		}); err != nil {
			return "", fmt.Errorf("save best genome: %w", err)
		}
	}

	if p.outputDir == "" {
		return "", nil
	}
	out.artifacts.Config.RunID = out.record.ID
	out.artifacts.Config.Kind = out.record.Kind
	out.artifacts.FinalBestFitness = out.record.BestFitness
	if out.best != nil && out.best.Evaluated() {
		out.artifacts.TopGenomes = []stats.TopGenome{{Rank: 1, Fitness: out.best.Fitness, Genome: out.best.Clone()}}
	}
	runDir, err := stats.WriteRunArtifacts(p.outputDir, out.artifacts)
	if err != nil {
		return "", fmt.Errorf("write artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(p.outputDir, stats.RunIndexEntry{
		RunID:            out.record.ID,
		Kind:             out.record.Kind,
		Scape:            out.artifacts.Config.Scape,
		PopulationSize:   out.artifacts.Config.PopulationSize,
		Generations:      out.record.Generations,
		Episodes:         out.record.Episodes,
		Seed:             out.record.Seed,
		Workers:          out.artifacts.Config.Workers,
		FinalBestFitness: out.record.BestFitness,
		CreatedAtUTC:     out.record.CreatedAtUTC,
	}); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}

	if out.best == nil || len(out.best.Params) == 0 {
		return "", nil
	}
	path := filepath.Join(runDir, checkpointFile)
	if err := checkpoint.Save(path, *out.best); err != nil {
		return "", err
	}
	p.logger.Info("checkpoint written", "run_id", out.record.ID, "path", path, "fitness", out.best.Fitness)
	return path, nil
}
