package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"astrorl/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	generations map[string][]model.GenerationSummary
	genomes     map[string]model.GenomeRecord
	episodes    map[string][]model.EpisodeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.generations = make(map[string][]model.GenerationSummary)
	s.genomes = make(map[string]model.GenomeRecord)
	s.episodes = make(map[string][]model.EpisodeRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns runs ordered by creation time, then ID.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveGenerations(_ context.Context, runID string, generations []model.GenerationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.generations[runID] = copyGenerations(generations)
	return nil
}

func (s *MemoryStore) GetGenerations(_ context.Context, runID string) ([]model.GenerationSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	generations, ok := s.generations[runID]
	if !ok {
		return nil, false, nil
	}
	return copyGenerations(generations), true, nil
}

func (s *MemoryStore) SaveGenome(_ context.Context, record model.GenomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	record.Genome = record.Genome.Clone()
	s.genomes[genomeKey(record.RunID, record.Label)] = record
	return nil
}

func (s *MemoryStore) GetGenome(_ context.Context, runID, label string) (model.GenomeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.genomes[genomeKey(runID, label)]
	if !ok {
		return model.GenomeRecord{}, false, nil
	}
	record.Genome = record.Genome.Clone()
	return record, true, nil
}

func (s *MemoryStore) SaveEpisodes(_ context.Context, runID string, episodes []model.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	copied := make([]model.EpisodeRecord, len(episodes))
	copy(copied, episodes)
	s.episodes[runID] = copied
	return nil
}

func (s *MemoryStore) GetEpisodes(_ context.Context, runID string) ([]model.EpisodeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episodes, ok := s.episodes[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.EpisodeRecord, len(episodes))
	copy(copied, episodes)
	return copied, true, nil
}

func copyGenerations(in []model.GenerationSummary) []model.GenerationSummary {
	out := make([]model.GenerationSummary, len(in))
	for i, g := range in {
		g.SurvivorIDs = append([]string(nil), g.SurvivorIDs...)
		out[i] = g
	}
	return out
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
