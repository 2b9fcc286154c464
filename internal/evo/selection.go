package evo

import (
	"fmt"
	"math/rand"

	"astrorl/internal/model"
)

// Selector chooses parents from genomes ranked best first.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []ScoredGenome, eliteCount int) (model.Genome, error)
}

// TopHalfSelector picks uniformly from the better half of the ranking.
type TopHalfSelector struct{}

func (TopHalfSelector) Name() string {
	return "top_half"
}

func (TopHalfSelector) PickParent(rng *rand.Rand, ranked []ScoredGenome, _ int) (model.Genome, error) {
	if rng == nil {
		return model.Genome{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return model.Genome{}, fmt.Errorf("ranked population is empty")
	}
	half := (len(ranked) + 1) / 2
	return ranked[rng.Intn(half)].Genome, nil
}

// EliteSelector picks uniformly from the top elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, ranked []ScoredGenome, eliteCount int) (model.Genome, error) {
	if rng == nil {
		return model.Genome{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return model.Genome{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}
	return ranked[rng.Intn(eliteCount)].Genome, nil
}

// TournamentSelector samples candidates from the top of the ranking and picks
// the best fitness among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []ScoredGenome, eliteCount int) (model.Genome, error) {
	if rng == nil {
		return model.Genome{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return model.Genome{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = eliteCount * 2
	}
	if poolSize < eliteCount {
		poolSize = eliteCount
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best.Genome, nil
}
