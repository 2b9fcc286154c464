package evo

import "astrorl/internal/nn"

// FitnessPostprocessor adjusts fitness values after evaluation and before
// ranking and selection.
type FitnessPostprocessor interface {
	Name() string
	Process(scored []ScoredGenome) []ScoredGenome
}

type NoopFitnessPostprocessor struct{}

func (NoopFitnessPostprocessor) Name() string {
	return "none"
}

func (NoopFitnessPostprocessor) Process(scored []ScoredGenome) []ScoredGenome {
	return cloneScored(scored)
}

// FailureFloorPostprocessor maps non-finite fitness to FailedFitness so a
// diverged network ranks last instead of poisoning the sort.
type FailureFloorPostprocessor struct{}

func (FailureFloorPostprocessor) Name() string {
	return "failure_floor"
}

func (FailureFloorPostprocessor) Process(scored []ScoredGenome) []ScoredGenome {
	out := cloneScored(scored)
	for i := range out {
		if !nn.IsFinite(out[i].Fitness) {
			out[i].Fitness = FailedFitness
			out[i].Failed = true
		}
		out[i].Genome.Fitness = out[i].Fitness
	}
	return out
}

func cloneScored(scored []ScoredGenome) []ScoredGenome {
	out := make([]ScoredGenome, len(scored))
	copy(out, scored)
	return out
}
