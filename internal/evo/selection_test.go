package evo

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"astrorl/internal/model"
)

func rankedGenomes(n int) []ScoredGenome {
	ranked := make([]ScoredGenome, n)
	for i := range ranked {
		ranked[i] = ScoredGenome{
			Genome:  model.NewGenome(string(rune('a'+i)), []float64{float64(i)}),
			Fitness: float64(n - i),
		}
	}
	return ranked
}

func TestTopHalfSelectorOnlyPicksTopHalf(t *testing.T) {
	ranked := rankedGenomes(5)
	rng := rand.New(rand.NewSource(1))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		parent, err := TopHalfSelector{}.PickParent(rng, ranked, 1)
		if err != nil {
			t.Fatalf("pick parent: %v", err)
		}
		seen[parent.ID] = true
	}
	for _, id := range []string{"d", "e"} {
		if seen[id] {
			t.Fatalf("bottom-half genome %s was selected", id)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected all of the top half to be selected, got %v", seen)
	}

	if _, err := (TopHalfSelector{}).PickParent(rng, nil, 1); err == nil {
		t.Fatal("expected error for empty ranking")
	}
}

func TestEliteAndTournamentSelectors(t *testing.T) {
	ranked := rankedGenomes(6)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		parent, err := EliteSelector{}.PickParent(rng, ranked, 2)
		if err != nil {
			t.Fatalf("elite pick: %v", err)
		}
		if parent.ID != "a" && parent.ID != "b" {
			t.Fatalf("elite selector picked %s", parent.ID)
		}
		parent, err = TournamentSelector{PoolSize: 4, TournamentSize: 2}.PickParent(rng, ranked, 2)
		if err != nil {
			t.Fatalf("tournament pick: %v", err)
		}
		if parent.ID > "d" {
			t.Fatalf("tournament selector left its pool: %s", parent.ID)
		}
	}
	if _, err := (EliteSelector{}).PickParent(rng, ranked, 0); err == nil {
		t.Fatal("expected invalid elite count error")
	}
}

func TestSelectorRegistry(t *testing.T) {
	resetSelectorRegistryForTests()
	t.Cleanup(resetSelectorRegistryForTests)

	selector, err := ResolveSelector("")
	if err != nil || selector.Name() != "top_half" {
		t.Fatalf("expected top_half default, got %v %v", selector, err)
	}
	if _, err := ResolveSelector("missing"); !errors.Is(err, ErrSelectorNotFound) {
		t.Fatalf("expected ErrSelectorNotFound, got %v", err)
	}
	if err := RegisterSelector(EliteSelector{}); !errors.Is(err, ErrSelectorExists) {
		t.Fatalf("expected ErrSelectorExists, got %v", err)
	}
	if err := RegisterSelector(nil); err == nil {
		t.Fatal("expected nil selector error")
	}
	names := ListSelectors()
	want := []string{"elite", "top_half", "tournament"}
	if len(names) != len(want) {
		t.Fatalf("unexpected selectors: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected selectors: %v", names)
		}
	}
}

func TestGaussianMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	params := []float64{1, 2, 3, 4}
	copied := GaussianMutation{}.Mutate(rng, params, 0)
	copied[0] = 99
	if params[0] != 1 {
		t.Fatal("mutation aliased the parent parameters")
	}
	mutated := GaussianMutation{}.Mutate(rng, params, 0.5)
	for i := range params {
		if mutated[i] == params[i] {
			t.Fatalf("parameter %d was not perturbed", i)
		}
	}
}

func TestFailureFloorPostprocessor(t *testing.T) {
	scored := []ScoredGenome{
		{Genome: model.NewGenome("nan", nil), Fitness: math.NaN()},
		{Genome: model.NewGenome("inf", nil), Fitness: math.Inf(1)},
		{Genome: model.NewGenome("ok", nil), Fitness: 2},
	}
	out := FailureFloorPostprocessor{}.Process(scored)
	if out[0].Fitness != FailedFitness || !out[0].Failed || out[1].Fitness != FailedFitness {
		t.Fatalf("non-finite fitness not floored: %+v", out)
	}
	if out[2].Fitness != 2 || out[2].Genome.Fitness != 2 || out[2].Failed {
		t.Fatalf("finite fitness changed: %+v", out[2])
	}
	if !math.IsNaN(scored[0].Fitness) {
		t.Fatal("postprocessor modified its input")
	}
	if (NoopFitnessPostprocessor{}).Name() != "none" {
		t.Fatal("unexpected noop name")
	}
}
