package stats

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"astrorl/internal/model"
	"astrorl/internal/scape"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:          runID,
			Kind:           "evolve",
			Scape:          "arcade",
			PopulationSize: 4,
			Generations:    2,
			Seed:           1,
			Workers:        2,
			EliteCount:     1,
			Arcade:         scape.DefaultArcadeConfig(),
		},
		BestByGeneration: []float64{0.5, 0.7},
		Generations: []model.GenerationSummary{
			{Generation: 0, BestFitness: 0.5, MeanFitness: 0.2, MinFitness: -1, StdFitness: 0.4, BestEver: 0.5, Sigma: 0.1},
			{Generation: 1, BestFitness: 0.7, MeanFitness: 0.3, MinFitness: -0.5, StdFitness: 0.3, BestEver: 0.7, Sigma: 0.09, FailedEvals: 1},
		},
		FinalBestFitness: 0.7,
		TopGenomes: []TopGenome{{
			Rank:    1,
			Fitness: 0.7,
			Genome:  model.Genome{ID: "g1", Params: []float64{1}, Fitness: 0.7},
		}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "fitness_history.json", "top_genomes.json", "generations.csv", "episodes.csv"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Kind != "evolve" || cfg.Arcade.Width != 800 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	history, ok, err := ReadFitnessHistory(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(history) != 2 || history[1] != 0.7 {
		t.Fatalf("unexpected history: %v", history)
	}

	generations, ok, err := ReadGenerations(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read generations: ok=%t err=%v", ok, err)
	}
	if len(generations) != 2 || generations[1].FailedEvals != 1 || generations[1].Sigma != 0.09 || generations[0].MinFitness != -1 {
		t.Fatalf("unexpected generations: %+v", generations)
	}
}

func TestWriteRunArtifactsEpisodesCSV(t *testing.T) {
	baseDir := t.TempDir()
	runDir, err := WriteRunArtifacts(baseDir, RunArtifacts{
		Config: RunConfig{RunID: "learn-1", Kind: "learn"},
		Episodes: []model.EpisodeRecord{
			{Episode: 0, Reward: 1.5, RunningReward: 1.5, Epsilon: 0.9, Steps: 12},
			{Episode: 1, Reward: -0.5, RunningReward: 0.5, Epsilon: 0.8, Steps: 7},
		},
		BestByGeneration: []float64{1.5, math.Inf(-1)},
		FinalBestFitness: math.NaN(),
	})
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(runDir, "episodes.csv"))
	if err != nil {
		t.Fatalf("read episodes: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || lines[0] != "episode,reward,running_reward,epsilon,steps" || lines[2] != "1,-0.5,0.5,0.8,7" {
		t.Fatalf("unexpected episodes csv: %q", lines)
	}
	history, _, err := ReadFitnessHistory(baseDir, "learn-1")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected non-finite entries dropped, got %v", history)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected missing run id error")
	}
}

func TestRunIndexNewestFirstAndReplace(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", Kind: "evolve", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 1},
		{RunID: "b", Kind: "learn", CreatedAtUTC: "2026-01-02T00:00:00Z", FinalBestFitness: 2},
		{RunID: "a", Kind: "evolve", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 3},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append index: %v", err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(index))
	}
	if index[0].RunID != "b" || index[1].RunID != "a" || index[1].FinalBestFitness != 3 {
		t.Fatalf("unexpected index: %+v", index)
	}

	empty, err := ListRunIndex(t.TempDir())
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty index: %v %v", empty, err)
	}
}
