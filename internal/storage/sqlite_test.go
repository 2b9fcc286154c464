//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"astrorl/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "astrorl.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	run := model.RunRecord{VersionedRecord: Versioned(), ID: "run-1", Kind: "evolve", Generations: 3, BestFitness: 12.5, CreatedAtUTC: "2026-01-01T00:00:00Z"}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	earlier := model.RunRecord{VersionedRecord: Versioned(), ID: "run-0", Kind: "learn", CreatedAtUTC: "2025-12-31T00:00:00Z"}
	if err := store.SaveRun(ctx, earlier); err != nil {
		t.Fatalf("save run: %v", err)
	}
	loadedRun, ok, err := store.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if loadedRun.BestFitness != 12.5 || loadedRun.Generations != 3 {
		t.Fatalf("unexpected run: %+v", loadedRun)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-0" {
		t.Fatalf("unexpected run list: %+v", runs)
	}

	generations := []model.GenerationSummary{{Generation: 0, BestFitness: 1}, {Generation: 1, BestFitness: 2, SurvivorIDs: []string{"a"}}}
	if err := store.SaveGenerations(ctx, "run-1", generations); err != nil {
		t.Fatalf("save generations: %v", err)
	}
	loadedGenerations, ok, err := store.GetGenerations(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get generations: ok=%t err=%v", ok, err)
	}
	if len(loadedGenerations) != 2 || loadedGenerations[1].SurvivorIDs[0] != "a" {
		t.Fatalf("unexpected generations: %+v", loadedGenerations)
	}

	record := model.GenomeRecord{VersionedRecord: Versioned(), RunID: "run-1", Label: "best", Generation: 2, Genome: model.Genome{ID: "g1", Params: []float64{0.5, -0.5}, Fitness: 12.5}}
	if err := store.SaveGenome(ctx, record); err != nil {
		t.Fatalf("save genome: %v", err)
	}
	record.Genome.Fitness = 13
	if err := store.SaveGenome(ctx, record); err != nil {
		t.Fatalf("overwrite genome: %v", err)
	}
	loadedGenome, ok, err := store.GetGenome(ctx, "run-1", "best")
	if err != nil || !ok {
		t.Fatalf("get genome: ok=%t err=%v", ok, err)
	}
	if loadedGenome.Genome.Fitness != 13 || len(loadedGenome.Genome.Params) != 2 {
		t.Fatalf("unexpected genome: %+v", loadedGenome)
	}

	episodes := []model.EpisodeRecord{{Episode: 0, Reward: 3, Steps: 7}}
	if err := store.SaveEpisodes(ctx, "run-0", episodes); err != nil {
		t.Fatalf("save episodes: %v", err)
	}
	loadedEpisodes, ok, err := store.GetEpisodes(ctx, "run-0")
	if err != nil || !ok {
		t.Fatalf("get episodes: ok=%t err=%v", ok, err)
	}
	if len(loadedEpisodes) != 1 || loadedEpisodes[0].Steps != 7 {
		t.Fatalf("unexpected episodes: %+v", loadedEpisodes)
	}

	if _, ok, err := store.GetGenome(ctx, "run-1", "missing"); err != nil || ok {
		t.Fatalf("expected missing genome: ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStoreViaFactory(t *testing.T) {
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "factory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}
