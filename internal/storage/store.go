package storage

import (
	"context"

	"astrorl/internal/model"
)

// Store defines transaction-like persistence operations for training runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveGenerations(ctx context.Context, runID string, generations []model.GenerationSummary) error
	GetGenerations(ctx context.Context, runID string) ([]model.GenerationSummary, bool, error)
	SaveGenome(ctx context.Context, record model.GenomeRecord) error
	GetGenome(ctx context.Context, runID, label string) (model.GenomeRecord, bool, error)
	SaveEpisodes(ctx context.Context, runID string, episodes []model.EpisodeRecord) error
	GetEpisodes(ctx context.Context, runID string) ([]model.EpisodeRecord, bool, error)
}

// Versioned stamps a record with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func genomeKey(runID, label string) string {
	return runID + "/" + label
}
