package storage

import (
	"encoding/json"
	"errors"

	"astrorl/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeGenome(r model.GenomeRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeGenome(data []byte) (model.GenomeRecord, error) {
	var record model.GenomeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.GenomeRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.GenomeRecord{}, err
	}
	return record, nil
}

func EncodeGenerations(generations []model.GenerationSummary) ([]byte, error) {
	return json.Marshal(generations)
}

func DecodeGenerations(data []byte) ([]model.GenerationSummary, error) {
	var generations []model.GenerationSummary
	if err := json.Unmarshal(data, &generations); err != nil {
		return nil, err
	}
	return generations, nil
}

func EncodeEpisodes(episodes []model.EpisodeRecord) ([]byte, error) {
	return json.Marshal(episodes)
}

func DecodeEpisodes(data []byte) ([]model.EpisodeRecord, error) {
	var episodes []model.EpisodeRecord
	if err := json.Unmarshal(data, &episodes); err != nil {
		return nil, err
	}
	return episodes, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
