package model

import (
	"encoding/json"
	"math"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Action is a decoded network decision. Index is the output slot credited
// during temporal-difference training; the remaining fields are what the
// environment executes. Turn is a signed heading delta in degrees.
type Action struct {
	Index  int     `json:"index"`
	Thrust float64 `json:"thrust"`
	Strafe float64 `json:"strafe"`
	Turn   float64 `json:"turn"`
	Fire   bool    `json:"fire"`
}

// Transition is one experience tuple stored in a replay buffer.
type Transition struct {
	State     []float64
	Action    Action
	Reward    float64
	NextState []float64
	Done      bool
}

// Clone returns a transition whose state slices do not alias t.
func (t Transition) Clone() Transition {
	return Transition{
		State:     append([]float64(nil), t.State...),
		Action:    t.Action,
		Reward:    t.Reward,
		NextState: append([]float64(nil), t.NextState...),
		Done:      t.Done,
	}
}

// Genome is a flat parameter vector for a network of known architecture.
type Genome struct {
	ID      string    `json:"id"`
	Params  []float64 `json:"params"`
	Fitness float64   `json:"fitness"`
}

// NewGenome returns an unevaluated genome owning a copy of params.
func NewGenome(id string, params []float64) Genome {
	return Genome{
		ID:      id,
		Params:  append([]float64(nil), params...),
		Fitness: math.Inf(-1),
	}
}

func (g Genome) Clone() Genome {
	return Genome{
		ID:      g.ID,
		Params:  append([]float64(nil), g.Params...),
		Fitness: g.Fitness,
	}
}

func (g Genome) Evaluated() bool {
	return !math.IsInf(g.Fitness, -1)
}

type genomeJSON struct {
	ID      string    `json:"id"`
	Params  []float64 `json:"params"`
	Fitness *float64  `json:"fitness"`
}

// MarshalJSON encodes an unevaluated fitness as null since JSON has no infinity.
func (g Genome) MarshalJSON() ([]byte, error) {
	raw := genomeJSON{ID: g.ID, Params: g.Params}
	if g.Evaluated() {
		fitness := g.Fitness
		raw.Fitness = &fitness
	}
	return json.Marshal(raw)
}

func (g *Genome) UnmarshalJSON(data []byte) error {
	var raw genomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.ID = raw.ID
	g.Params = raw.Params
	g.Fitness = math.Inf(-1)
	if raw.Fitness != nil {
		g.Fitness = *raw.Fitness
	}
	return nil
}

// RunRecord summarizes one training run.
type RunRecord struct {
	VersionedRecord
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Generations  int     `json:"generations"`
	Episodes     int     `json:"episodes"`
	BestFitness  float64 `json:"best_fitness"`
	Seed         int64   `json:"seed"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// GenerationSummary captures fitness statistics for one generation.
type GenerationSummary struct {
	Generation  int      `json:"generation"`
	BestFitness float64  `json:"best_fitness"`
	MeanFitness float64  `json:"mean_fitness"`
	MinFitness  float64  `json:"min_fitness"`
	StdFitness  float64  `json:"std_fitness"`
	BestEver    float64  `json:"best_ever"`
	Sigma       float64  `json:"sigma,omitempty"`
	FailedEvals int      `json:"failed_evals,omitempty"`
	SurvivorIDs []string `json:"survivor_ids,omitempty"`
}

// EpisodeRecord captures one online-learning episode.
type EpisodeRecord struct {
	Episode       int     `json:"episode"`
	Reward        float64 `json:"reward"`
	RunningReward float64 `json:"running_reward"`
	Epsilon       float64 `json:"epsilon"`
	Steps         int     `json:"steps"`
}

// GenomeRecord is a persisted genome tagged with its run.
type GenomeRecord struct {
	VersionedRecord
	RunID      string `json:"run_id"`
	Label      string `json:"label"`
	Generation int    `json:"generation"`
	Genome     Genome `json:"genome"`
}
