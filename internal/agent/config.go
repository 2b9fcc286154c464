package agent

import (
	"fmt"

	"astrorl/internal/nn"
)

// Config holds the hyper-parameters of an online learner.
type Config struct {
	ObservationSize    int     `json:"observation_size" yaml:"observation_size"`
	HiddenSizes        []int   `json:"hidden_sizes" yaml:"hidden_sizes"`
	HiddenActivation   string  `json:"hidden_activation" yaml:"hidden_activation"`
	LearningRate       float64 `json:"learning_rate" yaml:"learning_rate"`
	Discount           float64 `json:"discount" yaml:"discount"`
	EpsilonStart       float64 `json:"epsilon_start" yaml:"epsilon_start"`
	EpsilonMin         float64 `json:"epsilon_min" yaml:"epsilon_min"`
	EpsilonDecay       float64 `json:"epsilon_decay" yaml:"epsilon_decay"`
	BatchSize          int     `json:"batch_size" yaml:"batch_size"`
	ReplayCapacity     int     `json:"replay_capacity" yaml:"replay_capacity"`
	TargetSyncInterval int     `json:"target_sync_interval" yaml:"target_sync_interval"`
	Seed               int64   `json:"seed" yaml:"seed"`
}

func DefaultConfig(observationSize int) Config {
	return Config{
		ObservationSize:    observationSize,
		HiddenSizes:        []int{32, 32},
		HiddenActivation:   nn.ReLU,
		LearningRate:       0.001,
		Discount:           0.99,
		EpsilonStart:       1.0,
		EpsilonMin:         0.05,
		EpsilonDecay:       0.9995,
		BatchSize:          32,
		ReplayCapacity:     10000,
		TargetSyncInterval: 500,
		Seed:               1,
	}
}

func (c Config) Validate() error {
	if c.ObservationSize <= 0 {
		return fmt.Errorf("observation size must be > 0")
	}
	for i, size := range c.HiddenSizes {
		if size <= 0 {
			return fmt.Errorf("hidden size at index %d must be > 0", i)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0")
	}
	if c.Discount < 0 || c.Discount >= 1 {
		return fmt.Errorf("discount must be in [0, 1)")
	}
	if c.EpsilonMin <= 0 || c.EpsilonMin > 1 {
		return fmt.Errorf("epsilon floor must be in (0, 1]")
	}
	if c.EpsilonStart < c.EpsilonMin || c.EpsilonStart > 1 {
		return fmt.Errorf("epsilon start must be in [epsilon floor, 1]")
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		return fmt.Errorf("epsilon decay must be in (0, 1]")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0")
	}
	if c.ReplayCapacity < c.BatchSize {
		return fmt.Errorf("replay capacity must be >= batch size")
	}
	if c.TargetSyncInterval <= 0 {
		return fmt.Errorf("target sync interval must be > 0")
	}
	return nil
}

// Architecture is the network shape implied by the config and decoder.
func (c Config) Architecture(decoder Decoder) nn.Architecture {
	sizes := make([]int, 0, len(c.HiddenSizes)+2)
	sizes = append(sizes, c.ObservationSize)
	sizes = append(sizes, c.HiddenSizes...)
	sizes = append(sizes, decoder.OutputSize())
	hidden := c.HiddenActivation
	if hidden == "" {
		hidden = nn.ReLU
	}
	return nn.Architecture{Sizes: sizes, Hidden: hidden, Output: nn.Identity}
}
