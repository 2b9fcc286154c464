package scape

import (
	"context"

	"astrorl/internal/model"
)

type Fitness float64

type Trace map[string]any

type Agent interface {
	ID() string
}

// Policy chooses an action from an observation and the ship's current heading.
type Policy interface {
	Act(observation []float64, heading float64) (model.Action, error)
}

// Learner is an online agent that is told the outcome of every decision.
type Learner interface {
	Decide(observation []float64, heading float64) (model.Action, error)
	Learn(nextObservation []float64, reward float64, done bool) error
}

// Environment is the boundary the learning core consumes: it builds
// observations, executes actions, advances time and reports rewards.
type Environment interface {
	Observe(ship *Ship) []float64
	Apply(ship *Ship, action model.Action)
	Advance(dt float64)
	EpisodeOver() bool
	Reward(ship *Ship) float64
}

// World is an Environment that can be reseeded and populated with ships.
type World interface {
	Environment
	Reset(seed int64)
	Spawn(id string) *Ship
	Ships() []*Ship
	ObservationSize() int
}

// Factory builds an independent world. Concurrent evaluations each call it.
type Factory func() World

type Scape interface {
	Name() string
	Evaluate(ctx context.Context, agent Agent) (Fitness, Trace, error)
}
