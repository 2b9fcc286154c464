package scape

import (
	"context"
	"errors"
	"fmt"
)

// EpisodeResult summarizes one rollout for a single ship.
type EpisodeResult struct {
	Reward   float64 `json:"reward"`
	Steps    int     `json:"steps"`
	Kills    int     `json:"kills"`
	Survived bool    `json:"survived"`
}

const playerID = "player"

// RunEpisode resets world with seed, spawns one ship and lets policy fly it
// until the episode ends or maxTicks steps pass (maxTicks <= 0 defers to the
// world). Context cancellation is checked between ticks.
func RunEpisode(ctx context.Context, world World, policy Policy, seed int64, maxTicks int, dt float64) (EpisodeResult, error) {
	if world == nil || policy == nil {
		return EpisodeResult{}, errors.New("world and policy are required")
	}
	world.Reset(seed)
	ship := world.Spawn(playerID)

	var result EpisodeResult
	for !world.EpisodeOver() && ship.Alive && (maxTicks <= 0 || result.Steps < maxTicks) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		action, err := policy.Act(world.Observe(ship), ship.Heading)
		if err != nil {
			return result, fmt.Errorf("tick %d: %w", result.Steps, err)
		}
		world.Apply(ship, action)
		world.Advance(dt)
		result.Reward += world.Reward(ship)
		result.Steps++
	}
	result.Kills = ship.Kills
	result.Survived = ship.Alive
	return result, nil
}

// RunLearningEpisode is RunEpisode for an online learner: every decision is
// followed by Learn with the next observation, the reward and the terminal flag.
func RunLearningEpisode(ctx context.Context, world World, learner Learner, seed int64, maxTicks int, dt float64) (EpisodeResult, error) {
	if world == nil || learner == nil {
		return EpisodeResult{}, errors.New("world and learner are required")
	}
	world.Reset(seed)
	ship := world.Spawn(playerID)

	var result EpisodeResult
	observation := world.Observe(ship)
	for !world.EpisodeOver() && ship.Alive && (maxTicks <= 0 || result.Steps < maxTicks) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		action, err := learner.Decide(observation, ship.Heading)
		if err != nil {
			return result, fmt.Errorf("tick %d decide: %w", result.Steps, err)
		}
		world.Apply(ship, action)
		world.Advance(dt)
		reward := world.Reward(ship)
		result.Reward += reward
		result.Steps++

		next := world.Observe(ship)
		done := world.EpisodeOver() || !ship.Alive || (maxTicks > 0 && result.Steps >= maxTicks)
		if err := learner.Learn(next, reward, done); err != nil {
			return result, fmt.Errorf("tick %d learn: %w", result.Steps, err)
		}
		observation = next
	}
	result.Kills = ship.Kills
	result.Survived = ship.Alive
	return result, nil
}

// ArcadeScape scores an agent by its mean reward over several seeded episodes.
// The agent must implement Policy.
type ArcadeScape struct {
	Factory  Factory
	Episodes int
	Seed     int64
	MaxTicks int
	Dt       float64
}

func (ArcadeScape) Name() string {
	return "arcade"
}

func (s ArcadeScape) Evaluate(ctx context.Context, agent Agent) (Fitness, Trace, error) {
	policy, ok := agent.(Policy)
	if !ok {
		return 0, nil, fmt.Errorf("agent %s does not implement policy", agent.ID())
	}
	if s.Factory == nil {
		return 0, nil, errors.New("arcade scape requires a world factory")
	}
	episodes := s.Episodes
	if episodes <= 0 {
		episodes = 1
	}
	dt := s.Dt
	if dt <= 0 {
		dt = DefaultTickSeconds
	}

	world := s.Factory()
	total, kills, steps, survived := 0.0, 0, 0, 0
	for i := 0; i < episodes; i++ {
		result, err := RunEpisode(ctx, world, policy, s.Seed+int64(i), s.MaxTicks, dt)
		if err != nil {
			return 0, nil, err
		}
		total += result.Reward
		kills += result.Kills
		steps += result.Steps
		if result.Survived {
			survived++
		}
	}
	mean := total / float64(episodes)
	return Fitness(mean), Trace{
		"episodes":    episodes,
		"mean_reward": mean,
		"kills":       kills,
		"steps":       steps,
		"survived":    survived,
	}, nil
}

// DefaultTickSeconds is the fixed simulation step used when none is given.
const DefaultTickSeconds = 1.0 / 30
