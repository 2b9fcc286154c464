package agent

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"astrorl/internal/model"
	"astrorl/internal/nn"
	"astrorl/internal/replay"
)

var ErrNoPendingDecision = errors.New("learn called without a pending decision")

// Phase tracks where an agent is in its decide/learn cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDeciding
	PhaseLearning
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDeciding:
		return "deciding"
	case PhaseLearning:
		return "learning"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

const episodeWindow = 100

type Stats struct {
	Steps             int     `json:"steps"`
	Episodes          int     `json:"episodes"`
	TrainedSamples    int     `json:"trained_samples"`
	Skipped           int     `json:"skipped"`
	TargetSyncs       int     `json:"target_syncs"`
	LastLoss          float64 `json:"last_loss"`
	LastEpisodeReward float64 `json:"last_episode_reward"`
	RunningReward     float64 `json:"running_reward"`
	EpisodeReward     float64 `json:"episode_reward"`
	EpisodeSteps      int     `json:"episode_steps"`
}

// DQN is an epsilon-greedy Q-learning agent with experience replay and a
// periodically synchronized target network. The Decoder decides whether it
// acts with the discrete action table or with continuous controls.
type DQN struct {
	cfg     Config
	decoder Decoder
	rng     *rand.Rand
	main    *nn.Network
	target  *nn.Network
	buffer  *replay.Buffer

	epsilon    float64
	phase      Phase
	lastState  []float64
	lastAction model.Action

	stats  Stats
	recent []float64
}

func NewDQN(cfg Config, decoder Decoder) (*DQN, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	main, err := nn.NewNetwork(cfg.Architecture(decoder), nn.XavierUniform, rng)
	if err != nil {
		return nil, fmt.Errorf("build main network: %w", err)
	}
	target, err := main.Clone()
	if err != nil {
		return nil, fmt.Errorf("build target network: %w", err)
	}
	buffer, err := replay.New(cfg.ReplayCapacity, rng)
	if err != nil {
		return nil, err
	}
	return &DQN{
		cfg:     cfg,
		decoder: decoder,
		rng:     rng,
		main:    main,
		target:  target,
		buffer:  buffer,
		epsilon: cfg.EpsilonStart,
	}, nil
}

// NewQLearner builds the continuous-control variant.
func NewQLearner(cfg Config, maxTurn float64) (*DQN, error) {
	return NewDQN(cfg, ContinuousDecoder{MaxTurn: maxTurn})
}

func (a *DQN) Config() Config           { return a.cfg }
func (a *DQN) Decoder() Decoder         { return a.decoder }
func (a *DQN) Main() *nn.Network        { return a.main }
func (a *DQN) Target() *nn.Network      { return a.target }
func (a *DQN) Buffer() *replay.Buffer   { return a.buffer }
func (a *DQN) Epsilon() float64         { return a.epsilon }
func (a *DQN) Phase() Phase             { return a.phase }
func (a *DQN) Stats() Stats             { return a.stats }
func (a *DQN) Parameters() []float64    { return a.main.Parameters() }
func (a *DQN) LastAction() model.Action { return a.lastAction }

// LoadParameters replaces the main and target networks' parameters.
func (a *DQN) LoadParameters(params []float64) error {
	if err := a.main.SetParameters(params); err != nil {
		return err
	}
	return a.target.SetParameters(params)
}

// SyncTarget copies the main network's parameters into the target network.
func (a *DQN) SyncTarget() error {
	if err := a.target.SetParameters(a.main.Parameters()); err != nil {
		return err
	}
	a.stats.TargetSyncs++
	return nil
}

// Decide picks an action for observation. A pending decision that was never
// learned from is replaced.
func (a *DQN) Decide(observation []float64, heading float64) (model.Action, error) {
	if len(observation) != a.cfg.ObservationSize {
		return model.Action{}, fmt.Errorf("%w: observation got=%d want=%d", nn.ErrSizeMismatch, len(observation), a.cfg.ObservationSize)
	}

	var action model.Action
	if a.rng.Float64() < a.epsilon {
		action = a.decoder.Explore(a.rng, heading)
	} else {
		raw, err := a.main.Forward(observation)
		if err != nil {
			return model.Action{}, err
		}
		action = a.decoder.Decode(raw, heading)
	}

	a.lastState = append(a.lastState[:0], observation...)
	a.lastAction = action
	a.phase = PhaseDeciding
	return action, nil
}

// Learn records the outcome of the pending decision, trains on a replay batch
// when enough transitions exist, decays epsilon and periodically syncs the
// target network.
func (a *DQN) Learn(nextObservation []float64, reward float64, done bool) error {
	if a.phase != PhaseDeciding {
		return ErrNoPendingDecision
	}
	if len(nextObservation) != a.cfg.ObservationSize {
		return fmt.Errorf("%w: next observation got=%d want=%d", nn.ErrSizeMismatch, len(nextObservation), a.cfg.ObservationSize)
	}
	a.phase = PhaseLearning
	defer func() { a.phase = PhaseIdle }()

	transition := model.Transition{
		State:     a.lastState,
		Action:    a.lastAction,
		Reward:    reward,
		NextState: nextObservation,
		Done:      done,
	}
	if a.validTransition(transition) {
		a.buffer.Store(transition)
	} else {
		a.stats.Skipped++
	}

	if a.buffer.CanSample(a.cfg.BatchSize) {
		if err := a.trainBatch(); err != nil {
			return err
		}
	}

	a.epsilon = math.Max(a.cfg.EpsilonMin, a.epsilon*a.cfg.EpsilonDecay)
	a.stats.Steps++
	if a.stats.Steps%a.cfg.TargetSyncInterval == 0 {
		if err := a.SyncTarget(); err != nil {
			return err
		}
	}

	if nn.IsFinite(reward) {
		a.stats.EpisodeReward += reward
	}
	a.stats.EpisodeSteps++
	if done {
		a.finishEpisode()
	}
	a.lastState = a.lastState[:0]
	return nil
}

// ResetEpisode drops any pending decision and the running episode totals
// without touching learned parameters.
func (a *DQN) ResetEpisode() {
	a.phase = PhaseIdle
	a.lastState = a.lastState[:0]
	a.lastAction = model.Action{}
	a.stats.EpisodeReward = 0
	a.stats.EpisodeSteps = 0
}

func (a *DQN) finishEpisode() {
	a.stats.Episodes++
	a.stats.LastEpisodeReward = a.stats.EpisodeReward
	a.recent = append(a.recent, a.stats.EpisodeReward)
	if len(a.recent) > episodeWindow {
		a.recent = a.recent[len(a.recent)-episodeWindow:]
	}
	total := 0.0
	for _, r := range a.recent {
		total += r
	}
	a.stats.RunningReward = total / float64(len(a.recent))
	a.stats.EpisodeReward = 0
	a.stats.EpisodeSteps = 0
}

// trainBatch trains on up to BatchSize distinct valid transitions, drawing
// past skipped ones without revisiting any slot.
func (a *DQN) trainBatch() error {
	_, err := a.buffer.Visit(a.cfg.BatchSize, func(t model.Transition) (bool, error) {
		ok, err := a.trainTransition(t)
		if err == nil && !ok {
			a.stats.Skipped++
		}
		return ok, err
	})
	return err
}

// TrainOn runs one TD update per transition and returns how many were used.
// Malformed transitions are skipped.
func (a *DQN) TrainOn(transitions ...model.Transition) (int, error) {
	trained := 0
	for _, t := range transitions {
		ok, err := a.trainTransition(t)
		if err != nil {
			return trained, err
		}
		if !ok {
			a.stats.Skipped++
			continue
		}
		trained++
	}
	return trained, nil
}

func (a *DQN) trainTransition(t model.Transition) (bool, error) {
	if !a.validTransition(t) {
		return false, nil
	}

	targetQ := t.Reward
	if !t.Done {
		next, err := a.target.Forward(t.NextState)
		if err != nil {
			return false, err
		}
		targetQ += a.cfg.Discount * nn.Max(next[:a.decoder.ValueSlots()])
	}
	if !nn.IsFinite(targetQ) {
		return false, nil
	}

	current, err := a.main.Forward(t.State)
	if err != nil {
		return false, err
	}
	target := append([]float64(nil), current...)
	target[t.Action.Index] = targetQ
	if loss, err := a.main.Loss(target); err == nil {
		a.stats.LastLoss = loss
	}
	if err := a.main.Backward(target, a.cfg.LearningRate); err != nil {
		return false, err
	}
	a.stats.TrainedSamples++
	return true, nil
}

func (a *DQN) validTransition(t model.Transition) bool {
	if len(t.State) != a.cfg.ObservationSize || len(t.NextState) != a.cfg.ObservationSize {
		return false
	}
	if t.Action.Index < 0 || t.Action.Index >= a.decoder.ValueSlots() {
		return false
	}
	return nn.AllFinite(t.State) && nn.AllFinite(t.NextState) && nn.IsFinite(t.Reward)
}
