package agent

import (
	"errors"
	"math"
	"testing"

	"astrorl/internal/model"
	"astrorl/internal/nn"
)

func testConfig(obsSize int) Config {
	cfg := DefaultConfig(obsSize)
	cfg.HiddenSizes = []int{8}
	cfg.LearningRate = 0.1
	cfg.BatchSize = 1
	cfg.ReplayCapacity = 16
	cfg.Seed = 42
	return cfg
}

func newTestDQN(t *testing.T, cfg Config, decoder Decoder) *DQN {
	t.Helper()
	a, err := NewDQN(cfg, decoder)
	if err != nil {
		t.Fatalf("new dqn: %v", err)
	}
	return a
}

func zeroParameters(t *testing.T, a *DQN) {
	t.Helper()
	if err := a.LoadParameters(make([]float64, a.Main().ParameterCount())); err != nil {
		t.Fatalf("load parameters: %v", err)
	}
}

func TestTerminalRewardMovesValueTowardReward(t *testing.T) {
	cfg := testConfig(4)
	cfg.Discount = 0
	a := newTestDQN(t, cfg, DiscreteDecoder{})
	zeroParameters(t, a)

	state := []float64{0.1, 0.2, 0.3, 0.4}
	action, err := a.Decide(state, 0)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := a.Learn([]float64{0, 0, 0, 0}, 5, true); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if got := a.Stats().TrainedSamples; got != 1 {
		t.Fatalf("expected one trained sample, got %d", got)
	}

	q, err := a.Main().Forward(state)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if q[action.Index] <= 0 || q[action.Index] >= 5 {
		t.Fatalf("expected value strictly between 0 and 5, got %f", q[action.Index])
	}
	for i, v := range q {
		if i != action.Index && v != 0 {
			t.Fatalf("uncredited slot %d moved to %f", i, v)
		}
	}
}

func TestLearnRequiresPendingDecision(t *testing.T) {
	a := newTestDQN(t, testConfig(3), DiscreteDecoder{})
	if err := a.Learn([]float64{0, 0, 0}, 1, false); !errors.Is(err, ErrNoPendingDecision) {
		t.Fatalf("expected ErrNoPendingDecision, got %v", err)
	}
	if _, err := a.Decide([]float64{0, 0, 0}, 0); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if a.Phase() != PhaseDeciding {
		t.Fatalf("expected deciding phase, got %s", a.Phase())
	}
	if err := a.Learn([]float64{0, 0, 0}, 1, false); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if a.Phase() != PhaseIdle {
		t.Fatalf("expected idle phase, got %s", a.Phase())
	}
	if err := a.Learn([]float64{0, 0, 0}, 1, false); !errors.Is(err, ErrNoPendingDecision) {
		t.Fatalf("expected ErrNoPendingDecision on second learn, got %v", err)
	}
}

func TestDecideRejectsWrongObservationSize(t *testing.T) {
	a := newTestDQN(t, testConfig(3), DiscreteDecoder{})
	if _, err := a.Decide([]float64{1}, 0); !errors.Is(err, nn.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if a.Phase() != PhaseIdle {
		t.Fatalf("failed decide should leave agent idle, got %s", a.Phase())
	}
}

func TestSyncTargetCopiesByValue(t *testing.T) {
	cfg := testConfig(3)
	cfg.TargetSyncInterval = 1000
	a := newTestDQN(t, cfg, DiscreteDecoder{})

	if err := a.SyncTarget(); err != nil {
		t.Fatalf("sync target: %v", err)
	}
	synced := a.Target().Parameters()
	main := a.Main().Parameters()
	for i := range synced {
		if synced[i] != main[i] {
			t.Fatalf("target differs from main at %d after sync", i)
		}
	}

	for i := 0; i < 10; i++ {
		trained, err := a.TrainOn(model.Transition{
			State:     []float64{1, 0.5, -0.5},
			Action:    model.Action{Index: ActionFire},
			Reward:    3,
			NextState: []float64{0, 0, 0},
			Done:      true,
		})
		if err != nil || trained != 1 {
			t.Fatalf("train: trained=%d err=%v", trained, err)
		}
	}

	after := a.Target().Parameters()
	for i := range after {
		if after[i] != synced[i] {
			t.Fatal("training the main network changed the target network")
		}
	}
	changed := false
	for i, v := range a.Main().Parameters() {
		if v != main[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("expected main network to change")
	}
}

func TestTargetSyncsEveryInterval(t *testing.T) {
	cfg := testConfig(2)
	cfg.TargetSyncInterval = 3
	a := newTestDQN(t, cfg, DiscreteDecoder{})
	for i := 0; i < 7; i++ {
		if _, err := a.Decide([]float64{0.1, 0.2}, 0); err != nil {
			t.Fatalf("decide: %v", err)
		}
		if err := a.Learn([]float64{0.2, 0.1}, 0.5, false); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}
	if got := a.Stats().TargetSyncs; got != 2 {
		t.Fatalf("expected 2 target syncs, got %d", got)
	}
}

func TestEpsilonDecaysMonotonicallyToFloor(t *testing.T) {
	cfg := testConfig(2)
	cfg.EpsilonStart = 1
	cfg.EpsilonMin = 0.1
	cfg.EpsilonDecay = 0.5
	a := newTestDQN(t, cfg, DiscreteDecoder{TurnSlot: true})

	prev := a.Epsilon()
	for i := 0; i < 20; i++ {
		if _, err := a.Decide([]float64{0, 1}, 45); err != nil {
			t.Fatalf("decide: %v", err)
		}
		if err := a.Learn([]float64{1, 0}, -1, i%5 == 4); err != nil {
			t.Fatalf("learn: %v", err)
		}
		eps := a.Epsilon()
		if eps > prev {
			t.Fatalf("epsilon increased: %f -> %f", prev, eps)
		}
		if eps < cfg.EpsilonMin {
			t.Fatalf("epsilon below floor: %f", eps)
		}
		prev = eps
	}
	if a.Epsilon() != cfg.EpsilonMin {
		t.Fatalf("expected epsilon at floor, got %f", a.Epsilon())
	}
}

func TestMalformedTransitionsAreSkipped(t *testing.T) {
	a := newTestDQN(t, testConfig(2), DiscreteDecoder{})
	good := model.Transition{State: []float64{1, 2}, Action: model.Action{Index: 1}, Reward: 1, NextState: []float64{2, 1}}

	tests := []struct {
		name string
		edit func(*model.Transition)
	}{
		{name: "short state", edit: func(tr *model.Transition) { tr.State = []float64{1} }},
		{name: "long next state", edit: func(tr *model.Transition) { tr.NextState = []float64{1, 2, 3} }},
		{name: "negative index", edit: func(tr *model.Transition) { tr.Action.Index = -1 }},
		{name: "index past value slots", edit: func(tr *model.Transition) { tr.Action.Index = len(DiscreteActions) }},
		{name: "nan reward", edit: func(tr *model.Transition) { tr.Reward = math.NaN() }},
		{name: "inf state", edit: func(tr *model.Transition) { tr.State = []float64{math.Inf(1), 0} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bad := good.Clone()
			tc.edit(&bad)
			before := a.Stats().Skipped
			trained, err := a.TrainOn(bad)
			if err != nil {
				t.Fatalf("train: %v", err)
			}
			if trained != 0 || a.Stats().Skipped != before+1 {
				t.Fatalf("expected skip: trained=%d skipped=%d", trained, a.Stats().Skipped)
			}
		})
	}

	trained, err := a.TrainOn(good)
	if err != nil || trained != 1 {
		t.Fatalf("expected well-formed transition to train: trained=%d err=%v", trained, err)
	}
}

func TestEpisodeStatsTrackRunningReward(t *testing.T) {
	a := newTestDQN(t, testConfig(1), DiscreteDecoder{})
	for _, reward := range []float64{1, 3} {
		if _, err := a.Decide([]float64{0}, 0); err != nil {
			t.Fatalf("decide: %v", err)
		}
		if err := a.Learn([]float64{0}, reward, true); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}
	stats := a.Stats()
	if stats.Episodes != 2 || stats.LastEpisodeReward != 3 || stats.RunningReward != 2 {
		t.Fatalf("unexpected episode stats: %+v", stats)
	}
	if stats.EpisodeReward != 0 || stats.EpisodeSteps != 0 {
		t.Fatalf("expected per-episode totals cleared: %+v", stats)
	}
}

func TestResetEpisodeDropsPendingDecision(t *testing.T) {
	a := newTestDQN(t, testConfig(1), DiscreteDecoder{})
	if _, err := a.Decide([]float64{0}, 0); err != nil {
		t.Fatalf("decide: %v", err)
	}
	before := a.Parameters()
	a.ResetEpisode()
	if err := a.Learn([]float64{0}, 1, true); !errors.Is(err, ErrNoPendingDecision) {
		t.Fatalf("expected ErrNoPendingDecision after reset, got %v", err)
	}
	after := a.Parameters()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("reset changed learned parameters")
		}
	}
}

func TestQLearnerUsesContinuousDecoder(t *testing.T) {
	a, err := NewQLearner(testConfig(3), 90)
	if err != nil {
		t.Fatalf("new q learner: %v", err)
	}
	if got := a.Main().OutputSize(); got != 4 {
		t.Fatalf("expected 4 outputs, got %d", got)
	}
	for i := 0; i < 20; i++ {
		action, err := a.Decide([]float64{0.5, -0.5, 0.1}, 0)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if action.Index < 0 || action.Index >= 4 {
			t.Fatalf("credited slot out of range: %d", action.Index)
		}
		if math.Abs(action.Turn) > 90 || math.Abs(action.Thrust) > 1 || math.Abs(action.Strafe) > 1 {
			t.Fatalf("continuous action out of range: %+v", action)
		}
		if err := a.Learn([]float64{0.4, -0.4, 0.2}, 0.1, false); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{name: "observation size", edit: func(c *Config) { c.ObservationSize = 0 }},
		{name: "hidden size", edit: func(c *Config) { c.HiddenSizes = []int{4, 0} }},
		{name: "learning rate", edit: func(c *Config) { c.LearningRate = 0 }},
		{name: "discount", edit: func(c *Config) { c.Discount = 1 }},
		{name: "epsilon floor", edit: func(c *Config) { c.EpsilonMin = 0 }},
		{name: "epsilon start", edit: func(c *Config) { c.EpsilonStart = 0.01 }},
		{name: "epsilon decay", edit: func(c *Config) { c.EpsilonDecay = 1.5 }},
		{name: "replay capacity", edit: func(c *Config) { c.ReplayCapacity = c.BatchSize - 1 }},
		{name: "target sync", edit: func(c *Config) { c.TargetSyncInterval = 0 }},
	}
	if err := DefaultConfig(17).Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(17)
			tc.edit(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBatchNeverRetrainsSameTransition(t *testing.T) {
	good := model.Transition{State: []float64{1, 2}, Action: model.Action{Index: 1}, Reward: 1, NextState: []float64{2, 1}}
	for seed := int64(1); seed <= 50; seed++ {
		cfg := testConfig(2)
		cfg.BatchSize = 4
		cfg.ReplayCapacity = 8
		cfg.Seed = seed
		a := newTestDQN(t, cfg, DiscreteDecoder{})

		short := good.Clone()
		short.State = []float64{1}
		badIndex := good.Clone()
		badIndex.Action.Index = -1
		infState := good.Clone()
		infState.NextState = []float64{math.Inf(1), 0}
		for _, tr := range []model.Transition{short, badIndex, infState, good} {
			a.Buffer().Store(tr)
		}

		if _, err := a.Decide([]float64{0.5, 0.5}, 0); err != nil {
			t.Fatalf("seed %d: decide: %v", seed, err)
		}
		if err := a.Learn([]float64{0.1, 0.2}, 1, false); err != nil {
			t.Fatalf("seed %d: learn: %v", seed, err)
		}
		if got := a.Stats().TrainedSamples; got != 2 {
			t.Fatalf("seed %d: expected the two distinct valid transitions to train once each, got %d", seed, got)
		}
		if got := a.Stats().Skipped; got != 3 {
			t.Fatalf("seed %d: expected three skipped transitions, got %d", seed, got)
		}
	}
}

func TestLearnDoesNotStoreNonFiniteReward(t *testing.T) {
	cfg := testConfig(2)
	cfg.BatchSize = 4
	a := newTestDQN(t, cfg, DiscreteDecoder{})
	if _, err := a.Decide([]float64{0.5, 0.5}, 0); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := a.Learn([]float64{0.1, 0.2}, math.NaN(), false); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if a.Buffer().Size() != 0 {
		t.Fatalf("non-finite reward transition stored: size=%d", a.Buffer().Size())
	}
	if a.Stats().Skipped != 1 || a.Stats().Steps != 1 {
		t.Fatalf("unexpected stats: %+v", a.Stats())
	}
}
