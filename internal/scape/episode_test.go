package scape

import (
	"context"
	"errors"
	"testing"

	"astrorl/internal/model"
)

type constantPolicy struct {
	action model.Action
	calls  int
}

func (p *constantPolicy) ID() string { return "constant" }

func (p *constantPolicy) Act(observation []float64, _ float64) (model.Action, error) {
	p.calls++
	if len(observation) != ObservationSize {
		return model.Action{}, errors.New("bad observation")
	}
	return p.action, nil
}

type failingPolicy struct{}

func (failingPolicy) Act([]float64, float64) (model.Action, error) {
	return model.Action{}, errors.New("boom")
}

type recordingLearner struct {
	decides  int
	learns   int
	lastDone bool
	rewards  float64
}

func (l *recordingLearner) Decide([]float64, float64) (model.Action, error) {
	l.decides++
	return model.Action{Thrust: 1}, nil
}

func (l *recordingLearner) Learn(_ []float64, reward float64, done bool) error {
	l.learns++
	l.lastDone = done
	l.rewards += reward
	return nil
}

func testFactory(t *testing.T) Factory {
	t.Helper()
	cfg := DefaultArcadeConfig()
	cfg.MaxTicks = 60
	factory, err := ArcadeFactory(cfg)
	if err != nil {
		t.Fatalf("arcade factory: %v", err)
	}
	return factory
}

func TestRunEpisodeIsDeterministic(t *testing.T) {
	factory := testFactory(t)
	policy := &constantPolicy{action: model.Action{Thrust: 1, Turn: 5, Fire: true}}
	first, err := RunEpisode(context.Background(), factory(), policy, 7, 0, testDt)
	if err != nil {
		t.Fatalf("run episode: %v", err)
	}
	second, err := RunEpisode(context.Background(), factory(), policy, 7, 0, testDt)
	if err != nil {
		t.Fatalf("run episode: %v", err)
	}
	if first != second {
		t.Fatalf("episodes diverged: %+v vs %+v", first, second)
	}
	if first.Steps == 0 || first.Steps > 60 {
		t.Fatalf("unexpected step count: %d", first.Steps)
	}
}

func TestRunEpisodeHonorsMaxTicks(t *testing.T) {
	policy := &constantPolicy{}
	result, err := RunEpisode(context.Background(), testFactory(t)(), policy, 1, 10, testDt)
	if err != nil {
		t.Fatalf("run episode: %v", err)
	}
	if result.Steps > 10 || policy.calls != result.Steps {
		t.Fatalf("unexpected steps: result=%d calls=%d", result.Steps, policy.calls)
	}
}

func TestRunEpisodePropagatesPolicyErrorsAndCancellation(t *testing.T) {
	if _, err := RunEpisode(context.Background(), testFactory(t)(), failingPolicy{}, 1, 5, testDt); err == nil {
		t.Fatal("expected policy error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := RunEpisode(ctx, testFactory(t)(), &constantPolicy{}, 1, 5, testDt); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestRunLearningEpisodeCallsLearnEveryStep(t *testing.T) {
	learner := &recordingLearner{}
	result, err := RunLearningEpisode(context.Background(), testFactory(t)(), learner, 3, 20, testDt)
	if err != nil {
		t.Fatalf("run learning episode: %v", err)
	}
	if learner.decides != result.Steps || learner.learns != result.Steps {
		t.Fatalf("decide/learn mismatch: decides=%d learns=%d steps=%d", learner.decides, learner.learns, result.Steps)
	}
	if !learner.lastDone {
		t.Fatal("final learn call should be terminal")
	}
	if learner.rewards != result.Reward {
		t.Fatalf("reward mismatch: learner=%f result=%f", learner.rewards, result.Reward)
	}
}

func TestArcadeScapeEvaluate(t *testing.T) {
	s := ArcadeScape{Factory: testFactory(t), Episodes: 2, Seed: 11}
	fitness, trace, err := s.Evaluate(context.Background(), &constantPolicy{action: model.Action{Fire: true}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if trace["episodes"] != 2 {
		t.Fatalf("unexpected trace: %v", trace)
	}
	if float64(fitness) != trace["mean_reward"] {
		t.Fatalf("fitness and trace disagree: %f vs %v", fitness, trace["mean_reward"])
	}

	type idOnly struct{ Agent }
	if _, _, err := s.Evaluate(context.Background(), idOnly{Agent: &constantPolicy{}}); err == nil {
		t.Fatal("expected error for agent without policy")
	}
}
