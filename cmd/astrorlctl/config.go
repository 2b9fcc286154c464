package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"astrorl/internal/agent"
	"astrorl/internal/scape"
	"astrorl/internal/storage"
)

// runRequest is the resolved configuration of one CLI invocation. Defaults
// are overridden by the -config file, which is overridden by explicit flags.
type runRequest struct {
	RunID       string  `yaml:"run_id"`
	Store       string  `yaml:"store"`
	DBPath      string  `yaml:"db_path"`
	OutputDir   string  `yaml:"output_dir"`
	Seed        int64   `yaml:"seed"`
	MaxTicks    int     `yaml:"max_ticks"`
	Decoder     string  `yaml:"decoder"`
	MaxTurn     float64 `yaml:"max_turn"`
	HiddenSizes []int   `yaml:"hidden_sizes"`
	Continue    string  `yaml:"continue"`
	LogLevel    string  `yaml:"log_level"`
	Progress    bool    `yaml:"progress"`

	Evolution evolutionRequest   `yaml:"evolution"`
	Learning  learningRequest    `yaml:"learning"`
	Swarm     swarmRequest       `yaml:"swarm"`
	Play      playRequest        `yaml:"play"`
	Agent     agent.Config       `yaml:"agent"`
	Arcade    scape.ArcadeConfig `yaml:"arcade"`
}

type evolutionRequest struct {
	Population            int     `yaml:"population"`
	Generations           int     `yaml:"generations"`
	EliteCount            int     `yaml:"elite_count"`
	Sigma                 float64 `yaml:"sigma"`
	SigmaDecay            float64 `yaml:"sigma_decay"`
	SigmaMin              float64 `yaml:"sigma_min"`
	EpisodesPerEvaluation int     `yaml:"episodes_per_evaluation"`
	Workers               int     `yaml:"workers"`
	Selection             string  `yaml:"selection"`
}

type learningRequest struct {
	Episodes int `yaml:"episodes"`
}

type playRequest struct {
	Episodes int `yaml:"episodes"`
}

type swarmRequest struct {
	Population            int     `yaml:"population"`
	Survivors             int     `yaml:"survivors"`
	Generations           int     `yaml:"generations"`
	EpisodesPerGeneration int     `yaml:"episodes_per_generation"`
	CloneSigma            float64 `yaml:"clone_sigma"`
}

func defaultRunRequest() runRequest {
	agentCfg := agent.DefaultConfig(scape.ObservationSize)
	return runRequest{
		Store:       storage.KindMemory,
		DBPath:      storage.DefaultSQLitePath,
		OutputDir:   "runs",
		Seed:        1,
		Decoder:     "discrete",
		MaxTurn:     15,
		HiddenSizes: append([]int(nil), agentCfg.HiddenSizes...),
		LogLevel:    "warn",
		Progress:    true,
		Evolution: evolutionRequest{
			Population:            50,
			Generations:           100,
			EliteCount:            2,
			Sigma:                 0.1,
			SigmaDecay:            0.995,
			SigmaMin:              0.01,
			EpisodesPerEvaluation: 3,
			Workers:               4,
			Selection:             "top_half",
		},
		Learning: learningRequest{Episodes: 500},
		Swarm: swarmRequest{
			Population:            8,
			Survivors:             2,
			Generations:           50,
			EpisodesPerGeneration: 3,
		},
		Play:   playRequest{Episodes: 1},
		Agent:  agentCfg,
		Arcade: scape.DefaultArcadeConfig(),
	}
}

// loadRunRequest starts from the defaults and overlays the YAML (or JSON)
// file at path, when given. Only fields present in the file change.
func loadRunRequest(path string) (runRequest, error) {
	req := defaultRunRequest()
	if path == "" {
		return req, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return runRequest{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return runRequest{}, fmt.Errorf("parsing config file: %w", err)
	}
	return req, nil
}

// agentConfig is the learner config with the shared overrides applied.
func (r runRequest) agentConfig() agent.Config {
	cfg := r.Agent
	cfg.ObservationSize = scape.ObservationSize
	cfg.HiddenSizes = append([]int(nil), r.HiddenSizes...)
	cfg.Seed = r.Seed
	return cfg
}

func (r runRequest) decoder() (agent.Decoder, error) {
	return agent.NewDecoder(r.Decoder, r.MaxTurn)
}

// flagBinder registers flags whose values are applied to a runRequest only
// when they were set explicitly on the command line.
type flagBinder struct {
	fs    *flag.FlagSet
	apply map[string]func(*runRequest) error
}

func newFlagBinder(name string) *flagBinder {
	return &flagBinder{
		fs:    flag.NewFlagSet(name, flag.ContinueOnError),
		apply: make(map[string]func(*runRequest) error),
	}
}

func (b *flagBinder) intVar(name string, def int, usage string, set func(*runRequest, int)) {
	v := b.fs.Int(name, def, usage)
	b.apply[name] = func(r *runRequest) error { set(r, *v); return nil }
}

func (b *flagBinder) int64Var(name string, def int64, usage string, set func(*runRequest, int64)) {
	v := b.fs.Int64(name, def, usage)
	b.apply[name] = func(r *runRequest) error { set(r, *v); return nil }
}

func (b *flagBinder) floatVar(name string, def float64, usage string, set func(*runRequest, float64)) {
	v := b.fs.Float64(name, def, usage)
	b.apply[name] = func(r *runRequest) error { set(r, *v); return nil }
}

func (b *flagBinder) stringVar(name, def, usage string, set func(*runRequest, string)) {
	v := b.fs.String(name, def, usage)
	b.apply[name] = func(r *runRequest) error { set(r, *v); return nil }
}

func (b *flagBinder) boolVar(name string, def bool, usage string, set func(*runRequest, bool)) {
	v := b.fs.Bool(name, def, usage)
	b.apply[name] = func(r *runRequest) error { set(r, *v); return nil }
}

func (b *flagBinder) hiddenVar(name string, def []int, usage string) {
	v := b.fs.String(name, formatHidden(def), usage)
	b.apply[name] = func(r *runRequest) error {
		sizes, err := parseHidden(*v)
		if err != nil {
			return err
		}
		r.HiddenSizes = sizes
		return nil
	}
}

// parse parses args, loads the -config file and applies explicitly set flags.
func (b *flagBinder) parse(args []string) (runRequest, error) {
	configPath := b.fs.String("config", "", "optional YAML or JSON config file")
	if err := b.fs.Parse(args); err != nil {
		return runRequest{}, err
	}
	req, err := loadRunRequest(*configPath)
	if err != nil {
		return runRequest{}, err
	}
	var applyErr error
	b.fs.Visit(func(f *flag.Flag) {
		if fn, ok := b.apply[f.Name]; ok && applyErr == nil {
			if err := fn(&req); err != nil {
				applyErr = fmt.Errorf("flag -%s: %w", f.Name, err)
			}
		}
	})
	return req, applyErr
}

// bindCommon registers the flags every training command shares.
func (b *flagBinder) bindCommon(def runRequest) {
	b.stringVar("run-id", def.RunID, "explicit run id (optional)", func(r *runRequest, v string) { r.RunID = v })
	b.stringVar("store", def.Store, "store backend: memory|sqlite", func(r *runRequest, v string) { r.Store = v })
	b.stringVar("db-path", def.DBPath, "sqlite database path", func(r *runRequest, v string) { r.DBPath = v })
	b.stringVar("out", def.OutputDir, "output directory for run artifacts", func(r *runRequest, v string) { r.OutputDir = v })
	b.int64Var("seed", def.Seed, "rng seed", func(r *runRequest, v int64) { r.Seed = v })
	b.intVar("ticks", def.MaxTicks, "max ticks per episode (0 uses the arcade limit)", func(r *runRequest, v int) { r.MaxTicks = v })
	b.stringVar("decoder", def.Decoder, "action decoder: discrete|discrete-fixed|continuous", func(r *runRequest, v string) { r.Decoder = v })
	b.floatVar("max-turn", def.MaxTurn, "continuous decoder turn bound in degrees per tick", func(r *runRequest, v float64) { r.MaxTurn = v })
	b.hiddenVar("hidden", def.HiddenSizes, "comma separated hidden layer sizes")
	b.stringVar("continue", def.Continue, "checkpoint to continue from", func(r *runRequest, v string) { r.Continue = v })
	b.stringVar("log-level", def.LogLevel, "log level: debug|info|warn|error", func(r *runRequest, v string) { r.LogLevel = v })
	b.boolVar("progress", def.Progress, "show a progress bar", func(r *runRequest, v bool) { r.Progress = v })
	b.floatVar("reward-survival", def.Arcade.Rewards.Survival, "reward per tick alive", func(r *runRequest, v float64) { r.Arcade.Rewards.Survival = v })
	b.floatVar("reward-kill", def.Arcade.Rewards.Kill, "reward per asteroid destroyed", func(r *runRequest, v float64) { r.Arcade.Rewards.Kill = v })
	b.floatVar("reward-damage", def.Arcade.Rewards.DamagePerHit, "penalty per hit taken", func(r *runRequest, v float64) { r.Arcade.Rewards.DamagePerHit = v })
	b.floatVar("reward-powerup", def.Arcade.Rewards.PowerUp, "reward per power-up collected", func(r *runRequest, v float64) { r.Arcade.Rewards.PowerUp = v })
	b.floatVar("reward-death", def.Arcade.Rewards.Death, "penalty on death", func(r *runRequest, v float64) { r.Arcade.Rewards.Death = v })
	b.floatVar("reward-shot", def.Arcade.Rewards.ShotCost, "penalty per shot fired", func(r *runRequest, v float64) { r.Arcade.Rewards.ShotCost = v })
}

func parseHidden(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		size, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid hidden size %q: %w", part, err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("hidden size must be > 0: %d", size)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

func formatHidden(sizes []int) string {
	parts := make([]string, len(sizes))
	for i, size := range sizes {
		parts[i] = strconv.Itoa(size)
	}
	return strings.Join(parts, ",")
}
