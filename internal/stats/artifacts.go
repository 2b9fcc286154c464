package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"astrorl/internal/agent"
	"astrorl/internal/model"
	"astrorl/internal/scape"
)

const runIndexFile = "run_index.json"

// RunConfig is the resolved configuration a run was started with.
type RunConfig struct {
	RunID                 string             `json:"run_id"`
	Kind                  string             `json:"kind"`
	Scape                 string             `json:"scape"`
	Decoder               string             `json:"decoder,omitempty"`
	ContinueFrom          string             `json:"continue_from,omitempty"`
	PopulationSize        int                `json:"population_size,omitempty"`
	Survivors             int                `json:"survivors,omitempty"`
	EliteCount            int                `json:"elite_count,omitempty"`
	Generations           int                `json:"generations,omitempty"`
	Episodes              int                `json:"episodes,omitempty"`
	EpisodesPerEvaluation int                `json:"episodes_per_evaluation,omitempty"`
	MaxTicks              int                `json:"max_ticks"`
	Sigma                 float64            `json:"sigma,omitempty"`
	SigmaDecay            float64            `json:"sigma_decay,omitempty"`
	SigmaMin              float64            `json:"sigma_min,omitempty"`
	CloneSigma            float64            `json:"clone_sigma,omitempty"`
	Selection             string             `json:"selection,omitempty"`
	Workers               int                `json:"workers,omitempty"`
	Seed                  int64              `json:"seed"`
	HiddenSizes           []int              `json:"hidden_sizes"`
	Agent                 *agent.Config      `json:"agent,omitempty"`
	Arcade                scape.ArcadeConfig `json:"arcade"`
}

type TopGenome struct {
	Rank    int          `json:"rank"`
	Fitness float64      `json:"fitness"`
	Genome  model.Genome `json:"genome"`
}

type RunArtifacts struct {
	Config           RunConfig                 `json:"config"`
	BestByGeneration []float64                 `json:"best_by_generation"`
	Generations      []model.GenerationSummary `json:"generations,omitempty"`
	Episodes         []model.EpisodeRecord     `json:"episodes,omitempty"`
	FinalBestFitness float64                   `json:"final_best_fitness"`
	TopGenomes       []TopGenome               `json:"top_genomes,omitempty"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Kind             string  `json:"kind"`
	Scape            string  `json:"scape"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Episodes         int     `json:"episodes"`
	Seed             int64   `json:"seed"`
	Workers          int     `json:"workers"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

var (
	generationHeader = []string{"generation", "best_fitness", "mean_fitness", "min_fitness", "std_fitness", "best_ever", "sigma", "failed_evals"}
	episodeHeader    = []string{"episode", "reward", "running_reward", "epsilon", "steps"}
)

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	history := map[string]any{
		"best_by_generation": finiteSeries(artifacts.BestByGeneration),
		"final_best_fitness": finiteOrZero(artifacts.FinalBestFitness),
	}
	if err := writeJSON(filepath.Join(runDir, "fitness_history.json"), history); err != nil {
		return "", err
	}
	if len(artifacts.TopGenomes) > 0 {
		if err := writeJSON(filepath.Join(runDir, "top_genomes.json"), artifacts.TopGenomes); err != nil {
			return "", err
		}
	}
	if err := writeGenerationsCSV(filepath.Join(runDir, "generations.csv"), artifacts.Generations); err != nil {
		return "", err
	}
	if err := writeEpisodesCSV(filepath.Join(runDir, "episodes.csv"), artifacts.Episodes); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	entry.FinalBestFitness = finiteOrZero(entry.FinalBestFitness)

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	return cfg, ok, err
}

// ReadFitnessHistory returns the best fitness per generation (or the running
// reward per episode for learning runs) recorded for runID.
func ReadFitnessHistory(baseDir, runID string) ([]float64, bool, error) {
	var history struct {
		BestByGeneration []float64 `json:"best_by_generation"`
	}
	ok, err := readJSON(filepath.Join(baseDir, runID, "fitness_history.json"), &history)
	return history.BestByGeneration, ok, err
}

// ReadGenerations parses generations.csv back into summaries. Survivor IDs
// are not part of the CSV.
func ReadGenerations(baseDir, runID string) ([]model.GenerationSummary, bool, error) {
	rows, ok, err := readCSV(filepath.Join(baseDir, runID, "generations.csv"), len(generationHeader))
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]model.GenerationSummary, 0, len(rows))
	for _, row := range rows {
		ints, floats, err := parseRow(row, []int{0, 7}, []int{1, 2, 3, 4, 5, 6})
		if err != nil {
			return nil, false, err
		}
		out = append(out, model.GenerationSummary{
			Generation:  ints[0],
			BestFitness: floats[1],
			MeanFitness: floats[2],
			MinFitness:  floats[3],
			StdFitness:  floats[4],
			BestEver:    floats[5],
			Sigma:       floats[6],
			FailedEvals: ints[7],
		})
	}
	return out, true, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func writeGenerationsCSV(path string, generations []model.GenerationSummary) error {
	rows := make([][]string, 0, len(generations))
	for _, g := range generations {
		rows = append(rows, []string{
			strconv.Itoa(g.Generation),
			formatFloat(g.BestFitness),
			formatFloat(g.MeanFitness),
			formatFloat(g.MinFitness),
			formatFloat(g.StdFitness),
			formatFloat(g.BestEver),
			formatFloat(g.Sigma),
			strconv.Itoa(g.FailedEvals),
		})
	}
	return writeCSV(path, generationHeader, rows)
}

func writeEpisodesCSV(path string, episodes []model.EpisodeRecord) error {
	rows := make([][]string, 0, len(episodes))
	for _, e := range episodes {
		rows = append(rows, []string{
			strconv.Itoa(e.Episode),
			formatFloat(e.Reward),
			formatFloat(e.RunningReward),
			formatFloat(e.Epsilon),
			strconv.Itoa(e.Steps),
		})
	}
	return writeCSV(path, episodeHeader, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}

func readCSV(path string, columns int) ([][]string, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = columns
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return [][]string{}, true, nil
		}
		return nil, false, err
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func parseRow(row []string, intCols, floatCols []int) (map[int]int, map[int]float64, error) {
	ints := make(map[int]int, len(intCols))
	for _, col := range intCols {
		v, err := strconv.Atoi(row[col])
		if err != nil {
			return nil, nil, fmt.Errorf("column %d: %w", col, err)
		}
		ints[col] = v
	}
	floats := make(map[int]float64, len(floatCols))
	for _, col := range floatCols {
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("column %d: %w", col, err)
		}
		floats[col] = v
	}
	return ints, floats, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
