// Package checkpoint reads and writes genome checkpoints: a little-endian
// int32 parameter count, that many float32 parameters in network flatten
// order, and a trailing float32 fitness.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"astrorl/internal/model"
)

var ErrParamCountMismatch = errors.New("checkpoint parameter count mismatch")

// maxParams bounds the count field so a corrupt header cannot trigger a huge
// allocation.
const maxParams = 1 << 26

// Write encodes genome to w. Parameters are narrowed to float32. An
// unevaluated genome is written with fitness -Inf.
func Write(w io.Writer, genome model.Genome) error {
	if len(genome.Params) > maxParams {
		return fmt.Errorf("checkpoint has too many parameters: %d", len(genome.Params))
	}
	buf := bufio.NewWriter(w)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(genome.Params))); err != nil {
		return fmt.Errorf("write parameter count: %w", err)
	}
	params := make([]float32, len(genome.Params))
	for i, p := range genome.Params {
		params[i] = float32(p)
	}
	if err := binary.Write(buf, binary.LittleEndian, params); err != nil {
		return fmt.Errorf("write parameters: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, float32(genome.Fitness)); err != nil {
		return fmt.Errorf("write fitness: %w", err)
	}
	return buf.Flush()
}

// Read decodes a genome from r. When expectedParams is positive the stored
// count must match it exactly.
func Read(r io.Reader, expectedParams int) (model.Genome, error) {
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return model.Genome{}, fmt.Errorf("read parameter count: %w", err)
	}
	if count < 0 || count > maxParams {
		return model.Genome{}, fmt.Errorf("%w: invalid count %d", ErrParamCountMismatch, count)
	}
	if expectedParams > 0 && int(count) != expectedParams {
		return model.Genome{}, fmt.Errorf("%w: got=%d want=%d", ErrParamCountMismatch, count, expectedParams)
	}

	params := make([]float32, count)
	if err := binary.Read(r, binary.LittleEndian, params); err != nil {
		return model.Genome{}, fmt.Errorf("read parameters: %w", err)
	}
	var fitness float32
	if err := binary.Read(r, binary.LittleEndian, &fitness); err != nil {
		return model.Genome{}, fmt.Errorf("read fitness: %w", err)
	}

	genome := model.Genome{Params: make([]float64, count), Fitness: float64(fitness)}
	for i, p := range params {
		genome.Params[i] = float64(p)
	}
	if math.IsNaN(genome.Fitness) {
		genome.Fitness = math.Inf(-1)
	}
	return genome, nil
}

// Save writes genome to path through a temporary file in the same directory
// and renames it into place.
func Save(path string, genome model.Genome) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := Write(tmp, genome); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Load reads the checkpoint at path. The genome ID is the file's base name.
func Load(path string, expectedParams int) (model.Genome, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Genome{}, err
	}
	defer f.Close()

	genome, err := Read(bufio.NewReader(f), expectedParams)
	if err != nil {
		return model.Genome{}, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	genome.ID = filepath.Base(path)
	return genome, nil
}
