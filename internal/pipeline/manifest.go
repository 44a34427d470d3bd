package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/config"
)

// RunManifest is written to <outdir>/runs/<id>.json after each run.
type RunManifest struct {
	ID           string     `json:"id"`
	Started      time.Time  `json:"started"`
	Duration     string     `json:"duration"`
	Checkpoint   string     `json:"checkpoint"`
	Prompts      [][]string `json:"prompts"`
	Sampler      string     `json:"sampler"`
	Steps        int        `json:"steps"`
	Karras       bool       `json:"karras"`
	Approximated bool       `json:"approximated"`
	Sigmas       []float64  `json:"sigmas"`
	Scale        float64    `json:"scale"`
	Seed         int64      `json:"seed"`
	Height       int        `json:"height"`
	Width        int        `json:"width"`
	Iterations   int        `json:"iterations"`
	FixedCode    bool       `json:"fixed_code"`
	Samples      []string   `json:"samples,omitempty"`
	Grid         string     `json:"grid,omitempty"`
	Flagged      int        `json:"flagged"`
}

// ReadManifest loads a run manifest.
func ReadManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeManifest(cfg *config.Config, ckpt *checkpoint.Checkpoint, res *Result, prompts [][]string, started time.Time) (string, error) {
	m := RunManifest{
		ID:           res.ID,
		Started:      started.UTC(),
		Duration:     time.Since(started).String(),
		Checkpoint:   ckpt.Name,
		Prompts:      prompts,
		Sampler:      res.Plan.Kind.String(),
		Steps:        res.Plan.Steps(),
		Karras:       res.Plan.Karras,
		Approximated: res.Plan.Approximated,
		Sigmas:       res.Plan.Sigmas,
		Scale:        cfg.Scale,
		Seed:         cfg.Seed,
		Height:       cfg.Height,
		Width:        cfg.Width,
		Iterations:   cfg.Iter,
		FixedCode:    cfg.FixedCode,
		Samples:      res.Samples,
		Grid:         res.Grid,
		Flagged:      res.Flagged,
	}
	dir := filepath.Join(cfg.OutDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, res.ID+".json")
	return path, os.WriteFile(path, data, 0o644)
}
