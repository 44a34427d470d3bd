package pipeline

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-stipple/internal/backend"
	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/config"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/tensor"
	"github.com/23skdu/longbow-stipple/internal/tokenizer"
)

func quietLogger() *logger.Logger {
	return logger.New(&bytes.Buffer{}, "error")
}

func smallConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutDir = t.TempDir()
	cfg.Prompt = "a lighthouse at dusk"
	cfg.Steps = 5
	cfg.Height, cfg.Width = 32, 32
	cfg.Samples = 2
	cfg.Iter = 2
	return cfg
}

func analyticModels(t *testing.T, ckpt *checkpoint.Checkpoint) (*backend.Analytic, Models) {
	t.Helper()
	levels, err := ckpt.Levels()
	if err != nil {
		t.Fatal(err)
	}
	a := backend.New(levels, backend.Config{Tokens: 4, Dim: 16, Factor: 8, DataStd: 0.5})
	return a, Models{Predictor: a, Encoder: a, Decoder: a, Safety: a}
}

func run(t *testing.T, cfg config.Config, models Models) *Result {
	t.Helper()
	r, err := NewRunner(cfg, checkpoint.Default(), models, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestTxt2ImgWritesNumberedOutputs(t *testing.T) {
	cfg := smallConfig(t)
	_, models := analyticModels(t, checkpoint.Default())

	res := run(t, cfg, models)
	samples := filepath.Join(cfg.OutDir, "samples")
	want := []string{
		filepath.Join(samples, "00000.png"),
		filepath.Join(samples, "00001.png"),
		filepath.Join(samples, "00002.png"),
		filepath.Join(samples, "00003.png"),
	}
	if diff := cmp.Diff(want, res.Samples); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}
	if res.Grid != filepath.Join(cfg.OutDir, "grid-0000.png") {
		t.Errorf("grid = %s", res.Grid)
	}

	f, err := os.Open(res.Grid)
	if err != nil {
		t.Fatal(err)
	}
	grid, err := png.Decode(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	// 2 per row, 2 rows of 32x32 tiles with padding 2
	if s := grid.Bounds().Size(); s.X != 70 || s.Y != 70 {
		t.Errorf("grid size = %v, want 70x70", s)
	}

	m, err := ReadManifest(res.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != res.ID || m.Sampler != "lms" || m.Steps != 5 || len(m.Sigmas) != 6 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Sigmas[5] != 0 {
		t.Errorf("schedule ends at %v, want 0", m.Sigmas[5])
	}

	// a second run continues the numbering
	again := run(t, cfg, models)
	if filepath.Base(again.Samples[0]) != "00004.png" {
		t.Errorf("second run starts at %s", again.Samples[0])
	}
	if filepath.Base(again.Grid) != "grid-0001.png" {
		t.Errorf("second grid = %s", again.Grid)
	}
}

func TestTxt2ImgIsReproducible(t *testing.T) {
	_, models := analyticModels(t, checkpoint.Default())
	read := func(cfg config.Config) []byte {
		res := run(t, cfg, models)
		data, err := os.ReadFile(res.Samples[len(res.Samples)-1])
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	a := smallConfig(t)
	a.Sampler = "euler_ancestral"
	b := a
	b.OutDir = t.TempDir()
	if !bytes.Equal(read(a), read(b)) {
		t.Error("same seed produced different images")
	}

	c := a
	c.OutDir = t.TempDir()
	c.Seed = 7
	if bytes.Equal(read(a), read(c)) {
		t.Error("different seeds produced identical images")
	}
}

func TestDefaultGuidanceKeepsContrast(t *testing.T) {
	levels, err := checkpoint.Default().Levels()
	if err != nil {
		t.Fatal(err)
	}
	a := backend.New(levels, backend.DefaultConfig())
	models := Models{Predictor: a, Encoder: a, Decoder: a, Safety: a}

	for _, sampler := range []string{"lms", "euler", "euler_ancestral"} {
		cfg := smallConfig(t)
		cfg.Sampler = sampler
		cfg.Samples, cfg.Iter = 1, 1
		cfg.SkipGrid = true
		if cfg.Scale != config.Default().Scale {
			t.Fatalf("scale = %v, want the default", cfg.Scale)
		}
		res := run(t, cfg, models)

		f, err := os.Open(res.Samples[0])
		if err != nil {
			t.Fatal(err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		colors := map[color.RGBA]bool{}
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				colors[color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)] = true
			}
		}
		if len(colors) < 2 {
			t.Errorf("%s: sample has %d distinct colors", sampler, len(colors))
		}
	}
}

type flagFirst struct{}

func (flagFirst) CheckSafety(_ context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error) {
	flags := make([]bool, images.Batch())
	flags[0] = true
	return images, flags, nil
}

func TestSafetyFlaggedImagesBecomePlaceholders(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Iter = 1
	cfg.SkipGrid = true
	_, models := analyticModels(t, checkpoint.Default())
	models.Safety = flagFirst{}

	res := run(t, cfg, models)
	if res.Flagged != 1 || res.Grid != "" {
		t.Errorf("flagged = %d, grid = %q", res.Flagged, res.Grid)
	}

	f, err := os.Open(res.Samples[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := color.RGBAModel.Convert(img.At(0, 0)).(color.RGBA); got != (color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}) {
		t.Errorf("flagged sample pixel = %v, want placeholder", got)
	}

	// disabling safety skips the checker entirely
	cfg.Safety = false
	cfg.OutDir = t.TempDir()
	if res := run(t, cfg, models); res.Flagged != 0 {
		t.Errorf("flagged with safety off = %d", res.Flagged)
	}
}

type countingEncoder struct {
	TextEncoder
	calls [][]string
}

func (c *countingEncoder) EncodeText(ctx context.Context, prompts []string) (*tensor.Tensor, error) {
	c.calls = append(c.calls, prompts)
	return c.TextEncoder.EncodeText(ctx, prompts)
}

func TestGuidanceScaleOneSkipsUnconditional(t *testing.T) {
	a, models := analyticModels(t, checkpoint.Default())

	for _, tt := range []struct {
		scale float64
		calls int
	}{{1, 2}, {7.5, 4}} {
		cfg := smallConfig(t)
		cfg.Scale = tt.scale
		cfg.SkipSave = true
		enc := &countingEncoder{TextEncoder: a}
		models.Encoder = enc
		run(t, cfg, models)
		if len(enc.calls) != tt.calls {
			t.Errorf("scale %v: %d encoder calls, want %d", tt.scale, len(enc.calls), tt.calls)
		}
	}
}

func TestLoadPromptsChunksFile(t *testing.T) {
	cfg := config.Default()
	cfg.Samples = 2
	cfg.FromFile = filepath.Join(t.TempDir(), "prompts.txt")
	if err := os.WriteFile(cfg.FromFile, []byte("one\r\ntwo\nthree\nfour\nfive\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadPrompts(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"one", "two"}, {"three", "four"}, {"five"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batches (-want +got):\n%s", diff)
	}

	cfg.FromFile = ""
	got, _ = LoadPrompts(&cfg)
	if diff := cmp.Diff([][]string{{cfg.Prompt, cfg.Prompt}}, got); diff != "" {
		t.Errorf("single prompt batches (-want +got):\n%s", diff)
	}
}

func TestNewRunnerFailsBeforeCompute(t *testing.T) {
	_, models := analyticModels(t, checkpoint.Default())

	cfg := smallConfig(t)
	cfg.Sampler = "lms"
	cfg.Karras = true
	cfg.KarrasFallback = "fail"
	if _, err := NewRunner(cfg, checkpoint.Default(), models, quietLogger()); err == nil {
		t.Error("expected karras fallback failure for lms")
	}

	cfg = smallConfig(t)
	cfg.Channels = 3
	if _, err := NewRunner(cfg, checkpoint.Default(), models, quietLogger()); err == nil {
		t.Error("expected latent channel mismatch")
	}

	cfg = smallConfig(t)
	cfg.Height = 30
	if _, err := NewRunner(cfg, checkpoint.Default(), models, quietLogger()); err == nil {
		t.Error("expected invalid height")
	}
}

// mustTokenizer builds a vocabulary in which "*" is missing and word is id 0.
func mustTokenizer(t *testing.T, word string) *tokenizer.Tokenizer {
	t.Helper()
	tk, err := tokenizer.FromTokens([]string{word + "</w>", tokenizer.StartToken, tokenizer.EndToken})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

type corruptEcho struct{}

func (corruptEcho) EchoToken(_ context.Context, token int64) (int64, error) { return token + 1, nil }

func TestEmbeddingCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.gguf")
	err := checkpoint.WriteEmbeddings(path, []checkpoint.Embedding{
		{Placeholder: "*", Token: 265, Vectors: []float32{0.1, 0.2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := analyticModels(t, checkpoint.Default())

	ok := &EmbeddingCheck{Path: path, Expect: 265, Warmup: a, Echo: a, Tokenizer: tokenizer.Hashed(), Log: quietLogger()}
	if err := ok.Run(context.Background()); err != nil {
		t.Errorf("round trip failed: %v", err)
	}

	tests := []struct {
		name  string
		check EmbeddingCheck
		want  string
	}{
		{"wrong token", EmbeddingCheck{Path: path, Expect: 266, Echo: a}, "expected 266"},
		{"corrupted echo", EmbeddingCheck{Path: path, Expect: 265, Echo: corruptEcho{}}, "accelerator returned token 266"},
		{"missing placeholder", EmbeddingCheck{Path: path, Placeholder: "<cat>", Expect: 265, Echo: a}, "no placeholder"},
		{"missing file", EmbeddingCheck{Path: path + ".missing", Expect: 265, Echo: a}, "load embeddings"},
		{"tokenizer disagrees", EmbeddingCheck{Path: path, Placeholder: "*", Expect: 265, Echo: a, Tokenizer: mustTokenizer(t, "$")}, "tokenizer maps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check.Log = quietLogger()
			err := tt.check.Run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Run() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestBatchHookSeesEveryBatch(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Samples = 1
	cfg.Iter = 3
	_, models := analyticModels(t, checkpoint.Default())

	r, err := NewRunner(cfg, checkpoint.Default(), models, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	var images []int
	r.OnBatch(func(n int, d time.Duration, nonFinite int) {
		if nonFinite != 0 {
			t.Errorf("batch reported %d non-finite values", nonFinite)
		}
		images = append(images, n)
	})
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 1, 1}, images); diff != "" {
		t.Errorf("batches (-want +got):\n%s", diff)
	}
}
