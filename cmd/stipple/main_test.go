package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-stipple/internal/arrowrpc"
	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/logger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSamplersCommand(t *testing.T) {
	out, err := execute(t, "samplers")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"lms", "euler_ancestral", "dpm2_ancestral", "discretized", "approximated"} {
		if !strings.Contains(out, name) {
			t.Errorf("samplers output missing %q:\n%s", name, out)
		}
	}
}

func TestScheduleCommand(t *testing.T) {
	out, err := execute(t, "schedule", "--steps", "3", "--sampler", "heun", "--karras")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3 steps") || !strings.Contains(out, "snapped evaluation true") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "14.614") {
		t.Errorf("schedule should start at sigma_max:\n%s", out)
	}

	if _, err := execute(t, "schedule", "--sampler", "lms", "--karras", "--karras-fallback", "fail"); err == nil {
		t.Error("expected fail policy to reject lms with karras")
	}
	if _, err := execute(t, "schedule", "--sampler", "eulr"); err == nil || !strings.Contains(err.Error(), "euler") {
		t.Errorf("expected suggestion for misspelled sampler, got %v", err)
	}
}

func TestTxt2ImgCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "txt2img",
		"--outdir", dir, "--steps", "3", "--H", "16", "--W", "24",
		"--n-samples", "1", "--n-iter", "2", "--sampler", "k_euler")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("output should name the outdir:\n%s", out)
	}
	for _, name := range []string{"samples/00000.png", "samples/00001.png", "grid-0000.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	if _, err := execute(t, "txt2img", "--outdir", dir, "--H", "20"); err == nil {
		t.Error("expected error for height not divisible by f")
	}
}

func TestTxt2ImgAgainstModelServer(t *testing.T) {
	a, err := analyticBackend(checkpoint.Default())
	if err != nil {
		t.Fatal(err)
	}
	srv, err := arrowrpc.Listen("localhost:0", a, logger.New(&bytes.Buffer{}, "error"))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	dir := t.TempDir()
	_, err = execute(t, "txt2img",
		"--outdir", dir, "--steps", "2", "--H", "16", "--W", "16",
		"--n-samples", "2", "--n-iter", "1", "--skip-grid",
		"--backend", "remote", "--model-server", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"samples/00000.png", "samples/00001.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "grid-0000.png")); err == nil {
		t.Error("grid written despite --skip-grid")
	}
}

func TestInspectAndEmbCheckCommands(t *testing.T) {
	t.Setenv("STIPPLE_MODELS", t.TempDir())
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "sd.gguf")
	if err := checkpoint.Write(ckptPath, checkpoint.Default(), true); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "inspect", ckptPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "latent-diffusion") || !strings.Contains(out, "stored") {
		t.Errorf("inspect output:\n%s", out)
	}

	embPath := filepath.Join(dir, "embeddings.gguf")
	if err := checkpoint.WriteEmbeddings(embPath, []checkpoint.Embedding{{Placeholder: "*", Token: 265}}); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "embcheck", "--embeddings", embPath, "--ckpt", ckptPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Okay") {
		t.Errorf("embcheck output:\n%s", out)
	}
	if _, err := execute(t, "embcheck", "--embeddings", embPath, "--expect", "7"); err == nil {
		t.Error("expected token mismatch")
	}
}
