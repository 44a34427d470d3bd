package main

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-stipple/internal/arrowrpc"
	"github.com/23skdu/longbow-stipple/internal/backend"
	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/config"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/modelstore"
	"github.com/23skdu/longbow-stipple/internal/pipeline"
	"github.com/23skdu/longbow-stipple/internal/tokenizer"
)

// openCheckpoint loads ref as a file path or model-store name. An empty ref
// selects the built-in Stable Diffusion v1 description.
func openCheckpoint(ref string) (*checkpoint.Checkpoint, error) {
	if ref == "" {
		return checkpoint.Default(), nil
	}
	store, err := modelstore.Open()
	if err != nil {
		return nil, err
	}
	path, err := store.Resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", ref, err)
	}
	if path != ref {
		logger.Log.Info("resolved checkpoint", "name", ref, "path", path)
	}
	return checkpoint.Load(path)
}

// openTokenizer reads the vocabulary stored in the checkpoint file, if any.
func openTokenizer(ckpt *checkpoint.Checkpoint) (*tokenizer.Tokenizer, error) {
	if ckpt.Path == "" {
		return tokenizer.Hashed(), nil
	}
	tk, err := tokenizer.New(ckpt.Path)
	if errors.Is(err, tokenizer.ErrNoVocabulary) {
		logger.Log.Debug("checkpoint has no vocabulary, hashing words", "path", ckpt.Path)
		return tokenizer.Hashed(), nil
	}
	if err != nil {
		return nil, err
	}
	logger.Log.Info("loaded vocabulary", "tokens", len(tk.Tokens))
	return tk, nil
}

func analyticBackend(ckpt *checkpoint.Checkpoint) (*backend.Analytic, error) {
	levels, err := ckpt.Levels()
	if err != nil {
		return nil, err
	}
	bc := backend.DefaultConfig()
	bc.Dim = ckpt.ContextDim
	bc.Factor = ckpt.DownsampleFactor
	if bc.Tokenizer, err = openTokenizer(ckpt); err != nil {
		return nil, err
	}
	return backend.New(levels, bc), nil
}

// openBackend returns the selected model service and a close function.
func openBackend(kind, addr string, ckpt *checkpoint.Checkpoint) (arrowrpc.Backend, func(), error) {
	switch kind {
	case config.BackendRemote:
		c, err := arrowrpc.Dial(addr)
		if err != nil {
			return nil, nil, err
		}
		logger.Log.Info("using model server", "addr", c.Addr())
		return c, func() { _ = c.Close() }, nil
	case config.BackendAnalytic, "":
		a, err := analyticBackend(ckpt)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func modelsFor(s arrowrpc.Backend) pipeline.Models {
	return pipeline.Models{Predictor: s, Encoder: s, Decoder: s, Safety: s}
}
