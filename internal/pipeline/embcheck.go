package pipeline

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/tokenizer"
)

// EmbeddingCheck verifies that a textual-inversion placeholder token id
// survives a round trip through the model service unchanged.
type EmbeddingCheck struct {
	Path        string
	Placeholder string
	Expect      int64
	// Warmup, when set, encodes a padded empty prompt first so the service
	// has its embedding table resident before the echo.
	Warmup TextEncoder
	Echo   TokenEchoer
	// Tokenizer, when set, must map the placeholder to the stored token.
	Tokenizer *tokenizer.Tokenizer
	Log       *logger.Logger
}

// Run returns nil when the stored token matches Expect and comes back unchanged.
func (c *EmbeddingCheck) Run(ctx context.Context) error {
	log := c.Log
	if log == nil {
		log = logger.Log
	}
	placeholder := c.Placeholder
	if placeholder == "" {
		placeholder = checkpoint.DefaultPlaceholder
	}

	embs, err := checkpoint.LoadEmbeddings(c.Path)
	if err != nil {
		return err
	}
	e, ok := checkpoint.Find(embs, placeholder)
	if !ok {
		return fmt.Errorf("embeddings %s have no placeholder %q", c.Path, placeholder)
	}
	log.Debug("placeholder loaded", "placeholder", placeholder, "token", e.Token, "vectors", len(e.Vectors))

	if c.Warmup != nil {
		if _, err := c.Warmup.EncodeText(ctx, []string{""}); err != nil {
			return fmt.Errorf("warm up text encoder: %w", err)
		}
	}

	if c.Tokenizer != nil {
		if id, ok := c.Tokenizer.ID(placeholder); !ok || int64(id) != e.Token {
			return fmt.Errorf("tokenizer maps %q to token %d, embeddings store %d", placeholder, id, e.Token)
		}
	}
	if e.Token != c.Expect {
		return fmt.Errorf("placeholder %q maps to token %d, expected %d", placeholder, e.Token, c.Expect)
	}

	got, err := c.Echo.EchoToken(ctx, e.Token)
	if err != nil {
		return fmt.Errorf("echo token: %w", err)
	}
	if got != e.Token {
		return fmt.Errorf("accelerator returned token %d, expected %d. This indicates failure to transfer the token to the accelerator and back", got, e.Token)
	}
	log.Info("placeholder token round trip ok", "placeholder", placeholder, "token", got)
	return nil
}
