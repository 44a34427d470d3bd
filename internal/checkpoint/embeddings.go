package checkpoint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-stipple/internal/gguf"
)

const (
	tokenPrefix = "string_to_token."
	paramPrefix = "string_to_param."

	// DefaultPlaceholder is the placeholder string textual-inversion
	// training uses when none is configured.
	DefaultPlaceholder = "*"
)

// Embedding is one learned placeholder token.
type Embedding struct {
	Placeholder string
	Token       int64
	Vectors     []float32 // optional, [n_vectors * dim]
	Dims        []uint64
}

// LoadEmbeddings reads every placeholder of a textual-inversion file, sorted
// by placeholder.
func LoadEmbeddings(path string) ([]Embedding, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load embeddings %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	keys := f.Keys(tokenPrefix)
	if len(keys) == 0 {
		return nil, fmt.Errorf("embeddings %s: no %s* keys", path, tokenPrefix)
	}
	sort.Strings(keys)

	out := make([]Embedding, 0, len(keys))
	for _, k := range keys {
		placeholder := strings.TrimPrefix(k, tokenPrefix)
		tok, err := f.GetUint(k)
		if err != nil {
			return nil, fmt.Errorf("embeddings %s: %w", path, err)
		}
		e := Embedding{Placeholder: placeholder, Token: int64(tok)}
		if t, ok := f.Tensor(paramPrefix + placeholder); ok {
			if e.Vectors, err = t.Float32s(); err != nil {
				return nil, fmt.Errorf("embeddings %s: %w", path, err)
			}
			e.Dims = append([]uint64(nil), t.Dimensions...)
		}
		out = append(out, e)
	}
	return out, nil
}

// Find returns the embedding for placeholder.
func Find(embs []Embedding, placeholder string) (Embedding, bool) {
	for _, e := range embs {
		if e.Placeholder == placeholder {
			return e, true
		}
	}
	return Embedding{}, false
}

// WriteEmbeddings stores embeddings in the layout LoadEmbeddings reads.
func WriteEmbeddings(path string, embs []Embedding) error {
	w := gguf.NewWriter()
	for _, e := range embs {
		if e.Token < 0 {
			return fmt.Errorf("placeholder %q: negative token %d", e.Placeholder, e.Token)
		}
		if err := w.Set(tokenPrefix+e.Placeholder, uint64(e.Token)); err != nil {
			return err
		}
		if len(e.Vectors) > 0 {
			dims := e.Dims
			if len(dims) == 0 {
				dims = []uint64{uint64(len(e.Vectors))}
			}
			if err := w.AddF32(paramPrefix+e.Placeholder, dims, e.Vectors); err != nil {
				return err
			}
		}
	}
	return w.WriteFile(path)
}
