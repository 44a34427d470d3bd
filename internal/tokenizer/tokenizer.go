// Package tokenizer splits prompts into CLIP-style token ids padded to the
// text encoder's context length.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-stipple/internal/gguf"
)

const (
	// ContextLength is the CLIP text encoder's sequence length.
	ContextLength = 77
	VocabSize     = 49408

	StartToken = "<|startoftext|>"
	EndToken   = "<|endoftext|>"

	// KeyTokens holds the vocabulary in a GGUF file.
	KeyTokens = "tokenizer.ggml.tokens"

	wordSuffix = "</w>"
	// ids below firstMerged are the 256 byte pieces, then the same pieces
	// ending a word
	firstMerged = 512
)

// ErrNoVocabulary is returned by New for files without a token list.
var ErrNoVocabulary = errors.New("no tokenizer vocabulary")

type Tokenizer struct {
	Tokens  []string
	Vocab   map[string]int
	Context int

	start, end int
}

// New loads the vocabulary stored under tokenizer.ggml.tokens.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	val, ok := f.KV[KeyTokens]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoVocabulary)
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid type %T for %s", val, KeyTokens)
	}

	tokens := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("token %d is not a string", i)
		}
		tokens[i] = s
	}
	return FromTokens(tokens)
}

// FromTokens builds a tokenizer over an explicit vocabulary, which must
// contain the start and end tokens.
func FromTokens(tokens []string) (*Tokenizer, error) {
	vocab := make(map[string]int, len(tokens))
	for i, s := range tokens {
		vocab[s] = i
	}
	t := &Tokenizer{Tokens: tokens, Vocab: vocab, Context: ContextLength}
	var ok bool
	if t.start, ok = vocab[StartToken]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s", StartToken)
	}
	if t.end, ok = vocab[EndToken]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s", EndToken)
	}
	return t, nil
}

// Hashed returns a tokenizer without a vocabulary. Single printable ASCII
// characters get their CLIP ids; longer words hash into the merged range.
func Hashed() *Tokenizer {
	return &Tokenizer{Context: ContextLength, start: VocabSize - 2, end: VocabSize - 1}
}

func (t *Tokenizer) Start() int { return t.start }
func (t *Tokenizer) End() int   { return t.end }

// Words lowercases text and splits it into letter runs, single digits and
// single symbols.
func Words(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r):
			cur = append(cur, r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			words = append(words, string(r))
		}
	}
	flush()
	return words
}

// ID returns the token id of a single word.
func (t *Tokenizer) ID(word string) (int, bool) {
	if t.Vocab == nil {
		return hashedID(word), true
	}
	if id, ok := t.Vocab[word+wordSuffix]; ok {
		return id, true
	}
	id, ok := t.Vocab[word]
	return id, ok
}

// hashedID follows CLIP's byte ordering, which starts at '!'.
func hashedID(word string) int {
	if len(word) == 1 && word[0] >= '!' && word[0] <= '~' {
		return 256 + int(word[0]-'!')
	}
	return firstMerged + int(xxhash.Sum64String(word)%uint64(VocabSize-2-firstMerged))
}

// Tokenize returns the ids of text without start, end or padding. Words
// missing from the vocabulary fall back to their characters; characters
// still missing are dropped.
func (t *Tokenizer) Tokenize(text string) []int {
	var ids []int
	for _, w := range Words(text) {
		if id, ok := t.ID(w); ok {
			ids = append(ids, id)
			continue
		}
		runes := []rune(w)
		for i, r := range runes {
			piece := string(r)
			if i == len(runes)-1 {
				piece += wordSuffix
			}
			if id, ok := t.Vocab[piece]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Encode returns exactly n ids: start, the prompt, end, then end repeated
// as padding. Long prompts are cut so the end token survives.
func (t *Tokenizer) Encode(text string, n int) []int {
	if n <= 0 {
		n = t.Context
	}
	body := t.Tokenize(text)
	if limit := max(n-2, 0); len(body) > limit {
		body = body[:limit]
	}
	ids := make([]int, 0, n)
	ids = append(ids, t.start)
	ids = append(ids, body...)
	for len(ids) < n {
		ids = append(ids, t.end)
	}
	return ids[:n]
}

// Decode joins the pieces of ids, skipping start and end. Without a
// vocabulary only single characters are recovered.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.start || id == t.end {
			continue
		}
		piece, ok := t.piece(id)
		if !ok {
			continue
		}
		sb.WriteString(strings.ReplaceAll(piece, wordSuffix, " "))
	}
	return strings.TrimSpace(sb.String())
}

func (t *Tokenizer) piece(id int) (string, bool) {
	if t.Vocab != nil {
		if id < 0 || id >= len(t.Tokens) {
			return "", false
		}
		return t.Tokens[id], true
	}
	if id >= 256 && id < 256+('~'-'!'+1) {
		return string(rune('!'+id-256)) + wordSuffix, true
	}
	return "", false
}
