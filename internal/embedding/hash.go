package embedding

import (
	"context"
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// HashEngine is an offline, deterministic engine: lowercase word unigrams and
// bigrams are hashed into signed buckets and the result is normalized. It
// captures lexical overlap only, which is enough for dedup of near-identical
// rule text and for running without any provider.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash engine producing vectors of size dims.
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = DefaultConfig().Dimensions
	}
	return &HashEngine{dims: dims}
}

// Embed hashes text into a unit vector. Identical text always yields an
// identical vector.
func (e *HashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(e.Name(), err)
	}
	v := make([]float32, e.dims)
	words := tokenize(text)
	for i, w := range words {
		e.add(v, w, 1)
		if i > 0 {
			e.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return Normalize(v), nil
}

func (e *HashEngine) add(v []float32, token string, weight float32) {
	sum := blake3.Sum256([]byte(token))
	bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(e.dims)
	if sum[8]&1 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

// EmbedBatch embeds each text.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector size.
func (e *HashEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *HashEngine) Name() string { return "hash" }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
