package embedding

import (
	"context"
	"fmt"

	"causeway/internal/logging"
	"causeway/internal/rules"
)

// Searcher is the vector search backing the index; the rule store implements
// it. An empty kind searches every rule.
type Searcher interface {
	Nearest(ctx context.Context, vec []float32, k int, maxDistance float64, kind rules.Kind) ([]rules.Match, error)
}

// Index embeds text and finds the nearest rules to a vector.
type Index struct {
	engine   Engine
	searcher Searcher
}

// NewIndex pairs an engine with a searcher.
func NewIndex(engine Engine, searcher Searcher) *Index {
	return &Index{engine: engine, searcher: searcher}
}

// Engine returns the underlying engine.
func (ix *Index) Engine() Engine { return ix.engine }

// Dimensions returns the fixed vector size D.
func (ix *Index) Dimensions() int { return ix.engine.Dimensions() }

// Embed returns the vector for text. Every failure is an *Error.
func (ix *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Index.Embed")
	defer timer.Stop()

	v, err := ix.engine.Embed(ctx, text)
	if err != nil {
		logging.EmbeddingWarn("embed failed (%s): %v", ix.engine.Name(), err)
		return nil, wrap(ix.engine.Name(), err)
	}
	if len(v) != ix.engine.Dimensions() {
		return nil, &Error{Engine: ix.engine.Name(), Err: fmt.Errorf("got %d dimensions, want %d", len(v), ix.engine.Dimensions())}
	}
	return v, nil
}

// Nearest delegates to the searcher. Results are ordered by ascending
// distance, ties by ascending rule id.
func (ix *Index) Nearest(ctx context.Context, vec []float32, k int, maxDistance float64, kind rules.Kind) ([]rules.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	return ix.searcher.Nearest(ctx, vec, k, maxDistance, kind)
}

// Search embeds free text and returns its nearest rules.
func (ix *Index) Search(ctx context.Context, text string, k int, maxDistance float64, kind rules.Kind) ([]rules.Match, error) {
	vec, err := ix.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return ix.Nearest(ctx, vec, k, maxDistance, kind)
}
