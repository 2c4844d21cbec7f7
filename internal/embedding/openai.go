package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEngine generates embeddings with the OpenAI embeddings API. The
// text-embedding-3 models accept a requested dimensionality, which keeps
// vectors at the configured size.
type OpenAIEngine struct {
	client openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEngine creates a new OpenAI embedding engine.
func NewOpenAIEngine(apiKey, model string, dims int, timeout time.Duration) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or embedding.api_key)")
	}
	m := openai.EmbeddingModel(model)
	if m == "" {
		m = openai.EmbeddingModelTextEmbedding3Small
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(1),
	)
	return &OpenAIEngine{client: client, model: m, dims: dims}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.embed(ctx, openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)}, 1)
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch embeds all texts in one request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}, len(texts))
}

func (e *OpenAIEngine) embed(ctx context.Context, input openai.EmbeddingNewParamsInputUnion, n int) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      input,
		Model:      e.model,
		Dimensions: openai.Int(int64(e.dims)),
	})
	if err != nil {
		return nil, wrap(e.Name(), err)
	}
	if len(resp.Data) != n {
		return nil, wrap(e.Name(), fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), n))
	}

	out := make([][]float32, n)
	for _, d := range resp.Data {
		if int(d.Index) >= n || len(d.Embedding) != e.dims {
			return nil, wrap(e.Name(), fmt.Errorf("unexpected embedding index %d or size %d", d.Index, len(d.Embedding)))
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		out[d.Index] = v
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *OpenAIEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *OpenAIEngine) Name() string { return fmt.Sprintf("openai:%s", e.model) }
