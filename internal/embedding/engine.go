// Package embedding computes fixed-dimension vectors over rule text and tool
// calls, and searches them through a Searcher (the rule store).
package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"causeway/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is implemented by engines backed by a reachable service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ErrEmbedding matches any *Error via errors.Is.
var ErrEmbedding = errors.New("embedding unavailable")

// Error reports an embedding provider failure. Callers degrade instead of
// failing: the enforcer skips semantic rules, the learning agent skips dedup.
type Error struct {
	Engine string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding (%s): %v", e.Engine, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEmbedding }

// =============================================================================
// FACTORY
// =============================================================================

// Config configures the embedding engine.
type Config struct {
	Provider   string // "openai", "ollama", "genai", "hash"
	Model      string
	Dimensions int
	Endpoint   string // ollama
	APIKey     string // openai, genai
	Timeout    time.Duration
}

// DefaultConfig returns the default embedding configuration.
func DefaultConfig() Config {
	return Config{
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Dimensions: 384,
		Endpoint:   "http://localhost:11434",
		Timeout:    10 * time.Second,
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultConfig().Dimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logging.Embedding("Creating embedding engine: provider=%s model=%s dims=%d", cfg.Provider, cfg.Model, cfg.Dimensions)

	var (
		engine Engine
		err    error
	)
	switch cfg.Provider {
	case "openai", "":
		engine, err = NewOpenAIEngine(cfg.APIKey, cfg.Model, cfg.Dimensions, cfg.Timeout)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.Endpoint, cfg.Model, cfg.Dimensions, cfg.Timeout)
	case "genai":
		engine, err = NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "hash":
		engine = NewHashEngine(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create %s engine: %v", cfg.Provider, err)
		return nil, err
	}
	return engine, nil
}

// =============================================================================
// VECTOR MATH AND CODEC
// =============================================================================

// CosineDistance returns 1 - cosine similarity, in [0, 2]. A zero vector is
// at distance 1 from everything.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

// EncodeVector packs a vector as little-endian float32 bytes, the layout the
// SQLite distance functions read.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func wrap(engine string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Engine: engine, Err: err}
}
