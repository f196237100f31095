package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingsCreator is the upstream surface for embeddings.
// *openai.Client satisfies it.
type EmbeddingsCreator interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// embeddingTTL: embeddings for identical text never change, but the cache
// still bounds memory, so a long TTL is fine.
const embeddingTTL = 24 * time.Hour

// Embedder produces embeddings with a snapshot-backed cache in front
type Embedder struct {
	upstream EmbeddingsCreator
	model    string
	cache    *VectorCache
	timeout  time.Duration
}

// NewEmbedder creates an embedder for the given model
func NewEmbedder(upstream EmbeddingsCreator, model string, cache *VectorCache) *Embedder {
	return &Embedder{
		upstream: upstream,
		model:    model,
		cache:    cache,
		timeout:  30 * time.Second,
	}
}

// Embed returns the embedding for text, from cache when possible
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	key := embedKey(e.model, text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.upstream.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float64(f)
	}
	e.cache.Put(key, vec, embeddingTTL)
	return vec, nil
}

func embedKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}
