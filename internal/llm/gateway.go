// Package llm wraps an OpenAI-compatible chat completion API with the
// layers every caller needs: a TTL/LRU cache, in-flight request
// coalescing, a concurrency gate, and retry with backoff.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/logging"
)

// Defaults for the gateway layers
const (
	DefaultMaxConcurrent = 15
	DefaultTimeout       = 60 * time.Second
	DefaultMaxRetries    = 2
)

// ChatCompleter is the upstream surface the gateway depends on.
// *openai.Client satisfies it; tests substitute fakes.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Gateway is the cached, rate-limited, coalescing LLM client
type Gateway struct {
	upstream ChatCompleter
	cache    *Cache

	sem        chan struct{}
	timeout    time.Duration
	maxRetries int

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	// MergedRequests counts callers that attached to an in-flight call
	MergedRequests atomic.Int64
	UpstreamCalls  atomic.Int64
}

type inflightCall struct {
	done   chan struct{}
	result string
	err    error
}

// GatewayOption tweaks construction
type GatewayOption func(*Gateway)

func WithMaxConcurrent(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = make(chan struct{}, n)
		}
	}
}

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func WithMaxRetries(n int) GatewayOption {
	return func(g *Gateway) { g.maxRetries = n }
}

// NewGateway creates a gateway over the given upstream and cache
func NewGateway(upstream ChatCompleter, cache *Cache, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		upstream:   upstream,
		cache:      cache,
		sem:        make(chan struct{}, DefaultMaxConcurrent),
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		inflight:   make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke runs one chat completion through cache, coalescer, gate and retry.
// Identical in-flight requests share a single upstream call.
func (g *Gateway) Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class QueryClass) (string, error) {
	key := requestKey(model, messages, temperature, class)

	if val, ok := g.cache.Get(key); ok {
		return val, nil
	}

	// Coalesce: first caller owns the upstream call, the rest wait on it
	g.inflightMu.Lock()
	if call, ok := g.inflight[key]; ok {
		g.inflightMu.Unlock()
		g.MergedRequests.Add(1)
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	g.inflight[key] = call
	g.inflightMu.Unlock()

	result, err := g.callUpstream(ctx, model, messages, temperature)

	call.result, call.err = result, err
	g.inflightMu.Lock()
	delete(g.inflight, key)
	g.inflightMu.Unlock()
	close(call.done)

	if err == nil {
		g.cache.Put(key, result, class.TTL(temperature))
	}
	return result, err
}

// callUpstream applies the concurrency gate, per-attempt timeout and retry
func (g *Gateway) callUpstream(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32) (string, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-g.sem }()

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			logging.Debug("llm", "retry %d after %v: %v", attempt, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		g.UpstreamCalls.Add(1)
		resp, err := g.upstream.CreateChatCompletion(attemptCtx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: temperature,
		})
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("empty response from model %s", model)
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		if !isRetriable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("llm call failed after %d retries: %w", g.maxRetries, lastErr)
}

// isRetriable reports whether the error is a transient upstream failure
func isRetriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}

// requestKey hashes the full request identity
func requestKey(model string, messages []openai.ChatCompletionMessage, temperature float32, class QueryClass) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.Encode(messages)
	fmt.Fprintf(h, "%s|%.3f|%s", model, temperature, class)
	return hex.EncodeToString(h.Sum(nil))
}
